package contact

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rental_hunter/config"
	"rental_hunter/models"
)

type captureTransport struct {
	msgs []*Message
	err  error
}

func (c *captureTransport) Deliver(ctx context.Context, msg *Message) error {
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func sampleListing() *models.Listing {
	rooms := 2
	surface := 45.5
	return &models.Listing{
		ID:           uuid.New(),
		Title:        "Appartement 2 pièces 45 m²",
		Address:      "12 Rue de Paris",
		City:         "lyon",
		Price:        850,
		Rooms:        &rooms,
		Surface:      &surface,
		URL:          "https://www.seloger.com/annonces/187654321.htm",
		ContactName:  "Julie Bernard",
		ContactEmail: "agence@example.fr",
		ContactPhone: "04 78 12 34 56",
	}
}

func newTestEmailSender(t *testing.T, transport MailTransport) *EmailSender {
	t.Helper()
	s, err := NewEmailSender(testContactConfig(), transport)
	require.NoError(t, err)
	return s
}

func TestEmailSender_SubjectsPerTemplate(t *testing.T) {
	l := sampleListing()
	tests := []struct {
		template models.TemplateKind
		subject  string
		body     string
	}{
		{models.TemplateInitial, "Demande de visite - Appartement 2 pièces 45 m²", "organiser une visite"},
		{models.TemplatePhoneFollowup, "Relance - Demande de visite - Appartement 2 pièces 45 m²", "vous relancer"},
		{models.TemplateUrgent, "URGENT - Dernière relance - Appartement 2 pièces 45 m²", "dernière relance"},
	}

	s := newTestEmailSender(t, &captureTransport{})
	for _, tt := range tests {
		t.Run(string(tt.template), func(t *testing.T) {
			msg, err := s.Render(models.ContactAction{ListingID: l.ID, Template: tt.template, Seq: 1, Listing: l})
			require.NoError(t, err)
			assert.Equal(t, tt.subject, msg.Subject)
			assert.Contains(t, msg.HTML, tt.body)
			assert.Contains(t, msg.HTML, "Bonjour Julie Bernard")
			assert.Contains(t, msg.HTML, "850 €/mois")
			assert.Contains(t, msg.HTML, "Camille Martin")
			assert.Contains(t, msg.To, "agence@example.fr")
			assert.Contains(t, msg.From, "camille@example.fr")
		})
	}
}

func TestEmailSender_EscapesListingText(t *testing.T) {
	l := sampleListing()
	l.Title = `<script>alert("x")</script>`
	s := newTestEmailSender(t, &captureTransport{})

	msg, err := s.Render(models.ContactAction{Template: models.TemplateInitial, Listing: l})
	require.NoError(t, err)
	assert.NotContains(t, msg.HTML, "<script>")
}

func TestEmailSender_Send(t *testing.T) {
	l := sampleListing()
	transport := &captureTransport{}
	s := newTestEmailSender(t, transport)

	ack, err := s.Send(context.Background(), models.ContactAction{Template: models.TemplateInitial, Listing: l})
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	require.Len(t, transport.msgs, 1)
	assert.Equal(t, transport.msgs[0].ID, ack.ProviderID)

	l.ContactEmail = ""
	ack, err = s.Send(context.Background(), models.ContactAction{Template: models.TemplateInitial, Listing: l})
	require.NoError(t, err)
	assert.False(t, ack.Accepted)

	failing := newTestEmailSender(t, &captureTransport{err: errors.New("connection refused")})
	_, err = failing.Send(context.Background(), models.ContactAction{Template: models.TemplateInitial, Listing: sampleListing()})
	assert.Error(t, err)
}

func TestMessage_MIME(t *testing.T) {
	s := newTestEmailSender(t, &captureTransport{})
	msg, err := s.Render(models.ContactAction{Template: models.TemplateUrgent, Listing: sampleListing()})
	require.NoError(t, err)

	raw := string(msg.MIME())
	assert.Contains(t, raw, "Subject: =?utf-8?q?")
	assert.Contains(t, raw, "Content-Type: text/html; charset=utf-8\r\n")
	assert.Contains(t, raw, "Content-Transfer-Encoding: quoted-printable\r\n\r\n")
}

type stubCaller struct {
	available bool
	calls     int
}

func (s *stubCaller) Available() bool { return s.available }

func (s *stubCaller) Call(ctx context.Context, l *models.Listing) (models.Ack, error) {
	s.calls++
	return models.Ack{Accepted: true, ProviderID: "CA123"}, nil
}

func TestChannelSender_Routes(t *testing.T) {
	transport := &captureTransport{}
	caller := &stubCaller{available: true}
	s := NewChannelSender(newTestEmailSender(t, transport), caller)
	l := sampleListing()

	ack, err := s.Send(context.Background(), models.ContactAction{Channel: models.ChannelPhone, Template: models.TemplatePhoneFollowup, Listing: l})
	require.NoError(t, err)
	assert.Equal(t, "CA123", ack.ProviderID)
	assert.Equal(t, 1, caller.calls)

	caller.available = false
	ack, err = s.Send(context.Background(), models.ContactAction{Channel: models.ChannelPhone, Template: models.TemplatePhoneFollowup, Listing: l})
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	require.Len(t, transport.msgs, 1)
	assert.True(t, strings.HasPrefix(transport.msgs[0].Subject, "Relance"))

	_, err = s.Send(context.Background(), models.ContactAction{Channel: models.ChannelEmail, Template: models.TemplateInitial})
	assert.Error(t, err)
}

func TestSMTPTransport_Deliver(t *testing.T) {
	tr := NewSMTPTransport(config.SMTPConfig{Host: "smtp.example.fr", Port: 587, Username: "u", Password: "p"})
	var gotAddr, gotFrom string
	var gotTo []string
	tr.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo = addr, from, to
		return nil
	}

	s := newTestEmailSender(t, tr)
	ack, err := s.Send(context.Background(), models.ContactAction{Template: models.TemplateInitial, Listing: sampleListing()})
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	assert.Equal(t, "smtp.example.fr:587", gotAddr)
	assert.Equal(t, "camille@example.fr", gotFrom)
	assert.Equal(t, []string{"agence@example.fr"}, gotTo)
}

func TestFileAndCompositeTransport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mail.jsonl")
	failing := &captureTransport{err: errors.New("smtp down")}
	composite := CompositeTransport{NewFileTransport(path), failing}

	msg := &Message{ID: "1", To: "agence@example.fr", Subject: "Demande de visite - T2"}
	err := composite.Deliver(context.Background(), msg)
	assert.ErrorContains(t, err, "smtp down")

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	var got Message
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &got))
	assert.Equal(t, msg.Subject, got.Subject)
}

func TestNewMailTransport_DefaultsToLogging(t *testing.T) {
	_, ok := NewMailTransport(&config.Config{}, nil).(LoggingTransport)
	assert.True(t, ok)

	cfg := &config.Config{SMTP: config.SMTPConfig{Host: "smtp.example.fr", Port: 25, MailLog: filepath.Join(t.TempDir(), "m.jsonl")}}
	composite, ok := NewMailTransport(cfg, nil).(CompositeTransport)
	require.True(t, ok)
	assert.Len(t, composite, 2)
}

func TestNewMailTransport_NilRedisClient(t *testing.T) {
	var rdb *redis.Client
	_, ok := NewMailTransport(&config.Config{}, rdb).(LoggingTransport)
	assert.True(t, ok, "a nil client adds no outbox")

	rdb = redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer rdb.Close()
	outbox, ok := NewMailTransport(&config.Config{}, rdb).(*RedisTransport)
	require.True(t, ok)
	assert.NotNil(t, outbox)
}

func TestTwilioCaller_Call(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		assert.Equal(t, "/2010-04-01/Accounts/AC123/Calls.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC123", user)
		assert.Equal(t, "secret", pass)

		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "To=%2B33478123456")
		assert.Contains(t, string(body), "Twiml=")

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"CA42","status":"queued"}`))
	}))
	defer server.Close()

	caller := NewTwilioCaller(config.TwilioConfig{
		AccountSID: "AC123", AuthToken: "secret", PhoneNumber: "+33900000000", BaseURL: server.URL,
	}, server.Client())
	require.True(t, caller.Available())

	ack, err := caller.Call(context.Background(), sampleListing())
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	assert.Equal(t, "CA42", ack.ProviderID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestTwilioCaller_RejectsWithoutConfigOrPhone(t *testing.T) {
	caller := NewTwilioCaller(config.TwilioConfig{}, http.DefaultClient)
	assert.False(t, caller.Available())
	ack, err := caller.Call(context.Background(), sampleListing())
	require.NoError(t, err)
	assert.False(t, ack.Accepted)

	caller = NewTwilioCaller(config.TwilioConfig{AccountSID: "AC", AuthToken: "t", PhoneNumber: "+33"}, http.DefaultClient)
	l := sampleListing()
	l.ContactPhone = "n/a"
	ack, err = caller.Call(context.Background(), l)
	require.NoError(t, err)
	assert.False(t, ack.Accepted)
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in, want string
		ok       bool
	}{
		{"04 78 12 34 56", "+33478123456", true},
		{"06.12.34.56.78", "+33612345678", true},
		{"+33 6 12 34 56 78", "+33612345678", true},
		{"0033 6 12 34 56 78", "+33612345678", true},
		{"33612345678", "+33612345678", true},
		{"12 34", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, err := NormalizePhone(tt.in)
		if !tt.ok {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestCallScript_EscapesText(t *testing.T) {
	l := sampleListing()
	l.Address = "3 rue <Mercière> & Co"
	script := CallScript(l)
	assert.Contains(t, script, `language="fr-FR"`)
	assert.Contains(t, script, "&lt;Mercière&gt; &amp; Co")
	assert.Contains(t, script, "850 euros")
}
