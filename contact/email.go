package contact

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"rental_hunter/config"
	"rental_hunter/models"
)

//go:embed templates/*.html
var templateFS embed.FS

var subjects = map[models.TemplateKind]string{
	models.TemplateInitial:       "Demande de visite - %s",
	models.TemplatePhoneFollowup: "Relance - Demande de visite - %s",
	models.TemplateUrgent:        "URGENT - Dernière relance - %s",
}

// Message is a rendered email ready for a transport.
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Subject   string    `json:"subject"`
	HTML      string    `json:"html"`
	ListingID string    `json:"listing_id"`
	RecordID  string    `json:"record_id"`
	CreatedAt time.Time `json:"created_at"`
}

// MIME renders the message as an RFC 5322 document.
func (m *Message) MIME() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", m.From)
	fmt.Fprintf(&buf, "To: %s\r\n", m.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", m.Subject))
	fmt.Fprintf(&buf, "Message-ID: <%s@rental-hunter>\r\n", m.ID)
	fmt.Fprintf(&buf, "Date: %s\r\n", m.CreatedAt.Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")

	qp := quotedprintable.NewWriter(&buf)
	qp.Write([]byte(m.HTML))
	qp.Close()
	return buf.Bytes()
}

// MailTransport hands a rendered message to the outside world.
type MailTransport interface {
	Deliver(ctx context.Context, msg *Message) error
}

// EmailSender renders the French visit-request emails.
type EmailSender struct {
	transport MailTransport
	from      string
	fromName  string
	templates *template.Template
	now       func() time.Time
}

func NewEmailSender(cfg config.ContactConfig, transport MailTransport) (*EmailSender, error) {
	tmpl, err := template.New("").Funcs(template.FuncMap{
		"euros": func(v float64) string { return fmt.Sprintf("%.0f", v) },
	}).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse email templates: %w", err)
	}
	from := (&mail.Address{Name: cfg.FromName, Address: cfg.FromAddress}).String()
	return &EmailSender{
		transport: transport,
		from:      from,
		fromName:  cfg.FromName,
		templates: tmpl,
		now:       time.Now,
	}, nil
}

type templateData struct {
	Listing    *models.Listing
	SenderName string
	Attempt    int
}

// Render builds the message for action without sending it.
func (s *EmailSender) Render(action models.ContactAction) (*Message, error) {
	l := action.Listing
	format, ok := subjects[action.Template]
	if !ok {
		return nil, fmt.Errorf("no email template %q", action.Template)
	}
	if !l.HasEmail() {
		return nil, fmt.Errorf("listing %s has no contact email", l.ID)
	}

	var body bytes.Buffer
	data := templateData{Listing: l, SenderName: s.fromName, Attempt: action.Seq}
	if err := s.templates.ExecuteTemplate(&body, string(action.Template)+".html", data); err != nil {
		return nil, fmt.Errorf("render %s: %w", action.Template, err)
	}

	to := (&mail.Address{Name: l.ContactName, Address: strings.TrimSpace(l.ContactEmail)}).String()
	return &Message{
		ID:        uuid.NewString(),
		From:      s.from,
		To:        to,
		Subject:   fmt.Sprintf(format, l.Title),
		HTML:      body.String(),
		ListingID: l.ID.String(),
		RecordID:  action.ContactRecordID.String(),
		CreatedAt: s.now(),
	}, nil
}

func (s *EmailSender) Send(ctx context.Context, action models.ContactAction) (models.Ack, error) {
	msg, err := s.Render(action)
	if err != nil {
		return models.Ack{Accepted: false, Reason: err.Error()}, nil
	}
	if err := s.transport.Deliver(ctx, msg); err != nil {
		return models.Ack{}, err
	}
	return models.Ack{Accepted: true, ProviderID: msg.ID}, nil
}
