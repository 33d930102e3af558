package contact

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"rental_hunter/config"
	"rental_hunter/httputil"
	"rental_hunter/models"
)

const callTimeoutSeconds = "30"

// TwilioCaller places follow-up calls through the Twilio Calls API with a
// spoken French script.
type TwilioCaller struct {
	cfg    config.TwilioConfig
	client *http.Client
	retry  httputil.RetryConfig
}

func NewTwilioCaller(cfg config.TwilioConfig, client *http.Client) *TwilioCaller {
	return &TwilioCaller{cfg: cfg, client: client, retry: httputil.DefaultRetryConfig()}
}

func (c *TwilioCaller) Available() bool {
	return c.cfg.Configured()
}

type callResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (c *TwilioCaller) Call(ctx context.Context, l *models.Listing) (models.Ack, error) {
	if !c.Available() {
		return models.Ack{Accepted: false, Reason: "telephony not configured"}, nil
	}
	if !l.HasPhone() {
		return models.Ack{Accepted: false, Reason: "no phone number"}, nil
	}
	to, err := NormalizePhone(l.ContactPhone)
	if err != nil {
		return models.Ack{Accepted: false, Reason: err.Error()}, nil
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.cfg.PhoneNumber)
	form.Set("Twiml", CallScript(l))
	form.Set("Timeout", callTimeoutSeconds)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.AccountSID)

	var resp callResponse
	err = httputil.WithRetry(ctx, c.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		r, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer r.Body.Close()
		if err := httputil.CheckResponse(r); err != nil {
			return err
		}
		return json.NewDecoder(r.Body).Decode(&resp)
	})
	if err != nil {
		return models.Ack{}, fmt.Errorf("twilio call: %w", err)
	}

	log.Info().
		Str("listing_id", l.ID.String()).
		Str("call_sid", resp.SID).
		Str("status", resp.Status).
		Msg("call initiated")
	return models.Ack{Accepted: true, ProviderID: resp.SID}, nil
}

// CallScript is the TwiML read to the advertiser.
func CallScript(l *models.Listing) string {
	where := l.Address
	if where == "" {
		where = l.City
	}
	var said bytes.Buffer
	xml.EscapeText(&said, []byte(fmt.Sprintf(
		"Bonjour, je vous appelle concernant le logement situé %s, au loyer de %.0f euros par mois. "+
			"Je vous ai envoyé un email récemment sans avoir eu de retour. "+
			"Je suis très intéressé et souhaiterais organiser une visite rapidement. Mon dossier est complet. "+
			"Pourriez-vous me rappeler pour convenir d'un rendez-vous ? Je vous remercie.",
		where, l.Price)))

	return `<?xml version="1.0" encoding="UTF-8"?>` +
		`<Response><Pause length="1"/>` +
		`<Say voice="alice" language="fr-FR">` + said.String() + `</Say>` +
		`<Pause length="2"/><Say voice="alice" language="fr-FR">Merci, au revoir.</Say></Response>`
}

// NormalizePhone converts a French number to E.164.
func NormalizePhone(raw string) (string, error) {
	var digits strings.Builder
	for i, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == '+' && i == 0:
			digits.WriteRune(r)
		}
	}
	n := digits.String()
	switch {
	case strings.HasPrefix(n, "+"):
	case strings.HasPrefix(n, "0033"):
		n = "+" + n[2:]
	case strings.HasPrefix(n, "33") && len(n) == 11:
		n = "+" + n
	case strings.HasPrefix(n, "0") && len(n) == 10:
		n = "+33" + n[1:]
	default:
		return "", fmt.Errorf("unrecognized phone number %q", raw)
	}
	if len(n) < 11 || len(n) > 16 {
		return "", fmt.Errorf("unrecognized phone number %q", raw)
	}
	return n, nil
}
