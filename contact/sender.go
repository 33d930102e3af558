package contact

import (
	"context"
	"fmt"

	"rental_hunter/models"
)

// Sender performs one contact action and acknowledges it synchronously.
// The final delivery outcome may arrive later through ReportOutcome.
type Sender interface {
	Send(ctx context.Context, action models.ContactAction) (models.Ack, error)
}

// PhoneCaller places an automated follow-up call.
type PhoneCaller interface {
	Available() bool
	Call(ctx context.Context, l *models.Listing) (models.Ack, error)
}

// ChannelSender routes actions to the email sender or the phone caller.
// Phone follow-ups become reminder emails when no caller is available.
type ChannelSender struct {
	email *EmailSender
	phone PhoneCaller
}

func NewChannelSender(email *EmailSender, phone PhoneCaller) *ChannelSender {
	return &ChannelSender{email: email, phone: phone}
}

// PhoneAvailable reports whether calls can be placed at all.
func (s *ChannelSender) PhoneAvailable() bool {
	return s.phone != nil && s.phone.Available()
}

func (s *ChannelSender) Send(ctx context.Context, action models.ContactAction) (models.Ack, error) {
	if action.Listing == nil {
		return models.Ack{}, fmt.Errorf("action for %s carries no listing", action.ListingID)
	}
	switch action.Channel {
	case models.ChannelEmail:
		return s.email.Send(ctx, action)
	case models.ChannelPhone:
		if s.PhoneAvailable() {
			return s.phone.Call(ctx, action.Listing)
		}
		// no telephony: the follow-up goes out as a reminder email
		action.Channel = models.ChannelEmail
		return s.email.Send(ctx, action)
	}
	return models.Ack{}, fmt.Errorf("unknown channel %q", action.Channel)
}
