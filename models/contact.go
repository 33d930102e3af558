package models

import (
	"time"

	"github.com/google/uuid"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPhone Channel = "phone"
)

type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"
	OutcomeUnknown Outcome = "unknown"
	// OutcomeSkipped marks a step that was never attempted.
	OutcomeSkipped Outcome = "skipped"
)

type TemplateKind string

const (
	TemplateInitial       TemplateKind = "initial"
	TemplatePhoneFollowup TemplateKind = "phone_followup"
	TemplateUrgent        TemplateKind = "urgent"
)

// Fixed position of each step in the progressive contact sequence.
const (
	SeqInitialEmail = 1
	SeqPhone        = 2
	SeqUrgentEmail  = 3
)

// ContactRecord is one outreach attempt tied to a listing.
type ContactRecord struct {
	ID               uuid.UUID    `json:"id" db:"id"`
	ListingID        uuid.UUID    `json:"listing_id" db:"listing_id"`
	Channel          Channel      `json:"channel" db:"channel"`
	Seq              int          `json:"seq" db:"seq"`
	Template         TemplateKind `json:"template" db:"template"`
	SentAt           time.Time    `json:"sent_at" db:"sent_at"`
	Outcome          Outcome      `json:"outcome" db:"outcome"`
	OutcomeAt        *time.Time   `json:"outcome_at" db:"outcome_at"`
	Error            string       `json:"error" db:"error"`
	ResponseDetected bool         `json:"response_detected" db:"response_detected"`
	ResponseAt       *time.Time   `json:"response_at" db:"response_at"`
}

type ContactStage string

const (
	StageNotContacted     ContactStage = "not_contacted"
	StageEmailSent        ContactStage = "email_sent"
	StageAwaitingFollowup ContactStage = "awaiting_followup"
	StagePhoneAttempted   ContactStage = "phone_attempted"
	StageUrgentEmailSent  ContactStage = "urgent_email_sent"
	StageExhausted        ContactStage = "exhausted"
	StageResponded        ContactStage = "responded"
)

func (s ContactStage) IsTerminal() bool {
	return s == StageExhausted || s == StageResponded
}

// ContactState is derived from a listing's contact records and flags.
type ContactState struct {
	ListingID    uuid.UUID    `json:"listing_id"`
	Stage        ContactStage `json:"stage"`
	NextActionAt *time.Time   `json:"next_action_at"`
	// Blocked is set while the latest attempt failed and awaits a manual retry.
	Blocked bool `json:"blocked"`
}

// ContactFlags holds the per-listing facts that are not contact records.
type ContactFlags struct {
	ListingID   uuid.UUID  `json:"listing_id" db:"listing_id"`
	RespondedAt *time.Time `json:"responded_at" db:"responded_at"`
	StoppedAt   *time.Time `json:"stopped_at" db:"stopped_at"`
	StopReason  string     `json:"stop_reason" db:"stop_reason"`
}

// ContactAction is a request to an outbound sender.
type ContactAction struct {
	ListingID       uuid.UUID    `json:"listing_id"`
	ContactRecordID uuid.UUID    `json:"contact_record_id"`
	Channel         Channel      `json:"channel"`
	Template        TemplateKind `json:"template"`
	Seq             int          `json:"seq"`
	Listing         *Listing     `json:"listing,omitempty"`
}

// Ack is the sender's synchronous answer to a contact action.
type Ack struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	// ProviderID is the transport-side identifier, such as a call SID.
	ProviderID string `json:"provider_id,omitempty"`
}
