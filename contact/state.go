package contact

import (
	"time"

	"rental_hunter/config"
	"rental_hunter/models"
)

// DeriveState computes where a listing stands in the contact sequence from
// its records and flags. Records are expected ordered by seq.
func DeriveState(l *models.Listing, records []models.ContactRecord, flags *models.ContactFlags, cfg config.ContactConfig, now time.Time) models.ContactState {
	state := models.ContactState{ListingID: l.ID}

	switch {
	case flags != nil && flags.RespondedAt != nil:
		state.Stage = models.StageResponded
		return state
	case flags != nil && flags.StoppedAt != nil:
		state.Stage = models.StageExhausted
		return state
	}

	if len(records) == 0 {
		state.Stage = models.StageNotContacted
		if l.HasEmail() && !l.Status.IsAbsorbing() {
			state.NextActionAt = &now
		}
		return state
	}

	latest := records[len(records)-1]
	var next time.Time
	switch latest.Seq {
	case models.SeqInitialEmail:
		state.Stage = models.StageAwaitingFollowup
		if latest.Outcome == models.OutcomePending {
			state.Stage = models.StageEmailSent
		}
		next = latest.SentAt.Add(cfg.EmailFollowupDelay)
	case models.SeqPhone:
		state.Stage = models.StagePhoneAttempted
		next = latest.SentAt.Add(cfg.PhoneFollowupDelay)
		if latest.Outcome == models.OutcomeSkipped {
			// urgent email was due together with the skipped call
			next = latest.SentAt
		}
	default:
		state.Stage = models.StageUrgentEmailSent
		next = latest.SentAt.Add(cfg.UrgentEmailDelay)
	}

	if latest.Outcome == models.OutcomeFailed {
		state.Blocked = true
		return state
	}
	state.NextActionAt = &next
	return state
}

// due reports whether the state's next action should run at now.
func due(state models.ContactState, now time.Time) bool {
	return !state.Blocked && state.NextActionAt != nil && !now.Before(*state.NextActionAt)
}
