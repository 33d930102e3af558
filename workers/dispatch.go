package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"rental_hunter/contact"
	"rental_hunter/models"
)

// DispatchWorker performs the actions emitted by a contact advance through a
// Sender and reports each outcome back to the orchestrator.
type DispatchWorker struct {
	sender   contact.Sender
	reporter contact.OutcomeReporter
	limiter  *rate.Limiter
	logFunc  LogFunc
}

// DispatchResult counts what a Dispatch call did. Skipped actions were
// cancelled before their turn came.
type DispatchResult struct {
	Sent    int
	Failed  int
	Skipped int
}

// NewDispatchWorker sends at most perMinute actions per minute; zero or less
// means unlimited.
func NewDispatchWorker(sender contact.Sender, reporter contact.OutcomeReporter, perMinute int) *DispatchWorker {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	return &DispatchWorker{
		sender:   sender,
		reporter: reporter,
		limiter:  rate.NewLimiter(limit, 1),
		logFunc:  NoOpLogger,
	}
}

func (w *DispatchWorker) SetLogger(fn LogFunc) {
	w.logFunc = fn
}

// Dispatch sends the actions in order. Each action is confirmed with the
// reporter when its turn comes, so a response or a stop that arrives while it
// waits behind the limiter cancels it. Dispatch stops early only when ctx
// ends; actions left unsent keep a pending outcome.
func (w *DispatchWorker) Dispatch(ctx context.Context, actions []models.ContactAction) (DispatchResult, error) {
	var res DispatchResult
	for _, action := range actions {
		if err := w.limiter.Wait(ctx); err != nil {
			return res, err
		}

		ok, err := w.reporter.StillPending(ctx, action)
		if err != nil {
			log.Error().Err(err).
				Str("listing_id", action.ListingID.String()).
				Str("record_id", action.ContactRecordID.String()).
				Msg("could not confirm contact action, not sending")
		}
		if !ok {
			res.Skipped++
			continue
		}

		outcome, errText := w.send(ctx, action)
		if outcome == models.OutcomeSent {
			res.Sent++
		} else {
			res.Failed++
		}

		// the report must land even if the send raced a shutdown
		if err := w.reporter.ReportOutcome(context.WithoutCancel(ctx), action.ContactRecordID, outcome, errText); err != nil {
			log.Error().Err(err).
				Str("listing_id", action.ListingID.String()).
				Str("record_id", action.ContactRecordID.String()).
				Msg("report outcome failed")
		}
	}

	if res.Sent > 0 || res.Failed > 0 || res.Skipped > 0 {
		w.logFunc(models.LogLevelInfo, "contact",
			fmt.Sprintf("Dispatched %d contact actions, %d failed, %d cancelled", res.Sent, res.Failed, res.Skipped))
	}
	return res, nil
}

func (w *DispatchWorker) send(ctx context.Context, action models.ContactAction) (models.Outcome, string) {
	ack, err := w.sender.Send(ctx, action)
	if err == nil && ack.Accepted {
		log.Info().
			Str("listing_id", action.ListingID.String()).
			Str("record_id", action.ContactRecordID.String()).
			Str("channel", string(action.Channel)).
			Str("template", string(action.Template)).
			Int("seq", action.Seq).
			Msg("contact action sent")
		return models.OutcomeSent, ""
	}

	if err == nil {
		err = errors.New(ack.Reason)
	}
	failure := models.NewSendFailure(action.ListingID.String(), action.ContactRecordID.String(), err)
	log.Warn().Err(failure).
		Str("channel", string(action.Channel)).
		Int("seq", action.Seq).
		Msg("contact action failed")
	return models.OutcomeFailed, failure.Error()
}
