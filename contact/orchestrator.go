package contact

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"rental_hunter/clock"
	"rental_hunter/config"
	"rental_hunter/models"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error)
	ListContactCandidates(ctx context.Context) ([]models.Listing, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.ListingStatus) error
	InsertContactRecord(ctx context.Context, rec *models.ContactRecord) error
	ListContactRecords(ctx context.Context, listingID uuid.UUID) ([]models.ContactRecord, error)
	GetContactRecord(ctx context.Context, id uuid.UUID) (*models.ContactRecord, error)
	UpdateContactOutcome(ctx context.Context, id uuid.UUID, outcome models.Outcome, errText string, at time.Time) error
	ResetContactRecord(ctx context.Context, id uuid.UUID, sentAt time.Time) error
	MarkResponseDetected(ctx context.Context, id uuid.UUID, at time.Time) error
	GetContactFlags(ctx context.Context, listingID uuid.UUID) (*models.ContactFlags, error)
	SetResponded(ctx context.Context, listingID uuid.UUID, at time.Time) error
	SetStopped(ctx context.Context, listingID uuid.UUID, reason string, at time.Time) error
}

// ResponseSink is told when a landlord or agency answers.
type ResponseSink interface {
	NotifyResponse(ctx context.Context, listingID uuid.UUID, at time.Time) error
}

// OutcomeReporter confirms queued actions right before they go out and
// receives the asynchronous result of each send.
type OutcomeReporter interface {
	StillPending(ctx context.Context, action models.ContactAction) (bool, error)
	ReportOutcome(ctx context.Context, recordID uuid.UUID, outcome models.Outcome, errText string) error
}

const stopReasonExhausted = "exhausted"

// ErrNotPursued is returned for manual actions on a listing that already
// responded or was stopped.
var ErrNotPursued = errors.New("listing no longer pursued")

// Orchestrator drives each eligible listing through the progressive contact
// sequence: initial email, phone follow-up, urgent email, then exhausted.
// Every transition for one listing runs under that listing's lock.
type Orchestrator struct {
	store          Store
	cfg            config.ContactConfig
	phoneAvailable bool
	clock          clock.Clock
	locks          *keyedMutex
}

func NewOrchestrator(store Store, cfg config.ContactConfig, phoneAvailable bool, clk clock.Clock) *Orchestrator {
	if clk == nil {
		clk = clock.Real()
	}
	return &Orchestrator{
		store:          store,
		cfg:            cfg,
		phoneAvailable: phoneAvailable && cfg.PhoneEnabled,
		clock:          clk,
		locks:          newKeyedMutex(),
	}
}

// State returns the derived contact state of a listing.
func (o *Orchestrator) State(ctx context.Context, listingID uuid.UUID, now time.Time) (models.ContactState, error) {
	unlock := o.locks.Lock(listingID)
	defer unlock()

	l, records, flags, err := o.load(ctx, listingID)
	if err != nil {
		return models.ContactState{}, err
	}
	return DeriveState(l, records, flags, o.cfg, now), nil
}

// Advance moves every due listing one step and returns the actions to send.
// Calling it twice with the same now emits nothing the second time.
func (o *Orchestrator) Advance(ctx context.Context, now time.Time) ([]models.ContactAction, error) {
	candidates, err := o.store.ListContactCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list contact candidates: %w", err)
	}

	var (
		actions []models.ContactAction
		failed  int
	)
	for i := range candidates {
		if err := ctx.Err(); err != nil {
			return actions, err
		}
		emitted, err := o.advanceListing(ctx, candidates[i].ID, now)
		if err != nil {
			failed++
			log.Error().Err(err).Str("listing_id", candidates[i].ID.String()).Msg("contact advance failed")
			continue
		}
		actions = append(actions, emitted...)
	}

	log.Info().
		Int("candidates", len(candidates)).
		Int("actions", len(actions)).
		Int("failed", failed).
		Msg("contact advance complete")
	return actions, nil
}

func (o *Orchestrator) advanceListing(ctx context.Context, id uuid.UUID, now time.Time) ([]models.ContactAction, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	l, records, flags, err := o.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.Status.IsAbsorbing() || l.Status == models.ListingStatusResponded {
		return nil, nil
	}

	state := DeriveState(l, records, flags, o.cfg, now)
	if state.Stage.IsTerminal() || !due(state, now) {
		return nil, nil
	}

	switch state.Stage {
	case models.StageNotContacted:
		action, err := o.send(ctx, l, models.SeqInitialEmail, models.ChannelEmail, models.TemplateInitial, now)
		if err != nil || action == nil {
			return nil, err
		}
		if err := o.store.UpdateStatus(ctx, l.ID, models.ListingStatusContacted); err != nil &&
			!errors.Is(err, models.ErrInvalidTransition) {
			return nil, fmt.Errorf("mark contacted: %w", err)
		}
		return []models.ContactAction{*action}, nil

	case models.StageEmailSent, models.StageAwaitingFollowup:
		if o.phoneAvailable && l.HasPhone() {
			action, err := o.send(ctx, l, models.SeqPhone, models.ChannelPhone, models.TemplatePhoneFollowup, now)
			if err != nil || action == nil {
				return nil, err
			}
			return []models.ContactAction{*action}, nil
		}
		if err := o.skipPhone(ctx, l, now); err != nil {
			return nil, err
		}
		return o.sendUrgent(ctx, l, now)

	case models.StagePhoneAttempted:
		return o.sendUrgent(ctx, l, now)

	case models.StageUrgentEmailSent:
		if err := o.store.SetStopped(ctx, l.ID, stopReasonExhausted, now); err != nil {
			return nil, fmt.Errorf("mark exhausted: %w", err)
		}
		log.Info().Str("listing_id", l.ID.String()).Msg("contact sequence exhausted")
	}
	return nil, nil
}

func (o *Orchestrator) sendUrgent(ctx context.Context, l *models.Listing, now time.Time) ([]models.ContactAction, error) {
	action, err := o.send(ctx, l, models.SeqUrgentEmail, models.ChannelEmail, models.TemplateUrgent, now)
	if err != nil || action == nil {
		return nil, err
	}
	return []models.ContactAction{*action}, nil
}

// send records the attempt and builds its action. A nil action means another
// advance already recorded this step.
func (o *Orchestrator) send(ctx context.Context, l *models.Listing, seq int, channel models.Channel, tmpl models.TemplateKind, now time.Time) (*models.ContactAction, error) {
	rec := &models.ContactRecord{
		ID:        uuid.New(),
		ListingID: l.ID,
		Channel:   channel,
		Seq:       seq,
		Template:  tmpl,
		SentAt:    now,
		Outcome:   models.OutcomePending,
	}
	if err := o.store.InsertContactRecord(ctx, rec); err != nil {
		if errors.Is(err, models.ErrAlreadyExists) {
			return nil, nil
		}
		return nil, fmt.Errorf("insert contact record seq %d: %w", seq, err)
	}

	log.Info().
		Str("listing_id", l.ID.String()).
		Str("record_id", rec.ID.String()).
		Int("seq", seq).
		Str("channel", string(channel)).
		Msg("contact step recorded")
	return actionFor(l, rec), nil
}

func (o *Orchestrator) skipPhone(ctx context.Context, l *models.Listing, now time.Time) error {
	rec := &models.ContactRecord{
		ID:        uuid.New(),
		ListingID: l.ID,
		Channel:   models.ChannelPhone,
		Seq:       models.SeqPhone,
		Template:  models.TemplatePhoneFollowup,
		SentAt:    now,
		Outcome:   models.OutcomeSkipped,
		OutcomeAt: &now,
	}
	if err := o.store.InsertContactRecord(ctx, rec); err != nil && !errors.Is(err, models.ErrAlreadyExists) {
		return fmt.Errorf("insert skipped phone record: %w", err)
	}
	return nil
}

func actionFor(l *models.Listing, rec *models.ContactRecord) *models.ContactAction {
	return &models.ContactAction{
		ListingID:       l.ID,
		ContactRecordID: rec.ID,
		Channel:         rec.Channel,
		Template:        rec.Template,
		Seq:             rec.Seq,
		Listing:         l,
	}
}

// NotifyResponse records that the listing's contact answered. It wins over
// any scheduled step; later advances emit nothing for this listing.
func (o *Orchestrator) NotifyResponse(ctx context.Context, listingID uuid.UUID, at time.Time) error {
	unlock := o.locks.Lock(listingID)
	defer unlock()

	l, records, flags, err := o.load(ctx, listingID)
	if err != nil {
		return err
	}
	switch {
	case flags.RespondedAt != nil:
		return nil
	case flags.StoppedAt != nil:
		log.Info().Str("listing_id", listingID.String()).Msg("response after contact stopped, ignored")
		return nil
	}

	if err := o.store.SetResponded(ctx, listingID, at); err != nil {
		return fmt.Errorf("set responded: %w", err)
	}
	if len(records) > 0 {
		latest := records[len(records)-1]
		if err := o.store.MarkResponseDetected(ctx, latest.ID, at); err != nil {
			return fmt.Errorf("mark response detected: %w", err)
		}
	}
	if err := o.store.UpdateStatus(ctx, l.ID, models.ListingStatusResponded); err != nil &&
		!errors.Is(err, models.ErrInvalidTransition) {
		return fmt.Errorf("mark responded: %w", err)
	}

	log.Info().Str("listing_id", listingID.String()).Time("at", at).Msg("response received")
	return nil
}

// ReportOutcome reconciles the result of a send. Reports for listings that
// already responded or were stopped are ignored. A failed outcome blocks the
// listing until RetryContact.
func (o *Orchestrator) ReportOutcome(ctx context.Context, recordID uuid.UUID, outcome models.Outcome, errText string) error {
	rec, err := o.store.GetContactRecord(ctx, recordID)
	if err != nil {
		return fmt.Errorf("get contact record: %w", err)
	}

	unlock := o.locks.Lock(rec.ListingID)
	defer unlock()

	flags, err := o.store.GetContactFlags(ctx, rec.ListingID)
	if err != nil {
		return fmt.Errorf("get contact flags: %w", err)
	}
	if flags.RespondedAt != nil || flags.StoppedAt != nil {
		log.Info().
			Str("record_id", recordID.String()).
			Str("outcome", string(outcome)).
			Msg("outcome for finished listing ignored")
		return nil
	}
	if rec.Outcome == models.OutcomeSkipped || rec.Outcome == outcome {
		return nil
	}

	if err := o.store.UpdateContactOutcome(ctx, recordID, outcome, errText, o.clock.Now()); err != nil {
		return fmt.Errorf("update outcome: %w", err)
	}

	if outcome == models.OutcomeFailed {
		log.Warn().
			Str("kind", string(models.KindSendFailure)).
			Str("listing_id", rec.ListingID.String()).
			Str("record_id", recordID.String()).
			Int("seq", rec.Seq).
			Str("error", errText).
			Msg("contact attempt failed, waiting for manual retry")
	}
	return nil
}

// StillPending reports whether a queued action may still be sent. An action
// whose listing responded or was stopped since it was emitted is cancelled:
// its record is marked skipped. Records that already have an outcome are
// never sent twice.
func (o *Orchestrator) StillPending(ctx context.Context, action models.ContactAction) (bool, error) {
	unlock := o.locks.Lock(action.ListingID)
	defer unlock()

	rec, err := o.store.GetContactRecord(ctx, action.ContactRecordID)
	if err != nil {
		return false, fmt.Errorf("get contact record: %w", err)
	}
	if rec.ListingID != action.ListingID || rec.Outcome != models.OutcomePending {
		return false, nil
	}

	flags, err := o.store.GetContactFlags(ctx, rec.ListingID)
	if err != nil {
		return false, fmt.Errorf("get contact flags: %w", err)
	}
	if flags.RespondedAt == nil && flags.StoppedAt == nil {
		return true, nil
	}

	if err := o.store.UpdateContactOutcome(ctx, rec.ID, models.OutcomeSkipped, "cancelled: listing no longer pursued", o.clock.Now()); err != nil {
		return false, fmt.Errorf("cancel contact record: %w", err)
	}
	log.Info().
		Str("listing_id", rec.ListingID.String()).
		Str("record_id", rec.ID.String()).
		Int("seq", rec.Seq).
		Msg("queued contact action cancelled")
	return false, nil
}

// StopPursuing ends the sequence for a listing immediately.
func (o *Orchestrator) StopPursuing(ctx context.Context, listingID uuid.UUID, reason string) error {
	unlock := o.locks.Lock(listingID)
	defer unlock()

	if _, err := o.store.GetListing(ctx, listingID); err != nil {
		return err
	}
	if reason == "" {
		reason = "manual"
	}
	if err := o.store.SetStopped(ctx, listingID, reason, o.clock.Now()); err != nil {
		return fmt.Errorf("stop contact: %w", err)
	}
	log.Info().Str("listing_id", listingID.String()).Str("reason", reason).Msg("contact stopped")
	return nil
}

// RetryContact re-sends the latest attempt of a listing after it failed.
func (o *Orchestrator) RetryContact(ctx context.Context, recordID uuid.UUID, now time.Time) (*models.ContactAction, error) {
	rec, err := o.store.GetContactRecord(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("get contact record: %w", err)
	}

	unlock := o.locks.Lock(rec.ListingID)
	defer unlock()

	l, records, flags, err := o.load(ctx, rec.ListingID)
	if err != nil {
		return nil, err
	}
	if flags.RespondedAt != nil || flags.StoppedAt != nil {
		return nil, ErrNotPursued
	}

	latest := records[len(records)-1]
	if latest.ID != recordID || latest.Outcome != models.OutcomeFailed {
		return nil, fmt.Errorf("record %s (seq %d, %s): %w", recordID, rec.Seq, rec.Outcome, models.ErrInvalidTransition)
	}

	if err := o.store.ResetContactRecord(ctx, recordID, now); err != nil {
		return nil, fmt.Errorf("reset contact record: %w", err)
	}
	latest.SentAt = now
	latest.Outcome = models.OutcomePending
	log.Info().Str("listing_id", l.ID.String()).Str("record_id", recordID.String()).Msg("contact retry")
	return actionFor(l, &latest), nil
}

func (o *Orchestrator) load(ctx context.Context, id uuid.UUID) (*models.Listing, []models.ContactRecord, *models.ContactFlags, error) {
	l, err := o.store.GetListing(ctx, id)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("get listing: %w", err)
	}
	records, err := o.store.ListContactRecords(ctx, id)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("list contact records: %w", err)
	}
	flags, err := o.store.GetContactFlags(ctx, id)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("get contact flags: %w", err)
	}
	return l, records, flags, nil
}

// keyedMutex hands out one mutex per listing and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[uuid.UUID]*lockEntry)}
}

func (k *keyedMutex) Lock(id uuid.UUID) func() {
	k.mu.Lock()
	e, ok := k.locks[id]
	if !ok {
		e = &lockEntry{}
		k.locks[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
