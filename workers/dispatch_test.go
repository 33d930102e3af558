package workers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rental_hunter/clock"
	"rental_hunter/config"
	"rental_hunter/contact"
	"rental_hunter/models"
	"rental_hunter/storage"
)

type scriptedSender struct {
	mu   sync.Mutex
	sent []models.ContactAction
	fn   func(models.ContactAction) (models.Ack, error)
}

func (s *scriptedSender) Send(ctx context.Context, action models.ContactAction) (models.Ack, error) {
	s.mu.Lock()
	s.sent = append(s.sent, action)
	s.mu.Unlock()
	return s.fn(action)
}

type report struct {
	recordID uuid.UUID
	outcome  models.Outcome
	errText  string
}

type recordingReporter struct {
	reports   []report
	cancelled map[uuid.UUID]bool
}

func (r *recordingReporter) StillPending(ctx context.Context, action models.ContactAction) (bool, error) {
	return !r.cancelled[action.ContactRecordID], nil
}

func (r *recordingReporter) ReportOutcome(ctx context.Context, recordID uuid.UUID, outcome models.Outcome, errText string) error {
	r.reports = append(r.reports, report{recordID, outcome, errText})
	return nil
}

func TestDispatchWorker_ReportsEachOutcome(t *testing.T) {
	sender := &scriptedSender{fn: func(a models.ContactAction) (models.Ack, error) {
		switch a.Seq {
		case 1:
			return models.Ack{Accepted: true, ProviderID: "msg-1"}, nil
		case 2:
			return models.Ack{Accepted: false, Reason: "no phone number"}, nil
		}
		return models.Ack{}, errors.New("smtp: 421 service not available")
	}}
	reporter := &recordingReporter{}
	w := NewDispatchWorker(sender, reporter, 0)

	actions := []models.ContactAction{
		{ListingID: uuid.New(), ContactRecordID: uuid.New(), Channel: models.ChannelEmail, Seq: 1},
		{ListingID: uuid.New(), ContactRecordID: uuid.New(), Channel: models.ChannelPhone, Seq: 2},
		{ListingID: uuid.New(), ContactRecordID: uuid.New(), Channel: models.ChannelEmail, Seq: 3},
	}
	res, err := w.Dispatch(context.Background(), actions)
	require.NoError(t, err)
	assert.Equal(t, DispatchResult{Sent: 1, Failed: 2}, res)

	require.Len(t, reporter.reports, 3)
	assert.Equal(t, report{actions[0].ContactRecordID, models.OutcomeSent, ""}, reporter.reports[0])
	assert.Equal(t, models.OutcomeFailed, reporter.reports[1].outcome)
	assert.Contains(t, reporter.reports[1].errText, "no phone number")
	assert.Contains(t, reporter.reports[2].errText, models.KindSendFailure)
	assert.Contains(t, reporter.reports[2].errText, "421")
}

func TestDispatchWorker_StopsWhenCancelled(t *testing.T) {
	sender := &scriptedSender{fn: func(models.ContactAction) (models.Ack, error) {
		return models.Ack{Accepted: true}, nil
	}}
	w := NewDispatchWorker(sender, &recordingReporter{}, 60)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.Dispatch(ctx, []models.ContactAction{{ContactRecordID: uuid.New()}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sender.sent)
}

func TestDispatchWorker_SkipsCancelledActions(t *testing.T) {
	sender := &scriptedSender{fn: func(models.ContactAction) (models.Ack, error) {
		return models.Ack{Accepted: true}, nil
	}}
	keep, drop := uuid.New(), uuid.New()
	reporter := &recordingReporter{cancelled: map[uuid.UUID]bool{drop: true}}

	res, err := NewDispatchWorker(sender, reporter, 0).Dispatch(context.Background(), []models.ContactAction{
		{ListingID: uuid.New(), ContactRecordID: drop, Seq: 1},
		{ListingID: uuid.New(), ContactRecordID: keep, Seq: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, DispatchResult{Sent: 1, Skipped: 1}, res)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, keep, sender.sent[0].ContactRecordID)
	require.Len(t, reporter.reports, 1)
}

func newContactFixture(t *testing.T) (*storage.MemoryStore, *clock.Fake, *contact.Orchestrator) {
	t.Helper()
	store := storage.NewMemoryStore()
	clk := clock.NewFake(now)
	store.SetNow(clk.Now)
	cfg := config.ContactConfig{
		EmailFollowupDelay: 24 * time.Hour,
		PhoneFollowupDelay: 24 * time.Hour,
		UrgentEmailDelay:   24 * time.Hour,
	}
	return store, clk, contact.NewOrchestrator(store, cfg, false, clk)
}

func TestDispatchWorker_ResponseCancelsQueuedAction(t *testing.T) {
	store, clk, orch := newContactFixture(t)
	ctx := context.Background()
	insertListing(t, store, "1", "https://www.seloger.com/annonces/1.htm", "agence@example.fr")
	insertListing(t, store, "2", "https://www.seloger.com/annonces/2.htm", "proprio@example.fr")

	actions, err := orch.Advance(ctx, clk.Now())
	require.NoError(t, err)
	require.Len(t, actions, 2)
	first, queued := actions[0], actions[1]

	// the second landlord answers while the first email is going out
	sender := &scriptedSender{fn: func(a models.ContactAction) (models.Ack, error) {
		if a.ListingID == first.ListingID {
			require.NoError(t, orch.NotifyResponse(ctx, queued.ListingID, clk.Now()))
		}
		return models.Ack{Accepted: true}, nil
	}}
	res, err := NewDispatchWorker(sender, orch, 0).Dispatch(ctx, actions)
	require.NoError(t, err)
	assert.Equal(t, DispatchResult{Sent: 1, Skipped: 1}, res)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, first.ListingID, sender.sent[0].ListingID)

	state, err := orch.State(ctx, queued.ListingID, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, models.StageResponded, state.Stage)

	rec, err := store.GetContactRecord(ctx, queued.ContactRecordID)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSkipped, rec.Outcome)
}

func TestDispatchWorker_StopAndResendAreNotSent(t *testing.T) {
	store, clk, orch := newContactFixture(t)
	ctx := context.Background()
	l := insertListing(t, store, "1", "https://www.seloger.com/annonces/1.htm", "agence@example.fr")

	actions, err := orch.Advance(ctx, clk.Now())
	require.NoError(t, err)
	require.Len(t, actions, 1)

	sender := &scriptedSender{fn: func(models.ContactAction) (models.Ack, error) {
		return models.Ack{Accepted: true}, nil
	}}
	w := NewDispatchWorker(sender, orch, 0)

	res, err := w.Dispatch(ctx, actions)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)

	// the same batch handed over twice goes out once
	res, err = w.Dispatch(ctx, actions)
	require.NoError(t, err)
	assert.Equal(t, DispatchResult{Skipped: 1}, res)

	clk.Advance(25 * time.Hour)
	actions, err = orch.Advance(ctx, clk.Now())
	require.NoError(t, err)
	require.NotEmpty(t, actions)

	require.NoError(t, orch.StopPursuing(ctx, l.ID, "déjà loué"))
	res, err = w.Dispatch(ctx, actions)
	require.NoError(t, err)
	assert.Equal(t, len(actions), res.Skipped)
	assert.Len(t, sender.sent, 1)
}

func TestDispatchWorker_FailedSendBlocksListing(t *testing.T) {
	store, clk, orch := newContactFixture(t)
	l := insertListing(t, store, "1", "https://www.seloger.com/annonces/1.htm", "agence@example.fr")

	actions, err := orch.Advance(context.Background(), clk.Now())
	require.NoError(t, err)
	require.Len(t, actions, 1)

	sender := &scriptedSender{fn: func(models.ContactAction) (models.Ack, error) {
		return models.Ack{}, errors.New("mailbox unavailable")
	}}
	res, err := NewDispatchWorker(sender, orch, 0).Dispatch(context.Background(), actions)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	state, err := orch.State(context.Background(), l.ID, clk.Now())
	require.NoError(t, err)
	assert.True(t, state.Blocked)

	clk.Advance(48 * time.Hour)
	actions, err = orch.Advance(context.Background(), clk.Now())
	require.NoError(t, err)
	assert.Empty(t, actions)
}
