package scheduler

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rental_hunter/clock"
	"rental_hunter/config"
	"rental_hunter/contact"
	"rental_hunter/models"
	"rental_hunter/scraper"
	"rental_hunter/services"
	"rental_hunter/storage"
	"rental_hunter/workers"
)

var start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type staticAdapter struct {
	id       string
	listings []models.Listing
}

func (a *staticAdapter) ID() string { return a.id }

func (a *staticAdapter) FetchListings(ctx context.Context, criteria config.SearchCriteria) iter.Seq2[*models.Listing, error] {
	return func(yield func(*models.Listing, error) bool) {
		for _, l := range a.listings {
			if !yield(&l, nil) {
				return
			}
		}
	}
}

type flakySender struct {
	mu    sync.Mutex
	fail  bool
	calls []models.ContactAction
}

func (s *flakySender) Send(ctx context.Context, action models.ContactAction) (models.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, action)
	if s.fail {
		return models.Ack{}, errors.New("smtp: 421 try again later")
	}
	return models.Ack{Accepted: true}, nil
}

type counter struct{ n int }

func (c *counter) Trigger() { c.n++ }

type fixture struct {
	store    *storage.MemoryStore
	clock    *clock.Fake
	sender   *flakySender
	contacts *contact.Orchestrator
	sched    *Scheduler
}

func testConfig() *config.Config {
	return &config.Config{
		Contact: config.ContactConfig{
			EmailFollowupDelay: 24 * time.Hour,
			PhoneFollowupDelay: 24 * time.Hour,
			UrgentEmailDelay:   24 * time.Hour,
		},
		Dedup: config.DedupConfig{
			AddressThreshold:     0.85,
			DescriptionThreshold: 0.75,
			PriceDelta:           50,
			WindowDays:           90,
		},
		Scheduler: config.SchedulerConfig{
			ScrapeCron:  "0 9,15,21 * * *",
			ContactCron: "*/30 * * * *",
			SweepCron:   "0 2 * * *",
			Timezone:    "UTC",
		},
		Sweep:   config.SweepConfig{AbsentCycles: 3, LogRetentionDays: 30},
		Scraper: config.ScraperConfig{DegradedAfter: 3},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testConfig()
	store := storage.NewMemoryStore()
	clk := clock.NewFake(start)
	store.SetNow(clk.Now)

	contacts := contact.NewOrchestrator(store, cfg.Contact, false, clk)
	listings := services.NewListingService(store, services.NewDuplicateDetector(cfg.Dedup), cfg.Dedup.WindowDays, clk)
	adapters := map[string]scraper.Adapter{
		"seloger": &staticAdapter{id: "seloger", listings: []models.Listing{{
			SourceSite:      "seloger",
			SourceListingID: "187654321",
			URL:             "https://www.seloger.com/annonces/187654321.htm",
			Title:           "Appartement 2 pièces 45 m²",
			Address:         "12 Rue de Paris",
			City:            "Lyon",
			Price:           850,
			PropertyType:    models.PropertyTypeApartment,
			ContactEmail:    "agence@example.fr",
		}}},
	}
	orch := scraper.NewOrchestrator(cfg, store, listings, adapters, clk)
	maintenance := services.NewMaintenanceService(store, listings, cfg.Sweep, orch.SiteIDs, clk)
	sender := &flakySender{}
	dispatcher := workers.NewDispatchWorker(sender, contacts, 0)

	sched, err := New(cfg, orch, contacts, dispatcher, maintenance, store, clk)
	require.NoError(t, err)
	return &fixture{store: store, clock: clk, sender: sender, contacts: contacts, sched: sched}
}

func (f *fixture) enqueue(t *testing.T, cmd models.CommandType, params *models.CommandParams) {
	t.Helper()
	_, err := f.store.EnqueueCommand(context.Background(), cmd, params)
	require.NoError(t, err)
}

func (f *fixture) listing(t *testing.T) *models.Listing {
	t.Helper()
	l, err := f.store.FindBySource(context.Background(), "seloger", "187654321")
	require.NoError(t, err)
	require.NotNil(t, l)
	return l
}

func TestProcessCommands_DrivesThePipeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.enqueue(t, models.CmdScrapeSite, &models.CommandParams{Site: "seloger"})
	assert.Equal(t, 1, f.sched.ProcessCommands(ctx))
	l := f.listing(t)
	assert.Equal(t, models.ListingStatusNew, l.Status)

	f.enqueue(t, models.CmdAdvance, nil)
	f.sched.ProcessCommands(ctx)
	require.Len(t, f.sender.calls, 1)
	assert.Equal(t, models.TemplateInitial, f.sender.calls[0].Template)

	f.enqueue(t, models.CmdMarkResponded, &models.CommandParams{ListingID: l.ID.String()})
	f.sched.ProcessCommands(ctx)
	state, err := f.contacts.State(ctx, l.ID, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, models.StageResponded, state.Stage)

	f.clock.Advance(72 * time.Hour)
	f.enqueue(t, models.CmdAdvance, nil)
	f.sched.ProcessCommands(ctx)
	assert.Len(t, f.sender.calls, 1)

	pending, err := f.store.GetPendingCommands(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestProcessCommands_BadParamsAreConsumed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.enqueue(t, models.CmdStopPursuing, &models.CommandParams{ListingID: "not-a-uuid"})
	f.enqueue(t, models.CmdScrapeSite, &models.CommandParams{Site: "unknown"})
	assert.Equal(t, 2, f.sched.ProcessCommands(ctx))

	pending, err := f.store.GetPendingCommands(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestProcessCommands_RetryContactResends(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sched.TriggerNow(ctx, "")
	require.NoError(t, err)
	l := f.listing(t)

	f.sender.fail = true
	_, err = f.sched.AdvanceContacts(ctx)
	require.NoError(t, err)

	recs, err := f.store.ListContactRecords(ctx, l.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.OutcomeFailed, recs[0].Outcome)

	f.sender.fail = false
	f.clock.Advance(time.Hour)
	f.enqueue(t, models.CmdRetryContact, &models.CommandParams{RecordID: recs[0].ID.String()})
	f.sched.ProcessCommands(ctx)

	recs, err = f.store.ListContactRecords(ctx, l.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.OutcomeSent, recs[0].Outcome)
	assert.True(t, recs[0].SentAt.Equal(f.clock.Now()))
	assert.Len(t, f.sender.calls, 2)
}

func TestProcessCommands_StopPursuingAndWorkers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	enrichment, healthcheck := &counter{}, &counter{}
	f.sched.SetWorkers(enrichment, healthcheck)

	_, err := f.sched.TriggerNow(ctx, "seloger")
	require.NoError(t, err)
	l := f.listing(t)

	f.enqueue(t, models.CmdStopPursuing, &models.CommandParams{ListingID: l.ID.String(), Reason: "déjà loué"})
	f.enqueue(t, models.CmdRunEnrichment, nil)
	f.enqueue(t, models.CmdRunHealthcheck, nil)
	f.enqueue(t, models.CmdRunSweep, nil)
	f.sched.ProcessCommands(ctx)

	assert.Equal(t, 1, enrichment.n)
	assert.Equal(t, 1, healthcheck.n)

	flags, err := f.store.GetContactFlags(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, "déjà loué", flags.StopReason)

	res, err := f.sched.AdvanceContacts(ctx)
	require.NoError(t, err)
	assert.Equal(t, workers.DispatchResult{}, res)
}

func TestStart_RejectsBadCron(t *testing.T) {
	f := newFixture(t)
	f.sched.cfg.Scheduler.SweepCron = "every night"
	err := f.sched.Start(context.Background())
	assert.ErrorContains(t, err, "sweep")
}

func TestNew_RejectsUnknownTimezone(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.Timezone = "Europe/Atlantis"
	_, err := New(cfg, nil, nil, nil, nil, nil, nil)
	assert.Error(t, err)
}
