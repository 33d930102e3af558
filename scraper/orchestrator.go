package scraper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"rental_hunter/clock"
	"rental_hunter/config"
	"rental_hunter/models"
)

// AllSites selects every enabled site in RunCycle.
const AllSites = "all"

// RunStore records cycles, runs and per-site health.
type RunStore interface {
	NextCycle(ctx context.Context, siteID string) (int64, error)
	CreateRun(ctx context.Context, run *models.ScrapeRun) (int64, error)
	FinishRun(ctx context.Context, run *models.ScrapeRun) error
	RecordCycleOutcome(ctx context.Context, siteID string, status models.RunStatus, degradedAfter int) (*models.SiteStats, error)
	GetSiteStats(ctx context.Context, siteID string) (*models.SiteStats, error)
	SetSiteDegraded(ctx context.Context, siteID string, degraded bool) error
	Log(ctx context.Context, runID *int64, level models.LogLevel, message, source string) error
}

// ListingProcessor dedups and persists one scraped candidate.
type ListingProcessor interface {
	Process(ctx context.Context, l *models.Listing, cycle int64) (models.ProcessResult, error)
}

type Orchestrator struct {
	cfg       *config.Config
	store     RunStore
	processor ListingProcessor
	adapters  map[string]Adapter
	clock     clock.Clock

	mu        sync.Mutex
	siteLocks map[string]*sync.Mutex
	paused    atomic.Bool
}

func NewOrchestrator(cfg *config.Config, store RunStore, processor ListingProcessor, adapters map[string]Adapter, clk clock.Clock) *Orchestrator {
	if clk == nil {
		clk = clock.Real()
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     store,
		processor: processor,
		adapters:  adapters,
		clock:     clk,
		siteLocks: make(map[string]*sync.Mutex),
	}
}

// BuildAdapters creates an adapter for every enabled site.
func BuildAdapters(cfg *config.Config, deps Deps) (map[string]Adapter, error) {
	adapters := make(map[string]Adapter)
	for _, id := range cfg.EnabledSites() {
		a, err := NewAdapter(cfg.Sites[id], deps)
		if err != nil {
			return nil, err
		}
		adapters[id] = a
	}
	return adapters, nil
}

// RunCycle runs one acquisition pass for a site, or for every enabled site
// when siteID is "all". Sites run concurrently; cycles of the same site wait
// for each other.
func (o *Orchestrator) RunCycle(ctx context.Context, siteID string) (models.CycleResult, error) {
	if siteID == "" || siteID == AllSites {
		return o.runAll(ctx)
	}

	adapter, ok := o.adapters[siteID]
	if !ok {
		return models.CycleResult{}, fmt.Errorf("unknown site: %s", siteID)
	}
	return o.runSite(ctx, siteID, adapter)
}

// RunScheduled is the cron entry point; it does nothing while paused.
func (o *Orchestrator) RunScheduled(ctx context.Context) (models.CycleResult, error) {
	if o.IsPaused() {
		log.Info().Msg("scraper is paused, skipping scheduled cycle")
		return models.CycleResult{}, nil
	}
	return o.RunCycle(ctx, AllSites)
}

func (o *Orchestrator) runAll(ctx context.Context) (models.CycleResult, error) {
	ids := o.SiteIDs()
	if len(ids) == 0 {
		return models.CycleResult{}, models.ErrNoEnabledAdapters
	}

	var (
		mu    sync.Mutex
		total models.CycleResult
		g     errgroup.Group
	)

	for _, id := range ids {
		stats, err := o.store.GetSiteStats(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("site", id).Msg("could not read site stats")
		}
		if stats != nil && stats.Degraded {
			// a completed run clears the flag, another failure keeps it
			log.Warn().Str("site", id).Int("consecutive_failed", stats.ConsecutiveFailed).Msg("site is degraded, retrying")
		}

		g.Go(func() error {
			res, err := o.runSite(ctx, id, o.adapters[id])
			if err != nil {
				log.Error().Err(err).Str("site", id).Msg("site cycle failed")
			}
			mu.Lock()
			total.Merge(res)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	sort.Strings(total.Sites)
	sort.Strings(total.Degraded)
	return total, ctx.Err()
}

func (o *Orchestrator) siteLock(siteID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.siteLocks[siteID]
	if !ok {
		l = &sync.Mutex{}
		o.siteLocks[siteID] = l
	}
	return l
}

func (o *Orchestrator) runSite(ctx context.Context, siteID string, adapter Adapter) (models.CycleResult, error) {
	lock := o.siteLock(siteID)
	lock.Lock()
	defer lock.Unlock()

	result := models.CycleResult{Sites: []string{siteID}}

	cycle, err := o.store.NextCycle(ctx, siteID)
	if err != nil {
		return result, fmt.Errorf("next cycle: %w", err)
	}

	run := &models.ScrapeRun{
		SiteID:    siteID,
		Cycle:     cycle,
		StartedAt: o.clock.Now(),
		Status:    models.RunStatusRunning,
	}
	runID, err := o.store.CreateRun(ctx, run)
	if err != nil {
		return result, fmt.Errorf("create run: %w", err)
	}
	run.ID = runID

	o.log(ctx, &run.ID, models.LogLevelInfo, fmt.Sprintf("Starting cycle %d", cycle), siteID)

	var (
		degraded bool
		abortErr error
	)

	for listing, err := range adapter.FetchListings(ctx, o.cfg.Criteria) {
		if err != nil {
			switch {
			case errors.Is(err, models.ErrSourceDegraded):
				degraded = true
				o.log(ctx, &run.ID, models.LogLevelError, err.Error(), siteID)
			case errors.Is(err, models.ErrFetch):
				result.PagesFailed++
				o.log(ctx, &run.ID, models.LogLevelWarn, err.Error(), siteID)
			default:
				abortErr = err
			}
			continue
		}

		result.Fetched++
		pr, err := o.processor.Process(ctx, listing, cycle)
		if err != nil {
			result.Failed++
			level := models.LogLevelError
			if errors.Is(err, models.ErrInvalidListingData) {
				result.Invalid++
				level = models.LogLevelWarn
			}
			o.log(ctx, &run.ID, level, fmt.Sprintf("listing %s: %v", listing.SourceListingID, err), siteID)
			continue
		}

		switch pr.Outcome {
		case models.ProcessNew:
			result.New++
			if pr.Ambiguous {
				result.Ambiguous++
			}
		case models.ProcessDuplicate:
			result.Duplicate++
		case models.ProcessKnown:
			result.Known++
		}
	}

	// Bookkeeping must land even when the cycle was cancelled
	bg := context.WithoutCancel(ctx)

	now := o.clock.Now()
	run.FinishedAt = &now
	run.Fetched = result.Fetched
	run.New = result.New
	run.Duplicate = result.Duplicate
	run.Failed = result.Failed
	run.PagesFailed = result.PagesFailed

	switch {
	case abortErr != nil:
		run.Status = models.RunStatusFailed
		run.ErrorMessage = abortErr.Error()
	case degraded || (result.Fetched == 0 && result.PagesFailed > 0):
		run.Status = models.RunStatusDegraded
		run.ErrorMessage = fmt.Sprintf("%d pages failed", result.PagesFailed)
	default:
		run.Status = models.RunStatusCompleted
	}

	if err := o.store.FinishRun(bg, run); err != nil {
		log.Error().Err(err).Str("site", siteID).Int64("run_id", run.ID).Msg("finish run failed")
	}

	if run.Status != models.RunStatusFailed {
		stats, err := o.store.RecordCycleOutcome(bg, siteID, run.Status, o.cfg.Scraper.DegradedAfter)
		if err != nil {
			log.Error().Err(err).Str("site", siteID).Msg("record cycle outcome failed")
		} else if stats != nil && stats.Degraded {
			result.Degraded = append(result.Degraded, siteID)
			o.log(bg, &run.ID, models.LogLevelError,
				fmt.Sprintf("%s after %d failed cycles", models.KindSourceDegraded, stats.ConsecutiveFailed), siteID)
		}
	}

	o.log(bg, &run.ID, models.LogLevelInfo,
		fmt.Sprintf("Cycle %d %s: %d fetched, %d new, %d duplicate, %d known, %d failed, %d pages failed",
			cycle, run.Status, result.Fetched, result.New, result.Duplicate, result.Known, result.Failed, result.PagesFailed), siteID)

	return result, abortErr
}

// EnableSite clears a site's degraded flag and failure streak.
func (o *Orchestrator) EnableSite(ctx context.Context, siteID string) error {
	if _, ok := o.adapters[siteID]; !ok {
		return fmt.Errorf("unknown site: %s", siteID)
	}
	if err := o.store.SetSiteDegraded(ctx, siteID, false); err != nil {
		return err
	}
	o.log(ctx, nil, models.LogLevelInfo, "Site re-enabled", siteID)
	return nil
}

func (o *Orchestrator) HandleCommand(ctx context.Context, cmd *models.Command) error {
	params, err := cmd.ParseParams()
	if err != nil {
		return err
	}

	switch cmd.Command {
	case models.CmdScrapeNow:
		_, err = o.RunCycle(ctx, AllSites)
		return err
	case models.CmdScrapeSite:
		site := params.Site
		if site == "" {
			site = AllSites
		}
		_, err = o.RunCycle(ctx, site)
		return err
	case models.CmdEnableSite:
		return o.EnableSite(ctx, params.Site)
	case models.CmdPause:
		o.Pause()
	case models.CmdResume:
		o.Resume()
	default:
		return fmt.Errorf("unsupported scraper command: %s", cmd.Command)
	}
	return nil
}

func (o *Orchestrator) Pause() {
	o.paused.Store(true)
	log.Info().Msg("scraper paused")
}

func (o *Orchestrator) Resume() {
	o.paused.Store(false)
	log.Info().Msg("scraper resumed")
}

// IsPaused reports whether scheduled cycles are suspended.
func (o *Orchestrator) IsPaused() bool {
	return o.paused.Load()
}

// SiteIDs returns the ids of sites with an adapter, sorted.
func (o *Orchestrator) SiteIDs() []string {
	ids := make([]string, 0, len(o.adapters))
	for id := range o.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (o *Orchestrator) log(ctx context.Context, runID *int64, level models.LogLevel, message, siteID string) {
	ev := log.Info()
	switch level {
	case models.LogLevelWarn:
		ev = log.Warn()
	case models.LogLevelError:
		ev = log.Error()
	}
	ev.Str("site", siteID).Msg(message)

	if err := o.store.Log(ctx, runID, level, message, siteID); err != nil {
		log.Debug().Err(err).Msg("persist log failed")
	}
}
