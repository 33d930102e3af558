package services

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"rental_hunter/clock"
	"rental_hunter/config"
	"rental_hunter/models"
)

// MaintenanceStore is the persistence MaintenanceService needs.
type MaintenanceStore interface {
	NthRecentCompletedCycle(ctx context.Context, siteID string, n int) (int64, bool, error)
	ListAbsent(ctx context.Context, site string, beforeCycle int64) ([]models.Listing, error)
	PruneLogs(ctx context.Context, before time.Time) (int64, error)
}

type SweepResult struct {
	MarkedUnavailable int   `json:"marked_unavailable"`
	LogsPruned        int64 `json:"logs_pruned"`
	SitesSkipped      int   `json:"sites_skipped"`
}

// MaintenanceService runs the daily cleanup: listings missing from the last
// AbsentCycles completed cycles of their site are retired, old scrape logs
// are dropped.
type MaintenanceService struct {
	store   MaintenanceStore
	listing *ListingService
	cfg     config.SweepConfig
	sites   func() []string
	clock   clock.Clock
}

func NewMaintenanceService(store MaintenanceStore, listing *ListingService, cfg config.SweepConfig, sites func() []string, clk clock.Clock) *MaintenanceService {
	if clk == nil {
		clk = clock.Real()
	}
	return &MaintenanceService{store: store, listing: listing, cfg: cfg, sites: sites, clock: clk}
}

func (s *MaintenanceService) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := s.clock.Now()

	for _, site := range s.sites() {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		n, err := s.sweepSite(ctx, site)
		if err != nil {
			log.Error().Err(err).Str("site", site).Msg("sweep failed")
			continue
		}
		if n < 0 {
			result.SitesSkipped++
			continue
		}
		result.MarkedUnavailable += n
	}

	if s.cfg.LogRetentionDays > 0 {
		pruned, err := s.store.PruneLogs(ctx, now.AddDate(0, 0, -s.cfg.LogRetentionDays))
		if err != nil {
			return result, fmt.Errorf("prune logs: %w", err)
		}
		result.LogsPruned = pruned
	}

	log.Info().
		Int("marked_unavailable", result.MarkedUnavailable).
		Int64("logs_pruned", result.LogsPruned).
		Int("sites_skipped", result.SitesSkipped).
		Msg("sweep complete")
	return result, nil
}

// sweepSite returns -1 when the site has too few completed cycles to judge.
func (s *MaintenanceService) sweepSite(ctx context.Context, site string) (int, error) {
	threshold, ok, err := s.store.NthRecentCompletedCycle(ctx, site, s.cfg.AbsentCycles)
	if err != nil {
		return 0, fmt.Errorf("completed cycles: %w", err)
	}
	if !ok {
		return -1, nil
	}

	absent, err := s.store.ListAbsent(ctx, site, threshold)
	if err != nil {
		return 0, fmt.Errorf("list absent: %w", err)
	}

	marked := 0
	for _, l := range absent {
		reason := fmt.Sprintf("absent for %d cycles", s.cfg.AbsentCycles)
		if err := s.listing.MarkUnavailable(ctx, l.ID, reason); err != nil {
			log.Warn().Err(err).Str("listing_id", l.ID.String()).Msg("failed to mark listing unavailable")
			continue
		}
		marked++
	}
	return marked, nil
}
