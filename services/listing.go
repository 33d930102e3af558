package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"rental_hunter/clock"
	"rental_hunter/identity"
	"rental_hunter/models"
)

// ListingStore is the persistence ListingService needs.
type ListingStore interface {
	FindBySource(ctx context.Context, site, sourceListingID string) (*models.Listing, error)
	MarkSeen(ctx context.Context, id uuid.UUID, cycle int64, at time.Time) error
	QueryRecent(ctx context.Context, city string, windowDays int, now time.Time) ([]models.Listing, error)
	InsertIfAbsent(ctx context.Context, l *models.Listing) (bool, error)
	InsertMatch(ctx context.Context, m *models.ListingMatch) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.ListingStatus) error
	SetStopped(ctx context.Context, listingID uuid.UUID, reason string, at time.Time) error
}

// ListingService validates, dedups and persists scraped listings.
// It is idempotent: reprocessing a listing already stored only refreshes its
// last-seen markers.
type ListingService struct {
	store      ListingStore
	detector   *DuplicateDetector
	windowDays int
	clock      clock.Clock
}

func NewListingService(store ListingStore, detector *DuplicateDetector, windowDays int, clk clock.Clock) *ListingService {
	if clk == nil {
		clk = clock.Real()
	}
	return &ListingService{
		store:      store,
		detector:   detector,
		windowDays: windowDays,
		clock:      clk,
	}
}

// Process handles one candidate seen during acquisition cycle.
func (s *ListingService) Process(ctx context.Context, l *models.Listing, cycle int64) (models.ProcessResult, error) {
	if err := l.Validate(); err != nil {
		return models.ProcessResult{}, err
	}

	now := s.clock.Now()
	l.City = identity.NormalizeCity(l.City)
	l.Fingerprint = identity.Fingerprint(l)
	l.DiscoveredAt = now
	l.LastSeenAt = now
	l.LastSeenCycle = cycle

	// 1. Already stored under the same site id
	known, err := s.store.FindBySource(ctx, l.SourceSite, l.SourceListingID)
	if err != nil {
		return models.ProcessResult{}, fmt.Errorf("find listing: %w", err)
	}
	if known != nil {
		return s.markKnown(ctx, known, cycle, now)
	}

	// 2. Cross-site duplicate check
	recent, err := s.store.QueryRecent(ctx, l.City, s.windowDays, now)
	if err != nil {
		return models.ProcessResult{}, fmt.Errorf("query recent: %w", err)
	}
	match := s.detector.Check(l, recent)

	l.ID = uuid.New()
	l.Status = models.ListingStatusNew
	if match.Duplicate {
		l.Status = models.ListingStatusDuplicate
		l.DuplicateOf = match.MatchedID
		score := match.CombinedScore
		l.SimilarityScore = &score
	}

	// 3. Insert; a concurrent cycle may have won the race
	inserted, err := s.store.InsertIfAbsent(ctx, l)
	if err != nil {
		return models.ProcessResult{}, fmt.Errorf("insert listing: %w", err)
	}
	if !inserted {
		known, err := s.store.FindBySource(ctx, l.SourceSite, l.SourceListingID)
		if err != nil {
			return models.ProcessResult{}, fmt.Errorf("find listing: %w", err)
		}
		if known == nil {
			return models.ProcessResult{}, fmt.Errorf("listing %s/%s vanished after conflict", l.SourceSite, l.SourceListingID)
		}
		return s.markKnown(ctx, known, cycle, now)
	}

	if m := match.Match(l.ID); m != nil {
		m.CreatedAt = now
		if err := s.store.InsertMatch(ctx, m); err != nil {
			log.Warn().Err(err).Str("listing_id", l.ID.String()).Msg("failed to record listing match")
		}
	}

	result := models.ProcessResult{ListingID: l.ID, MatchedID: match.MatchedID, Ambiguous: match.Ambiguous}
	if match.Duplicate {
		result.Outcome = models.ProcessDuplicate
		log.Info().
			Str("site", l.SourceSite).
			Str("listing_id", l.ID.String()).
			Str("duplicate_of", match.MatchedID.String()).
			Float64("score", match.CombinedScore).
			Msg("duplicate listing")
		return result, nil
	}

	result.Outcome = models.ProcessNew
	if match.Ambiguous {
		log.Warn().
			Str("kind", string(models.KindDuplicateAmbiguous)).
			Str("site", l.SourceSite).
			Str("listing_id", l.ID.String()).
			Str("closest", match.MatchedID.String()).
			Float64("address_score", match.AddressScore).
			Msg("duplicate decision ambiguous, keeping listing")
	}
	return result, nil
}

func (s *ListingService) markKnown(ctx context.Context, known *models.Listing, cycle int64, now time.Time) (models.ProcessResult, error) {
	if err := s.store.MarkSeen(ctx, known.ID, cycle, now); err != nil {
		return models.ProcessResult{}, fmt.Errorf("mark seen: %w", err)
	}
	return models.ProcessResult{Outcome: models.ProcessKnown, ListingID: known.ID}, nil
}

// MarkUnavailable retires a listing and stops any contact in progress.
// Listings already in an absorbing status are left alone.
func (s *ListingService) MarkUnavailable(ctx context.Context, id uuid.UUID, reason string) error {
	err := s.store.UpdateStatus(ctx, id, models.ListingStatusUnavailable)
	if errors.Is(err, models.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("update listing status: %w", err)
	}
	if err := s.store.SetStopped(ctx, id, reason, s.clock.Now()); err != nil {
		return fmt.Errorf("stop contact: %w", err)
	}
	return nil
}
