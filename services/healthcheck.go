package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"rental_hunter/clock"
	"rental_hunter/models"
)

// HealthcheckStore is the persistence HealthcheckService needs.
type HealthcheckStore interface {
	ListStale(ctx context.Context, seenBefore time.Time, limit int) ([]models.Listing, error)
	MarkSeen(ctx context.Context, id uuid.UUID, cycle int64, at time.Time) error
}

// HealthcheckService handles listing liveness checks
type HealthcheckService struct {
	store   HealthcheckStore
	listing *ListingService
	clock   clock.Clock
}

func NewHealthcheckService(store HealthcheckStore, listing *ListingService, clk clock.Clock) *HealthcheckService {
	if clk == nil {
		clk = clock.Real()
	}
	return &HealthcheckService{
		store:   store,
		listing: listing,
		clock:   clk,
	}
}

// GetStaleListings returns live listings that haven't been seen recently
func (s *HealthcheckService) GetStaleListings(ctx context.Context, staleDuration time.Duration, limit int) ([]models.Listing, error) {
	return s.store.ListStale(ctx, s.clock.Now().Add(-staleDuration), limit)
}

// MarkUnavailable retires a listing whose page is gone
func (s *HealthcheckService) MarkUnavailable(ctx context.Context, listing *models.Listing) error {
	return s.listing.MarkUnavailable(ctx, listing.ID, "listing page gone")
}

// TouchListing refreshes last_seen_at without moving the listing's cycle
func (s *HealthcheckService) TouchListing(ctx context.Context, listing *models.Listing) error {
	return s.store.MarkSeen(ctx, listing.ID, listing.LastSeenCycle, s.clock.Now())
}
