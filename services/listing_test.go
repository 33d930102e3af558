package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rental_hunter/clock"
	"rental_hunter/models"
	"rental_hunter/storage"
)

func contactCandidates(t *testing.T, store *storage.MemoryStore) int {
	t.Helper()
	candidates, err := store.ListContactCandidates(context.Background())
	require.NoError(t, err)
	return len(candidates)
}

func scraped(site, id, address string, price float64) *models.Listing {
	return &models.Listing{
		SourceSite:      site,
		SourceListingID: id,
		URL:             "https://example.fr/" + id,
		Title:           "Appartement 2 pièces",
		Address:         address,
		City:            "Lyon 3ème",
		Price:           price,
		Rooms:           intPtr(2),
		PropertyType:    models.PropertyTypeApartment,
		Description:     "Bel appartement avec balcon, proche métro",
		ContactEmail:    "agence@example.fr",
	}
}

func newTestListingService(t *testing.T) (*ListingService, *storage.MemoryStore, *clock.Fake) {
	t.Helper()
	store := storage.NewMemoryStore()
	clk := clock.NewFake(now)
	store.SetNow(clk.Now)
	svc := NewListingService(store, NewDuplicateDetector(testDedupConfig()), 90, clk)
	return svc, store, clk
}

func TestProcess_NewThenKnown(t *testing.T) {
	svc, store, clk := newTestListingService(t)
	ctx := context.Background()

	first, err := svc.Process(ctx, scraped("seloger", "187654321", "12 rue de Paris", 850), 1)
	require.NoError(t, err)
	assert.Equal(t, models.ProcessNew, first.Outcome)
	assert.Equal(t, 1, contactCandidates(t, store))

	stored, err := store.GetListing(ctx, first.ListingID)
	require.NoError(t, err)
	assert.Equal(t, "lyon", stored.City)
	assert.NotEmpty(t, stored.Fingerprint)
	assert.Equal(t, int64(1), stored.LastSeenCycle)

	clk.Advance(8 * time.Hour)
	again, err := svc.Process(ctx, scraped("seloger", "187654321", "12 rue de Paris", 850), 2)
	require.NoError(t, err)
	assert.Equal(t, models.ProcessKnown, again.Outcome)
	assert.Equal(t, first.ListingID, again.ListingID)
	assert.Equal(t, 1, contactCandidates(t, store))

	stored, err = store.GetListing(ctx, first.ListingID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.LastSeenCycle)
	assert.True(t, stored.DiscoveredAt.Equal(now))
}

func TestProcess_CrossSiteDuplicate(t *testing.T) {
	svc, store, _ := newTestListingService(t)
	ctx := context.Background()

	original, err := svc.Process(ctx, scraped("seloger", "187654321", "12 rue de Paris", 850), 1)
	require.NoError(t, err)

	repost := scraped("leboncoin", "2456789012", "12 Rue de Paris, 69003 Lyon", 860)
	repost.Description = "T2 refait à neuf"
	dup, err := svc.Process(ctx, repost, 1)
	require.NoError(t, err)

	assert.Equal(t, models.ProcessDuplicate, dup.Outcome)
	require.NotNil(t, dup.MatchedID)
	assert.Equal(t, original.ListingID, *dup.MatchedID)
	assert.Equal(t, 1, contactCandidates(t, store), "duplicates never enter the contact pipeline")

	stored, err := store.GetListing(ctx, dup.ListingID)
	require.NoError(t, err)
	assert.Equal(t, models.ListingStatusDuplicate, stored.Status)
	require.NotNil(t, stored.DuplicateOf)
	assert.Equal(t, original.ListingID, *stored.DuplicateOf)
	require.NotNil(t, stored.SimilarityScore)

	matches := store.Matches()
	require.Len(t, matches, 1)
	assert.Equal(t, models.MatchKindDuplicate, matches[0].Kind)
	assert.Equal(t, dup.ListingID, matches[0].CandidateID)
}

func TestProcess_InvalidListingIsRejected(t *testing.T) {
	svc, store, _ := newTestListingService(t)

	bad := scraped("pap", "r412345678", "", 0)
	_, err := svc.Process(context.Background(), bad, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidListingData))
	assert.Equal(t, 0, contactCandidates(t, store))

	found, err := store.FindBySource(context.Background(), "pap", "r412345678")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestProcess_ConcurrentSameListingStoresOneRow(t *testing.T) {
	svc, store, _ := newTestListingService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]models.ProcessResult, 6)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := svc.Process(ctx, scraped("bienici", "ag690123-345678901", "8 avenue Foch", 1180), 1)
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	newCount := 0
	for _, r := range results {
		if r.Outcome == models.ProcessNew {
			newCount++
		}
		assert.Equal(t, results[0].ListingID, r.ListingID)
	}
	assert.Equal(t, 1, newCount)
	assert.Equal(t, 1, contactCandidates(t, store))

	recent, err := store.QueryRecent(ctx, "lyon", 90, now)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestMarkUnavailable(t *testing.T) {
	svc, store, _ := newTestListingService(t)
	ctx := context.Background()

	r, err := svc.Process(ctx, scraped("seloger", "1", "12 rue de Paris", 850), 1)
	require.NoError(t, err)

	require.NoError(t, svc.MarkUnavailable(ctx, r.ListingID, "gone"))
	require.NoError(t, svc.MarkUnavailable(ctx, r.ListingID, "again"))

	l, err := store.GetListing(ctx, r.ListingID)
	require.NoError(t, err)
	assert.Equal(t, models.ListingStatusUnavailable, l.Status)

	flags, err := store.GetContactFlags(ctx, r.ListingID)
	require.NoError(t, err)
	require.NotNil(t, flags.StoppedAt)
	assert.Equal(t, "gone", flags.StopReason)
}
