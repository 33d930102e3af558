package scraper

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rental_hunter/config"
	"rental_hunter/models"
)

type step struct {
	listings []*models.Listing
	last     bool
	err      error
}

func scriptedPages(steps map[int]step, calls *[]int) pageFunc {
	return func(ctx context.Context, criteria config.SearchCriteria, pageNum int) (page, error) {
		*calls = append(*calls, pageNum)
		s, ok := steps[pageNum]
		if !ok {
			return page{}, nil
		}
		if s.err != nil {
			return page{}, s.err
		}
		return page{listings: s.listings, last: s.last}, nil
	}
}

func candidate(id string) *models.Listing {
	return &models.Listing{SourceListingID: id, Title: "Appartement", Price: 800}
}

func TestPaginate_ContinuesPastFailedPagesThenDegrades(t *testing.T) {
	boom := errors.New("503 Service Unavailable")
	var calls []int
	fetch := scriptedPages(map[int]step{
		1: {listings: []*models.Listing{candidate("p1")}},
		2: {err: boom},
		3: {listings: []*models.Listing{candidate("p3")}},
		4: {err: boom},
		5: {err: boom},
		6: {err: boom},
		7: {listings: []*models.Listing{candidate("p7")}},
	}, &calls)

	criteria := config.SearchCriteria{Cities: []string{"Lyon"}}
	opts := Options{MaxPages: 10, MaxConsecutivePageFailures: 3}

	var ids []string
	var kinds []models.ErrorKind
	for l, err := range paginate(context.Background(), "testsite", opts, criteria, fetch) {
		if err != nil {
			kind, ok := models.KindOf(err)
			require.True(t, ok, "unexpected error type: %v", err)
			kinds = append(kinds, kind)
			continue
		}
		assert.Equal(t, "testsite", l.SourceSite)
		assert.Equal(t, "Lyon", l.City)
		ids = append(ids, l.SourceListingID)
	}

	assert.Equal(t, []string{"p1", "p3"}, ids)
	assert.Equal(t, []models.ErrorKind{
		models.KindFetch, models.KindFetch, models.KindFetch, models.KindFetch, models.KindSourceDegraded,
	}, kinds)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, calls)
}

func TestPaginate_FetchErrorWrapsCause(t *testing.T) {
	boom := errors.New("connection reset")
	var calls []int
	fetch := scriptedPages(map[int]step{1: {err: boom}}, &calls)

	opts := Options{MaxPages: 1, MaxConsecutivePageFailures: 3}
	criteria := config.SearchCriteria{Cities: []string{"Lyon"}}
	for _, err := range paginate(context.Background(), "testsite", opts, criteria, fetch) {
		require.Error(t, err)
		assert.ErrorIs(t, err, models.ErrFetch)
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, []int{1}, calls)
}

func TestPaginate_StopsOnLastPageAndWalksEveryCity(t *testing.T) {
	var cities []string
	fetch := func(ctx context.Context, criteria config.SearchCriteria, pageNum int) (page, error) {
		cities = append(cities, criteria.City())
		return page{listings: []*models.Listing{candidate(criteria.City())}, last: true}, nil
	}

	criteria := config.SearchCriteria{Cities: []string{"Lyon", "Paris"}}
	var got []string
	for l, err := range paginate(context.Background(), "testsite", Options{MaxPages: 10, MaxConsecutivePageFailures: 3}, criteria, fetch) {
		require.NoError(t, err)
		got = append(got, l.City)
	}

	assert.Equal(t, []string{"Lyon", "Paris"}, cities)
	assert.Equal(t, []string{"Lyon", "Paris"}, got)
}

func TestPaginate_AppliesKeywordFilters(t *testing.T) {
	var calls []int
	fetch := scriptedPages(map[int]step{
		1: {last: true, listings: []*models.Listing{
			{SourceListingID: "a", Description: "T2 avec balcon", Price: 900},
			{SourceListingID: "b", Description: "T2 meublé avec balcon", Price: 900},
			{SourceListingID: "c", Description: "T2 sur cour", Price: 900},
			{SourceListingID: "d", Description: "T2 proche MÉTRO", Price: 2000},
			{SourceListingID: "e", Title: "T2 avec balcon", Description: "T2 sur cour", Price: 900},
		}},
	}, &calls)

	criteria := config.SearchCriteria{
		Cities:          []string{"Lyon"},
		MaxPrice:        1500,
		IncludeKeywords: []string{"balcon", "métro"},
		ExcludeKeywords: []string{"meublé"},
	}
	var ids []string
	for l, err := range paginate(context.Background(), "testsite", Options{MaxPages: 3, MaxConsecutivePageFailures: 3}, criteria, fetch) {
		require.NoError(t, err)
		ids = append(ids, l.SourceListingID)
	}
	assert.Equal(t, []string{"a"}, ids)
}

func TestPaginate_CancelledContext(t *testing.T) {
	var calls []int
	fetch := scriptedPages(map[int]step{1: {listings: []*models.Listing{candidate("p1")}}}, &calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var errs []error
	for _, err := range paginate(ctx, "testsite", Options{MaxPages: 3, MaxConsecutivePageFailures: 3}, config.SearchCriteria{Cities: []string{"Lyon"}}, fetch) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], context.Canceled)
	assert.Empty(t, calls)
}
