package workers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rental_hunter/clock"
	"rental_hunter/config"
	"rental_hunter/models"
	"rental_hunter/services"
	"rental_hunter/storage"
)

func listingServer(t *testing.T) *httptest.Server {
	t.Helper()
	removed := loadFixture(t, "detail_removed.html")
	live := loadFixture(t, "detail_agency.html")

	mux := http.NewServeMux()
	mux.HandleFunc("/annonces/live.htm", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/annonces/gone.htm", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	})
	mux.HandleFunc("/annonces/moved.htm", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/recherche?ville=lyon", http.StatusFound)
	})
	mux.HandleFunc("/annonces/renamed.htm", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/annonces/renamed-2.htm", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/annonces/removed.htm", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Write(removed)
	})
	mux.HandleFunc("/annonces/nohead.htm", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Write(live)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func noRedirectClient() *http.Client {
	return &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func newTestHealthcheckWorker(t *testing.T) (*HealthcheckWorker, *storage.MemoryStore, *clock.Fake) {
	t.Helper()
	store := storage.NewMemoryStore()
	clk := clock.NewFake(now)
	store.SetNow(clk.Now)
	listing := services.NewListingService(store, services.NewDuplicateDetector(config.DedupConfig{}), 90, clk)
	svc := services.NewHealthcheckService(store, listing, clk)
	w := NewHealthcheckWorker(svc, noRedirectClient(), "rental-hunter-test")
	w.pause = 0
	return w, store, clk
}

func TestHealthcheckWorker_Check(t *testing.T) {
	server := listingServer(t)
	w, _, _ := newTestHealthcheckWorker(t)

	tests := []struct {
		path   string
		live   bool
		status int
	}{
		{"/annonces/live.htm", true, http.StatusOK},
		{"/annonces/gone.htm", false, http.StatusGone},
		{"/annonces/missing.htm", false, http.StatusNotFound},
		{"/annonces/moved.htm", false, http.StatusFound},
		{"/annonces/renamed.htm", true, http.StatusMovedPermanently},
		{"/annonces/removed.htm", false, http.StatusOK},
		{"/annonces/nohead.htm", true, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			res := w.Check(context.Background(), server.URL+tt.path)
			require.NoError(t, res.Error)
			assert.Equal(t, tt.live, res.IsLive)
			assert.Equal(t, tt.status, res.StatusCode)
		})
	}
}

func TestHealthcheckWorker_ProcessBatch(t *testing.T) {
	server := listingServer(t)
	w, store, clk := newTestHealthcheckWorker(t)

	live := insertListing(t, store, "live", server.URL+"/annonces/live.htm", "a@agence.fr")
	gone := insertListing(t, store, "gone", server.URL+"/annonces/gone.htm", "b@agence.fr")
	removed := insertListing(t, store, "removed", server.URL+"/annonces/removed.htm", "c@agence.fr")
	fresh := insertListing(t, store, "fresh", server.URL+"/annonces/gone.htm", "d@agence.fr")
	require.NoError(t, store.MarkSeen(context.Background(), fresh.ID, 0, clk.Now()))

	var logged []string
	w.SetLogger(func(level models.LogLevel, source, message string) { logged = append(logged, message) })

	checked, retired := w.ProcessBatch(context.Background(), 24*time.Hour, 10)
	assert.Equal(t, 3, checked)
	assert.Equal(t, 2, retired)

	for _, l := range []*models.Listing{gone, removed} {
		got, err := store.GetListing(context.Background(), l.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ListingStatusUnavailable, got.Status)

		flags, err := store.GetContactFlags(context.Background(), l.ID)
		require.NoError(t, err)
		assert.NotNil(t, flags.StoppedAt)
	}

	got, err := store.GetListing(context.Background(), live.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ListingStatusNew, got.Status)
	assert.True(t, got.LastSeenAt.Equal(clk.Now()))

	got, err = store.GetListing(context.Background(), fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ListingStatusNew, got.Status)

	require.Len(t, logged, 1)
	assert.Contains(t, logged[0], "2 no longer available")
}

func TestIsDelistRedirect(t *testing.T) {
	assert.True(t, isDelistRedirect("https://www.pap.fr/annonce/locations-lyon-69-g43590"))
	assert.True(t, isDelistRedirect("/recherche?projet=location"))
	assert.False(t, isDelistRedirect("https://www.seloger.com/annonces/location/appartement/lyon-3eme-69/187654321.htm"))
}
