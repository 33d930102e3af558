package workers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rental_hunter/models"
	"rental_hunter/scraper"
	"rental_hunter/storage"
)

var now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func loadFixture(t *testing.T, name string) []byte {
	t.Helper()
	path := filepath.Join("testdata", name)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read fixture %s: %v", name, err)
	}
	return data
}

func insertListing(t *testing.T, store *storage.MemoryStore, id, url, email string) *models.Listing {
	t.Helper()
	l := &models.Listing{
		SourceSite:      "seloger",
		SourceListingID: id,
		URL:             url,
		Title:           "Appartement 2 pièces",
		Address:         "12 Rue de Paris",
		City:            "lyon",
		Price:           850,
		PropertyType:    models.PropertyTypeApartment,
		ContactEmail:    email,
		DiscoveredAt:    now.Add(-48 * time.Hour),
	}
	inserted, err := store.InsertIfAbsent(context.Background(), l)
	require.NoError(t, err)
	require.True(t, inserted)
	return l
}

func TestParseContact_AgencyPage(t *testing.T) {
	info, err := ParseContact(bytes.NewReader(loadFixture(t, "detail_agency.html")))
	require.NoError(t, err)

	assert.Equal(t, "Julie Bernard", info.Name)
	assert.Equal(t, "Agence Foch Immobilier", info.Agency)
	assert.Equal(t, "location@agence-foch.fr", info.Email)
	assert.Equal(t, "04 78 12 34 56", info.Phone)
}

func TestParseContact_FreeTextFallbacks(t *testing.T) {
	info, err := ParseContact(bytes.NewReader(loadFixture(t, "detail_private.html")))
	require.NoError(t, err)

	assert.Equal(t, "m.dupont.lyon@gmail.com", info.Email)
	assert.Equal(t, "06.12.34.56.78", info.Phone)
	assert.Empty(t, info.Agency)
}

func TestParseContact_NothingFound(t *testing.T) {
	info, err := ParseContact(bytes.NewReader(loadFixture(t, "detail_removed.html")))
	require.NoError(t, err)
	assert.True(t, info.IsEmpty())
}

func TestEnrichmentWorker_ProcessBatch(t *testing.T) {
	store := storage.NewMemoryStore()
	agency := insertListing(t, store, "1", "https://www.seloger.com/annonces/1.htm", "")
	private := insertListing(t, store, "2", "https://www.seloger.com/annonces/2.htm", "")
	broken := insertListing(t, store, "3", "https://www.seloger.com/annonces/3.htm", "")

	pages := map[string][]byte{
		agency.URL:  loadFixture(t, "detail_agency.html"),
		private.URL: loadFixture(t, "detail_private.html"),
	}
	fetcher := scraper.FetcherFunc(func(ctx context.Context, url string, headers http.Header) ([]byte, error) {
		if body, ok := pages[url]; ok {
			return body, nil
		}
		return nil, errors.New("connection reset")
	})

	w := NewEnrichmentWorker(store, fetcher)
	w.pause = 0
	var logged []string
	w.SetLogger(func(level models.LogLevel, source, message string) { logged = append(logged, message) })

	assert.Equal(t, 2, w.ProcessBatch(context.Background(), 10))

	got, err := store.GetListing(context.Background(), agency.ID)
	require.NoError(t, err)
	assert.Equal(t, "location@agence-foch.fr", got.ContactEmail)
	assert.Equal(t, "04 78 12 34 56", got.ContactPhone)
	assert.Equal(t, "Agence Foch Immobilier", got.AgencyName)

	got, err = store.GetListing(context.Background(), broken.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ContactEmail)

	require.Len(t, logged, 1)
	assert.Contains(t, logged[0], "Enriched 2 of 3")
}

func TestEnrichmentWorker_KeepsExistingContact(t *testing.T) {
	store := storage.NewMemoryStore()
	l := insertListing(t, store, "1", "https://www.seloger.com/annonces/1.htm", "gestion@foncia.fr")

	fetcher := scraper.FetcherFunc(func(ctx context.Context, url string, headers http.Header) ([]byte, error) {
		return loadFixture(t, "detail_agency.html"), nil
	})
	w := NewEnrichmentWorker(store, fetcher)
	w.pause = 0
	w.ProcessBatch(context.Background(), 10)

	got, err := store.GetListing(context.Background(), l.ID)
	require.NoError(t, err)
	assert.Equal(t, "gestion@foncia.fr", got.ContactEmail)
	assert.Equal(t, "04 78 12 34 56", got.ContactPhone)
}
