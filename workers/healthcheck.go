package workers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"

	"rental_hunter/httputil"
	"rental_hunter/models"
	"rental_hunter/services"
)

const maxCheckBytes = 500 * 1024

// HealthcheckWorker checks whether stale listings are still online and
// retires the ones whose page is gone.
type HealthcheckWorker struct {
	service   *services.HealthcheckService
	client    *http.Client
	userAgent string
	triggerCh chan struct{}
	logFunc   LogFunc
	pause     time.Duration
}

func (w *HealthcheckWorker) SetLogger(fn LogFunc) {
	w.logFunc = fn
}

// NewHealthcheckWorker creates a new healthcheck worker. client must not
// follow redirects.
func NewHealthcheckWorker(service *services.HealthcheckService, client *http.Client, userAgent string) *HealthcheckWorker {
	return &HealthcheckWorker{
		service:   service,
		client:    client,
		userAgent: userAgent,
		triggerCh: make(chan struct{}, 1),
		logFunc:   NoOpLogger,
		pause:     500 * time.Millisecond,
	}
}

// Trigger causes the worker to run immediately
func (w *HealthcheckWorker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

// CheckResult contains the outcome of checking a listing
type CheckResult struct {
	IsLive     bool
	StatusCode int
	Error      error
}

// Check requests a listing URL with HEAD, falling back to a full GET when the
// site refuses HEAD or the request fails.
func (w *HealthcheckWorker) Check(ctx context.Context, listingURL string) CheckResult {
	result := w.request(ctx, http.MethodHead, listingURL)
	if result.Error == nil && result.StatusCode != http.StatusMethodNotAllowed && result.StatusCode != http.StatusForbidden {
		return result
	}
	return w.request(ctx, http.MethodGet, listingURL)
}

func (w *HealthcheckWorker) request(ctx context.Context, method, listingURL string) CheckResult {
	req, err := http.NewRequestWithContext(ctx, method, listingURL, nil)
	if err != nil {
		return CheckResult{Error: err}
	}
	for k, vs := range httputil.BrowserHeaders(w.userAgent) {
		req.Header[k] = vs
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return CheckResult{Error: err}
	}
	defer resp.Body.Close()

	result := CheckResult{StatusCode: resp.StatusCode}

	switch resp.StatusCode {
	case http.StatusOK:
		result.IsLive = true
		if method == http.MethodGet {
			result.IsLive = !isDelistedPage(io.LimitReader(resp.Body, maxCheckBytes))
		}
	case http.StatusNotFound, http.StatusGone:
		result.IsLive = false
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		result.IsLive = !isDelistRedirect(resp.Header.Get("Location"))
	default:
		// For other codes, assume still live
		result.IsLive = true
	}
	return result
}

var delistIndicators = []string{
	"annonce n'est plus disponible",
	"annonce n’est plus disponible",
	"annonce a été supprimée",
	"annonce a expiré",
	"annonce expirée",
	"bien a été loué",
	"n'existe plus",
	"page introuvable",
}

// isDelistedPage checks the page title and main text for removal notices.
func isDelistedPage(r io.Reader) bool {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return false
	}
	text := strings.ToLower(doc.Find("title").Text() + " " + doc.Find("h1").Text() + " " + doc.Find("main, body").First().Text())
	for _, indicator := range delistIndicators {
		if strings.Contains(text, indicator) {
			return true
		}
	}
	return false
}

// isDelistRedirect checks if a redirect URL indicates delisting
func isDelistRedirect(location string) bool {
	delistPatterns := []string{
		"/recherche",
		"/search",
		"/list",
		"/locations",
		"annonce-expiree",
		"notfound",
		"404",
		"erreur",
		"error",
	}

	loc := strings.ToLower(location)
	for _, pattern := range delistPatterns {
		if strings.Contains(loc, pattern) {
			return true
		}
	}
	return false
}

// Run starts the healthcheck worker loop
func (w *HealthcheckWorker) Run(ctx context.Context, staleDuration time.Duration, batchSize int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("healthcheck worker stopping")
			return
		case <-ticker.C:
			w.ProcessBatch(ctx, staleDuration, batchSize)
		case <-w.triggerCh:
			log.Info().Msg("healthcheck worker triggered manually")
			w.ProcessBatch(ctx, staleDuration, batchSize)
		}
	}
}

// ProcessBatch checks up to batchSize stale listings and returns how many were
// checked and how many were retired.
func (w *HealthcheckWorker) ProcessBatch(ctx context.Context, staleDuration time.Duration, batchSize int) (checked, retired int) {
	listings, err := w.service.GetStaleListings(ctx, staleDuration, batchSize)
	if err != nil {
		log.Error().Err(err).Msg("healthcheck: query failed")
		return 0, 0
	}
	if len(listings) == 0 {
		return 0, 0
	}

	log.Info().Int("count", len(listings)).Msg("healthcheck: checking stale listings")

	for i := range listings {
		l := &listings[i]
		if i > 0 && w.pause > 0 {
			select {
			case <-ctx.Done():
				return checked, retired
			case <-time.After(w.pause):
			}
		}

		result := w.Check(ctx, l.URL)
		checked++

		if result.Error != nil {
			log.Warn().Err(result.Error).Str("listing_id", l.ID.String()).Str("url", l.URL).Msg("healthcheck: request failed")
			w.touch(ctx, l)
			continue
		}

		if result.IsLive {
			w.touch(ctx, l)
			continue
		}

		log.Info().
			Str("listing_id", l.ID.String()).
			Int("status", result.StatusCode).
			Str("url", l.URL).
			Msg("healthcheck: listing gone")
		if err := w.service.MarkUnavailable(ctx, l); err != nil {
			log.Error().Err(err).Str("listing_id", l.ID.String()).Msg("healthcheck: mark unavailable failed")
			continue
		}
		retired++
	}

	if retired > 0 {
		w.logFunc(models.LogLevelInfo, "healthcheck", fmt.Sprintf("Checked %d listings, %d no longer available", checked, retired))
	}
	return checked, retired
}

func (w *HealthcheckWorker) touch(ctx context.Context, l *models.Listing) {
	if err := w.service.TouchListing(ctx, l); err != nil {
		log.Debug().Err(err).Str("listing_id", l.ID.String()).Msg("healthcheck: touch failed")
	}
}
