package workers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"rental_hunter/models"
	"rental_hunter/scraper"
)

// EnrichmentStore is the persistence EnrichmentWorker needs.
type EnrichmentStore interface {
	ListMissingContact(ctx context.Context, limit int) ([]models.Listing, error)
	UpdateContactInfo(ctx context.Context, id uuid.UUID, info models.ContactInfo) error
}

// EnrichmentWorker fetches listing detail pages and extracts the advertiser's
// contact details that search results do not carry.
type EnrichmentWorker struct {
	store     EnrichmentStore
	fetcher   scraper.Fetcher
	triggerCh chan struct{}
	logFunc   LogFunc
	pause     time.Duration
}

// NewEnrichmentWorker creates a new enrichment worker
func NewEnrichmentWorker(store EnrichmentStore, fetcher scraper.Fetcher) *EnrichmentWorker {
	return &EnrichmentWorker{
		store:     store,
		fetcher:   fetcher,
		triggerCh: make(chan struct{}, 1),
		logFunc:   NoOpLogger,
		pause:     time.Second,
	}
}

func (w *EnrichmentWorker) SetLogger(fn LogFunc) {
	w.logFunc = fn
}

// Trigger causes the worker to run immediately
func (w *EnrichmentWorker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`(?:\+33\s?|0)[1-9](?:[\s.-]?\d{2}){4}`)
)

// Enrich fetches one detail page and returns the contact details found on it.
func (w *EnrichmentWorker) Enrich(ctx context.Context, listingURL string) (models.ContactInfo, error) {
	body, err := w.fetcher.Fetch(ctx, listingURL, nil)
	if err != nil {
		return models.ContactInfo{}, err
	}
	return ParseContact(bytes.NewReader(body))
}

// ParseContact extracts advertiser name, agency, email and phone from a
// listing detail page.
func ParseContact(r io.Reader) (models.ContactInfo, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return models.ContactInfo{}, fmt.Errorf("parse HTML: %w", err)
	}

	info := models.ContactInfo{
		Name:   firstText(doc, "[data-contact-name]", ".contact-name", ".agent-name", ".advertiser-name"),
		Agency: firstText(doc, "[data-agency-name]", ".agency-name", `[itemtype*="RealEstateAgent"] [itemprop="name"]`),
		Email:  extractEmail(doc),
		Phone:  extractPhone(doc),
	}
	if info.Name == "" {
		if v, ok := doc.Find("[data-contact-name]").First().Attr("data-contact-name"); ok {
			info.Name = strings.TrimSpace(v)
		}
	}
	return info, nil
}

func firstText(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if s := strings.TrimSpace(doc.Find(sel).First().Text()); s != "" {
			return strings.Join(strings.Fields(s), " ")
		}
	}
	return ""
}

func extractEmail(doc *goquery.Document) string {
	var email string
	doc.Find(`a[href^="mailto:"]`).EachWithBreak(func(i int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		addr := strings.TrimPrefix(href, "mailto:")
		if idx := strings.Index(addr, "?"); idx >= 0 {
			addr = addr[:idx]
		}
		email = usableEmail(addr)
		return email == ""
	})
	if email != "" {
		return email
	}

	doc.Find(`input[type="email"]`).EachWithBreak(func(i int, s *goquery.Selection) bool {
		v, _ := s.Attr("value")
		email = usableEmail(v)
		return email == ""
	})
	if email != "" {
		return email
	}

	for _, m := range emailPattern.FindAllString(doc.Find("body").Text(), -1) {
		if e := usableEmail(m); e != "" {
			return e
		}
	}
	return ""
}

// usableEmail drops addresses nobody reads.
func usableEmail(raw string) string {
	e := strings.ToLower(strings.TrimSpace(raw))
	if !emailPattern.MatchString(e) {
		return ""
	}
	for _, bad := range []string{"noreply", "no-reply", "ne-pas-repondre", "example.com"} {
		if strings.Contains(e, bad) {
			return ""
		}
	}
	return e
}

func extractPhone(doc *goquery.Document) string {
	if v, ok := doc.Find("[data-phone]").First().Attr("data-phone"); ok && phonePattern.MatchString(v) {
		return strings.TrimSpace(v)
	}
	if href, ok := doc.Find(`a[href^="tel:"]`).First().Attr("href"); ok {
		if p := strings.TrimSpace(strings.TrimPrefix(href, "tel:")); p != "" {
			return p
		}
	}
	return phonePattern.FindString(doc.Find("body").Text())
}

// Run starts the enrichment worker loop
func (w *EnrichmentWorker) Run(ctx context.Context, batchSize int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("enrichment worker stopping")
			return
		case <-ticker.C:
			w.ProcessBatch(ctx, batchSize)
		case <-w.triggerCh:
			log.Info().Msg("enrichment worker triggered manually")
			w.ProcessBatch(ctx, batchSize)
		}
	}
}

// ProcessBatch enriches up to batchSize listings and returns how many gained
// contact details.
func (w *EnrichmentWorker) ProcessBatch(ctx context.Context, batchSize int) int {
	listings, err := w.store.ListMissingContact(ctx, batchSize)
	if err != nil {
		log.Error().Err(err).Msg("enrichment: query failed")
		return 0
	}
	if len(listings) == 0 {
		return 0
	}

	log.Info().Int("count", len(listings)).Msg("enrichment: fetching detail pages")

	var enriched int
	for i, l := range listings {
		if i > 0 && w.pause > 0 {
			select {
			case <-ctx.Done():
				return enriched
			case <-time.After(w.pause):
			}
		}

		info, err := w.Enrich(ctx, l.URL)
		if err != nil {
			log.Warn().Err(err).Str("listing_id", l.ID.String()).Str("url", l.URL).Msg("enrichment: fetch failed")
			continue
		}
		if info.IsEmpty() {
			continue
		}
		if err := w.store.UpdateContactInfo(ctx, l.ID, info); err != nil {
			log.Error().Err(err).Str("listing_id", l.ID.String()).Msg("enrichment: update failed")
			continue
		}
		enriched++
	}

	if enriched > 0 {
		w.logFunc(models.LogLevelInfo, "enrichment",
			fmt.Sprintf("Enriched %d of %d listings with contact details", enriched, len(listings)))
	}
	return enriched
}
