package scraper

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/rs/zerolog/log"

	"rental_hunter/config"
	"rental_hunter/httputil"
	"rental_hunter/models"
)

// Adapter turns one site's search results into normalized listings.
//
// FetchListings returns a lazy sequence: pages are fetched while the caller
// ranges over it, and ranging again re-runs the search from page 1. A failed
// page yields a FETCH_ERROR and the sequence moves on to the next page; after
// too many consecutive failures it yields SOURCE_DEGRADED and ends.
type Adapter interface {
	ID() string
	FetchListings(ctx context.Context, criteria config.SearchCriteria) iter.Seq2[*models.Listing, error]
}

// Options bound how far an adapter pages through results.
type Options struct {
	MaxPages                   int
	MaxConsecutivePageFailures int
}

// Deps are the shared resources adapters are built from.
type Deps struct {
	Clients  *httputil.Clients
	Gates    *GateSet
	Browser  *BrowserFetcher
	Archiver PageArchiver
	Scraper  config.ScraperConfig
}

// NewAdapter builds the adapter named by the site's handler, wired to a gated
// fetcher so requests to the site are serialized and spaced.
func NewAdapter(siteCfg *config.SiteConfig, deps Deps) (Adapter, error) {
	var fetcher Fetcher
	switch siteCfg.Fetcher {
	case "browser":
		if deps.Browser == nil {
			return nil, fmt.Errorf("site %s needs a browser fetcher", siteCfg.ID)
		}
		fetcher = deps.Browser
	case "", "http":
		fetcher = NewHTTPFetcher(deps.Clients.Scraping, deps.Scraper.UserAgent)
	default:
		return nil, fmt.Errorf("site %s: unknown fetcher %q", siteCfg.ID, siteCfg.Fetcher)
	}

	if deps.Archiver != nil {
		fetcher = NewArchivingFetcher(siteCfg.ID, deps.Archiver, fetcher)
	}

	minDelay, maxDelay := deps.Scraper.MinDelay, deps.Scraper.MaxDelay
	if siteCfg.MinDelayMS > 0 {
		minDelay = time.Duration(siteCfg.MinDelayMS) * time.Millisecond
	}
	if siteCfg.MaxDelayMS > 0 {
		maxDelay = time.Duration(siteCfg.MaxDelayMS) * time.Millisecond
	}
	gates := deps.Gates
	if gates == nil {
		gates = NewGateSet()
	}
	fetcher = NewGatedFetcher(gates.For(siteCfg.ID, minDelay, maxDelay), fetcher)

	opts := Options{
		MaxPages:                   deps.Scraper.MaxPages,
		MaxConsecutivePageFailures: deps.Scraper.MaxConsecutivePageFailures,
	}
	if siteCfg.MaxPages > 0 {
		opts.MaxPages = siteCfg.MaxPages
	}

	return newAdapter(siteCfg, fetcher, opts)
}

func newAdapter(siteCfg *config.SiteConfig, fetcher Fetcher, opts Options) (Adapter, error) {
	if opts.MaxPages <= 0 {
		opts.MaxPages = 10
	}
	if opts.MaxConsecutivePageFailures <= 0 {
		opts.MaxConsecutivePageFailures = 3
	}

	switch siteCfg.Handler {
	case "seloger":
		return NewSeLogerAdapter(siteCfg, fetcher, opts), nil
	case "pap":
		return NewPAPAdapter(siteCfg, fetcher, opts), nil
	case "logic_immo":
		return NewLogicImmoAdapter(siteCfg, fetcher, opts), nil
	case "leboncoin":
		return NewLeboncoinAdapter(siteCfg, fetcher, opts), nil
	case "bienici":
		return NewBienIciAdapter(siteCfg, fetcher, opts), nil
	}
	return nil, fmt.Errorf("site %s: unknown handler %q", siteCfg.ID, siteCfg.Handler)
}

// page is one parsed result page. last is set when the site reports no
// further pages.
type page struct {
	listings []*models.Listing
	last     bool
}

// pageFunc fetches and parses one result page for a single city.
type pageFunc func(ctx context.Context, criteria config.SearchCriteria, pageNum int) (page, error)

// paginate walks every configured city page by page and yields the listings
// that pass the criteria filters.
func paginate(ctx context.Context, site string, opts Options, criteria config.SearchCriteria, fetch pageFunc) iter.Seq2[*models.Listing, error] {
	return func(yield func(*models.Listing, error) bool) {
		consecutive := 0

		for _, city := range criteria.Cities {
			cityCriteria := criteria.ForCity(city)

			for pageNum := 1; pageNum <= opts.MaxPages; pageNum++ {
				if err := ctx.Err(); err != nil {
					yield(nil, err)
					return
				}

				p, err := fetch(ctx, cityCriteria, pageNum)
				if err != nil {
					if ctx.Err() != nil {
						yield(nil, ctx.Err())
						return
					}
					consecutive++
					log.Warn().Err(err).Str("site", site).Str("city", city).Int("page", pageNum).Msg("page fetch failed")
					if !yield(nil, models.NewFetchError(site, fmt.Sprintf("%s page %d", city, pageNum), err)) {
						return
					}
					if consecutive >= opts.MaxConsecutivePageFailures {
						yield(nil, models.NewSourceDegraded(site, consecutive))
						return
					}
					continue
				}
				consecutive = 0

				for _, l := range p.listings {
					l.SourceSite = site
					if l.City == "" {
						l.City = city
					}
					if !cityCriteria.Accept(l) {
						continue
					}
					if !yield(l, nil) {
						return
					}
				}

				if p.last || len(p.listings) == 0 {
					break
				}
			}
		}
	}
}
