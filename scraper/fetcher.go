package scraper

import (
	"context"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"rental_hunter/httputil"
)

const maxPageBytes = 8 << 20

// Fetcher returns the body of one page or a fetch failure.
type Fetcher interface {
	Fetch(ctx context.Context, url string, headers http.Header) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, url string, headers http.Header) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, url string, headers http.Header) ([]byte, error) {
	return f(ctx, url, headers)
}

// HTTPFetcher issues GET requests with browser-like headers and retries
// transient failures with backoff.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	retry     httputil.RetryConfig
}

func NewHTTPFetcher(client *http.Client, userAgent string) *HTTPFetcher {
	return &HTTPFetcher{
		client:    client,
		userAgent: userAgent,
		retry:     httputil.DefaultRetryConfig(),
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string, headers http.Header) ([]byte, error) {
	var body []byte
	err := httputil.WithRetry(ctx, f.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		for k, vs := range httputil.BrowserHeaders(f.userAgent) {
			req.Header[k] = vs
		}
		for k, vs := range headers {
			req.Header[k] = vs
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if err := httputil.CheckResponse(resp); err != nil {
			return err
		}

		body, err = io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
		return err
	})
	return body, err
}

// GatedFetcher passes every request through a site gate.
type GatedFetcher struct {
	gate *Gate
	next Fetcher
}

func NewGatedFetcher(gate *Gate, next Fetcher) *GatedFetcher {
	return &GatedFetcher{gate: gate, next: next}
}

func (f *GatedFetcher) Fetch(ctx context.Context, url string, headers http.Header) ([]byte, error) {
	var body []byte
	err := f.gate.Do(ctx, func(ctx context.Context) error {
		var err error
		body, err = f.next.Fetch(ctx, url, headers)
		return err
	})
	return body, err
}

// PageArchiver stores raw page bodies for later inspection.
type PageArchiver interface {
	ArchivePage(ctx context.Context, site, url string, body []byte) (string, error)
}

// ArchivingFetcher copies every fetched body to an archive. Archive failures
// are logged and never fail the fetch.
type ArchivingFetcher struct {
	site     string
	archiver PageArchiver
	next     Fetcher
}

func NewArchivingFetcher(site string, archiver PageArchiver, next Fetcher) *ArchivingFetcher {
	return &ArchivingFetcher{site: site, archiver: archiver, next: next}
}

func (f *ArchivingFetcher) Fetch(ctx context.Context, url string, headers http.Header) ([]byte, error) {
	body, err := f.next.Fetch(ctx, url, headers)
	if err != nil {
		return nil, err
	}
	if key, err := f.archiver.ArchivePage(ctx, f.site, url, body); err != nil {
		log.Warn().Err(err).Str("site", f.site).Str("url", url).Msg("archive page failed")
	} else {
		log.Debug().Str("site", f.site).Str("key", key).Msg("archived page")
	}
	return body, nil
}
