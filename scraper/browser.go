package scraper

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog/log"

	"rental_hunter/httputil"
)

// BrowserFetcher renders pages in headless Chromium for sites that build
// their result lists client-side. The browser starts on first use.
type BrowserFetcher struct {
	userAgent string
	timeoutMS float64

	mu          sync.Mutex
	pw          *playwright.Playwright
	browser     playwright.Browser
	context     playwright.BrowserContext
	initialized bool
}

func NewBrowserFetcher(userAgent string) *BrowserFetcher {
	return &BrowserFetcher{userAgent: userAgent, timeoutMS: 60000}
}

func (f *BrowserFetcher) Fetch(ctx context.Context, url string, headers http.Header) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.ensureBrowser(); err != nil {
		return nil, err
	}

	page, err := f.context.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	defer page.Close()

	if len(headers) > 0 {
		extra := make(map[string]string, len(headers))
		for k := range headers {
			extra[k] = headers.Get(k)
		}
		if err := page.SetExtraHTTPHeaders(extra); err != nil {
			return nil, fmt.Errorf("set headers: %w", err)
		}
	}

	resp, err := page.Goto(url, playwright.PageGotoOptions{
		Timeout:   playwright.Float(f.timeoutMS),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	if err != nil {
		return nil, fmt.Errorf("navigate %s: %w", url, err)
	}
	if resp != nil && (resp.Status() < 200 || resp.Status() >= 300) {
		return nil, &httputil.HTTPError{StatusCode: resp.Status(), Status: resp.StatusText(), URL: url}
	}

	f.handleConsent(page)
	page.WaitForTimeout(1500)

	content, err := page.Content()
	if err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}
	return []byte(content), nil
}

func (f *BrowserFetcher) ensureBrowser() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.initialized {
		return nil
	}

	var err error
	f.pw, err = playwright.Run()
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	f.browser, err = f.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	})
	if err != nil {
		f.pw.Stop()
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	f.context, err = f.browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent: playwright.String(f.userAgent),
		Locale:    playwright.String("fr-FR"),
	})
	if err != nil {
		f.browser.Close()
		f.pw.Stop()
		return fmt.Errorf("failed to create browser context: %w", err)
	}

	f.initialized = true
	return nil
}

// Close shuts the browser down. The fetcher restarts it on the next Fetch.
func (f *BrowserFetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.context != nil {
		f.context.Close()
		f.context = nil
	}
	if f.browser != nil {
		f.browser.Close()
		f.browser = nil
	}
	if f.pw != nil {
		f.pw.Stop()
		f.pw = nil
	}
	f.initialized = false
}

func (f *BrowserFetcher) handleConsent(page playwright.Page) {
	consentSelectors := []string{
		"#didomi-notice-agree-button",
		"button:has-text('Tout accepter')",
		"button:has-text('Accepter')",
		"button:has-text('Accepter et fermer')",
		"button[id*='accept']",
		"button[class*='consent']",
	}

	for _, selector := range consentSelectors {
		btn := page.Locator(selector).First()
		if visible, _ := btn.IsVisible(); visible {
			log.Debug().Str("selector", selector).Msg("clicking consent button")
			btn.Click()
			page.WaitForTimeout(1000)
			break
		}
	}
}
