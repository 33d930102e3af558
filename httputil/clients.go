package httputil

import (
	"crypto/tls"
	"net/http"
	"net/url"
	"time"

	"rental_hunter/config"
)

type Clients struct {
	Scraping   *http.Client // proxied, for listing sites
	NoRedirect *http.Client // proxied, does not follow redirects
	API        *http.Client // direct, for telephony and JSON APIs
}

func NewClients(proxyCfg *config.ProxyConfig) *Clients {
	transport := &http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		ForceAttemptHTTP2: false,
		TLSNextProto:      make(map[string]func(string, *tls.Conn) http.RoundTripper),
	}
	if proxyCfg != nil && proxyCfg.URL != "" {
		if proxyURL, err := url.Parse(proxyCfg.URL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	scraping := &http.Client{
		Timeout:   20 * time.Second,
		Transport: transport,
	}

	noRedirect := &http.Client{
		Timeout:   15 * time.Second,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &Clients{
		Scraping:   scraping,
		NoRedirect: noRedirect,
		API:        &http.Client{Timeout: 30 * time.Second},
	}
}

// BrowserHeaders are sent with every page request so sites serve the regular
// French desktop markup.
func BrowserHeaders(userAgent string) http.Header {
	h := make(http.Header)
	h.Set("User-Agent", userAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	h.Set("Accept-Language", "fr-FR,fr;q=0.9,en;q=0.8")
	h.Set("Connection", "keep-alive")
	h.Set("Upgrade-Insecure-Requests", "1")
	return h
}
