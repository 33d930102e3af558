package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"rental_hunter/config"
	"rental_hunter/models"
)

// leboncoin real_estate_type codes
var leboncoinTypes = map[string]string{
	"house":     "1",
	"apartment": "2",
	"studio":    "2",
}

// LeboncoinAdapter reads the search state that leboncoin embeds as JSON in
// its result pages.
type LeboncoinAdapter struct {
	cfg     *config.SiteConfig
	fetcher Fetcher
	opts    Options
}

func NewLeboncoinAdapter(cfg *config.SiteConfig, fetcher Fetcher, opts Options) *LeboncoinAdapter {
	return &LeboncoinAdapter{cfg: cfg, fetcher: fetcher, opts: opts}
}

func (a *LeboncoinAdapter) ID() string {
	return a.cfg.ID
}

func (a *LeboncoinAdapter) FetchListings(ctx context.Context, criteria config.SearchCriteria) iter.Seq2[*models.Listing, error] {
	return paginate(ctx, a.cfg.ID, a.opts, criteria, a.fetchPage)
}

func (a *LeboncoinAdapter) searchURL(criteria config.SearchCriteria, pageNum int) string {
	endpoint := a.cfg.Endpoints["search"]
	if endpoint == "" {
		endpoint = strings.TrimRight(a.cfg.BaseURL, "/") + "/recherche"
	}

	q := url.Values{}
	q.Set("category", "10") // locations
	q.Set("locations", criteria.City())
	if criteria.MinPrice > 0 || criteria.MaxPrice > 0 {
		q.Set("price", fmt.Sprintf("%s-%s", rangeBound(criteria.MinPrice), rangeBound(criteria.MaxPrice)))
	}
	if criteria.MinRooms > 0 || criteria.MaxRooms > 0 {
		q.Set("rooms", fmt.Sprintf("%s-%s", rangeBound(float64(criteria.MinRooms)), rangeBound(float64(criteria.MaxRooms))))
	}
	var types []string
	seen := make(map[string]bool)
	for _, pt := range criteria.PropertyTypes {
		if code, ok := leboncoinTypes[strings.ToLower(pt)]; ok && !seen[code] {
			seen[code] = true
			types = append(types, code)
		}
	}
	if len(types) > 0 {
		q.Set("real_estate_type", strings.Join(types, ","))
	}
	if pageNum > 1 {
		q.Set("page", strconv.Itoa(pageNum))
	}
	return endpoint + "?" + q.Encode()
}

func rangeBound(v float64) string {
	if v <= 0 {
		return "min"
	}
	return fmt.Sprintf("%.0f", v)
}

func (a *LeboncoinAdapter) fetchPage(ctx context.Context, criteria config.SearchCriteria, pageNum int) (page, error) {
	body, err := a.fetcher.Fetch(ctx, a.searchURL(criteria, pageNum), nil)
	if err != nil {
		return page{}, err
	}
	search, err := parseLeboncoinPage(body)
	if err != nil {
		return page{}, err
	}

	listings := make([]*models.Listing, 0, len(search.Ads))
	for _, ad := range search.Ads {
		listings = append(listings, ad.toListing())
	}
	last := search.MaxPages > 0 && pageNum >= search.MaxPages
	return page{listings: listings, last: last}, nil
}

type leboncoinSearch struct {
	Total    int           `json:"total"`
	MaxPages int           `json:"max_pages"`
	Ads      []leboncoinAd `json:"ads"`
}

type leboncoinAd struct {
	ListID   int64     `json:"list_id"`
	Subject  string    `json:"subject"`
	Body     string    `json:"body"`
	URL      string    `json:"url"`
	Price    []float64 `json:"price"`
	Location struct {
		City     string `json:"city"`
		Zipcode  string `json:"zipcode"`
		Address  string `json:"address"`
		District string `json:"district"`
	} `json:"location"`
	Attributes []struct {
		Key        string `json:"key"`
		Value      string `json:"value"`
		ValueLabel string `json:"value_label"`
	} `json:"attributes"`
	Owner struct {
		Name      string `json:"name"`
		Type      string `json:"type"`
		StoreName string `json:"store_name"`
	} `json:"owner"`
}

// parseLeboncoinPage extracts the ads from the __NEXT_DATA__ script.
func parseLeboncoinPage(body []byte) (*leboncoinSearch, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	raw := strings.TrimSpace(doc.Find("script#__NEXT_DATA__").First().Text())
	if raw == "" {
		return nil, errors.New("leboncoin: no __NEXT_DATA__ payload")
	}

	var payload struct {
		Props struct {
			PageProps struct {
				SearchData leboncoinSearch `json:"searchData"`
			} `json:"pageProps"`
		} `json:"props"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("leboncoin: decode payload: %w", err)
	}
	return &payload.Props.PageProps.SearchData, nil
}

func (ad leboncoinAd) attr(key string) (value, label string) {
	for _, a := range ad.Attributes {
		if a.Key == key {
			return a.Value, a.ValueLabel
		}
	}
	return "", ""
}

func (ad leboncoinAd) toListing() *models.Listing {
	l := &models.Listing{
		SourceListingID: strconv.FormatInt(ad.ListID, 10),
		URL:             ad.URL,
		Title:           cleanText(ad.Subject),
		City:            ad.Location.City,
		PostalCode:      ad.Location.Zipcode,
		Description:     strings.TrimSpace(ad.Body),
		ContactName:     ad.Owner.Name,
	}
	if ad.ListID == 0 {
		l.SourceListingID = ""
	}
	if len(ad.Price) > 0 {
		l.Price = ad.Price[0]
	}

	l.Address = cleanText(ad.Location.Address)
	if l.Address == "" {
		l.Address = cleanText(strings.Join([]string{ad.Location.District, ad.Location.Zipcode, ad.Location.City}, " "))
	}

	if v, _ := ad.attr("rooms"); v != "" {
		l.Rooms = ParseRooms(v)
	}
	if v, _ := ad.attr("square"); v != "" {
		l.Surface = ParseSurface(v)
	}
	_, typeLabel := ad.attr("real_estate_type")
	l.PropertyType = InferPropertyType(typeLabel, ad.Subject)
	if ad.Owner.Type == "pro" {
		l.AgencyName = ad.Owner.StoreName
		if l.AgencyName == "" {
			l.AgencyName = ad.Owner.Name
		}
	}
	l.Features = ExtractFeatures(l.Title, l.Description)
	return l
}
