package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/url"
	"strings"

	"rental_hunter/config"
	"rental_hunter/models"
)

const bieniciPageSize = 24

var bieniciTypes = map[string]string{
	"apartment": "flat",
	"studio":    "flat",
	"house":     "house",
}

// BienIciAdapter queries the JSON search endpoint behind bienici.com.
type BienIciAdapter struct {
	cfg     *config.SiteConfig
	fetcher Fetcher
	opts    Options
}

func NewBienIciAdapter(cfg *config.SiteConfig, fetcher Fetcher, opts Options) *BienIciAdapter {
	return &BienIciAdapter{cfg: cfg, fetcher: fetcher, opts: opts}
}

func (a *BienIciAdapter) ID() string {
	return a.cfg.ID
}

func (a *BienIciAdapter) FetchListings(ctx context.Context, criteria config.SearchCriteria) iter.Seq2[*models.Listing, error] {
	return paginate(ctx, a.cfg.ID, a.opts, criteria, a.fetchPage)
}

type bieniciFilters struct {
	Size         int      `json:"size"`
	From         int      `json:"from"`
	Page         int      `json:"page"`
	FilterType   string   `json:"filterType"`
	PropertyType []string `json:"propertyType,omitempty"`
	MinPrice     float64  `json:"minPrice,omitempty"`
	MaxPrice     float64  `json:"maxPrice,omitempty"`
	MinRooms     int      `json:"minRooms,omitempty"`
	MaxRooms     int      `json:"maxRooms,omitempty"`
	Locations    []string `json:"locations,omitempty"`
	SortBy       string   `json:"sortBy"`
	SortOrder    string   `json:"sortOrder"`
	OnTheMarket  []bool   `json:"onTheMarket"`
}

func (a *BienIciAdapter) searchURL(criteria config.SearchCriteria, pageNum int) (string, error) {
	endpoint := a.cfg.Endpoints["search"]
	if endpoint == "" {
		endpoint = strings.TrimRight(a.cfg.BaseURL, "/") + "/realEstateAds.json"
	}

	filters := bieniciFilters{
		Size:        bieniciPageSize,
		From:        (pageNum - 1) * bieniciPageSize,
		Page:        pageNum,
		FilterType:  "rent",
		MinPrice:    criteria.MinPrice,
		MaxPrice:    criteria.MaxPrice,
		MinRooms:    criteria.MinRooms,
		MaxRooms:    criteria.MaxRooms,
		SortBy:      "publicationDate",
		SortOrder:   "desc",
		OnTheMarket: []bool{true},
	}
	if city := criteria.City(); city != "" {
		filters.Locations = []string{city}
	}
	seen := make(map[string]bool)
	for _, pt := range criteria.PropertyTypes {
		if t, ok := bieniciTypes[strings.ToLower(pt)]; ok && !seen[t] {
			seen[t] = true
			filters.PropertyType = append(filters.PropertyType, t)
		}
	}

	data, err := json.Marshal(filters)
	if err != nil {
		return "", err
	}
	return endpoint + "?" + url.Values{"filters": {string(data)}}.Encode(), nil
}

func (a *BienIciAdapter) fetchPage(ctx context.Context, criteria config.SearchCriteria, pageNum int) (page, error) {
	searchURL, err := a.searchURL(criteria, pageNum)
	if err != nil {
		return page{}, err
	}
	body, err := a.fetcher.Fetch(ctx, searchURL, nil)
	if err != nil {
		return page{}, err
	}

	var resp bieniciResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return page{}, fmt.Errorf("bienici: decode response: %w", err)
	}

	listings := make([]*models.Listing, 0, len(resp.RealEstateAds))
	for _, ad := range resp.RealEstateAds {
		listings = append(listings, ad.toListing(a.cfg.BaseURL))
	}
	last := (pageNum-1)*bieniciPageSize+len(resp.RealEstateAds) >= resp.Total
	return page{listings: listings, last: last}, nil
}

type bieniciResponse struct {
	Total         int         `json:"total"`
	RealEstateAds []bieniciAd `json:"realEstateAds"`
}

type bieniciAd struct {
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	Description    string  `json:"description"`
	Price          float64 `json:"price"`
	SurfaceArea    float64 `json:"surfaceArea"`
	RoomsQuantity  int     `json:"roomsQuantity"`
	PropertyType   string  `json:"propertyType"`
	City           string  `json:"city"`
	PostalCode     string  `json:"postalCode"`
	Address        string  `json:"address"`
	AdCreatedByPro bool    `json:"adCreatedByPro"`
	District       struct {
		Name string `json:"name"`
	} `json:"district"`
	ContactRelativeData struct {
		ContactNameToDisplay string `json:"contactNameToDisplay"`
		PhoneToDisplay       string `json:"phoneToDisplay"`
		Email                string `json:"email"`
	} `json:"contactRelativeData"`
	AccountDisplayName string `json:"accountDisplayName"`
}

func (ad bieniciAd) toListing(baseURL string) *models.Listing {
	l := &models.Listing{
		SourceListingID: ad.ID,
		URL:             strings.TrimRight(baseURL, "/") + "/annonce/location/" + url.PathEscape(ad.ID),
		Title:           cleanText(ad.Title),
		City:            ad.City,
		PostalCode:      ad.PostalCode,
		Price:           ad.Price,
		Description:     strings.TrimSpace(ad.Description),
		ContactName:     ad.ContactRelativeData.ContactNameToDisplay,
		ContactPhone:    ad.ContactRelativeData.PhoneToDisplay,
		ContactEmail:    ad.ContactRelativeData.Email,
	}
	if ad.SurfaceArea > 0 {
		s := ad.SurfaceArea
		l.Surface = &s
	}
	if ad.RoomsQuantity > 0 {
		r := ad.RoomsQuantity
		l.Rooms = &r
	}

	l.Address = cleanText(ad.Address)
	if l.Address == "" {
		l.Address = cleanText(strings.Join([]string{ad.District.Name, ad.PostalCode, ad.City}, " "))
	}

	switch ad.PropertyType {
	case "house":
		l.PropertyType = models.PropertyTypeHouse
	case "flat":
		l.PropertyType = InferPropertyType(ad.Title)
	default:
		l.PropertyType = models.ParsePropertyType(ad.PropertyType)
	}
	if ad.AdCreatedByPro {
		l.AgencyName = ad.AccountDisplayName
	}
	l.Features = ExtractFeatures(l.Title, l.Description)
	return l
}
