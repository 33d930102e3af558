package scraper

import (
	"fmt"
	"strings"

	"rental_hunter/config"
)

func NewPAPAdapter(cfg *config.SiteConfig, fetcher Fetcher, opts Options) Adapter {
	a := &htmlAdapter{
		cfg:     cfg,
		fetcher: fetcher,
		opts:    opts,
		defaults: map[string]string{
			"card":        "div.search-list-item",
			"title":       "span.h1",
			"price":       "span.item-price",
			"tags":        "ul.item-tags li",
			"city":        "span.h1",
			"description": "p.item-description",
			"link":        "a.item-title",
		},
	}
	a.buildURL = func(criteria config.SearchCriteria, pageNum int) string {
		return a.endpoint("/annonce/location") + "-" + papPath(criteria, pageNum)
	}
	return a
}

// papPath builds the search slug, e.g.
// "appartement-maison-lyon-entre-500-et-1500-euros-a-partir-de-2-pieces-3".
func papPath(criteria config.SearchCriteria, pageNum int) string {
	var parts []string

	hasFlat, hasHouse := false, false
	for _, pt := range criteria.PropertyTypes {
		switch strings.ToLower(pt) {
		case "apartment", "studio":
			hasFlat = true
		case "house":
			hasHouse = true
		}
	}
	if hasFlat || !hasHouse {
		parts = append(parts, "appartement")
	}
	if hasHouse {
		parts = append(parts, "maison")
	}

	parts = append(parts, slugify(criteria.City()))

	switch {
	case criteria.MinPrice > 0 && criteria.MaxPrice > 0:
		parts = append(parts, fmt.Sprintf("entre-%.0f-et-%.0f-euros", criteria.MinPrice, criteria.MaxPrice))
	case criteria.MaxPrice > 0:
		parts = append(parts, fmt.Sprintf("jusqu-a-%.0f-euros", criteria.MaxPrice))
	}
	if criteria.MinRooms > 1 {
		parts = append(parts, fmt.Sprintf("a-partir-de-%d-pieces", criteria.MinRooms))
	}
	if pageNum > 1 {
		parts = append(parts, fmt.Sprint(pageNum))
	}
	return strings.Join(parts, "-")
}
