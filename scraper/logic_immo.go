package scraper

import (
	"fmt"
	"strings"

	"rental_hunter/config"
)

var logicImmoTypes = map[string]string{
	"apartment": "1",
	"studio":    "1",
	"house":     "2",
}

// NewLogicImmoAdapter scrapes logic-immo result pages. The site renders its
// list client-side, so its config pairs it with the browser fetcher.
func NewLogicImmoAdapter(cfg *config.SiteConfig, fetcher Fetcher, opts Options) Adapter {
	a := &htmlAdapter{
		cfg:     cfg,
		fetcher: fetcher,
		opts:    opts,
		defaults: map[string]string{
			"card":        "div.offer-block",
			"title":       "h2.offer-type",
			"price":       "p.offer-price",
			"rooms":       "span.offer-rooms-number",
			"surface":     "span.offer-area-number",
			"address":     "div.offer-place",
			"description": "p.offer-description",
			"link":        "a.offer-link",
		},
	}
	a.buildURL = func(criteria config.SearchCriteria, pageNum int) string {
		return a.endpoint("/location-immobilier") + "-" + slugify(criteria.City()) + logicImmoOptions(criteria, pageNum)
	}
	return a
}

func logicImmoOptions(criteria config.SearchCriteria, pageNum int) string {
	var opts []string

	var types []string
	seen := make(map[string]bool)
	for _, pt := range criteria.PropertyTypes {
		if code, ok := logicImmoTypes[strings.ToLower(pt)]; ok && !seen[code] {
			seen[code] = true
			types = append(types, code)
		}
	}
	if len(types) > 0 {
		opts = append(opts, "groupprptypesids="+strings.Join(types, ","))
	}
	if criteria.MinPrice > 0 {
		opts = append(opts, fmt.Sprintf("pricemin=%.0f", criteria.MinPrice))
	}
	if criteria.MaxPrice > 0 {
		opts = append(opts, fmt.Sprintf("pricemax=%.0f", criteria.MaxPrice))
	}
	if criteria.MinRooms > 0 && criteria.MaxRooms >= criteria.MinRooms {
		var rooms []string
		for r := criteria.MinRooms; r <= criteria.MaxRooms; r++ {
			rooms = append(rooms, fmt.Sprint(r))
		}
		opts = append(opts, "nbrooms="+strings.Join(rooms, ","))
	}
	if pageNum > 1 {
		opts = append(opts, fmt.Sprintf("page=%d", pageNum))
	}
	if len(opts) == 0 {
		return ""
	}
	return "/options/" + strings.Join(opts, "/")
}
