package scraper

import (
	"fmt"
	"net/url"
	"strings"

	"rental_hunter/config"
)

var selogerTypes = map[string]string{
	"apartment": "1",
	"studio":    "1",
	"house":     "2",
}

func NewSeLogerAdapter(cfg *config.SiteConfig, fetcher Fetcher, opts Options) Adapter {
	a := &htmlAdapter{
		cfg:     cfg,
		fetcher: fetcher,
		opts:    opts,
		defaults: map[string]string{
			"card":        "article.c-pa-list",
			"title":       "h2.c-pa-list-title",
			"price":       "span.c-pa-price",
			"rooms":       "li.c-pa-criterion--room",
			"surface":     "li.c-pa-criterion--surface",
			"city":        "div.c-pa-city",
			"address":     "div.c-pa-address",
			"description": "div.c-pa-description",
			"link":        "a.c-pa-link",
		},
	}
	a.buildURL = func(criteria config.SearchCriteria, pageNum int) string {
		return a.endpoint("/list.htm") + "?" + selogerQuery(criteria, pageNum).Encode()
	}
	return a
}

func selogerQuery(criteria config.SearchCriteria, pageNum int) url.Values {
	var types []string
	seen := make(map[string]bool)
	for _, pt := range criteria.PropertyTypes {
		if code, ok := selogerTypes[strings.ToLower(pt)]; ok && !seen[code] {
			seen[code] = true
			types = append(types, code)
		}
	}
	if len(types) == 0 {
		types = []string{"1", "2"}
	}

	q := url.Values{}
	q.Set("projects", "2") // rent
	q.Set("types", strings.Join(types, ","))
	q.Set("places", criteria.City())
	q.Set("price", fmt.Sprintf("%s/%s", bound(criteria.MinPrice), bound(criteria.MaxPrice)))
	q.Set("rooms", fmt.Sprintf("%s/%s", bound(float64(criteria.MinRooms)), bound(float64(criteria.MaxRooms))))
	q.Set("sort", "initial_publication")
	q.Set("order", "desc")
	q.Set("LISTING-LISTpg", fmt.Sprint(pageNum))
	return q
}

// bound renders an optional range limit; zero means open.
func bound(v float64) string {
	if v <= 0 {
		return "NaN"
	}
	return fmt.Sprintf("%.0f", v)
}
