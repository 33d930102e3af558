package config

import (
	"strings"

	"rental_hunter/identity"
	"rental_hunter/models"
)

// SearchCriteria is what adapters translate into site-specific queries.
type SearchCriteria struct {
	Cities          []string `yaml:"cities"`
	MinPrice        float64  `yaml:"min_price"`
	MaxPrice        float64  `yaml:"max_price"`
	MinRooms        int      `yaml:"min_rooms"`
	MaxRooms        int      `yaml:"max_rooms"`
	PropertyTypes   []string `yaml:"property_types"`
	IncludeKeywords []string `yaml:"include_keywords"`
	ExcludeKeywords []string `yaml:"exclude_keywords"`
}

func DefaultCriteria() SearchCriteria {
	return SearchCriteria{
		Cities:          []string{"Paris", "Lyon", "Marseille", "Toulouse", "Nice"},
		MinPrice:        500,
		MaxPrice:        1500,
		MinRooms:        1,
		MaxRooms:        4,
		PropertyTypes:   []string{"apartment", "studio"},
		IncludeKeywords: []string{"balcon", "parking", "métro", "transport"},
		ExcludeKeywords: []string{"meublé", "furnished", "colocation"},
	}
}

// ForCity returns a copy of the criteria narrowed to one city.
func (c SearchCriteria) ForCity(city string) SearchCriteria {
	out := c
	out.Cities = []string{city}
	return out
}

// City returns the first configured city, or "" when none is set.
func (c SearchCriteria) City() string {
	if len(c.Cities) == 0 {
		return ""
	}
	return c.Cities[0]
}

// HasType reports whether t is allowed; an empty set allows everything.
func (c SearchCriteria) HasType(t string) bool {
	if len(c.PropertyTypes) == 0 {
		return true
	}
	for _, pt := range c.PropertyTypes {
		if strings.EqualFold(pt, t) {
			return true
		}
	}
	return false
}

func (c *SearchCriteria) applyEnv() {
	if cities := getEnvList("SEARCH_CITIES"); len(cities) > 0 {
		c.Cities = cities
	}
	c.MinPrice = getEnvFloat("SEARCH_MIN_PRICE", c.MinPrice)
	c.MaxPrice = getEnvFloat("SEARCH_MAX_PRICE", c.MaxPrice)
	c.MinRooms = getEnvInt("SEARCH_MIN_ROOMS", c.MinRooms)
	c.MaxRooms = getEnvInt("SEARCH_MAX_ROOMS", c.MaxRooms)
	if types := getEnvList("SEARCH_PROPERTY_TYPES"); len(types) > 0 {
		c.PropertyTypes = types
	}
	if kw := getEnvList("SEARCH_INCLUDE_KEYWORDS"); len(kw) > 0 {
		c.IncludeKeywords = kw
	}
	if kw := getEnvList("SEARCH_EXCLUDE_KEYWORDS"); len(kw) > 0 {
		c.ExcludeKeywords = kw
	}
}

// Accept applies the price, room, type and keyword filters to a listing.
// Keywords match case- and accent-insensitively against the description only.
func (c SearchCriteria) Accept(l *models.Listing) bool {
	if l.Price > 0 {
		if c.MinPrice > 0 && l.Price < c.MinPrice {
			return false
		}
		if c.MaxPrice > 0 && l.Price > c.MaxPrice {
			return false
		}
	}
	if l.Rooms != nil {
		if c.MinRooms > 0 && *l.Rooms < c.MinRooms {
			return false
		}
		if c.MaxRooms > 0 && *l.Rooms > c.MaxRooms {
			return false
		}
	}
	if l.PropertyType != "" && !c.HasType(string(l.PropertyType)) {
		return false
	}

	text := identity.Fold(l.Description)
	for _, kw := range c.ExcludeKeywords {
		if kw = identity.Fold(strings.TrimSpace(kw)); kw != "" && strings.Contains(text, kw) {
			return false
		}
	}
	if len(c.IncludeKeywords) == 0 {
		return true
	}
	for _, kw := range c.IncludeKeywords {
		if kw = identity.Fold(strings.TrimSpace(kw)); kw != "" && strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
