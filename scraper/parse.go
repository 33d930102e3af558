package scraper

import (
	"regexp"
	"strconv"
	"strings"

	"rental_hunter/identity"
	"rental_hunter/models"
)

var (
	priceRegex      = regexp.MustCompile(`\d[\d\s\x{00a0}\x{202f}.,]*`)
	surfaceRegex    = regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s*m(?:²|2)`)
	numberRegex     = regexp.MustCompile(`\d+(?:[.,]\d+)?`)
	typedRoomsRegex = regexp.MustCompile(`\b[tf]\s?(\d{1,2})\b`)
	piecesRegex     = regexp.MustCompile(`(\d{1,2})\s*pieces?\b`)
	firstDigitRegex = regexp.MustCompile(`\d{1,2}`)
	postalCodeRegex = regexp.MustCompile(`\b\d{5}\b`)
	listingIDRegex  = regexp.MustCompile(`\d{5,}`)
	spaceReplacer   = strings.NewReplacer(" ", "", "\u00a0", "", "\u202f", "", "\t", "", "\n", "")
)

// ParsePrice reads a French price label such as "1 200 € CC" or "1.200,50 €".
// Returns 0 when no amount is present.
func ParsePrice(s string) float64 {
	m := priceRegex.FindString(s)
	if m == "" {
		return 0
	}
	m = strings.TrimRight(spaceReplacer.Replace(m), ".,")

	// A separator followed by one or two digits is the decimal mark
	if i := strings.LastIndexAny(m, ".,"); i >= 0 && len(m)-i-1 <= 2 {
		intPart := strings.NewReplacer(".", "", ",", "").Replace(m[:i])
		m = intPart + "." + m[i+1:]
	} else {
		m = strings.NewReplacer(".", "", ",", "").Replace(m)
	}

	f, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0
	}
	return f
}

// ParseSurface reads "45,5 m²" style labels. A bare number is accepted too.
func ParseSurface(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var raw string
	if m := surfaceRegex.FindStringSubmatch(s); m != nil {
		raw = m[1]
	} else if m := numberRegex.FindString(s); m != "" {
		raw = m
	} else {
		return nil
	}
	f, err := strconv.ParseFloat(strings.Replace(raw, ",", ".", 1), 64)
	if err != nil || f <= 0 {
		return nil
	}
	return &f
}

// ParseRooms understands "studio", "T2", "F4", "3 pièces" and falls back to
// the first number in the label.
func ParseRooms(s string) *int {
	text := identity.Fold(strings.TrimSpace(s))
	if text == "" {
		return nil
	}

	var n int
	switch {
	case strings.Contains(text, "studio"):
		n = 1
	case typedRoomsRegex.MatchString(text):
		n, _ = strconv.Atoi(typedRoomsRegex.FindStringSubmatch(text)[1])
	case piecesRegex.MatchString(text):
		n, _ = strconv.Atoi(piecesRegex.FindStringSubmatch(text)[1])
	default:
		m := firstDigitRegex.FindString(text)
		if m == "" {
			return nil
		}
		n, _ = strconv.Atoi(m)
	}
	if n <= 0 {
		return nil
	}
	return &n
}

var featureKeywords = map[string][]string{
	"balcony":   {"balcon", "terrasse", "loggia"},
	"parking":   {"parking", "garage", "stationnement"},
	"elevator":  {"ascenseur", "lift"},
	"cellar":    {"cave", "cellier"},
	"garden":    {"jardin", "garden"},
	"furnished": {"meuble", "furnished"},
	"new":       {"neuf", "nouveau", "recent"},
	"metro":     {"metro", "rer", "tramway"},
	"school":    {"ecole", "school", "universite"},
	"shops":     {"commerce", "magasin", "shopping"},
}

// ExtractFeatures flags amenities mentioned in the title or description.
func ExtractFeatures(title, description string) map[string]bool {
	words := strings.FieldsFunc(identity.Fold(title+" "+description), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})

	features := make(map[string]bool, len(featureKeywords))
	for feature, keywords := range featureKeywords {
		features[feature] = false
	search:
		for _, w := range words {
			for _, kw := range keywords {
				if strings.HasPrefix(w, kw) {
					features[feature] = true
					break search
				}
			}
		}
	}
	return features
}

// InferPropertyType reads the type from a label, defaulting to apartment for
// the rental sites that only list flats unless told otherwise.
func InferPropertyType(labels ...string) models.PropertyType {
	for _, label := range labels {
		if pt := models.ParsePropertyType(identity.Fold(label)); pt != models.PropertyTypeOther {
			return pt
		}
	}
	return models.PropertyTypeApartment
}

func extractPostalCode(texts ...string) string {
	for _, t := range texts {
		if m := postalCodeRegex.FindString(t); m != "" {
			return m
		}
	}
	return ""
}

// extractListingID takes the last long digit run of a listing URL.
func extractListingID(rawURL string) string {
	matches := listingIDRegex.FindAllString(rawURL, -1)
	if len(matches) == 0 {
		return ""
	}
	return matches[len(matches)-1]
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
