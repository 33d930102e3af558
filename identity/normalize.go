package identity

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	streetReplacements = map[string]string{
		"rue":       "r",
		"avenue":    "av",
		"boulevard": "bd",
		"place":     "pl",
		"square":    "sq",
		"impasse":   "imp",
		"passage":   "pass",
		"allee":     "all",
		"quai":      "q",
		"chemin":    "ch",
		"route":     "rte",
		"cours":     "crs",
		"faubourg":  "fbg",
		"residence": "res",
		"batiment":  "bat",
	}
	// Words that carry no identifying weight in a French address.
	addressStopwords = map[string]bool{
		"de": true, "du": true, "des": true, "la": true, "le": true, "les": true,
		"l": true, "d": true, "et": true, "a": true, "au": true, "aux": true,
		"en": true, "france": true, "cedex": true,
	}
	descriptionJargon = []string{
		"appartement", "logement", "location", "louer", "disponible",
		"immediatement", "libre", "contact", "visite", "dossier",
	}
	descriptionStopwords = map[string]bool{
		"de": true, "du": true, "des": true, "la": true, "le": true, "les": true,
		"l": true, "d": true, "un": true, "une": true, "et": true, "a": true,
		"au": true, "aux": true, "en": true, "avec": true, "pour": true, "dans": true,
		"sur": true, "par": true, "est": true,
	}

	multiSpaceRegex  = regexp.MustCompile(`\s+`)
	nonAlnumRegex    = regexp.MustCompile(`[^a-z0-9\s]`)
	postalCodeRegex  = regexp.MustCompile(`\b\d{5}\b`)
	arrondissementRe = regexp.MustCompile(`\b\d{1,2}(?:e|er|eme)\s+arrondissement\b`)
)

// Fold lowercases s and strips diacritics, so "Allée" and "allee" compare equal.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// NormalizeCity folds a city name and drops arrondissement suffixes ("Paris 11e").
func NormalizeCity(city string) string {
	city = Fold(strings.TrimSpace(city))
	city = postalCodeRegex.ReplaceAllString(city, " ")
	city = nonAlnumRegex.ReplaceAllString(city, " ")
	fields := strings.Fields(city)
	for i, f := range fields {
		if isArrondissement(f) {
			fields = fields[:i]
			break
		}
	}
	return strings.Join(fields, " ")
}

func isArrondissement(word string) bool {
	trimmed := strings.TrimRight(word, "emr")
	if trimmed == word || trimmed == "" {
		return false
	}
	for _, r := range trimmed {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// NormalizeAddress prepares an address for fuzzy comparison: folded, postal codes
// and the city name removed, punctuation stripped, street types abbreviated.
func NormalizeAddress(addr, city string) string {
	addr = Fold(strings.TrimSpace(addr))
	if addr == "" {
		return ""
	}
	addr = arrondissementRe.ReplaceAllString(addr, " ")
	addr = postalCodeRegex.ReplaceAllString(addr, " ")
	addr = nonAlnumRegex.ReplaceAllString(addr, " ")

	cityWords := make(map[string]bool)
	for _, w := range strings.Fields(NormalizeCity(city)) {
		cityWords[w] = true
	}

	words := strings.Fields(addr)
	out := words[:0]
	for _, w := range words {
		if cityWords[w] {
			continue
		}
		if abbrev, ok := streetReplacements[w]; ok {
			w = abbrev
		}
		out = append(out, w)
	}
	return strings.Join(out, " ")
}

// NormalizeDescription folds free text and removes rental jargon and stopwords.
func NormalizeDescription(desc string) string {
	desc = Fold(strings.TrimSpace(desc))
	desc = nonAlnumRegex.ReplaceAllString(desc, " ")

	jargon := make(map[string]bool, len(descriptionJargon))
	for _, j := range descriptionJargon {
		jargon[j] = true
	}

	var out []string
	for _, w := range strings.Fields(desc) {
		if jargon[w] || descriptionStopwords[w] {
			continue
		}
		out = append(out, w)
	}
	return multiSpaceRegex.ReplaceAllString(strings.Join(out, " "), " ")
}

func isStreetType(word string) bool {
	for _, abbrev := range streetReplacements {
		if word == abbrev {
			return true
		}
	}
	return false
}

func isNumber(word string) bool {
	if word == "" {
		return false
	}
	for _, r := range word {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
