package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"rental_hunter/models"
)

const (
	streetNumberBonus = 0.1
	sharedWordBonus   = 0.1
	maxSharedWordSum  = 0.3
)

// Ratio returns 1 - editDistance/maxLen over runes, in [0,1].
// Two empty strings are not considered similar.
func Ratio(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	maxLen := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > maxLen {
		maxLen = n
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(maxLen)
}

// TokenSortRatio compares two texts after sorting their words, so reordered
// sentences still score high.
func TokenSortRatio(a, b string) float64 {
	return Ratio(sortTokens(a), sortTokens(b))
}

func sortTokens(s string) string {
	tokens := strings.Fields(s)
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}

// AddressSimilarity scores two addresses in the same city. The edit ratio of
// the normalized forms is boosted when street numbers match and per shared
// street-name word, capped at 1.
func AddressSimilarity(a, b, city string) float64 {
	na := NormalizeAddress(a, city)
	nb := NormalizeAddress(b, city)
	if na == "" || nb == "" {
		return 0
	}

	score := Ratio(na, nb)

	numsA, wordsA := addressParts(na)
	numsB, wordsB := addressParts(nb)

	for n := range numsA {
		if numsB[n] {
			score += streetNumberBonus
			break
		}
	}

	bonus := 0.0
	for w := range wordsA {
		if wordsB[w] {
			bonus += sharedWordBonus
		}
	}
	score += math.Min(bonus, maxSharedWordSum)

	return math.Min(score, 1)
}

func addressParts(normalized string) (numbers, words map[string]bool) {
	numbers = make(map[string]bool)
	words = make(map[string]bool)
	for _, w := range strings.Fields(normalized) {
		switch {
		case isNumber(w):
			numbers[w] = true
		case addressStopwords[w], isStreetType(w), len(w) < 2:
		default:
			words[w] = true
		}
	}
	return numbers, words
}

// DescriptionSimilarity is the token-sort ratio of two descriptions with rental
// jargon removed. An empty description scores 0.
func DescriptionSimilarity(a, b string) float64 {
	return TokenSortRatio(NormalizeDescription(a), NormalizeDescription(b))
}

// Fingerprint hashes the identifying attributes of a listing. Listings that
// describe the same unit in the same words share a fingerprint.
func Fingerprint(l *models.Listing) string {
	input := fmt.Sprintf("%s|%s|%d|%s|%d",
		NormalizeAddress(l.Address, l.City),
		NormalizeCity(l.City),
		l.RoomCount(),
		l.PropertyType,
		int(math.Round(l.Price/10)*10),
	)
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:16])
}
