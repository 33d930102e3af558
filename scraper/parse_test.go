package scraper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rental_hunter/models"
)

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"850 €", 850},
		{"1 200 € CC", 1200},
		{"1 450 €/mois", 1450},
		{"1 050 €", 1050},
		{"1.200,50 €", 1200.5},
		{"1,200 €", 1200},
		{"Loyer : 975,00 € charges comprises", 975},
		{"Prix sur demande", 0},
		{"", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParsePrice(tt.in), tt.in)
	}
}

func TestParseSurface(t *testing.T) {
	s := ParseSurface("45,5 m²")
	require.NotNil(t, s)
	assert.Equal(t, 45.5, *s)

	s = ParseSurface("Surface 62m2")
	require.NotNil(t, s)
	assert.Equal(t, 62.0, *s)

	s = ParseSurface("38")
	require.NotNil(t, s)
	assert.Equal(t, 38.0, *s)

	assert.Nil(t, ParseSurface(""))
	assert.Nil(t, ParseSurface("non communiquée"))
}

func TestParseRooms(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"Studio", 1},
		{"T2", 2},
		{"Appartement F4 lumineux", 4},
		{"3 pièces", 3},
		{"1 pièce", 1},
		{"Appartement 2 pièces 45 m²", 2},
		{"5", 5},
	}
	for _, tt := range tests {
		got := ParseRooms(tt.in)
		require.NotNil(t, got, tt.in)
		assert.Equal(t, tt.want, *got, tt.in)
	}

	assert.Nil(t, ParseRooms(""))
	assert.Nil(t, ParseRooms("non précisé"))
}

func TestExtractFeatures(t *testing.T) {
	f := ExtractFeatures("Appartement avec terrasse", "Ascenseur, cave et stationnement. Proche métro et écoles.")

	assert.Len(t, f, 10)
	assert.True(t, f["balcony"])
	assert.True(t, f["elevator"])
	assert.True(t, f["cellar"])
	assert.True(t, f["parking"])
	assert.True(t, f["metro"])
	assert.True(t, f["school"])
	assert.False(t, f["garden"])
	assert.False(t, f["furnished"])
}

func TestInferPropertyType(t *testing.T) {
	assert.Equal(t, models.PropertyTypeHouse, InferPropertyType("Maison", "Belle maison"))
	assert.Equal(t, models.PropertyTypeStudio, InferPropertyType("", "Studio rénové"))
	assert.Equal(t, models.PropertyTypeApartment, InferPropertyType("", "Lyon 7E (69007)"))
}

func TestExtractListingID(t *testing.T) {
	assert.Equal(t, "187654321", extractListingID("https://www.seloger.com/annonces/locations/appartement/lyon-3eme-69/187654321.htm"))
	assert.Equal(t, "412345678", extractListingID("annonce-r412345678"))
	assert.Equal(t, "", extractListingID("/annonces/sans-id"))
}
