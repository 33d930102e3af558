package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"rental_hunter/models"
)

func TestFold(t *testing.T) {
	assert.Equal(t, "allee emile zola", Fold("Allée Émile Zola"))
	assert.Equal(t, "republique", Fold("RÉPUBLIQUE"))
}

func TestNormalizeCity(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Lyon", "lyon"},
		{"Paris 11e", "paris"},
		{"Paris 1er", "paris"},
		{"75011 Paris", "paris"},
		{"Saint-Étienne", "saint etienne"},
	}
	for _, tt := range tests {
		if got := NormalizeCity(tt.in); got != tt.want {
			t.Errorf("NormalizeCity(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		addr string
		city string
		want string
	}{
		{"12 Rue de Paris, 69002 Lyon", "Lyon", "12 r de paris"},
		{"12 r. de Paris", "Lyon", "12 r de paris"},
		{"3 Avenue Jean Jaurès", "Lyon", "3 av jean jaures"},
		{"Allée des Tilleuls", "Nice", "all des tilleuls"},
		{"8 boulevard Voltaire, Paris 11e arrondissement", "Paris", "8 bd voltaire"},
		{"   ", "Lyon", ""},
	}
	for _, tt := range tests {
		if got := NormalizeAddress(tt.addr, tt.city); got != tt.want {
			t.Errorf("NormalizeAddress(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestNormalizeDescription_DropsJargon(t *testing.T) {
	got := NormalizeDescription("Appartement disponible immédiatement, lumineux avec balcon !")
	assert.Equal(t, "lumineux balcon", got)
}

func TestRatio(t *testing.T) {
	assert.Equal(t, 1.0, Ratio("abc", "abc"))
	assert.Equal(t, 0.0, Ratio("", ""))
	assert.Equal(t, 0.0, Ratio("abc", ""))
	assert.InDelta(t, 1-3.0/7.0, Ratio("kitten", "sitting"), 1e-9)
}

func TestTokenSortRatio_IgnoresOrder(t *testing.T) {
	assert.Equal(t, 1.0, TokenSortRatio("balcon lumineux calme", "calme lumineux balcon"))
}

func TestAddressSimilarity(t *testing.T) {
	t.Run("same address different formatting", func(t *testing.T) {
		got := AddressSimilarity("12 Rue de Paris", "12 rue de Paris, 69002 Lyon", "Lyon")
		assert.Equal(t, 1.0, got)
	})

	t.Run("accents do not matter", func(t *testing.T) {
		got := AddressSimilarity("5 rue de la République", "5 RUE DE LA REPUBLIQUE", "Lyon")
		assert.Equal(t, 1.0, got)
	})

	t.Run("different streets stay low", func(t *testing.T) {
		got := AddressSimilarity("3 Avenue Jean Jaurès", "45 Boulevard Voltaire", "Lyon")
		assert.Less(t, got, 0.5)
	})

	t.Run("shared street boosts score", func(t *testing.T) {
		base := Ratio(NormalizeAddress("12 rue Victor Hugo", "Lyon"), NormalizeAddress("48 avenue Victor Hugo", "Lyon"))
		got := AddressSimilarity("12 rue Victor Hugo", "48 avenue Victor Hugo", "Lyon")
		assert.InDelta(t, base+0.2, got, 1e-9)
	})

	t.Run("symmetric", func(t *testing.T) {
		a, b := "12 rue Victor Hugo", "Rue Victor Hugo 69002"
		assert.Equal(t, AddressSimilarity(a, b, "Lyon"), AddressSimilarity(b, a, "Lyon"))
	})

	t.Run("empty address scores zero", func(t *testing.T) {
		assert.Equal(t, 0.0, AddressSimilarity("", "12 rue de Paris", "Lyon"))
	})
}

func TestDescriptionSimilarity(t *testing.T) {
	a := "Appartement disponible immédiatement, lumineux avec balcon"
	b := "Balcon, lumineux. Logement libre"
	assert.Equal(t, 1.0, DescriptionSimilarity(a, b))
	assert.Equal(t, 0.0, DescriptionSimilarity("", b))
}

func TestFingerprint(t *testing.T) {
	rooms := 1
	a := &models.Listing{Address: "12 Rue de Paris", City: "Lyon", Price: 800, Rooms: &rooms, PropertyType: models.PropertyTypeStudio}
	b := &models.Listing{Address: "12 rue de Paris, 69002 Lyon", City: "LYON", Price: 803, Rooms: &rooms, PropertyType: models.PropertyTypeStudio}

	if Fingerprint(a) != Fingerprint(b) {
		t.Fatalf("expected equal fingerprints for reformatted address")
	}

	two := 2
	c := *b
	c.Rooms = &two
	if Fingerprint(a) == Fingerprint(&c) {
		t.Fatalf("expected different fingerprint when room count differs")
	}
	assert.Len(t, Fingerprint(a), 32)
}
