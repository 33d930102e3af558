package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type PropertyType string

const (
	PropertyTypeApartment PropertyType = "apartment"
	PropertyTypeStudio    PropertyType = "studio"
	PropertyTypeHouse     PropertyType = "house"
	PropertyTypeOther     PropertyType = "other"
)

// ParsePropertyType maps free-form site labels onto the known types.
func ParsePropertyType(s string) PropertyType {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == "":
		return PropertyTypeOther
	case strings.Contains(s, "studio"):
		return PropertyTypeStudio
	case strings.Contains(s, "appart"), strings.Contains(s, "apartment"), strings.Contains(s, "flat"),
		strings.Contains(s, "duplex"), strings.Contains(s, "loft"):
		return PropertyTypeApartment
	case strings.Contains(s, "maison"), strings.Contains(s, "house"), strings.Contains(s, "villa"):
		return PropertyTypeHouse
	}
	return PropertyTypeOther
}

type ListingStatus string

const (
	ListingStatusNew         ListingStatus = "new"
	ListingStatusContacted   ListingStatus = "contacted"
	ListingStatusResponded   ListingStatus = "responded"
	ListingStatusUnavailable ListingStatus = "unavailable"
	ListingStatusDuplicate   ListingStatus = "duplicate"
)

// IsAbsorbing reports whether no further status change is allowed.
func (s ListingStatus) IsAbsorbing() bool {
	return s == ListingStatusUnavailable || s == ListingStatusDuplicate
}

// CanTransition reports whether a listing may move from s to next.
// Statuses only move forward; unavailable and duplicate are absorbing.
func (s ListingStatus) CanTransition(next ListingStatus) bool {
	if s == next {
		return false
	}
	switch s {
	case ListingStatusNew:
		return next == ListingStatusContacted || next == ListingStatusResponded ||
			next == ListingStatusUnavailable || next == ListingStatusDuplicate
	case ListingStatusContacted:
		return next == ListingStatusResponded || next == ListingStatusUnavailable
	case ListingStatusResponded:
		return next == ListingStatusUnavailable
	}
	return false
}

var listingStatuses = []ListingStatus{
	ListingStatusNew,
	ListingStatusContacted,
	ListingStatusResponded,
	ListingStatusUnavailable,
	ListingStatusDuplicate,
}

// Predecessors returns the statuses a listing may be in to move to s.
func (s ListingStatus) Predecessors() []ListingStatus {
	var out []ListingStatus
	for _, from := range listingStatuses {
		if from.CanTransition(s) {
			out = append(out, from)
		}
	}
	return out
}

// Listing is one discovered rental unit, normalized from a site page.
type Listing struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	SourceSite      string          `json:"source_site" db:"source_site"`
	SourceListingID string          `json:"source_listing_id" db:"source_listing_id"`
	URL             string          `json:"url" db:"url"`
	Title           string          `json:"title" db:"title"`
	Address         string          `json:"address" db:"address"`
	City            string          `json:"city" db:"city"`
	PostalCode      string          `json:"postal_code" db:"postal_code"`
	Price           float64         `json:"price" db:"price"`
	Surface         *float64        `json:"surface" db:"surface"`
	Rooms           *int            `json:"rooms" db:"rooms"`
	PropertyType    PropertyType    `json:"property_type" db:"property_type"`
	Description     string          `json:"description" db:"description"`
	Features        map[string]bool `json:"features" db:"features"`
	ContactName     string          `json:"contact_name" db:"contact_name"`
	AgencyName      string          `json:"agency_name" db:"agency_name"`
	ContactEmail    string          `json:"contact_email" db:"contact_email"`
	ContactPhone    string          `json:"contact_phone" db:"contact_phone"`
	Fingerprint     string          `json:"fingerprint" db:"fingerprint"`
	DiscoveredAt    time.Time       `json:"discovered_at" db:"discovered_at"`
	LastSeenAt      time.Time       `json:"last_seen_at" db:"last_seen_at"`
	LastSeenCycle   int64           `json:"last_seen_cycle" db:"last_seen_cycle"`
	Status          ListingStatus   `json:"status" db:"status"`
	DuplicateOf     *uuid.UUID      `json:"duplicate_of" db:"duplicate_of"`
	SimilarityScore *float64        `json:"similarity_score" db:"similarity_score"`
}

// Validate checks the fields a listing needs before it may be persisted.
func (l *Listing) Validate() error {
	var missing []string
	if strings.TrimSpace(l.SourceSite) == "" {
		missing = append(missing, "source_site")
	}
	if strings.TrimSpace(l.SourceListingID) == "" {
		missing = append(missing, "source_listing_id")
	}
	if strings.TrimSpace(l.Address) == "" {
		missing = append(missing, "address")
	}
	if strings.TrimSpace(l.City) == "" {
		missing = append(missing, "city")
	}
	if l.Price < 0 {
		missing = append(missing, "price")
	}
	if len(missing) > 0 {
		return &PipelineError{
			Kind:    KindInvalidListingData,
			Op:      "validate",
			Site:    l.SourceSite,
			Message: "missing or invalid " + strings.Join(missing, ", "),
		}
	}
	return nil
}

// RoomCount returns the room count or 0 when unknown.
func (l *Listing) RoomCount() int {
	if l.Rooms == nil {
		return 0
	}
	return *l.Rooms
}

// HasEmail reports whether an email contact is known for the listing.
func (l *Listing) HasEmail() bool {
	return strings.TrimSpace(l.ContactEmail) != ""
}

// HasPhone reports whether a phone contact is known for the listing.
func (l *Listing) HasPhone() bool {
	return strings.TrimSpace(l.ContactPhone) != ""
}

// ContactInfo is what detail pages reveal about the advertiser.
type ContactInfo struct {
	Name   string `json:"name"`
	Agency string `json:"agency"`
	Email  string `json:"email"`
	Phone  string `json:"phone"`
}

func (c ContactInfo) IsEmpty() bool {
	return c.Name == "" && c.Agency == "" && c.Email == "" && c.Phone == ""
}

type MatchKind string

const (
	MatchKindDuplicate MatchKind = "duplicate"
	MatchKindAmbiguous MatchKind = "ambiguous"
)

// ListingMatch is the audit row written for duplicate and ambiguous decisions.
type ListingMatch struct {
	ID               int64     `json:"id" db:"id"`
	CandidateID      uuid.UUID `json:"candidate_id" db:"candidate_id"`
	MatchedID        uuid.UUID `json:"matched_id" db:"matched_id"`
	Kind             MatchKind `json:"kind" db:"kind"`
	AddressScore     float64   `json:"address_score" db:"address_score"`
	DescriptionScore float64   `json:"description_score" db:"description_score"`
	CombinedScore    float64   `json:"combined_score" db:"combined_score"`
	Reasons          []string  `json:"reasons" db:"reasons"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}
