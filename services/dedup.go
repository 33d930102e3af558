package services

import (
	"math"
	"time"

	"github.com/google/uuid"

	"rental_hunter/config"
	"rental_hunter/identity"
	"rental_hunter/models"
)

const (
	addressWeight     = 0.6
	descriptionWeight = 0.4
)

// MatchResult is the detector's verdict for one candidate.
type MatchResult struct {
	Duplicate        bool
	Ambiguous        bool
	MatchedID        *uuid.UUID
	AddressScore     float64
	DescriptionScore float64
	CombinedScore    float64
	Reasons          []string
}

// Match converts the result into an audit row for candidateID.
func (r MatchResult) Match(candidateID uuid.UUID) *models.ListingMatch {
	if r.MatchedID == nil {
		return nil
	}
	kind := models.MatchKindDuplicate
	if r.Ambiguous {
		kind = models.MatchKindAmbiguous
	}
	return &models.ListingMatch{
		CandidateID:      candidateID,
		MatchedID:        *r.MatchedID,
		Kind:             kind,
		AddressScore:     r.AddressScore,
		DescriptionScore: r.DescriptionScore,
		CombinedScore:    r.CombinedScore,
		Reasons:          r.Reasons,
	}
}

// DuplicateDetector decides whether a scraped listing is the same unit as one
// already stored, possibly published on another site.
type DuplicateDetector struct {
	cfg         config.DedupConfig
	addressSim  func(a, b, city string) float64
	describeSim func(a, b string) float64
}

func NewDuplicateDetector(cfg config.DedupConfig) *DuplicateDetector {
	return &DuplicateDetector{
		cfg:         cfg,
		addressSim:  identity.AddressSimilarity,
		describeSim: identity.DescriptionSimilarity,
	}
}

// WithSimilarity replaces the scoring functions.
func (d *DuplicateDetector) WithSimilarity(address func(a, b, city string) float64, description func(a, b string) float64) *DuplicateDetector {
	cp := *d
	if address != nil {
		cp.addressSim = address
	}
	if description != nil {
		cp.describeSim = description
	}
	return &cp
}

// IsDuplicate reports whether candidate duplicates one of existing and, if so,
// which one.
func (d *DuplicateDetector) IsDuplicate(candidate *models.Listing, existing []models.Listing) (bool, *uuid.UUID) {
	r := d.Check(candidate, existing)
	return r.Duplicate, r.MatchedID
}

type scored struct {
	listing  *models.Listing
	addr     float64
	desc     float64
	combined float64
	attrs    bool
	reasons  []string
}

// Check scores candidate against every comparable listing. A duplicate needs
// the address threshold plus either a similar description or matching
// attributes; the highest combined score wins and exact ties go to the
// earliest discovered listing.
func (d *DuplicateDetector) Check(candidate *models.Listing, existing []models.Listing) MatchResult {
	city := identity.NormalizeCity(candidate.City)
	var since time.Time
	if !candidate.DiscoveredAt.IsZero() && d.cfg.WindowDays > 0 {
		since = candidate.DiscoveredAt.AddDate(0, 0, -d.cfg.WindowDays)
	}

	var best, nearMiss *scored
	for i := range existing {
		e := &existing[i]
		if e.ID == candidate.ID || e.Status == models.ListingStatusDuplicate {
			continue
		}
		if identity.NormalizeCity(e.City) != city {
			continue
		}
		if !since.IsZero() && e.DiscoveredAt.Before(since) {
			continue
		}

		s := d.score(candidate, e, city)
		secondary := s.desc >= d.cfg.DescriptionThreshold || s.attrs
		switch {
		case s.addr >= d.cfg.AddressThreshold && secondary:
			if best == nil || better(s, best) {
				best = s
			}
		case s.addr >= d.cfg.AddressThreshold-d.cfg.AmbiguityMargin && secondary:
			if nearMiss == nil || better(s, nearMiss) {
				nearMiss = s
			}
		}
	}

	if best != nil {
		return result(best, true, false)
	}
	if nearMiss != nil {
		return result(nearMiss, false, true)
	}
	return MatchResult{}
}

func (d *DuplicateDetector) score(candidate, e *models.Listing, city string) *scored {
	s := &scored{
		listing: e,
		addr:    d.addressSim(candidate.Address, e.Address, city),
		desc:    d.describeSim(candidate.Description, e.Description),
	}
	if s.addr >= d.cfg.AddressThreshold {
		s.reasons = append(s.reasons, "address")
	}
	if s.desc >= d.cfg.DescriptionThreshold {
		s.reasons = append(s.reasons, "description")
	}

	attrScore := 0.0
	delta := math.Abs(candidate.Price - e.Price)
	if delta <= d.cfg.PriceDelta && candidate.PropertyType == e.PropertyType && sameRooms(candidate, e) {
		s.attrs = true
		s.reasons = append(s.reasons, "attributes")
		attrScore = math.Max(0, 1-delta/100)
	}

	s.combined = addressWeight*s.addr + descriptionWeight*math.Max(s.desc, attrScore)
	return s
}

func better(a, b *scored) bool {
	if a.combined != b.combined {
		return a.combined > b.combined
	}
	return a.listing.DiscoveredAt.Before(b.listing.DiscoveredAt)
}

func result(s *scored, duplicate, ambiguous bool) MatchResult {
	id := s.listing.ID
	return MatchResult{
		Duplicate:        duplicate,
		Ambiguous:        ambiguous,
		MatchedID:        &id,
		AddressScore:     s.addr,
		DescriptionScore: s.desc,
		CombinedScore:    s.combined,
		Reasons:          s.reasons,
	}
}

// sameRooms treats an unknown count on either side as compatible.
func sameRooms(a, b *models.Listing) bool {
	if a.Rooms == nil || b.Rooms == nil {
		return true
	}
	return *a.Rooms == *b.Rooms
}
