package storage

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"rental_hunter/models"
)

// MemoryStore keeps everything in process. It honors the same uniqueness
// rules as the SQL stores and is used for dry runs and tests.
type MemoryStore struct {
	mu sync.Mutex

	listings map[uuid.UUID]*models.Listing
	bySource map[string]uuid.UUID
	records  map[uuid.UUID]*models.ContactRecord
	bySeq    map[string]uuid.UUID
	flags    map[uuid.UUID]*models.ContactFlags
	matches  []models.ListingMatch
	runs     []*models.ScrapeRun
	stats    map[string]*models.SiteStats
	logs     []models.ScrapeLog
	commands []*models.Command

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings: make(map[uuid.UUID]*models.Listing),
		bySource: make(map[string]uuid.UUID),
		records:  make(map[uuid.UUID]*models.ContactRecord),
		bySeq:    make(map[string]uuid.UUID),
		flags:    make(map[uuid.UUID]*models.ContactFlags),
		stats:    make(map[string]*models.SiteStats),
		now:      time.Now,
	}
}

// SetNow overrides the time used for log and stats timestamps.
func (s *MemoryStore) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Close() error {
	return nil
}

func sourceKey(site, id string) string {
	return site + "\x00" + id
}

func seqKey(listingID uuid.UUID, seq int) string {
	return fmt.Sprintf("%s/%d", listingID, seq)
}

func cloneListing(l *models.Listing) models.Listing {
	out := *l
	out.Features = maps.Clone(l.Features)
	return out
}

func (s *MemoryStore) sortedListings(keep func(*models.Listing) bool) []models.Listing {
	var out []models.Listing
	for _, l := range s.listings {
		if keep(l) {
			out = append(out, cloneListing(l))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DiscoveredAt.Equal(out[j].DiscoveredAt) {
			return out[i].DiscoveredAt.Before(out[j].DiscoveredAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func isLive(st models.ListingStatus) bool {
	return st == models.ListingStatusNew || st == models.ListingStatusContacted
}

func (s *MemoryStore) InsertIfAbsent(ctx context.Context, l *models.Listing) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prepareListing(l)
	key := sourceKey(l.SourceSite, l.SourceListingID)
	if _, ok := s.bySource[key]; ok {
		return false, nil
	}
	if _, ok := s.listings[l.ID]; ok {
		return false, nil
	}
	stored := cloneListing(l)
	s.listings[l.ID] = &stored
	s.bySource[key] = l.ID
	return true, nil
}

func (s *MemoryStore) QueryRecent(ctx context.Context, city string, windowDays int, now time.Time) ([]models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	since := now.AddDate(0, 0, -windowDays)
	return s.sortedListings(func(l *models.Listing) bool {
		return l.City == city && !l.DiscoveredAt.Before(since) && l.Status != models.ListingStatusDuplicate
	}), nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id uuid.UUID, status models.ListingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[id]
	if !ok {
		return fmt.Errorf("listing %s: %w", id, models.ErrNotFound)
	}
	if !l.Status.CanTransition(status) {
		return transitionError(id, l.Status, status)
	}
	l.Status = status
	return nil
}

func (s *MemoryStore) FindBySource(ctx context.Context, site, sourceListingID string) (*models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.bySource[sourceKey(site, sourceListingID)]
	if !ok {
		return nil, nil
	}
	l := cloneListing(s.listings[id])
	return &l, nil
}

func (s *MemoryStore) GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %s: %w", id, models.ErrNotFound)
	}
	out := cloneListing(l)
	return &out, nil
}

func (s *MemoryStore) MarkSeen(ctx context.Context, id uuid.UUID, cycle int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.listings[id]; ok {
		l.LastSeenAt = at.UTC()
		l.LastSeenCycle = max(l.LastSeenCycle, cycle)
	}
	return nil
}

func (s *MemoryStore) ListContactCandidates(ctx context.Context) ([]models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sortedListings(func(l *models.Listing) bool {
		if !isLive(l.Status) || !l.HasEmail() {
			return false
		}
		f, ok := s.flags[l.ID]
		return !ok || (f.StoppedAt == nil && f.RespondedAt == nil)
	}), nil
}

func (s *MemoryStore) UpdateContactInfo(ctx context.Context, id uuid.UUID, info models.ContactInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[id]
	if !ok {
		return nil
	}
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&l.ContactName, info.Name)
	fill(&l.AgencyName, info.Agency)
	fill(&l.ContactEmail, info.Email)
	fill(&l.ContactPhone, info.Phone)
	return nil
}

func (s *MemoryStore) ListMissingContact(ctx context.Context, limit int) ([]models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.sortedListings(func(l *models.Listing) bool {
		return isLive(l.Status) && l.URL != "" && (l.ContactEmail == "" || l.ContactPhone == "")
	})
	slices.Reverse(out)
	return limitListings(out, limit), nil
}

func (s *MemoryStore) ListStale(ctx context.Context, seenBefore time.Time, limit int) ([]models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.sortedListings(func(l *models.Listing) bool {
		return isLive(l.Status) && l.URL != "" && l.LastSeenAt.Before(seenBefore)
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastSeenAt.Before(out[j].LastSeenAt) })
	return limitListings(out, limit), nil
}

func (s *MemoryStore) ListAbsent(ctx context.Context, site string, beforeCycle int64) ([]models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.sortedListings(func(l *models.Listing) bool {
		return l.SourceSite == site && isLive(l.Status) && l.LastSeenCycle < beforeCycle
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastSeenCycle < out[j].LastSeenCycle })
	return out, nil
}

func limitListings(out []models.Listing, limit int) []models.Listing {
	if limit > 0 && len(out) > limit {
		return out[:limit]
	}
	return out
}

func (s *MemoryStore) InsertMatch(ctx context.Context, m *models.ListingMatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	m.ID = int64(len(s.matches) + 1)
	s.matches = append(s.matches, *m)
	return nil
}

// Matches returns the audit rows written so far.
func (s *MemoryStore) Matches() []models.ListingMatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.matches)
}

func (s *MemoryStore) InsertContactRecord(ctx context.Context, rec *models.ContactRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	key := seqKey(rec.ListingID, rec.Seq)
	if _, ok := s.bySeq[key]; ok {
		return fmt.Errorf("contact record %s seq %d: %w", rec.ListingID, rec.Seq, models.ErrAlreadyExists)
	}
	stored := *rec
	s.records[rec.ID] = &stored
	s.bySeq[key] = rec.ID
	return nil
}

func (s *MemoryStore) ListContactRecords(ctx context.Context, listingID uuid.UUID) ([]models.ContactRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.ContactRecord
	for _, r := range s.records {
		if r.ListingID == listingID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryStore) GetContactRecord(ctx context.Context, id uuid.UUID) (*models.ContactRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("contact record %s: %w", id, models.ErrNotFound)
	}
	out := *r
	return &out, nil
}

func (s *MemoryStore) withRecord(id uuid.UUID, fn func(r *models.ContactRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("contact record %s: %w", id, models.ErrNotFound)
	}
	fn(r)
	return nil
}

func (s *MemoryStore) UpdateContactOutcome(ctx context.Context, id uuid.UUID, outcome models.Outcome, errText string, at time.Time) error {
	return s.withRecord(id, func(r *models.ContactRecord) {
		r.Outcome = outcome
		r.Error = errText
		r.OutcomeAt = &at
	})
}

func (s *MemoryStore) ResetContactRecord(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	return s.withRecord(id, func(r *models.ContactRecord) {
		r.Outcome = models.OutcomePending
		r.Error = ""
		r.OutcomeAt = nil
		r.SentAt = sentAt
	})
}

func (s *MemoryStore) MarkResponseDetected(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.withRecord(id, func(r *models.ContactRecord) {
		r.ResponseDetected = true
		if r.ResponseAt == nil {
			r.ResponseAt = &at
		}
	})
}

func (s *MemoryStore) GetContactFlags(ctx context.Context, listingID uuid.UUID) (*models.ContactFlags, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.flags[listingID]; ok {
		out := *f
		return &out, nil
	}
	return &models.ContactFlags{ListingID: listingID}, nil
}

func (s *MemoryStore) flagsFor(listingID uuid.UUID) *models.ContactFlags {
	f, ok := s.flags[listingID]
	if !ok {
		f = &models.ContactFlags{ListingID: listingID}
		s.flags[listingID] = f
	}
	return f
}

func (s *MemoryStore) SetResponded(ctx context.Context, listingID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f := s.flagsFor(listingID); f.RespondedAt == nil {
		f.RespondedAt = &at
	}
	return nil
}

func (s *MemoryStore) SetStopped(ctx context.Context, listingID uuid.UUID, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f := s.flagsFor(listingID); f.StoppedAt == nil {
		f.StoppedAt = &at
		f.StopReason = reason
	}
	return nil
}

func (s *MemoryStore) statsFor(siteID string) *models.SiteStats {
	st, ok := s.stats[siteID]
	if !ok {
		st = &models.SiteStats{SiteID: siteID}
		s.stats[siteID] = st
	}
	return st
}

func (s *MemoryStore) NextCycle(ctx context.Context, siteID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.statsFor(siteID)
	st.CycleSeq++
	return st.CycleSeq, nil
}

func (s *MemoryStore) CreateRun(ctx context.Context, run *models.ScrapeRun) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *run
	stored.ID = int64(len(s.runs) + 1)
	s.runs = append(s.runs, &stored)
	return stored.ID, nil
}

func (s *MemoryStore) FinishRun(ctx context.Context, run *models.ScrapeRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID <= 0 || int(run.ID) > len(s.runs) {
		return fmt.Errorf("run %d: %w", run.ID, models.ErrNotFound)
	}
	stored := *run
	s.runs[run.ID-1] = &stored
	return nil
}

// Runs returns every recorded run in creation order.
func (s *MemoryStore) Runs() []models.ScrapeRun {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.ScrapeRun, len(s.runs))
	for i, r := range s.runs {
		out[i] = *r
	}
	return out
}

func (s *MemoryStore) RecordCycleOutcome(ctx context.Context, siteID string, status models.RunStatus, degradedAfter int) (*models.SiteStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.statsFor(siteID)
	now := s.now()
	st.LastRunAt = &now
	st.LastRunStatus = status
	if status == models.RunStatusCompleted {
		st.CompletedCycles++
		st.ConsecutiveFailed = 0
		st.Degraded = false
	} else {
		st.ConsecutiveFailed++
		if degradedAfter > 0 && st.ConsecutiveFailed >= degradedAfter {
			st.Degraded = true
		}
	}
	out := *st
	return &out, nil
}

func (s *MemoryStore) GetSiteStats(ctx context.Context, siteID string) (*models.SiteStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stats[siteID]
	if !ok {
		return nil, nil
	}
	out := *st
	return &out, nil
}

func (s *MemoryStore) SetSiteDegraded(ctx context.Context, siteID string, degraded bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.statsFor(siteID)
	st.Degraded = degraded
	if !degraded {
		st.ConsecutiveFailed = 0
	}
	return nil
}

func (s *MemoryStore) NthRecentCompletedCycle(ctx context.Context, siteID string, n int) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 {
		return 0, false, nil
	}
	var cycles []int64
	for _, r := range s.runs {
		if r.SiteID == siteID && r.Status == models.RunStatusCompleted {
			cycles = append(cycles, r.Cycle)
		}
	}
	if len(cycles) < n {
		return 0, false, nil
	}
	sort.Slice(cycles, func(i, j int) bool { return cycles[i] > cycles[j] })
	return cycles[n-1], true, nil
}

func (s *MemoryStore) Log(ctx context.Context, runID *int64, level models.LogLevel, message, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs = append(s.logs, models.ScrapeLog{
		ID:        int64(len(s.logs) + 1),
		RunID:     runID,
		Timestamp: s.now(),
		Level:     level,
		Message:   message,
		Source:    source,
	})
	return nil
}

// Logs returns the persisted log lines.
func (s *MemoryStore) Logs() []models.ScrapeLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.logs)
}

func (s *MemoryStore) PruneLogs(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.logs[:0]
	var pruned int64
	for _, l := range s.logs {
		if l.Timestamp.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, l)
	}
	s.logs = kept
	return pruned, nil
}

func (s *MemoryStore) GetPendingCommands(ctx context.Context) ([]models.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Command
	for _, c := range s.commands {
		if c.ProcessedAt == nil {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkCommandProcessed(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.commands {
		if c.ID == id {
			now := s.now()
			c.ProcessedAt = &now
			return nil
		}
	}
	return fmt.Errorf("command %d: %w", id, models.ErrNotFound)
}

func (s *MemoryStore) EnqueueCommand(ctx context.Context, cmd models.CommandType, params *models.CommandParams) (int64, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := &models.Command{
		ID:        int64(len(s.commands) + 1),
		Command:   cmd,
		Params:    raw,
		CreatedAt: s.now(),
	}
	s.commands = append(s.commands, c)
	return c.ID, nil
}
