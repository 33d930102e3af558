package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"rental_hunter/models"
)

// Store is the full persistence contract shared by the SQLite, Postgres and
// in-memory backends. Consumers depend on the narrower interfaces they declare.
type Store interface {
	// Listings
	InsertIfAbsent(ctx context.Context, l *models.Listing) (bool, error)
	QueryRecent(ctx context.Context, city string, windowDays int, now time.Time) ([]models.Listing, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.ListingStatus) error
	FindBySource(ctx context.Context, site, sourceListingID string) (*models.Listing, error)
	GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error)
	MarkSeen(ctx context.Context, id uuid.UUID, cycle int64, at time.Time) error
	ListContactCandidates(ctx context.Context) ([]models.Listing, error)
	UpdateContactInfo(ctx context.Context, id uuid.UUID, info models.ContactInfo) error
	ListMissingContact(ctx context.Context, limit int) ([]models.Listing, error)
	ListStale(ctx context.Context, seenBefore time.Time, limit int) ([]models.Listing, error)
	ListAbsent(ctx context.Context, site string, beforeCycle int64) ([]models.Listing, error)
	InsertMatch(ctx context.Context, m *models.ListingMatch) error

	// Contact records
	InsertContactRecord(ctx context.Context, rec *models.ContactRecord) error
	ListContactRecords(ctx context.Context, listingID uuid.UUID) ([]models.ContactRecord, error)
	GetContactRecord(ctx context.Context, id uuid.UUID) (*models.ContactRecord, error)
	UpdateContactOutcome(ctx context.Context, id uuid.UUID, outcome models.Outcome, errText string, at time.Time) error
	ResetContactRecord(ctx context.Context, id uuid.UUID, sentAt time.Time) error
	MarkResponseDetected(ctx context.Context, id uuid.UUID, at time.Time) error
	GetContactFlags(ctx context.Context, listingID uuid.UUID) (*models.ContactFlags, error)
	SetResponded(ctx context.Context, listingID uuid.UUID, at time.Time) error
	SetStopped(ctx context.Context, listingID uuid.UUID, reason string, at time.Time) error

	// Runs and site health
	NextCycle(ctx context.Context, siteID string) (int64, error)
	CreateRun(ctx context.Context, run *models.ScrapeRun) (int64, error)
	FinishRun(ctx context.Context, run *models.ScrapeRun) error
	RecordCycleOutcome(ctx context.Context, siteID string, status models.RunStatus, degradedAfter int) (*models.SiteStats, error)
	GetSiteStats(ctx context.Context, siteID string) (*models.SiteStats, error)
	SetSiteDegraded(ctx context.Context, siteID string, degraded bool) error
	NthRecentCompletedCycle(ctx context.Context, siteID string, n int) (int64, bool, error)
	Log(ctx context.Context, runID *int64, level models.LogLevel, message, source string) error
	PruneLogs(ctx context.Context, before time.Time) (int64, error)

	// Commands
	GetPendingCommands(ctx context.Context) ([]models.Command, error)
	MarkCommandProcessed(ctx context.Context, id int64) error
	EnqueueCommand(ctx context.Context, cmd models.CommandType, params *models.CommandParams) (int64, error)

	Close() error
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// statusesToStrings flattens statuses for IN clauses.
func statusesToStrings(statuses []models.ListingStatus) []any {
	out := make([]any, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// prepareListing fills the fields a fresh row needs.
func prepareListing(l *models.Listing) {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.Status == "" {
		l.Status = models.ListingStatusNew
	}
	if l.DiscoveredAt.IsZero() {
		l.DiscoveredAt = time.Now()
	}
	if l.LastSeenAt.IsZero() {
		l.LastSeenAt = l.DiscoveredAt
	}
	l.DiscoveredAt = l.DiscoveredAt.UTC()
	l.LastSeenAt = l.LastSeenAt.UTC()
}

func marshalFeatures(f map[string]bool) string {
	if len(f) == 0 {
		return "{}"
	}
	data, _ := json.Marshal(f)
	return string(data)
}

func unmarshalFeatures(raw string) map[string]bool {
	f := make(map[string]bool)
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &f)
	}
	return f
}

func marshalParams(params *models.CommandParams) (json.RawMessage, error) {
	if params == nil {
		return json.RawMessage("{}"), nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return data, nil
}

// transitionError tells an unknown listing apart from a refused transition.
func transitionError(id uuid.UUID, current, next models.ListingStatus) error {
	return fmt.Errorf("listing %s: %s -> %s: %w", id, current, next, models.ErrInvalidTransition)
}

// outcomeForStats derives the stat counters for one finished cycle.
func outcomeForStats(status models.RunStatus, degradedAfter int) (completedInc, failedInit int, initialDegraded bool) {
	if status == models.RunStatusCompleted {
		return 1, 0, false
	}
	return 0, 1, degradedAfter > 0 && degradedAfter <= 1
}
