package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusDegraded  RunStatus = "degraded"
)

// ScrapeRun is one acquisition pass over a single site.
type ScrapeRun struct {
	ID           int64      `json:"id" db:"id"`
	SiteID       string     `json:"site_id" db:"site_id"`
	Cycle        int64      `json:"cycle" db:"cycle"`
	StartedAt    time.Time  `json:"started_at" db:"started_at"`
	FinishedAt   *time.Time `json:"finished_at" db:"finished_at"`
	Status       RunStatus  `json:"status" db:"status"`
	Fetched      int        `json:"fetched" db:"fetched"`
	New          int        `json:"new" db:"new"`
	Duplicate    int        `json:"duplicate" db:"duplicate"`
	Failed       int        `json:"failed" db:"failed"`
	PagesFailed  int        `json:"pages_failed" db:"pages_failed"`
	ErrorMessage string     `json:"error_message" db:"error_message"`
}

type SiteStats struct {
	SiteID            string     `json:"site_id" db:"site_id"`
	LastRunAt         *time.Time `json:"last_run_at" db:"last_run_at"`
	LastRunStatus     RunStatus  `json:"last_run_status" db:"last_run_status"`
	CycleSeq          int64      `json:"cycle_seq" db:"cycle_seq"`
	CompletedCycles   int64      `json:"completed_cycles" db:"completed_cycles"`
	ConsecutiveFailed int        `json:"consecutive_failed" db:"consecutive_failed"`
	Degraded          bool       `json:"degraded" db:"degraded"`
}

// CycleResult aggregates the counts of one acquisition cycle.
type CycleResult struct {
	Fetched     int      `json:"fetched"`
	New         int      `json:"new"`
	Duplicate   int      `json:"duplicate"`
	Failed      int      `json:"failed"`
	Known       int      `json:"known"`
	Invalid     int      `json:"invalid"`
	Ambiguous   int      `json:"ambiguous"`
	PagesFailed int      `json:"pages_failed"`
	Sites       []string `json:"sites"`
	Degraded    []string `json:"degraded,omitempty"`
}

// Merge adds other's counts into r.
func (r *CycleResult) Merge(other CycleResult) {
	r.Fetched += other.Fetched
	r.New += other.New
	r.Duplicate += other.Duplicate
	r.Failed += other.Failed
	r.Known += other.Known
	r.Invalid += other.Invalid
	r.Ambiguous += other.Ambiguous
	r.PagesFailed += other.PagesFailed
	r.Sites = append(r.Sites, other.Sites...)
	r.Degraded = append(r.Degraded, other.Degraded...)
}

func (r CycleResult) ToJSON() json.RawMessage {
	data, _ := json.Marshal(r)
	return data
}

type ProcessOutcome string

const (
	ProcessNew       ProcessOutcome = "new"
	ProcessKnown     ProcessOutcome = "known"
	ProcessDuplicate ProcessOutcome = "duplicate"
)

// ProcessResult describes what happened to one scraped candidate.
type ProcessResult struct {
	Outcome   ProcessOutcome `json:"outcome"`
	ListingID uuid.UUID      `json:"listing_id"`
	MatchedID *uuid.UUID     `json:"matched_id,omitempty"`
	Ambiguous bool           `json:"ambiguous"`
}

type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// ScrapeLog is an operational log line persisted for the dashboard, tied to
// a run when one is in progress. Source is a site id or a worker name.
type ScrapeLog struct {
	ID        int64     `json:"id" db:"id"`
	RunID     *int64    `json:"run_id" db:"run_id"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	Level     LogLevel  `json:"level" db:"level"`
	Message   string    `json:"message" db:"message"`
	Source    string    `json:"source" db:"source"`
}
