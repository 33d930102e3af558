package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"rental_hunter/models"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	// One writer at a time; concurrent cycles queue here instead of failing with SQLITE_BUSY
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS listings (
		id TEXT PRIMARY KEY,
		source_site TEXT NOT NULL,
		source_listing_id TEXT NOT NULL,
		url TEXT,
		title TEXT,
		address TEXT,
		city TEXT,
		postal_code TEXT,
		price REAL,
		surface REAL,
		rooms INTEGER,
		property_type TEXT,
		description TEXT,
		features JSON,
		contact_name TEXT DEFAULT '',
		agency_name TEXT DEFAULT '',
		contact_email TEXT DEFAULT '',
		contact_phone TEXT DEFAULT '',
		fingerprint TEXT,
		discovered_at DATETIME,
		last_seen_at DATETIME,
		last_seen_cycle INTEGER DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'new',
		duplicate_of TEXT,
		similarity_score REAL,
		UNIQUE(source_site, source_listing_id)
	);

	CREATE TABLE IF NOT EXISTS contact_records (
		id TEXT PRIMARY KEY,
		listing_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		seq INTEGER NOT NULL,
		template TEXT,
		sent_at DATETIME,
		outcome TEXT NOT NULL DEFAULT 'pending',
		outcome_at DATETIME,
		error TEXT DEFAULT '',
		response_detected BOOLEAN DEFAULT FALSE,
		response_at DATETIME,
		UNIQUE(listing_id, seq),
		FOREIGN KEY (listing_id) REFERENCES listings(id)
	);

	CREATE TABLE IF NOT EXISTS contact_flags (
		listing_id TEXT PRIMARY KEY,
		responded_at DATETIME,
		stopped_at DATETIME,
		stop_reason TEXT DEFAULT '',
		FOREIGN KEY (listing_id) REFERENCES listings(id)
	);

	CREATE TABLE IF NOT EXISTS listing_matches (
		id INTEGER PRIMARY KEY,
		candidate_id TEXT NOT NULL,
		matched_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		address_score REAL,
		description_score REAL,
		combined_score REAL,
		reasons JSON,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS scrape_runs (
		id INTEGER PRIMARY KEY,
		site_id TEXT,
		cycle INTEGER,
		started_at DATETIME,
		finished_at DATETIME,
		status TEXT,
		fetched INTEGER DEFAULT 0,
		new INTEGER DEFAULT 0,
		duplicate INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		pages_failed INTEGER DEFAULT 0,
		error_message TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS scrape_logs (
		id INTEGER PRIMARY KEY,
		run_id INTEGER,
		timestamp DATETIME,
		level TEXT,
		message TEXT,
		site_id TEXT
	);

	CREATE TABLE IF NOT EXISTS site_stats (
		site_id TEXT PRIMARY KEY,
		last_run_at DATETIME,
		last_run_status TEXT DEFAULT '',
		cycle_seq INTEGER DEFAULT 0,
		completed_cycles INTEGER DEFAULT 0,
		consecutive_failed INTEGER DEFAULT 0,
		degraded BOOLEAN DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY,
		command TEXT,
		params JSON,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		processed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_listings_city_discovered ON listings(city, discovered_at);
	CREATE INDEX IF NOT EXISTS idx_listings_status ON listings(status);
	CREATE INDEX IF NOT EXISTS idx_listings_fingerprint ON listings(fingerprint);
	CREATE INDEX IF NOT EXISTS idx_listings_site_cycle ON listings(source_site, last_seen_cycle);
	CREATE INDEX IF NOT EXISTS idx_matches_candidate ON listing_matches(candidate_id);
	CREATE INDEX IF NOT EXISTS idx_commands_pending ON commands(processed_at) WHERE processed_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_logs_run ON scrape_logs(run_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_runs_site_status ON scrape_runs(site_id, status, cycle);
	`
	_, err := s.db.Exec(schema)
	return err
}

const listingColumns = `id, source_site, source_listing_id, url, title, address, city, postal_code,
	price, surface, rooms, property_type, description, features, contact_name, agency_name,
	contact_email, contact_phone, fingerprint, discovered_at, last_seen_at, last_seen_cycle,
	status, duplicate_of, similarity_score`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (*models.Listing, error) {
	var l models.Listing
	var features sql.NullString
	var url, title, address, city, postal, ptype, desc, fingerprint sql.NullString
	err := row.Scan(&l.ID, &l.SourceSite, &l.SourceListingID, &url, &title, &address, &city, &postal,
		&l.Price, &l.Surface, &l.Rooms, &ptype, &desc, &features, &l.ContactName, &l.AgencyName,
		&l.ContactEmail, &l.ContactPhone, &fingerprint, &l.DiscoveredAt, &l.LastSeenAt, &l.LastSeenCycle,
		&l.Status, &l.DuplicateOf, &l.SimilarityScore)
	if err != nil {
		return nil, err
	}
	l.URL = url.String
	l.Title = title.String
	l.Address = address.String
	l.City = city.String
	l.PostalCode = postal.String
	l.PropertyType = models.PropertyType(ptype.String)
	l.Description = desc.String
	l.Fingerprint = fingerprint.String
	l.Features = unmarshalFeatures(features.String)
	return &l, nil
}

func (s *SQLiteStore) queryListings(ctx context.Context, query string, args ...any) ([]models.Listing, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []models.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

// InsertIfAbsent inserts the listing unless (source_site, source_listing_id)
// already exists. It reports whether a row was written.
func (s *SQLiteStore) InsertIfAbsent(ctx context.Context, l *models.Listing) (bool, error) {
	prepareListing(l)
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO listings (`+listingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		l.ID, l.SourceSite, l.SourceListingID, l.URL, l.Title, l.Address, l.City, l.PostalCode,
		l.Price, l.Surface, l.Rooms, string(l.PropertyType), l.Description, marshalFeatures(l.Features),
		l.ContactName, l.AgencyName, l.ContactEmail, l.ContactPhone, l.Fingerprint,
		l.DiscoveredAt, l.LastSeenAt, l.LastSeenCycle, string(l.Status), l.DuplicateOf, l.SimilarityScore)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// QueryRecent returns match targets: listings in the city discovered within
// the trailing window, oldest first. Duplicates are never returned.
func (s *SQLiteStore) QueryRecent(ctx context.Context, city string, windowDays int, now time.Time) ([]models.Listing, error) {
	since := now.AddDate(0, 0, -windowDays).UTC()
	return s.queryListings(ctx, `
		SELECT `+listingColumns+` FROM listings
		WHERE city = ? AND discovered_at >= ? AND status != 'duplicate'
		ORDER BY discovered_at, id`, city, since)
}

// UpdateStatus moves a listing forward; the write only lands if the current
// status still allows the transition.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id uuid.UUID, status models.ListingStatus) error {
	from := status.Predecessors()
	if len(from) > 0 {
		args := append([]any{string(status), id}, statusesToStrings(from)...)
		result, err := s.db.ExecContext(ctx, `
			UPDATE listings SET status = ?
			WHERE id = ? AND status IN (?`+strings.Repeat(", ?", len(from)-1)+`)`, args...)
		if err != nil {
			return err
		}
		if n, _ := result.RowsAffected(); n > 0 {
			return nil
		}
	}

	var current models.ListingStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM listings WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("listing %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return transitionError(id, current, status)
}

func (s *SQLiteStore) FindBySource(ctx context.Context, site, sourceListingID string) (*models.Listing, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+listingColumns+` FROM listings
		WHERE source_site = ? AND source_listing_id = ?`, site, sourceListingID)
	l, err := scanListing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

func (s *SQLiteStore) GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = ?`, id)
	l, err := scanListing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("listing %s: %w", id, models.ErrNotFound)
	}
	return l, err
}

func (s *SQLiteStore) MarkSeen(ctx context.Context, id uuid.UUID, cycle int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE listings SET last_seen_at = ?, last_seen_cycle = MAX(last_seen_cycle, ?)
		WHERE id = ?`, at.UTC(), cycle, id)
	return err
}

// ListContactCandidates returns listings the contact sequence may still act
// on: new or contacted, with an email, neither stopped nor responded.
func (s *SQLiteStore) ListContactCandidates(ctx context.Context) ([]models.Listing, error) {
	return s.queryListings(ctx, `
		SELECT `+prefixed("l", listingColumns)+`
		FROM listings l
		LEFT JOIN contact_flags f ON f.listing_id = l.id
		WHERE l.status IN ('new', 'contacted')
			AND COALESCE(l.contact_email, '') != ''
			AND f.stopped_at IS NULL AND f.responded_at IS NULL
		ORDER BY l.discovered_at, l.id`)
}

// UpdateContactInfo fills contact fields that are still empty.
func (s *SQLiteStore) UpdateContactInfo(ctx context.Context, id uuid.UUID, info models.ContactInfo) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE listings SET
			contact_name = CASE WHEN COALESCE(contact_name, '') = '' THEN ? ELSE contact_name END,
			agency_name = CASE WHEN COALESCE(agency_name, '') = '' THEN ? ELSE agency_name END,
			contact_email = CASE WHEN COALESCE(contact_email, '') = '' THEN ? ELSE contact_email END,
			contact_phone = CASE WHEN COALESCE(contact_phone, '') = '' THEN ? ELSE contact_phone END
		WHERE id = ?`, info.Name, info.Agency, info.Email, info.Phone, id)
	return err
}

func (s *SQLiteStore) ListMissingContact(ctx context.Context, limit int) ([]models.Listing, error) {
	return s.queryListings(ctx, `
		SELECT `+listingColumns+` FROM listings
		WHERE status IN ('new', 'contacted') AND COALESCE(url, '') != ''
			AND (COALESCE(contact_email, '') = '' OR COALESCE(contact_phone, '') = '')
		ORDER BY discovered_at DESC
		LIMIT ?`, limit)
}

func (s *SQLiteStore) ListStale(ctx context.Context, seenBefore time.Time, limit int) ([]models.Listing, error) {
	return s.queryListings(ctx, `
		SELECT `+listingColumns+` FROM listings
		WHERE status IN ('new', 'contacted') AND last_seen_at < ? AND COALESCE(url, '') != ''
		ORDER BY last_seen_at
		LIMIT ?`, seenBefore.UTC(), limit)
}

// ListAbsent returns the site's live listings last seen before the given cycle.
func (s *SQLiteStore) ListAbsent(ctx context.Context, site string, beforeCycle int64) ([]models.Listing, error) {
	return s.queryListings(ctx, `
		SELECT `+listingColumns+` FROM listings
		WHERE source_site = ? AND status IN ('new', 'contacted') AND last_seen_cycle < ?
		ORDER BY last_seen_cycle`, site, beforeCycle)
}

func (s *SQLiteStore) InsertMatch(ctx context.Context, m *models.ListingMatch) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	reasons, _ := json.Marshal(m.Reasons)
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO listing_matches (candidate_id, matched_id, kind, address_score, description_score,
			combined_score, reasons, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.CandidateID, m.MatchedID, string(m.Kind), m.AddressScore, m.DescriptionScore,
		m.CombinedScore, string(reasons), m.CreatedAt.UTC())
	if err != nil {
		return err
	}
	m.ID, _ = result.LastInsertId()
	return nil
}

const contactColumns = `id, listing_id, channel, seq, template, sent_at, outcome, outcome_at, error,
	response_detected, response_at`

func scanContactRecord(row rowScanner) (*models.ContactRecord, error) {
	var r models.ContactRecord
	var errText sql.NullString
	err := row.Scan(&r.ID, &r.ListingID, &r.Channel, &r.Seq, &r.Template, &r.SentAt, &r.Outcome,
		&r.OutcomeAt, &errText, &r.ResponseDetected, &r.ResponseAt)
	if err != nil {
		return nil, err
	}
	r.Error = errText.String
	return &r, nil
}

// InsertContactRecord writes one attempt; a second record with the same
// (listing, seq) yields ErrAlreadyExists.
func (s *SQLiteStore) InsertContactRecord(ctx context.Context, rec *models.ContactRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO contact_records (`+contactColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		rec.ID, rec.ListingID, string(rec.Channel), rec.Seq, string(rec.Template), rec.SentAt.UTC(),
		string(rec.Outcome), utcPtr(rec.OutcomeAt), rec.Error, rec.ResponseDetected, utcPtr(rec.ResponseAt))
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("contact record %s seq %d: %w", rec.ListingID, rec.Seq, models.ErrAlreadyExists)
	}
	return nil
}

func (s *SQLiteStore) ListContactRecords(ctx context.Context, listingID uuid.UUID) ([]models.ContactRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contactColumns+` FROM contact_records
		WHERE listing_id = ? ORDER BY seq`, listingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.ContactRecord
	for rows.Next() {
		r, err := scanContactRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) GetContactRecord(ctx context.Context, id uuid.UUID) (*models.ContactRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contact_records WHERE id = ?`, id)
	r, err := scanContactRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("contact record %s: %w", id, models.ErrNotFound)
	}
	return r, err
}

func (s *SQLiteStore) UpdateContactOutcome(ctx context.Context, id uuid.UUID, outcome models.Outcome, errText string, at time.Time) error {
	return s.execOne(ctx, "contact record", id, `
		UPDATE contact_records SET outcome = ?, error = ?, outcome_at = ?
		WHERE id = ?`, string(outcome), errText, at.UTC(), id)
}

// ResetContactRecord puts a failed attempt back to pending for a manual retry.
func (s *SQLiteStore) ResetContactRecord(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	return s.execOne(ctx, "contact record", id, `
		UPDATE contact_records SET outcome = 'pending', error = '', outcome_at = NULL, sent_at = ?
		WHERE id = ?`, sentAt.UTC(), id)
}

func (s *SQLiteStore) MarkResponseDetected(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.execOne(ctx, "contact record", id, `
		UPDATE contact_records SET response_detected = TRUE, response_at = COALESCE(response_at, ?)
		WHERE id = ?`, at.UTC(), id)
}

// GetContactFlags returns zero flags for a listing that has none yet.
func (s *SQLiteStore) GetContactFlags(ctx context.Context, listingID uuid.UUID) (*models.ContactFlags, error) {
	f := models.ContactFlags{ListingID: listingID}
	var reason sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT responded_at, stopped_at, stop_reason FROM contact_flags WHERE listing_id = ?`, listingID).
		Scan(&f.RespondedAt, &f.StoppedAt, &reason)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	f.StopReason = reason.String
	return &f, nil
}

func (s *SQLiteStore) SetResponded(ctx context.Context, listingID uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contact_flags (listing_id, responded_at) VALUES (?, ?)
		ON CONFLICT(listing_id) DO UPDATE SET responded_at = COALESCE(contact_flags.responded_at, excluded.responded_at)`,
		listingID, at.UTC())
	return err
}

func (s *SQLiteStore) SetStopped(ctx context.Context, listingID uuid.UUID, reason string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contact_flags (listing_id, stopped_at, stop_reason) VALUES (?, ?, ?)
		ON CONFLICT(listing_id) DO UPDATE SET
			stopped_at = COALESCE(contact_flags.stopped_at, excluded.stopped_at),
			stop_reason = CASE WHEN contact_flags.stopped_at IS NULL THEN excluded.stop_reason ELSE contact_flags.stop_reason END`,
		listingID, at.UTC(), reason)
	return err
}

// NextCycle bumps and returns the site's cycle sequence.
func (s *SQLiteStore) NextCycle(ctx context.Context, siteID string) (int64, error) {
	var cycle int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO site_stats (site_id, cycle_seq) VALUES (?, 1)
		ON CONFLICT(site_id) DO UPDATE SET cycle_seq = site_stats.cycle_seq + 1
		RETURNING cycle_seq`, siteID).Scan(&cycle)
	return cycle, err
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *models.ScrapeRun) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO scrape_runs (site_id, cycle, started_at, status)
		VALUES (?, ?, ?, ?)`,
		run.SiteID, run.Cycle, run.StartedAt.UTC(), string(run.Status))
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *SQLiteStore) FinishRun(ctx context.Context, run *models.ScrapeRun) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scrape_runs SET finished_at = ?, status = ?, fetched = ?, new = ?, duplicate = ?,
			failed = ?, pages_failed = ?, error_message = ?
		WHERE id = ?`,
		utcPtr(run.FinishedAt), string(run.Status), run.Fetched, run.New, run.Duplicate,
		run.Failed, run.PagesFailed, run.ErrorMessage, run.ID)
	return err
}

const siteStatsColumns = `site_id, last_run_at, last_run_status, cycle_seq, completed_cycles,
	consecutive_failed, degraded`

func scanSiteStats(row rowScanner) (*models.SiteStats, error) {
	var st models.SiteStats
	var status sql.NullString
	if err := row.Scan(&st.SiteID, &st.LastRunAt, &status, &st.CycleSeq, &st.CompletedCycles,
		&st.ConsecutiveFailed, &st.Degraded); err != nil {
		return nil, err
	}
	st.LastRunStatus = models.RunStatus(status.String)
	return &st, nil
}

// RecordCycleOutcome folds one finished cycle into the site's health. A
// completed cycle resets the failure streak and the degraded flag; a degraded
// one extends the streak and flags the site once it reaches degradedAfter.
func (s *SQLiteStore) RecordCycleOutcome(ctx context.Context, siteID string, status models.RunStatus, degradedAfter int) (*models.SiteStats, error) {
	completedInc, failedInit, initialDegraded := outcomeForStats(status, degradedAfter)
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO site_stats (site_id, last_run_at, last_run_status, completed_cycles, consecutive_failed, degraded)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(site_id) DO UPDATE SET
			last_run_at = excluded.last_run_at,
			last_run_status = excluded.last_run_status,
			completed_cycles = site_stats.completed_cycles + excluded.completed_cycles,
			consecutive_failed = CASE WHEN excluded.consecutive_failed = 0 THEN 0
				ELSE site_stats.consecutive_failed + 1 END,
			degraded = CASE
				WHEN excluded.consecutive_failed = 0 THEN FALSE
				WHEN ? > 0 AND site_stats.consecutive_failed + 1 >= ? THEN TRUE
				ELSE site_stats.degraded END
		RETURNING `+siteStatsColumns,
		siteID, time.Now().UTC(), string(status), completedInc, failedInit, initialDegraded, degradedAfter, degradedAfter)
	return scanSiteStats(row)
}

func (s *SQLiteStore) GetSiteStats(ctx context.Context, siteID string) (*models.SiteStats, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+siteStatsColumns+` FROM site_stats WHERE site_id = ?`, siteID)
	st, err := scanSiteStats(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return st, err
}

func (s *SQLiteStore) SetSiteDegraded(ctx context.Context, siteID string, degraded bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO site_stats (site_id, degraded) VALUES (?, ?)
		ON CONFLICT(site_id) DO UPDATE SET
			degraded = excluded.degraded,
			consecutive_failed = CASE WHEN excluded.degraded THEN site_stats.consecutive_failed ELSE 0 END`,
		siteID, degraded)
	return err
}

// NthRecentCompletedCycle returns the cycle number of the site's n-th most
// recent completed run, and false when fewer than n completed runs exist.
func (s *SQLiteStore) NthRecentCompletedCycle(ctx context.Context, siteID string, n int) (int64, bool, error) {
	if n <= 0 {
		return 0, false, nil
	}
	var cycle int64
	err := s.db.QueryRowContext(ctx, `
		SELECT cycle FROM scrape_runs
		WHERE site_id = ? AND status = 'completed'
		ORDER BY cycle DESC
		LIMIT 1 OFFSET ?`, siteID, n-1).Scan(&cycle)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return cycle, true, nil
}

func (s *SQLiteStore) Log(ctx context.Context, runID *int64, level models.LogLevel, message, source string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scrape_logs (run_id, timestamp, level, message, site_id)
		VALUES (?, ?, ?, ?, ?)`,
		runID, time.Now().UTC(), string(level), message, source)
	return err
}

func (s *SQLiteStore) PruneLogs(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM scrape_logs WHERE timestamp < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) GetPendingCommands(ctx context.Context) ([]models.Command, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, command, params, created_at, processed_at
		FROM commands WHERE processed_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []models.Command
	for rows.Next() {
		var cmd models.Command
		var params sql.NullString
		if err := rows.Scan(&cmd.ID, &cmd.Command, &params, &cmd.CreatedAt, &cmd.ProcessedAt); err != nil {
			return nil, err
		}
		if params.Valid {
			cmd.Params = json.RawMessage(params.String)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

func (s *SQLiteStore) MarkCommandProcessed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE commands SET processed_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

func (s *SQLiteStore) EnqueueCommand(ctx context.Context, cmd models.CommandType, params *models.CommandParams) (int64, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return 0, err
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (command, params, created_at) VALUES (?, ?, ?)`,
		string(cmd), string(raw), time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *SQLiteStore) execOne(ctx context.Context, what string, id uuid.UUID, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, models.ErrNotFound)
	}
	return nil
}

// prefixed qualifies a column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
