package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"rental_hunter/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS listings (
		id UUID PRIMARY KEY,
		source_site TEXT NOT NULL,
		source_listing_id TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		city TEXT NOT NULL DEFAULT '',
		postal_code TEXT NOT NULL DEFAULT '',
		price DOUBLE PRECISION NOT NULL DEFAULT 0,
		surface DOUBLE PRECISION,
		rooms INTEGER,
		property_type TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		features JSONB NOT NULL DEFAULT '{}',
		contact_name TEXT NOT NULL DEFAULT '',
		agency_name TEXT NOT NULL DEFAULT '',
		contact_email TEXT NOT NULL DEFAULT '',
		contact_phone TEXT NOT NULL DEFAULT '',
		fingerprint TEXT NOT NULL DEFAULT '',
		discovered_at TIMESTAMPTZ NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL,
		last_seen_cycle BIGINT NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'new',
		duplicate_of UUID,
		similarity_score DOUBLE PRECISION,
		UNIQUE (source_site, source_listing_id)
	);

	CREATE TABLE IF NOT EXISTS contact_records (
		id UUID PRIMARY KEY,
		listing_id UUID NOT NULL REFERENCES listings(id),
		channel TEXT NOT NULL,
		seq INTEGER NOT NULL,
		template TEXT NOT NULL DEFAULT '',
		sent_at TIMESTAMPTZ NOT NULL,
		outcome TEXT NOT NULL DEFAULT 'pending',
		outcome_at TIMESTAMPTZ,
		error TEXT NOT NULL DEFAULT '',
		response_detected BOOLEAN NOT NULL DEFAULT FALSE,
		response_at TIMESTAMPTZ,
		UNIQUE (listing_id, seq)
	);

	CREATE TABLE IF NOT EXISTS contact_flags (
		listing_id UUID PRIMARY KEY REFERENCES listings(id),
		responded_at TIMESTAMPTZ,
		stopped_at TIMESTAMPTZ,
		stop_reason TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS listing_matches (
		id BIGSERIAL PRIMARY KEY,
		candidate_id UUID NOT NULL,
		matched_id UUID NOT NULL,
		kind TEXT NOT NULL,
		address_score DOUBLE PRECISION,
		description_score DOUBLE PRECISION,
		combined_score DOUBLE PRECISION,
		reasons JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS scrape_runs (
		id BIGSERIAL PRIMARY KEY,
		site_id TEXT NOT NULL,
		cycle BIGINT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		status TEXT NOT NULL,
		fetched INTEGER NOT NULL DEFAULT 0,
		new INTEGER NOT NULL DEFAULT 0,
		duplicate INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		pages_failed INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS scrape_logs (
		id BIGSERIAL PRIMARY KEY,
		run_id BIGINT,
		timestamp TIMESTAMPTZ NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		site_id TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS site_stats (
		site_id TEXT PRIMARY KEY,
		last_run_at TIMESTAMPTZ,
		last_run_status TEXT NOT NULL DEFAULT '',
		cycle_seq BIGINT NOT NULL DEFAULT 0,
		completed_cycles BIGINT NOT NULL DEFAULT 0,
		consecutive_failed INTEGER NOT NULL DEFAULT 0,
		degraded BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS commands (
		id BIGSERIAL PRIMARY KEY,
		command TEXT NOT NULL,
		params JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_listings_city_discovered ON listings(city, discovered_at);
	CREATE INDEX IF NOT EXISTS idx_listings_status ON listings(status);
	CREATE INDEX IF NOT EXISTS idx_listings_site_cycle ON listings(source_site, last_seen_cycle);
	CREATE INDEX IF NOT EXISTS idx_commands_pending ON commands(processed_at) WHERE processed_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_runs_site_status ON scrape_runs(site_id, status, cycle);
	`)
	return err
}

// =============================================================================
// Listings
// =============================================================================

func pgScanListing(row pgx.Row) (*models.Listing, error) {
	var l models.Listing
	var features []byte
	var ptype, status string
	err := row.Scan(&l.ID, &l.SourceSite, &l.SourceListingID, &l.URL, &l.Title, &l.Address, &l.City, &l.PostalCode,
		&l.Price, &l.Surface, &l.Rooms, &ptype, &l.Description, &features, &l.ContactName, &l.AgencyName,
		&l.ContactEmail, &l.ContactPhone, &l.Fingerprint, &l.DiscoveredAt, &l.LastSeenAt, &l.LastSeenCycle,
		&status, &l.DuplicateOf, &l.SimilarityScore)
	if err != nil {
		return nil, err
	}
	l.PropertyType = models.PropertyType(ptype)
	l.Status = models.ListingStatus(status)
	l.Features = unmarshalFeatures(string(features))
	return &l, nil
}

func (s *PostgresStore) queryListings(ctx context.Context, query string, args ...any) ([]models.Listing, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []models.Listing
	for rows.Next() {
		l, err := pgScanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

func (s *PostgresStore) InsertIfAbsent(ctx context.Context, l *models.Listing) (bool, error) {
	prepareListing(l)
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO listings (`+listingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19,
			$20, $21, $22, $23, $24, $25)
		ON CONFLICT DO NOTHING`,
		l.ID, l.SourceSite, l.SourceListingID, l.URL, l.Title, l.Address, l.City, l.PostalCode,
		l.Price, l.Surface, l.Rooms, string(l.PropertyType), l.Description, marshalFeatures(l.Features),
		l.ContactName, l.AgencyName, l.ContactEmail, l.ContactPhone, l.Fingerprint,
		l.DiscoveredAt, l.LastSeenAt, l.LastSeenCycle, string(l.Status), l.DuplicateOf, l.SimilarityScore)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) QueryRecent(ctx context.Context, city string, windowDays int, now time.Time) ([]models.Listing, error) {
	return s.queryListings(ctx, `
		SELECT `+listingColumns+` FROM listings
		WHERE city = $1 AND discovered_at >= $2 AND status != 'duplicate'
		ORDER BY discovered_at, id`, city, now.AddDate(0, 0, -windowDays))
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id uuid.UUID, status models.ListingStatus) error {
	from := make([]string, 0, 4)
	for _, st := range status.Predecessors() {
		from = append(from, string(st))
	}
	if len(from) > 0 {
		tag, err := s.pool.Exec(ctx, `
			UPDATE listings SET status = $1 WHERE id = $2 AND status = ANY($3)`,
			string(status), id, from)
		if err != nil {
			return err
		}
		if tag.RowsAffected() > 0 {
			return nil
		}
	}

	var current string
	err := s.pool.QueryRow(ctx, `SELECT status FROM listings WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("listing %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return transitionError(id, models.ListingStatus(current), status)
}

func (s *PostgresStore) FindBySource(ctx context.Context, site, sourceListingID string) (*models.Listing, error) {
	l, err := pgScanListing(s.pool.QueryRow(ctx, `
		SELECT `+listingColumns+` FROM listings
		WHERE source_site = $1 AND source_listing_id = $2`, site, sourceListingID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

func (s *PostgresStore) GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	l, err := pgScanListing(s.pool.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("listing %s: %w", id, models.ErrNotFound)
	}
	return l, err
}

func (s *PostgresStore) MarkSeen(ctx context.Context, id uuid.UUID, cycle int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE listings SET last_seen_at = $1, last_seen_cycle = GREATEST(last_seen_cycle, $2)
		WHERE id = $3`, at, cycle, id)
	return err
}

func (s *PostgresStore) ListContactCandidates(ctx context.Context) ([]models.Listing, error) {
	return s.queryListings(ctx, `
		SELECT `+prefixed("l", listingColumns)+`
		FROM listings l
		LEFT JOIN contact_flags f ON f.listing_id = l.id
		WHERE l.status IN ('new', 'contacted')
			AND l.contact_email != ''
			AND f.stopped_at IS NULL AND f.responded_at IS NULL
		ORDER BY l.discovered_at, l.id`)
}

func (s *PostgresStore) UpdateContactInfo(ctx context.Context, id uuid.UUID, info models.ContactInfo) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE listings SET
			contact_name = CASE WHEN contact_name = '' THEN $1 ELSE contact_name END,
			agency_name = CASE WHEN agency_name = '' THEN $2 ELSE agency_name END,
			contact_email = CASE WHEN contact_email = '' THEN $3 ELSE contact_email END,
			contact_phone = CASE WHEN contact_phone = '' THEN $4 ELSE contact_phone END
		WHERE id = $5`, info.Name, info.Agency, info.Email, info.Phone, id)
	return err
}

func (s *PostgresStore) ListMissingContact(ctx context.Context, limit int) ([]models.Listing, error) {
	return s.queryListings(ctx, `
		SELECT `+listingColumns+` FROM listings
		WHERE status IN ('new', 'contacted') AND url != ''
			AND (contact_email = '' OR contact_phone = '')
		ORDER BY discovered_at DESC
		LIMIT $1`, limit)
}

func (s *PostgresStore) ListStale(ctx context.Context, seenBefore time.Time, limit int) ([]models.Listing, error) {
	return s.queryListings(ctx, `
		SELECT `+listingColumns+` FROM listings
		WHERE status IN ('new', 'contacted') AND last_seen_at < $1 AND url != ''
		ORDER BY last_seen_at
		LIMIT $2`, seenBefore, limit)
}

func (s *PostgresStore) ListAbsent(ctx context.Context, site string, beforeCycle int64) ([]models.Listing, error) {
	return s.queryListings(ctx, `
		SELECT `+listingColumns+` FROM listings
		WHERE source_site = $1 AND status IN ('new', 'contacted') AND last_seen_cycle < $2
		ORDER BY last_seen_cycle`, site, beforeCycle)
}

func (s *PostgresStore) InsertMatch(ctx context.Context, m *models.ListingMatch) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	reasons, _ := json.Marshal(m.Reasons)
	return s.pool.QueryRow(ctx, `
		INSERT INTO listing_matches (candidate_id, matched_id, kind, address_score, description_score,
			combined_score, reasons, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		m.CandidateID, m.MatchedID, string(m.Kind), m.AddressScore, m.DescriptionScore,
		m.CombinedScore, string(reasons), m.CreatedAt,
	).Scan(&m.ID)
}

// =============================================================================
// Contact records
// =============================================================================

func pgScanContactRecord(row pgx.Row) (*models.ContactRecord, error) {
	var r models.ContactRecord
	var channel, template, outcome string
	err := row.Scan(&r.ID, &r.ListingID, &channel, &r.Seq, &template, &r.SentAt, &outcome,
		&r.OutcomeAt, &r.Error, &r.ResponseDetected, &r.ResponseAt)
	if err != nil {
		return nil, err
	}
	r.Channel = models.Channel(channel)
	r.Template = models.TemplateKind(template)
	r.Outcome = models.Outcome(outcome)
	return &r, nil
}

func (s *PostgresStore) InsertContactRecord(ctx context.Context, rec *models.ContactRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO contact_records (`+contactColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT DO NOTHING`,
		rec.ID, rec.ListingID, string(rec.Channel), rec.Seq, string(rec.Template), rec.SentAt,
		string(rec.Outcome), rec.OutcomeAt, rec.Error, rec.ResponseDetected, rec.ResponseAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("contact record %s seq %d: %w", rec.ListingID, rec.Seq, models.ErrAlreadyExists)
	}
	return nil
}

func (s *PostgresStore) ListContactRecords(ctx context.Context, listingID uuid.UUID) ([]models.ContactRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+contactColumns+` FROM contact_records
		WHERE listing_id = $1 ORDER BY seq`, listingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.ContactRecord
	for rows.Next() {
		r, err := pgScanContactRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

func (s *PostgresStore) GetContactRecord(ctx context.Context, id uuid.UUID) (*models.ContactRecord, error) {
	r, err := pgScanContactRecord(s.pool.QueryRow(ctx, `SELECT `+contactColumns+` FROM contact_records WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("contact record %s: %w", id, models.ErrNotFound)
	}
	return r, err
}

func (s *PostgresStore) UpdateContactOutcome(ctx context.Context, id uuid.UUID, outcome models.Outcome, errText string, at time.Time) error {
	return s.execOne(ctx, "contact record", id, `
		UPDATE contact_records SET outcome = $1, error = $2, outcome_at = $3
		WHERE id = $4`, string(outcome), errText, at, id)
}

func (s *PostgresStore) ResetContactRecord(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	return s.execOne(ctx, "contact record", id, `
		UPDATE contact_records SET outcome = 'pending', error = '', outcome_at = NULL, sent_at = $1
		WHERE id = $2`, sentAt, id)
}

func (s *PostgresStore) MarkResponseDetected(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.execOne(ctx, "contact record", id, `
		UPDATE contact_records SET response_detected = TRUE, response_at = COALESCE(response_at, $1)
		WHERE id = $2`, at, id)
}

func (s *PostgresStore) GetContactFlags(ctx context.Context, listingID uuid.UUID) (*models.ContactFlags, error) {
	f := models.ContactFlags{ListingID: listingID}
	err := s.pool.QueryRow(ctx, `
		SELECT responded_at, stopped_at, stop_reason FROM contact_flags WHERE listing_id = $1`, listingID).
		Scan(&f.RespondedAt, &f.StoppedAt, &f.StopReason)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	return &f, nil
}

func (s *PostgresStore) SetResponded(ctx context.Context, listingID uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO contact_flags (listing_id, responded_at) VALUES ($1, $2)
		ON CONFLICT (listing_id) DO UPDATE SET
			responded_at = COALESCE(contact_flags.responded_at, EXCLUDED.responded_at)`,
		listingID, at)
	return err
}

func (s *PostgresStore) SetStopped(ctx context.Context, listingID uuid.UUID, reason string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO contact_flags (listing_id, stopped_at, stop_reason) VALUES ($1, $2, $3)
		ON CONFLICT (listing_id) DO UPDATE SET
			stopped_at = COALESCE(contact_flags.stopped_at, EXCLUDED.stopped_at),
			stop_reason = CASE WHEN contact_flags.stopped_at IS NULL THEN EXCLUDED.stop_reason
				ELSE contact_flags.stop_reason END`,
		listingID, at, reason)
	return err
}

// =============================================================================
// Runs and site health
// =============================================================================

func (s *PostgresStore) NextCycle(ctx context.Context, siteID string) (int64, error) {
	var cycle int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO site_stats (site_id, cycle_seq) VALUES ($1, 1)
		ON CONFLICT (site_id) DO UPDATE SET cycle_seq = site_stats.cycle_seq + 1
		RETURNING cycle_seq`, siteID).Scan(&cycle)
	return cycle, err
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.ScrapeRun) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO scrape_runs (site_id, cycle, started_at, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		run.SiteID, run.Cycle, run.StartedAt, string(run.Status)).Scan(&id)
	return id, err
}

func (s *PostgresStore) FinishRun(ctx context.Context, run *models.ScrapeRun) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scrape_runs SET finished_at = $1, status = $2, fetched = $3, new = $4, duplicate = $5,
			failed = $6, pages_failed = $7, error_message = $8
		WHERE id = $9`,
		run.FinishedAt, string(run.Status), run.Fetched, run.New, run.Duplicate,
		run.Failed, run.PagesFailed, run.ErrorMessage, run.ID)
	return err
}

func pgScanSiteStats(row pgx.Row) (*models.SiteStats, error) {
	var st models.SiteStats
	var status string
	if err := row.Scan(&st.SiteID, &st.LastRunAt, &status, &st.CycleSeq, &st.CompletedCycles,
		&st.ConsecutiveFailed, &st.Degraded); err != nil {
		return nil, err
	}
	st.LastRunStatus = models.RunStatus(status)
	return &st, nil
}

func (s *PostgresStore) RecordCycleOutcome(ctx context.Context, siteID string, status models.RunStatus, degradedAfter int) (*models.SiteStats, error) {
	completedInc, failedInit, initialDegraded := outcomeForStats(status, degradedAfter)
	return pgScanSiteStats(s.pool.QueryRow(ctx, `
		INSERT INTO site_stats (site_id, last_run_at, last_run_status, completed_cycles, consecutive_failed, degraded)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (site_id) DO UPDATE SET
			last_run_at = EXCLUDED.last_run_at,
			last_run_status = EXCLUDED.last_run_status,
			completed_cycles = site_stats.completed_cycles + EXCLUDED.completed_cycles,
			consecutive_failed = CASE WHEN EXCLUDED.consecutive_failed = 0 THEN 0
				ELSE site_stats.consecutive_failed + 1 END,
			degraded = CASE
				WHEN EXCLUDED.consecutive_failed = 0 THEN FALSE
				WHEN $7 > 0 AND site_stats.consecutive_failed + 1 >= $7 THEN TRUE
				ELSE site_stats.degraded END
		RETURNING `+siteStatsColumns,
		siteID, time.Now(), string(status), completedInc, failedInit, initialDegraded, degradedAfter))
}

func (s *PostgresStore) GetSiteStats(ctx context.Context, siteID string) (*models.SiteStats, error) {
	st, err := pgScanSiteStats(s.pool.QueryRow(ctx, `SELECT `+siteStatsColumns+` FROM site_stats WHERE site_id = $1`, siteID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return st, err
}

func (s *PostgresStore) SetSiteDegraded(ctx context.Context, siteID string, degraded bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO site_stats (site_id, degraded) VALUES ($1, $2)
		ON CONFLICT (site_id) DO UPDATE SET
			degraded = EXCLUDED.degraded,
			consecutive_failed = CASE WHEN EXCLUDED.degraded THEN site_stats.consecutive_failed ELSE 0 END`,
		siteID, degraded)
	return err
}

func (s *PostgresStore) NthRecentCompletedCycle(ctx context.Context, siteID string, n int) (int64, bool, error) {
	if n <= 0 {
		return 0, false, nil
	}
	var cycle int64
	err := s.pool.QueryRow(ctx, `
		SELECT cycle FROM scrape_runs
		WHERE site_id = $1 AND status = 'completed'
		ORDER BY cycle DESC
		LIMIT 1 OFFSET $2`, siteID, n-1).Scan(&cycle)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return cycle, true, nil
}

func (s *PostgresStore) Log(ctx context.Context, runID *int64, level models.LogLevel, message, source string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scrape_logs (run_id, timestamp, level, message, site_id)
		VALUES ($1, $2, $3, $4, $5)`,
		runID, time.Now(), string(level), message, source)
	return err
}

func (s *PostgresStore) PruneLogs(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM scrape_logs WHERE timestamp < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// =============================================================================
// Commands
// =============================================================================

func (s *PostgresStore) GetPendingCommands(ctx context.Context) ([]models.Command, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, command, params, created_at, processed_at
		FROM commands WHERE processed_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []models.Command
	for rows.Next() {
		var cmd models.Command
		var command string
		var params []byte
		if err := rows.Scan(&cmd.ID, &command, &params, &cmd.CreatedAt, &cmd.ProcessedAt); err != nil {
			return nil, err
		}
		cmd.Command = models.CommandType(command)
		if params != nil {
			cmd.Params = json.RawMessage(params)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

func (s *PostgresStore) MarkCommandProcessed(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE commands SET processed_at = NOW() WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) EnqueueCommand(ctx context.Context, cmd models.CommandType, params *models.CommandParams) (int64, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO commands (command, params) VALUES ($1, $2)
		RETURNING id`, string(cmd), string(raw)).Scan(&id)
	return id, err
}

func (s *PostgresStore) execOne(ctx context.Context, what string, id uuid.UUID, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", what, id, models.ErrNotFound)
	}
	return nil
}
