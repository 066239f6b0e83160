package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite access for ingested records. The database runs in WAL
// mode so aggregation readers and ingestion writers share the same file
// without application-level locking.
type Store struct {
	db *sql.DB
}

// timeLayout is how timestamps are persisted. Plain text keeps sqlite's
// date() functions and lexical range comparisons working.
const timeLayout = "2006-01-02 15:04:05"

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`PRAGMA synchronous=NORMAL;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma: %w", err)
		}
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for the read-side query layer.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records (
			source TEXT NOT NULL,
			external_id TEXT NOT NULL,
			occurred_at TEXT NOT NULL,
			latitude REAL,
			longitude REAL,
			category TEXT,
			title TEXT,
			description TEXT,
			address TEXT,
			status TEXT,
			source_url TEXT,
			severity TEXT,
			unmapped INTEGER NOT NULL DEFAULT 0,
			raw_json TEXT,
			fetched_at TEXT NOT NULL,
			PRIMARY KEY (source, external_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_records_occurred ON records(occurred_at);`,
		`CREATE INDEX IF NOT EXISTS idx_records_source_occurred ON records(source, occurred_at);`,
		`CREATE INDEX IF NOT EXISTS idx_records_source_category ON records(source, category);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Record is one normalized ingested entity. (Source, ExternalID) is the
// upsert key; everything else is overwritten on re-ingest.
type Record struct {
	Source      string     `json:"source"`
	ExternalID  string     `json:"external_id"`
	OccurredAt  time.Time  `json:"occurred_at"`
	Latitude    *float64   `json:"latitude"`
	Longitude   *float64   `json:"longitude"`
	Category    string     `json:"category"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Address     string     `json:"address"`
	Status      string     `json:"status"`
	SourceURL   string     `json:"source_url"`
	Severity    string     `json:"severity"`
	Unmapped    bool       `json:"unmapped"`
	Raw         string     `json:"-"`
	FetchedAt   time.Time  `json:"fetched_at"`
}

const upsertBatchSize = 200

// UpsertBatch writes records in chunked transactions. On a key collision all
// mutable fields are overwritten; source and external_id never change.
// Re-running with identical input leaves identical rows behind.
func (s *Store) UpsertBatch(ctx context.Context, records []Record) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	var affected int64
	for start := 0; start < len(records); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(records) {
			end = len(records)
		}
		n, err := s.upsertChunk(ctx, records[start:end])
		affected += n
		if err != nil {
			return affected, err
		}
	}
	return affected, nil
}

func (s *Store) upsertChunk(ctx context.Context, records []Record) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin upsert tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO records(
		source, external_id, occurred_at, latitude, longitude,
		category, title, description, address, status,
		source_url, severity, unmapped, raw_json, fetched_at
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT(source, external_id) DO UPDATE SET
		occurred_at=excluded.occurred_at,
		latitude=excluded.latitude,
		longitude=excluded.longitude,
		category=excluded.category,
		title=excluded.title,
		description=excluded.description,
		address=excluded.address,
		status=excluded.status,
		source_url=excluded.source_url,
		severity=excluded.severity,
		unmapped=excluded.unmapped,
		raw_json=excluded.raw_json,
		fetched_at=excluded.fetched_at`)
	if err != nil {
		return 0, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	var affected int64
	for _, rec := range records {
		fetched := rec.FetchedAt
		if fetched.IsZero() {
			fetched = time.Now().UTC()
		}
		res, err := stmt.ExecContext(ctx,
			rec.Source, rec.ExternalID, toDBTime(rec.OccurredAt),
			nullableFloat(rec.Latitude), nullableFloat(rec.Longitude),
			rec.Category, rec.Title, rec.Description, rec.Address, rec.Status,
			rec.SourceURL, rec.Severity, boolToInt(rec.Unmapped), rec.Raw,
			toDBTime(fetched),
		)
		if err != nil {
			return affected, fmt.Errorf("upsert %s/%s: %w", rec.Source, rec.ExternalID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			affected += n
		}
	}
	if err := tx.Commit(); err != nil {
		return affected, fmt.Errorf("commit upsert: %w", err)
	}
	return affected, nil
}

// CountBySource reports how many rows a source has. Zero gates the one-time
// backfill on first start.
func (s *Store) CountBySource(ctx context.Context, source string) (int64, error) {
	var n int64
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE source=?`, source)
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// RecentRecords returns records with occurred_at on or after since, newest
// first, optionally restricted to one source.
func (s *Store) RecentRecords(ctx context.Context, source string, since time.Time, limit int) ([]Record, error) {
	query := `SELECT source, external_id, occurred_at, latitude, longitude,
		category, title, description, address, status, source_url, severity, unmapped, fetched_at
	FROM records WHERE occurred_at >= ?`
	args := []interface{}{toDBTime(since)}
	if source != "" {
		query += ` AND source = ?`
		args = append(args, source)
	}
	query += ` ORDER BY occurred_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var occurred, fetched string
		var lat, lng sql.NullFloat64
		var category, title, description, address, status, sourceURL, severity sql.NullString
		var unmapped int
		if err := rows.Scan(&rec.Source, &rec.ExternalID, &occurred, &lat, &lng,
			&category, &title, &description, &address, &status, &sourceURL, &severity, &unmapped, &fetched); err != nil {
			return nil, err
		}
		rec.OccurredAt = fromDBTime(occurred)
		rec.FetchedAt = fromDBTime(fetched)
		if lat.Valid {
			v := lat.Float64
			rec.Latitude = &v
		}
		if lng.Valid {
			v := lng.Float64
			rec.Longitude = &v
		}
		rec.Category = category.String
		rec.Title = title.String
		rec.Description = description.String
		rec.Address = address.String
		rec.Status = status.String
		rec.SourceURL = sourceURL.String
		rec.Severity = severity.String
		rec.Unmapped = unmapped != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// TableCounts returns row counts per source for the status endpoint.
func (s *Store) TableCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source, COUNT(*) FROM records GROUP BY source`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[string]int64)
	for rows.Next() {
		var source string
		var n int64
		if err := rows.Scan(&source, &n); err != nil {
			return nil, err
		}
		counts[source] = n
	}
	return counts, rows.Err()
}

// LastFetchedAt returns the newest fetched_at for a source, or zero time.
func (s *Store) LastFetchedAt(ctx context.Context, source string) (time.Time, error) {
	var v sql.NullString
	row := s.db.QueryRowContext(ctx, `SELECT MAX(fetched_at) FROM records WHERE source=?`, source)
	if err := row.Scan(&v); err != nil {
		return time.Time{}, err
	}
	if !v.Valid {
		return time.Time{}, nil
	}
	return fromDBTime(v.String), nil
}

// Health returns err if the DB is not reachable.
func (s *Store) Health(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `SELECT 1`)
	var v int
	if err := row.Scan(&v); err != nil {
		return fmt.Errorf("db health: %w", err)
	}
	return nil
}

// FormatTime renders a timestamp the way this store persists them. The read
// side uses it to build range predicates against the same text encoding.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime is the inverse of FormatTime; zero time on malformed input.
func ParseTime(v string) time.Time {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func toDBTime(t time.Time) string { return FormatTime(t) }

func fromDBTime(v string) time.Time { return ParseTime(v) }

func nullableFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
