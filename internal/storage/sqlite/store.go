// Package sqlite is the default structured sink: alerts with upsert semantics,
// append-only run metrics and recovered errors, in one SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/osint-watchtower/internal/osint"
)

const schema = `
CREATE TABLE IF NOT EXISTS alerts (
  id              INTEGER PRIMARY KEY,
  content_hash    TEXT NOT NULL,
  source_name     TEXT NOT NULL,
  source_url      TEXT NOT NULL,
  severity        TEXT NOT NULL,
  classification  TEXT NOT NULL,
  simhash         TEXT NOT NULL,
  detected_at     TEXT NOT NULL,
  first_seen      TEXT NOT NULL,
  last_seen       TEXT NOT NULL,
  trend_velocity  TEXT NOT NULL,
  payload         TEXT NOT NULL,
  UNIQUE(content_hash, source_name)
);
CREATE INDEX IF NOT EXISTS idx_alerts_source_seen ON alerts(source_name, last_seen);
CREATE INDEX IF NOT EXISTS idx_alerts_detected ON alerts(detected_at);
CREATE TABLE IF NOT EXISTS runs (
  id              INTEGER PRIMARY KEY,
  run_id          TEXT NOT NULL UNIQUE,
  source_name     TEXT NOT NULL,
  started_at      TEXT NOT NULL,
  finished_at     TEXT NOT NULL,
  fetched         INTEGER NOT NULL,
  alerts          INTEGER NOT NULL,
  dedup           INTEGER NOT NULL,
  bytes_in        INTEGER NOT NULL,
  errors          INTEGER NOT NULL,
  cache_hits      INTEGER NOT NULL,
  fixtures_used   INTEGER NOT NULL,
  avg_latency_ms  REAL NOT NULL,
  status          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_source ON runs(source_name, id);
CREATE TABLE IF NOT EXISTS errors (
  id           INTEGER PRIMARY KEY,
  source_name  TEXT NOT NULL,
  url          TEXT NOT NULL,
  kind         TEXT NOT NULL,
  message      TEXT NOT NULL,
  occurred_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_errors_time ON errors(occurred_at);
`

const defaultRunLimit = 50

// Store implements osint.StructuredSink on SQLite.
type Store struct {
	db *sql.DB
	// maint lets writes share access while Vacuum runs alone between them.
	maint sync.RWMutex
}

var _ osint.StructuredSink = (*Store)(nil)

// Open creates the database file and schema if needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// UpsertAlert inserts the alert or, when (content_hash, source_name) exists, advances
// last_seen and replaces the evolving enrichment. first_seen never changes.
func (s *Store) UpsertAlert(ctx context.Context, alert osint.Alert) error {
	s.maint.RLock()
	defer s.maint.RUnlock()

	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	trend, err := json.Marshal(alert.TrendVelocity)
	if err != nil {
		return fmt.Errorf("marshal trend: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO alerts (
  content_hash, source_name, source_url, severity, classification, simhash,
  detected_at, first_seen, last_seen, trend_velocity, payload
) VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(content_hash, source_name) DO UPDATE SET
  last_seen = MAX(alerts.last_seen, excluded.last_seen),
  severity = excluded.severity,
  classification = excluded.classification,
  trend_velocity = excluded.trend_velocity,
  payload = excluded.payload`,
		alert.ContentHash,
		alert.SourceName,
		alert.SourceURL,
		alert.Severity,
		alert.Classification,
		alert.Simhash,
		osint.FormatTime(alert.DetectedAt),
		osint.FormatTime(alert.FirstSeen),
		osint.FormatTime(alert.LastSeen),
		string(trend),
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("upsert alert: %w", err)
	}
	return nil
}

// TouchAlert advances last_seen of an existing alert and reports whether one existed.
func (s *Store) TouchAlert(ctx context.Context, contentHash, sourceName string, seenAt time.Time) (bool, error) {
	s.maint.RLock()
	defer s.maint.RUnlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET last_seen = MAX(last_seen, ?) WHERE content_hash = ? AND source_name = ?`,
		osint.FormatTime(seenAt), contentHash, sourceName)
	if err != nil {
		return false, fmt.Errorf("touch alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("touch alert: %w", err)
	}
	return n > 0, nil
}

// GetAlert loads one alert with its current first/last seen timestamps.
func (s *Store) GetAlert(ctx context.Context, contentHash, sourceName string) (osint.Alert, bool, error) {
	var payload, firstSeen, lastSeen, trend string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, first_seen, last_seen, trend_velocity FROM alerts WHERE content_hash = ? AND source_name = ?`,
		contentHash, sourceName).Scan(&payload, &firstSeen, &lastSeen, &trend)
	if errors.Is(err, sql.ErrNoRows) {
		return osint.Alert{}, false, nil
	}
	if err != nil {
		return osint.Alert{}, false, fmt.Errorf("select alert: %w", err)
	}
	var alert osint.Alert
	if err := json.Unmarshal([]byte(payload), &alert); err != nil {
		return osint.Alert{}, false, fmt.Errorf("decode alert: %w", err)
	}
	if err := json.Unmarshal([]byte(trend), &alert.TrendVelocity); err != nil {
		return osint.Alert{}, false, fmt.Errorf("decode trend: %w", err)
	}
	if alert.FirstSeen, err = osint.ParseTime(firstSeen); err != nil {
		return osint.Alert{}, false, err
	}
	if alert.LastSeen, err = osint.ParseTime(lastSeen); err != nil {
		return osint.Alert{}, false, err
	}
	return alert, true, nil
}

// RecordRun appends one metrics row.
func (s *Store) RecordRun(ctx context.Context, run osint.RunMetrics) error {
	s.maint.RLock()
	defer s.maint.RUnlock()

	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs (
  run_id, source_name, started_at, finished_at, fetched, alerts, dedup,
  bytes_in, errors, cache_hits, fixtures_used, avg_latency_ms, status
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.RunID,
		run.SourceName,
		osint.FormatTime(run.StartedAt),
		osint.FormatTime(run.FinishedAt),
		run.Fetched,
		run.Alerts,
		run.Dedup,
		run.BytesIn,
		run.Errors,
		run.CacheHits,
		run.FixturesUsed,
		run.AvgLatencyMS,
		run.Status,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// RecordError appends one recovered error.
func (s *Store) RecordError(ctx context.Context, rec osint.ErrorRecord) error {
	s.maint.RLock()
	defer s.maint.RUnlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO errors (source_name, url, kind, message, occurred_at) VALUES (?,?,?,?,?)`,
		rec.SourceName, rec.URL, rec.Kind, rec.Message, osint.FormatTime(rec.OccurredAt))
	if err != nil {
		return fmt.Errorf("insert error: %w", err)
	}
	return nil
}

const runColumns = `run_id, source_name, started_at, finished_at, fetched, alerts, dedup,
  bytes_in, errors, cache_hits, fixtures_used, avg_latency_ms, status`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (osint.RunMetrics, error) {
	var (
		run             osint.RunMetrics
		started, finish string
	)
	if err := row.Scan(&run.RunID, &run.SourceName, &started, &finish, &run.Fetched, &run.Alerts, &run.Dedup,
		&run.BytesIn, &run.Errors, &run.CacheHits, &run.FixturesUsed, &run.AvgLatencyMS, &run.Status); err != nil {
		return osint.RunMetrics{}, err
	}
	var err error
	if run.StartedAt, err = osint.ParseTime(started); err != nil {
		return osint.RunMetrics{}, err
	}
	if run.FinishedAt, err = osint.ParseTime(finish); err != nil {
		return osint.RunMetrics{}, err
	}
	return run, nil
}

// LastRun returns the most recently recorded run of sourceName.
func (s *Store) LastRun(ctx context.Context, sourceName string) (osint.RunMetrics, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE source_name = ? ORDER BY id DESC LIMIT 1`, sourceName)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return osint.RunMetrics{}, false, nil
	}
	if err != nil {
		return osint.RunMetrics{}, false, fmt.Errorf("select last run: %w", err)
	}
	return run, true, nil
}

// ListRuns returns runs newest first, optionally for one source.
func (s *Store) ListRuns(ctx context.Context, q osint.RunQuery) ([]osint.RunMetrics, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultRunLimit
	}
	query := `SELECT ` + runColumns + ` FROM runs`
	args := []any{}
	if q.SourceName != "" {
		query += ` WHERE source_name = ?`
		args = append(args, q.SourceName)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select runs: %w", err)
	}
	defer rows.Close()

	var runs []osint.RunMetrics
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Reindex lists every index with its columns. It only reads the catalog.
func (s *Store) Reindex(ctx context.Context) ([]osint.IndexInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT m.name, il.name, il."unique"
FROM sqlite_master AS m, pragma_index_list(m.name) AS il
WHERE m.type = 'table'
ORDER BY m.name, il.name`)
	if err != nil {
		return nil, fmt.Errorf("list indexes: %w", err)
	}
	var out []osint.IndexInfo
	for rows.Next() {
		var (
			info   osint.IndexInfo
			unique int
		)
		if err := rows.Scan(&info.Table, &info.Name, &unique); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan index: %w", err)
		}
		info.Unique = unique == 1
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range out {
		cols, err := s.indexColumns(ctx, out[i].Name)
		if err != nil {
			return nil, err
		}
		out[i].Columns = cols
	}
	return out, nil
}

func (s *Store) indexColumns(ctx context.Context, index string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pragma_index_info(?) ORDER BY seqno`, index)
	if err != nil {
		return nil, fmt.Errorf("index info %s: %w", index, err)
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var name sql.NullString
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan index column: %w", err)
		}
		cols = append(cols, name.String)
	}
	return cols, rows.Err()
}

// Vacuum reclaims space. It waits for in-flight writes and blocks new ones until done.
func (s *Store) Vacuum(ctx context.Context) error {
	s.maint.Lock()
	defer s.maint.Unlock()
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}
