// Package postgres provides the Postgres-backed structured sink.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/osint-watchtower/internal/osint"
)

const schema = `
CREATE TABLE IF NOT EXISTS alerts (
  id              BIGSERIAL PRIMARY KEY,
  content_hash    TEXT NOT NULL,
  source_name     TEXT NOT NULL,
  source_url      TEXT NOT NULL,
  severity        TEXT NOT NULL,
  classification  TEXT NOT NULL,
  simhash         TEXT NOT NULL,
  detected_at     TIMESTAMPTZ NOT NULL,
  first_seen      TIMESTAMPTZ NOT NULL,
  last_seen       TIMESTAMPTZ NOT NULL,
  trend_velocity  JSONB NOT NULL,
  payload         JSONB NOT NULL,
  UNIQUE (content_hash, source_name)
);
CREATE INDEX IF NOT EXISTS idx_alerts_source_seen ON alerts (source_name, last_seen);
CREATE TABLE IF NOT EXISTS runs (
  id              BIGSERIAL PRIMARY KEY,
  run_id          TEXT NOT NULL UNIQUE,
  source_name     TEXT NOT NULL,
  started_at      TIMESTAMPTZ NOT NULL,
  finished_at     TIMESTAMPTZ NOT NULL,
  fetched         INTEGER NOT NULL,
  alerts          INTEGER NOT NULL,
  dedup           INTEGER NOT NULL,
  bytes_in        BIGINT NOT NULL,
  errors          INTEGER NOT NULL,
  cache_hits      INTEGER NOT NULL,
  fixtures_used   INTEGER NOT NULL,
  avg_latency_ms  DOUBLE PRECISION NOT NULL,
  status          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_source ON runs (source_name, id);
CREATE TABLE IF NOT EXISTS errors (
  id           BIGSERIAL PRIMARY KEY,
  source_name  TEXT NOT NULL,
  url          TEXT NOT NULL,
  kind         TEXT NOT NULL,
  message      TEXT NOT NULL,
  occurred_at  TIMESTAMPTZ NOT NULL
);`

const defaultRunLimit = 50

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// AlertStore implements osint.StructuredSink on Postgres.
type AlertStore struct {
	pool  pgxPool
	maint sync.RWMutex
}

var _ osint.StructuredSink = (*AlertStore)(nil)

// New connects a pool and ensures the schema exists.
func New(ctx context.Context, cfg Config) (*AlertStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres_dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &AlertStore{pool: p}
	if err := s.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pgxPool) (*AlertStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &AlertStore{pool: p}, nil
}

// EnsureSchema creates the tables and indexes when missing.
func (s *AlertStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *AlertStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// UpsertAlert inserts the alert or advances last_seen and the evolving enrichment.
func (s *AlertStore) UpsertAlert(ctx context.Context, alert osint.Alert) error {
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
	query := `
INSERT INTO alerts (
	content_hash,
	source_name,
	source_url,
	severity,
	classification,
	simhash,
	detected_at,
	first_seen,
	last_seen,
	trend_velocity,
	payload
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)
ON CONFLICT (content_hash, source_name) DO UPDATE SET
	last_seen = GREATEST(alerts.last_seen, EXCLUDED.last_seen),
	severity = EXCLUDED.severity,
	classification = EXCLUDED.classification,
	trend_velocity = EXCLUDED.trend_velocity,
	payload = EXCLUDED.payload`
	args := []any{
		alert.ContentHash,
		alert.SourceName,
		alert.SourceURL,
		alert.Severity,
		alert.Classification,
		alert.Simhash,
		alert.DetectedAt.UTC(),
		alert.FirstSeen.UTC(),
		alert.LastSeen.UTC(),
		trend,
		payload,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert alert: %w", err)
	}
	return nil
}

// TouchAlert advances last_seen and reports whether the row existed.
func (s *AlertStore) TouchAlert(ctx context.Context, contentHash, sourceName string, seenAt time.Time) (bool, error) {
	s.maint.RLock()
	defer s.maint.RUnlock()

	tag, err := s.pool.Exec(ctx, `
UPDATE alerts SET last_seen = GREATEST(last_seen, $1)
WHERE content_hash = $2 AND source_name = $3`, seenAt.UTC(), contentHash, sourceName)
	if err != nil {
		return false, fmt.Errorf("touch alert: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecordRun appends one metrics row.
func (s *AlertStore) RecordRun(ctx context.Context, run osint.RunMetrics) error {
	s.maint.RLock()
	defer s.maint.RUnlock()

	query := `
INSERT INTO runs (
	run_id, source_name, started_at, finished_at, fetched, alerts, dedup,
	bytes_in, errors, cache_hits, fixtures_used, avg_latency_ms, status
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	if _, err := s.pool.Exec(ctx, query,
		run.RunID,
		run.SourceName,
		run.StartedAt.UTC(),
		run.FinishedAt.UTC(),
		run.Fetched,
		run.Alerts,
		run.Dedup,
		run.BytesIn,
		run.Errors,
		run.CacheHits,
		run.FixturesUsed,
		run.AvgLatencyMS,
		run.Status,
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// RecordError appends one recovered error.
func (s *AlertStore) RecordError(ctx context.Context, rec osint.ErrorRecord) error {
	s.maint.RLock()
	defer s.maint.RUnlock()

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO errors (source_name, url, kind, message, occurred_at) VALUES ($1,$2,$3,$4,$5)`,
		rec.SourceName, rec.URL, rec.Kind, rec.Message, rec.OccurredAt.UTC(),
	); err != nil {
		return fmt.Errorf("insert error: %w", err)
	}
	return nil
}

const runColumns = `run_id, source_name, started_at, finished_at, fetched, alerts, dedup,
	bytes_in, errors, cache_hits, fixtures_used, avg_latency_ms, status`

func scanRun(row pgx.Row) (osint.RunMetrics, error) {
	var run osint.RunMetrics
	err := row.Scan(
		&run.RunID,
		&run.SourceName,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Fetched,
		&run.Alerts,
		&run.Dedup,
		&run.BytesIn,
		&run.Errors,
		&run.CacheHits,
		&run.FixturesUsed,
		&run.AvgLatencyMS,
		&run.Status,
	)
	run.StartedAt = run.StartedAt.UTC()
	run.FinishedAt = run.FinishedAt.UTC()
	return run, err
}

// LastRun returns the most recently recorded run of sourceName.
func (s *AlertStore) LastRun(ctx context.Context, sourceName string) (osint.RunMetrics, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE source_name = $1 ORDER BY id DESC LIMIT 1`, sourceName)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return osint.RunMetrics{}, false, nil
	}
	if err != nil {
		return osint.RunMetrics{}, false, fmt.Errorf("select last run: %w", err)
	}
	return run, true, nil
}

// ListRuns returns runs newest first; an empty SourceName lists every source.
func (s *AlertStore) ListRuns(ctx context.Context, q osint.RunQuery) ([]osint.RunMetrics, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultRunLimit
	}
	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+` FROM runs
WHERE ($1::text = '' OR source_name = $1)
ORDER BY id DESC
LIMIT $2`, q.SourceName, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
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

// Reindex lists the indexes of the sink's tables from pg_indexes.
func (s *AlertStore) Reindex(ctx context.Context) ([]osint.IndexInfo, error) {
	rows, err := s.pool.Query(ctx, `
SELECT tablename, indexname, indexdef
FROM pg_indexes
WHERE schemaname = current_schema() AND tablename IN ('alerts', 'runs', 'errors')
ORDER BY tablename, indexname`)
	if err != nil {
		return nil, fmt.Errorf("list indexes: %w", err)
	}
	defer rows.Close()

	var out []osint.IndexInfo
	for rows.Next() {
		var info osint.IndexInfo
		var def string
		if err := rows.Scan(&info.Table, &info.Name, &def); err != nil {
			return nil, fmt.Errorf("scan index: %w", err)
		}
		info.Unique = strings.HasPrefix(def, "CREATE UNIQUE")
		info.Columns = indexColumns(def)
		out = append(out, info)
	}
	return out, rows.Err()
}

// indexColumns pulls the column list out of an index definition such as
// "CREATE INDEX idx ON public.runs USING btree (source_name, id)".
func indexColumns(def string) []string {
	open := strings.LastIndex(def, "(")
	end := strings.LastIndex(def, ")")
	if open < 0 || end <= open {
		return nil
	}
	var cols []string
	for _, c := range strings.Split(def[open+1:end], ",") {
		if c = strings.TrimSpace(c); c != "" {
			cols = append(cols, c)
		}
	}
	return cols
}

// Vacuum reclaims space on every table. It runs outside any transaction and
// blocks this store's writers until done.
func (s *AlertStore) Vacuum(ctx context.Context) error {
	s.maint.Lock()
	defer s.maint.Unlock()
	if _, err := s.pool.Exec(ctx, `VACUUM (ANALYZE) alerts, runs, errors`); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}
