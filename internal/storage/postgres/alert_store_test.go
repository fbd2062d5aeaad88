package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/osint-watchtower/internal/osint"
)

var runCols = []string{
	"run_id", "source_name", "started_at", "finished_at", "fetched", "alerts", "dedup",
	"bytes_in", "errors", "cache_hits", "fixtures_used", "avg_latency_ms", "status",
}

func newMockStore(t *testing.T) (*AlertStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestUpsertAlert(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	alert := osint.Alert{
		SourceName:     "pastebin",
		SourceURL:      "https://pastebin.com/x",
		ContentHash:    "abc",
		Severity:       "high",
		Classification: "public",
		Simhash:        "00000000000000ff",
		DetectedAt:     now,
		FirstSeen:      now,
		LastSeen:       now,
		TrendVelocity:  osint.TrendVelocity{PctIncrease: 100, CurrVolume: 1},
	}

	mock.ExpectExec(`(?s)INSERT INTO alerts.*ON CONFLICT.*severity = EXCLUDED\.severity.*classification = EXCLUDED\.classification`).
		WithArgs(
			"abc", "pastebin", "https://pastebin.com/x", "high", "public", "00000000000000ff",
			now, now, now,
			[]byte(`{"pct_increase":100,"prev_volume":0,"curr_volume":1}`),
			pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.UpsertAlert(context.Background(), alert))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertAlertError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO alerts").WillReturnError(errors.New("connection reset"))

	err := store.UpsertAlert(context.Background(), osint.Alert{ContentHash: "abc"})
	require.ErrorContains(t, err, "upsert alert")
}

func TestTouchAlert(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	seen := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("UPDATE alerts SET last_seen").
		WithArgs(seen, "abc", "pastebin").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE alerts SET last_seen").
		WithArgs(seen, "missing", "pastebin").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := store.TouchAlert(context.Background(), "abc", "pastebin", seen)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.TouchAlert(context.Background(), "missing", "pastebin", seen)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRunAndError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	start := time.Unix(1700000000, 0).UTC()
	run := osint.RunMetrics{
		RunID: "run-1", SourceName: "reddit", StartedAt: start, FinishedAt: start.Add(time.Second),
		Fetched: 2, Alerts: 1, Dedup: 1, BytesIn: 4096, CacheHits: 1, AvgLatencyMS: 20, Status: osint.RunStatusOK,
	}
	mock.ExpectExec("INSERT INTO runs").
		WithArgs("run-1", "reddit", start, start.Add(time.Second), 2, 1, 1, int64(4096), 0, 1, 0, 20.0, "ok").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO errors").
		WithArgs("reddit", "https://reddit.com", "fetch_network", "refused", start).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.RecordRun(context.Background(), run))
	require.NoError(t, store.RecordError(context.Background(), osint.ErrorRecord{
		SourceName: "reddit", URL: "https://reddit.com", Kind: "fetch_network", Message: "refused", OccurredAt: start,
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLastRun(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	start := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT .+ FROM runs WHERE source_name").
		WithArgs("reddit").
		WillReturnRows(pgxmock.NewRows(runCols).
			AddRow("run-2", "reddit", start, start, 1, 3, 0, int64(10), 0, 0, 1, 5.5, "ok"))
	mock.ExpectQuery("SELECT .+ FROM runs WHERE source_name").
		WithArgs("quiet").
		WillReturnRows(pgxmock.NewRows(runCols))

	run, ok, err := store.LastRun(context.Background(), "reddit")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, run.Alerts)
	assert.Equal(t, 1, run.FixturesUsed)

	_, ok, err = store.LastRun(context.Background(), "quiet")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRuns(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	start := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT .+ FROM runs").
		WithArgs("", 50).
		WillReturnRows(pgxmock.NewRows(runCols).
			AddRow("run-2", "reddit", start, start, 1, 0, 1, int64(10), 0, 0, 0, 1.0, "ok").
			AddRow("run-1", "pastebin", start, start, 1, 1, 0, int64(10), 0, 0, 0, 1.0, "ok"))

	runs, err := store.ListRuns(context.Background(), osint.RunQuery{})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].RunID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReindexAndVacuum(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM pg_indexes").
		WillReturnRows(pgxmock.NewRows([]string{"tablename", "indexname", "indexdef"}).
			AddRow("alerts", "alerts_content_hash_source_name_key",
				"CREATE UNIQUE INDEX alerts_content_hash_source_name_key ON public.alerts USING btree (content_hash, source_name)").
			AddRow("runs", "idx_runs_source", "CREATE INDEX idx_runs_source ON public.runs USING btree (source_name, id)"))
	mock.ExpectExec(`VACUUM \(ANALYZE\)`).WillReturnResult(pgxmock.NewResult("VACUUM", 0))

	indexes, err := store.Reindex(context.Background())
	require.NoError(t, err)
	require.Len(t, indexes, 2)
	assert.True(t, indexes[0].Unique)
	assert.Equal(t, []string{"content_hash", "source_name"}, indexes[0].Columns)
	assert.False(t, indexes[1].Unique)

	require.NoError(t, store.Vacuum(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.Error(t, err)
	_, err = NewWithPool(nil)
	require.Error(t, err)
}
