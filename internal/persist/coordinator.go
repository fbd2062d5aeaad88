// Package persist records alerts to the append-only logs and the structured sink,
// and run metrics to the structured sink.
package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/osint-watchtower/internal/metrics"
	"github.com/JakeFAU/osint-watchtower/internal/osint"
)

// Sink names used in PersistenceError and metrics.
const (
	SinkStructured = "structured"
	SinkLog        = "log"
)

// Coordinator implements osint.Persister.
//
// WriteAlert appends to every log first and upserts second. An append is never
// rolled back: when the upsert fails the log keeps the record as an audit trail
// while the structured sink lacks it, and the error tells the caller the alert
// is not durably recorded. Retrying is safe because the upsert collapses repeats
// and the log is expected to hold every attempt.
type Coordinator struct {
	structured osint.StructuredSink
	logs       []osint.AlertLog
	logger     *zap.Logger
}

var _ osint.Persister = (*Coordinator)(nil)

// New wires the structured sink and the append-only logs.
func New(structured osint.StructuredSink, logs []osint.AlertLog, logger *zap.Logger) (*Coordinator, error) {
	if structured == nil {
		return nil, errors.New("structured sink is required")
	}
	if len(logs) == 0 {
		return nil, errors.New("at least one alert log is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{structured: structured, logs: logs, logger: logger}, nil
}

// WriteAlert returns only after every sink accepted the alert.
func (c *Coordinator) WriteAlert(ctx context.Context, alert osint.Alert) error {
	for _, log := range c.logs {
		if err := log.Append(ctx, alert); err != nil {
			return c.fail(SinkLog, alert, err)
		}
	}
	if err := c.structured.UpsertAlert(ctx, alert); err != nil {
		return c.fail(SinkStructured, alert, err)
	}
	return nil
}

func (c *Coordinator) fail(sink string, alert osint.Alert, err error) error {
	metrics.ObservePersistFailure(sink)
	c.logger.Warn("alert not durably recorded",
		zap.String("sink", sink),
		zap.String("source", alert.SourceName),
		zap.String("content_hash", alert.ContentHash),
		zap.Error(err))
	return &osint.PersistenceError{Sink: sink, Err: err}
}

// TouchAlert advances last_seen of an existing alert. A missing row is not an error:
// the fingerprint may have been registered while its alert write failed.
func (c *Coordinator) TouchAlert(ctx context.Context, contentHash, sourceName string, seenAt time.Time) error {
	found, err := c.structured.TouchAlert(ctx, contentHash, sourceName, seenAt)
	if err != nil {
		metrics.ObservePersistFailure(SinkStructured)
		return &osint.PersistenceError{Sink: SinkStructured, Err: err}
	}
	if !found {
		c.logger.Debug("duplicate has no stored alert",
			zap.String("source", sourceName), zap.String("content_hash", contentHash))
	}
	return nil
}

// RecordRun appends one immutable metrics row.
func (c *Coordinator) RecordRun(ctx context.Context, run osint.RunMetrics) error {
	if err := c.structured.RecordRun(ctx, run); err != nil {
		metrics.ObservePersistFailure(SinkStructured)
		return &osint.PersistenceError{Sink: SinkStructured, Err: fmt.Errorf("record run %s: %w", run.RunID, err)}
	}
	return nil
}

// RecordError stores a recovered error for operators.
func (c *Coordinator) RecordError(ctx context.Context, rec osint.ErrorRecord) error {
	if err := c.structured.RecordError(ctx, rec); err != nil {
		metrics.ObservePersistFailure(SinkStructured)
		return &osint.PersistenceError{Sink: SinkStructured, Err: err}
	}
	return nil
}

// LastRun returns the previous run of sourceName, used as the trend baseline.
func (c *Coordinator) LastRun(ctx context.Context, sourceName string) (osint.RunMetrics, bool, error) {
	run, ok, err := c.structured.LastRun(ctx, sourceName)
	if err != nil {
		return osint.RunMetrics{}, false, fmt.Errorf("last run %s: %w", sourceName, err)
	}
	return run, ok, nil
}

// ListRuns exposes the metrics query surface.
func (c *Coordinator) ListRuns(ctx context.Context, q osint.RunQuery) ([]osint.RunMetrics, error) {
	runs, err := c.structured.ListRuns(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Reindex inspects the structured sink's indexes.
func (c *Coordinator) Reindex(ctx context.Context) ([]osint.IndexInfo, error) {
	infos, err := c.structured.Reindex(ctx)
	if err != nil {
		return nil, fmt.Errorf("reindex: %w", err)
	}
	return infos, nil
}

// Vacuum reclaims space in the structured sink between write transactions.
func (c *Coordinator) Vacuum(ctx context.Context) error {
	start := time.Now()
	if err := c.structured.Vacuum(ctx); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	c.logger.Info("vacuum complete", zap.Duration("took", time.Since(start)))
	return nil
}
