// Package worker runs one source cycle: fetch, parse, deduplicate, detect, assemble, persist.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/osint-watchtower/internal/alert"
	"github.com/JakeFAU/osint-watchtower/internal/logging"
	"github.com/JakeFAU/osint-watchtower/internal/metrics"
	"github.com/JakeFAU/osint-watchtower/internal/osint"
)

var tracer = otel.Tracer("github.com/JakeFAU/osint-watchtower/internal/worker")

// ParserSource picks the parser for a source.
type ParserSource interface {
	For(source osint.Source) osint.Parser
}

// Assembler turns a detection into an alert.
type Assembler interface {
	Assemble(in alert.Input) (osint.Alert, bool)
}

// Deps are the collaborators of a cycle.
type Deps struct {
	Acquirer  osint.Acquirer
	Parsers   ParserSource
	Dedup     osint.Deduplicator
	Detector  osint.Detector
	Assembler Assembler
	Persister osint.Persister
	Clock     osint.Clock
	IDs       osint.IDGenerator
}

// Config filters items.
type Config struct {
	// Since skips items published more than Since before the cycle start.
	Since time.Duration
	// NotBefore skips items published before this instant.
	NotBefore time.Time
}

// Worker executes source cycles. It is safe to run cycles of different sources concurrently.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Worker, error) {
	switch {
	case deps.Acquirer == nil:
		return nil, errors.New("acquirer is required")
	case deps.Parsers == nil:
		return nil, errors.New("parsers are required")
	case deps.Dedup == nil:
		return nil, errors.New("deduplicator is required")
	case deps.Detector == nil:
		return nil, errors.New("detector is required")
	case deps.Assembler == nil:
		return nil, errors.New("assembler is required")
	case deps.Persister == nil:
		return nil, errors.New("persister is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger}, nil
}

type page struct {
	url    string
	result osint.FetchResult
	err    error
}

type cycle struct {
	w       *Worker
	source  osint.Source
	logger  *zap.Logger
	run     osint.RunMetrics
	prev    int
	cutoff  time.Time
	persist context.Context
}

// RunCycle processes every URL of source once and returns the cycle's metrics.
// A cycle always runs to completion; cancelling ctx only cuts retry backoff short.
func (w *Worker) RunCycle(ctx context.Context, source osint.Source) osint.RunMetrics {
	ctx, span := tracer.Start(ctx, "watchtower.cycle", trace.WithAttributes(attribute.String("source", source.Name)))
	defer span.End()
	c := &cycle{
		w:       w,
		source:  source,
		logger:  logging.ForSource(w.logger, source.Name),
		persist: context.WithoutCancel(ctx),
	}
	c.run.SourceName = source.Name
	c.run.StartedAt = w.deps.Clock.Now()
	c.run.Status = osint.RunStatusOK
	runID, err := w.deps.IDs.NewID()
	if err != nil {
		runID = fmt.Sprintf("%s-%d", source.Name, c.run.StartedAt.UnixNano())
		c.logger.Warn("run id generation failed, using fallback", zap.Error(err))
	}
	c.run.RunID = runID
	c.cutoff = w.cutoff(c.run.StartedAt)

	if last, ok, err := w.deps.Persister.LastRun(c.persist, source.Name); err != nil {
		c.recordError("", err)
	} else if ok {
		c.prev = last.Alerts
	}

	pages := w.fetchAll(ctx, source)
	var latencyTotal time.Duration
	var latencySamples int
	for _, p := range pages {
		if p.err != nil {
			c.recordError(p.url, p.err)
			continue
		}
		c.run.Fetched++
		c.run.BytesIn += int64(len(p.result.Body))
		if p.result.FromCache {
			c.run.CacheHits++
		}
		if p.result.FixtureUsed {
			c.run.FixturesUsed++
		}
		if p.result.Latency > 0 {
			latencyTotal += p.result.Latency
			latencySamples++
		}
		c.processPage(p)
	}
	if latencySamples > 0 {
		c.run.AvgLatencyMS = float64(latencyTotal.Microseconds()) / float64(latencySamples) / 1000
	}

	if err := w.deps.Dedup.Flush(source.Name); err != nil {
		c.recordError("", fmt.Errorf("flush checkpoint: %w", err))
	}
	if c.run.Fetched == 0 && c.run.Errors > 0 {
		c.run.Status = osint.RunStatusFailed
	}
	c.run.FinishedAt = w.deps.Clock.Now()
	span.SetAttributes(
		attribute.String("run_id", c.run.RunID),
		attribute.Int("fetched", c.run.Fetched),
		attribute.Int("alerts", c.run.Alerts),
		attribute.Int("dedup", c.run.Dedup),
		attribute.Int("errors", c.run.Errors),
	)
	if c.run.Status == osint.RunStatusFailed {
		span.SetStatus(codes.Error, "no page fetched")
	}
	return c.run
}

func (w *Worker) cutoff(start time.Time) time.Time {
	cutoff := w.cfg.NotBefore
	if w.cfg.Since > 0 {
		if rel := start.Add(-w.cfg.Since); rel.After(cutoff) {
			cutoff = rel
		}
	}
	return cutoff
}

// fetchAll fetches every URL with at most source.Concurrency in flight and returns
// the pages in URL order.
func (w *Worker) fetchAll(ctx context.Context, source osint.Source) []page {
	pages := make([]page, len(source.URLs))
	limit := source.Concurrency
	if limit <= 0 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i, u := range source.URLs {
		pages[i].url = u
		g.Go(func() error {
			fctx, span := tracer.Start(ctx, "watchtower.fetch", trace.WithAttributes(attribute.String("url", u)))
			defer span.End()
			res, err := w.deps.Acquirer.Fetch(fctx, u, source)
			pages[i].result, pages[i].err = res, err
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "fetch failed")
			} else {
				span.SetAttributes(attribute.Bool("from_cache", res.FromCache), attribute.Bool("fixture", res.FixtureUsed))
			}
			return nil
		})
	}
	_ = g.Wait()
	return pages
}

func (c *cycle) processPage(p page) {
	parser := c.w.deps.Parsers.For(c.source)
	items, err := parser.Parse(osint.ParseInput{
		Source:    c.source,
		URL:       p.url,
		HTML:      p.result.Body,
		FromCache: p.result.FromCache,
		FetchedAt: p.result.FetchedAt,
	})
	if err != nil {
		c.recordError(p.url, err)
		return
	}
	for _, item := range items {
		c.processItem(item)
	}
}

func (c *cycle) processItem(item osint.NormalizedItem) {
	if !c.cutoff.IsZero() && !item.PublishedAt.IsZero() && item.PublishedAt.Before(c.cutoff) {
		return
	}
	d := c.w.deps
	fp := d.Dedup.Fingerprint(item)
	verdict, err := d.Dedup.Check(c.source.Name, fp)
	if err != nil {
		c.recordError(item.URL, err)
		return
	}
	metrics.ObserveItem(c.source.Name, verdict.String())

	switch verdict {
	case osint.VerdictDuplicate:
		c.run.Dedup++
		if err := d.Persister.TouchAlert(c.persist, fp.ContentHash, c.source.Name, d.Clock.Now()); err != nil {
			c.recordError(item.URL, err)
		}
		return
	case osint.VerdictNearDuplicate:
		c.run.Dedup++
		return
	}

	detection := d.Detector.Evaluate(item)
	a, ok := d.Assembler.Assemble(alert.Input{
		Item:        item,
		Fingerprint: fp,
		Detection:   detection,
		PrevVolume:  c.prev,
		Emitted:     c.run.Alerts,
		DetectedAt:  d.Clock.Now(),
	})
	if !ok {
		return
	}
	if err := d.Persister.WriteAlert(c.persist, a); err != nil {
		c.recordError(item.URL, err)
		if ferr := d.Dedup.Forget(c.source.Name, fp); ferr != nil {
			c.recordError(item.URL, fmt.Errorf("forget fingerprint: %w", ferr))
		}
		return
	}
	c.run.Alerts++
	metrics.ObserveAlert(c.source.Name, a.Severity)
	c.logger.Info("alert recorded",
		zap.String("url", a.SourceURL),
		zap.String("severity", a.Severity),
		zap.Strings("trigger_ids", a.TriggerIDs),
		zap.Uint64("rules_version", detection.Version))
}

// recordError counts, logs and stores a recovered error. Failing to store it is only logged.
func (c *cycle) recordError(url string, err error) {
	c.run.Errors++
	kind := osint.ErrorKind(err)
	metrics.ObserveError(c.source.Name, kind)
	c.logger.Warn("recovered error",
		zap.String("url", url),
		zap.String("kind", kind),
		zap.Error(err))
	rec := osint.ErrorRecord{
		SourceName: c.source.Name,
		URL:        url,
		Kind:       kind,
		Message:    err.Error(),
		OccurredAt: c.w.deps.Clock.Now(),
	}
	if perr := c.w.deps.Persister.RecordError(c.persist, rec); perr != nil {
		c.logger.Warn("error record not stored", zap.Error(perr))
	}
}
