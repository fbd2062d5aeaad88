// Package scheduler fans source cycles out over time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/osint-watchtower/internal/logging"
	"github.com/JakeFAU/osint-watchtower/internal/metrics"
	"github.com/JakeFAU/osint-watchtower/internal/osint"
)

// Mode selects how long the scheduler keeps running.
type Mode int

// Operating modes.
const (
	// ModeOnce runs one cycle per source and returns.
	ModeOnce Mode = iota
	// ModeLoop repeats every source on its interval until stopped.
	ModeLoop
	// ModeLoopWithReload is ModeLoop plus periodic rule-file checks.
	ModeLoopWithReload
)

func (m Mode) String() string {
	switch m {
	case ModeOnce:
		return "once"
	case ModeLoop:
		return "loop"
	case ModeLoopWithReload:
		return "loop_with_reload"
	default:
		return "unknown"
	}
}

// Runner executes one source cycle.
type Runner interface {
	RunCycle(ctx context.Context, source osint.Source) osint.RunMetrics
}

// Recorder persists cycle metrics.
type Recorder interface {
	RecordRun(ctx context.Context, run osint.RunMetrics) error
}

// Reloader re-reads rule files when they changed.
type Reloader interface {
	ReloadIfChanged() (bool, error)
}

// Options tunes a Scheduler.
type Options struct {
	Mode Mode
	// CycleTimeout is the soft deadline of one cycle. Zero disables it.
	CycleTimeout time.Duration
	// ReloadInterval is the rule check period in ModeLoopWithReload.
	ReloadInterval time.Duration
	JitterMin      time.Duration
	JitterMax      time.Duration
}

// Scheduler drives the per-source cycles.
type Scheduler struct {
	runner   Runner
	recorder Recorder
	reloader Reloader
	opts     Options
	logger   *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a Scheduler. reloader may be nil unless the mode is ModeLoopWithReload.
func New(runner Runner, recorder Recorder, reloader Reloader, opts Options, logger *zap.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if recorder == nil {
		return nil, errors.New("recorder is required")
	}
	if opts.Mode == ModeLoopWithReload {
		if reloader == nil {
			return nil, errors.New("reloader is required in loop_with_reload mode")
		}
		if opts.ReloadInterval <= 0 {
			return nil, fmt.Errorf("reload interval must be positive, got %s", opts.ReloadInterval)
		}
	}
	if opts.JitterMin < 0 || opts.JitterMax < opts.JitterMin {
		return nil, fmt.Errorf("invalid jitter bounds [%s, %s]", opts.JitterMin, opts.JitterMax)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		runner:   runner,
		recorder: recorder,
		reloader: reloader,
		opts:     opts,
		logger:   logger,
		rng:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)), //nolint:gosec // scheduling jitter
	}, nil
}

// Run blocks until every source finished (ModeOnce) or ctx is done and every
// in-flight cycle has finished (loop modes).
func (s *Scheduler) Run(ctx context.Context, sources []osint.Source) error {
	if len(sources) == 0 {
		return errors.New("no sources to schedule")
	}
	s.logger.Info("scheduler starting",
		zap.String("mode", s.opts.Mode.String()),
		zap.Int("sources", len(sources)))

	if s.opts.Mode == ModeOnce {
		var g errgroup.Group
		for _, src := range sources {
			g.Go(func() error {
				s.cycle(ctx, src)
				return nil
			})
		}
		_ = g.Wait()
		return nil
	}

	intervals := make([]time.Duration, len(sources))
	for i, src := range sources {
		if src.Interval <= 0 {
			return fmt.Errorf("source %s: interval must be positive", src.Name)
		}
		intervals[i] = src.Interval
	}
	offsets := Offsets(intervals, s.jitter)

	var wg sync.WaitGroup
	if s.opts.Mode == ModeLoopWithReload {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.reloadLoop(ctx)
		}()
	}
	for i, src := range sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.sourceLoop(ctx, src, offsets[i])
		}()
	}
	wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

// Offsets returns the first-run delay of each source: i*I/N plus a jitter drawn by
// jitter(slot) and clamped below the slot width I/N, so every offset is below I.
func Offsets(intervals []time.Duration, jitter func(slot time.Duration) time.Duration) []time.Duration {
	n := time.Duration(len(intervals))
	out := make([]time.Duration, len(intervals))
	for i, interval := range intervals {
		slot := interval / n
		var j time.Duration
		if jitter != nil {
			j = jitter(slot)
		}
		switch {
		case j < 0 || slot <= 0:
			j = 0
		case j >= slot:
			j = slot - 1
		}
		out[i] = time.Duration(i)*slot + j
	}
	return out
}

func (s *Scheduler) jitter(time.Duration) time.Duration {
	span := s.opts.JitterMax - s.opts.JitterMin
	if span <= 0 {
		return s.opts.JitterMin
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.JitterMin + time.Duration(s.rng.Int64N(int64(span)+1))
}

func (s *Scheduler) sourceLoop(ctx context.Context, src osint.Source, offset time.Duration) {
	logger := logging.ForSource(s.logger, src.Name)
	logger.Debug("first cycle scheduled", zap.Duration("offset", offset))

	timer := time.NewTimer(offset)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return
		}
		started := time.Now()
		if s.opts.Mode == ModeLoopWithReload {
			s.reload()
		}
		s.cycle(ctx, src)

		wait := src.Interval - time.Since(started)
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
	}
}

func (s *Scheduler) reloadLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.ReloadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reload()
		}
	}
}

func (s *Scheduler) reload() {
	changed, err := s.reloader.ReloadIfChanged()
	if err != nil {
		s.logger.Warn("rule check failed", zap.String("kind", osint.ErrorKind(err)), zap.Error(err))
		return
	}
	if changed {
		s.logger.Debug("rule files changed")
	}
}

// cycle runs one source pass under the soft deadline and records its metrics.
// Stopping ctx never cuts the recording short.
func (s *Scheduler) cycle(ctx context.Context, src osint.Source) osint.RunMetrics {
	logger := s.logger.With(zap.String("source", src.Name))
	cycleCtx := ctx
	if s.opts.CycleTimeout > 0 {
		var cancel context.CancelFunc
		cycleCtx, cancel = context.WithTimeout(ctx, s.opts.CycleTimeout)
		defer cancel()
	}

	started := time.Now()
	run := s.runSafely(cycleCtx, src, logger)
	if ctx.Err() == nil && errors.Is(cycleCtx.Err(), context.DeadlineExceeded) {
		run.Status = osint.RunStatusTimeout
		run.Errors++
		logger.Warn("cycle exceeded soft deadline",
			zap.Duration("timeout", s.opts.CycleTimeout),
			zap.String("kind", "timeout"))
	}
	metrics.ObserveCycle(src.Name, run.Status, time.Since(started))

	if err := s.recorder.RecordRun(context.WithoutCancel(ctx), run); err != nil {
		logger.Warn("run metrics not recorded",
			zap.String("run_id", run.RunID),
			zap.String("kind", osint.ErrorKind(err)),
			zap.Error(err))
	}
	logger.Info("cycle finished",
		zap.String("run_id", run.RunID),
		zap.String("status", run.Status),
		zap.Int("fetched", run.Fetched),
		zap.Int("alerts", run.Alerts),
		zap.Int("dedup", run.Dedup),
		zap.Int("errors", run.Errors))
	return run
}

func (s *Scheduler) runSafely(ctx context.Context, src osint.Source, logger *zap.Logger) (run osint.RunMetrics) {
	started := time.Now().UTC()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("cycle panicked", zap.Any("panic", r), zap.String("kind", "panic"))
			run = osint.RunMetrics{
				RunID:      fmt.Sprintf("%s-%d", src.Name, started.UnixNano()),
				SourceName: src.Name,
				StartedAt:  started,
				FinishedAt: time.Now().UTC(),
				Errors:     1,
				Status:     osint.RunStatusFailed,
			}
		}
	}()
	return s.runner.RunCycle(ctx, src)
}
