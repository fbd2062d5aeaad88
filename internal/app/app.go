// Package app initializes and holds long-lived application services, acting as a
// dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/osint-watchtower/internal/acquire"
	"github.com/JakeFAU/osint-watchtower/internal/alert"
	"github.com/JakeFAU/osint-watchtower/internal/api"
	"github.com/JakeFAU/osint-watchtower/internal/checkpoint"
	"github.com/JakeFAU/osint-watchtower/internal/clock/system"
	"github.com/JakeFAU/osint-watchtower/internal/config"
	"github.com/JakeFAU/osint-watchtower/internal/dedup"
	collyfetcher "github.com/JakeFAU/osint-watchtower/internal/fetcher/colly"
	"github.com/JakeFAU/osint-watchtower/internal/httpcache"
	"github.com/JakeFAU/osint-watchtower/internal/id/uuid"
	"github.com/JakeFAU/osint-watchtower/internal/logging"
	"github.com/JakeFAU/osint-watchtower/internal/metrics"
	"github.com/JakeFAU/osint-watchtower/internal/osint"
	"github.com/JakeFAU/osint-watchtower/internal/parser"
	"github.com/JakeFAU/osint-watchtower/internal/persist"
	"github.com/JakeFAU/osint-watchtower/internal/policy/ratelimit"
	"github.com/JakeFAU/osint-watchtower/internal/rules"
	"github.com/JakeFAU/osint-watchtower/internal/scheduler"
	"github.com/JakeFAU/osint-watchtower/internal/storage"
	"github.com/JakeFAU/osint-watchtower/internal/telemetry"
	"github.com/JakeFAU/osint-watchtower/internal/worker"
)

const watchDebounce = 250 * time.Millisecond

// App holds the configuration, the logger and the lazily opened sinks.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	mu        sync.Mutex
	sinks     *storage.Sinks
	persister *persist.Coordinator
}

// New loads configuration from cfgPath, or from the default search directories when
// cfgPath is empty, and builds the logger it describes.
func New(cfgPath string) (*App, error) {
	if cfgPath == "" {
		found, err := config.Find(config.DefaultSearchDirs()...)
		if err != nil {
			return nil, fmt.Errorf("locate config: %w", err)
		}
		cfgPath = found
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(logging.Options{Development: cfg.Log.Development, Level: cfg.Log.Level})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	logger.Info("configuration loaded",
		zap.String("path", cfgPath),
		zap.Int("sources", len(cfg.EnabledSources())),
		zap.String("storage", cfg.Storage.Driver))
	return NewWithConfig(cfg, logger), nil
}

// NewWithConfig wraps an already validated configuration.
func NewWithConfig(cfg config.Config, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{cfg: cfg, logger: logger}
}

// GetLogger returns the shared zap logger.
func (a *App) GetLogger() *zap.Logger {
	return a.logger
}

// GetConfig returns a copy of the effective configuration.
func (a *App) GetConfig() config.Config {
	return a.cfg
}

// GetPersister opens the configured sinks on first use.
func (a *App) GetPersister(ctx context.Context) (*persist.Coordinator, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.persister != nil {
		return a.persister, nil
	}
	sinks, err := storage.Open(ctx, &a.cfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("open sinks: %w", err)
	}
	p, err := persist.New(sinks.Structured, sinks.Logs, a.logger)
	if err != nil {
		_ = sinks.Close()
		return nil, fmt.Errorf("init persistence: %w", err)
	}
	a.sinks, a.persister = sinks, p
	return p, nil
}

// Close releases the sinks and flushes the logger.
func (a *App) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sinks != nil {
		if err := a.sinks.Close(); err != nil {
			a.logger.Warn("closing sinks failed", zap.Error(err))
		}
		a.sinks, a.persister = nil, nil
	}
	_ = a.logger.Sync()
}

// RunOptions are the per-invocation overrides of the run command.
type RunOptions struct {
	Sources []string
	Once    bool
	// ReloadInterval overrides reload.interval_seconds; any positive value selects loop-with-reload.
	ReloadInterval time.Duration
	Since          time.Duration
	NotBefore      time.Time
	FromCheckpoint bool
	Offline        bool
}

// Mode resolves the scheduler mode for opts under cfg.
func (o RunOptions) Mode(cfg config.Config) (scheduler.Mode, time.Duration) {
	if o.Once {
		return scheduler.ModeOnce, 0
	}
	reload := o.ReloadInterval
	if reload <= 0 {
		reload = cfg.Reload.Interval()
	}
	if reload > 0 {
		return scheduler.ModeLoopWithReload, reload
	}
	return scheduler.ModeLoop, 0
}

// Run wires the collection pipeline and blocks until the scheduler returns.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	cfg := a.cfg
	cfg.Sources = append([]config.SourceConfig(nil), a.cfg.Sources...)
	if err := cfg.RestrictSources(opts.Sources); err != nil {
		return err
	}
	sources := cfg.EnabledSources()
	if len(sources) == 0 {
		return &osint.ConfigError{Key: "sources", Msg: "no enabled source selected"}
	}
	metrics.Init()

	tracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		Insecure:     cfg.Tracing.Insecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if terr := tracing.Shutdown(sctx); terr != nil {
			a.logger.Warn("tracing shutdown failed", zap.Error(terr))
		}
	}()

	persister, err := a.GetPersister(ctx)
	if err != nil {
		return err
	}
	seen, err := checkpoint.Open(cfg.Paths.CheckpointDir, checkpoint.Options{MaxPerSource: cfg.Dedup.MaxSeenPerSource}, a.logger)
	if err != nil {
		return fmt.Errorf("open checkpoints: %w", err)
	}
	defer func() {
		if cerr := seen.Close(); cerr != nil {
			a.logger.Warn("closing checkpoints failed", zap.Error(cerr))
		}
	}()

	engine, err := rules.New(rules.Paths{
		Triggers:    cfg.Rules.TriggersFile,
		EntitiesDir: cfg.Rules.EntitiesDir,
		Lexicon:     cfg.Rules.LexiconFile,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	acq, err := a.buildAcquirer(cfg, opts.Offline)
	if err != nil {
		return err
	}
	geo, err := alert.LoadGeo(cfg.Rules.GeoFile, a.logger)
	if err != nil {
		return fmt.Errorf("load geo table: %w", err)
	}

	w, err := worker.New(worker.Deps{
		Acquirer:  acq,
		Parsers:   parser.NewRegistry(),
		Dedup:     dedup.New(seen, dedup.Options{Threshold: cfg.Dedup.SimhashThreshold, Fresh: !opts.FromCheckpoint}, a.logger),
		Detector:  engine,
		Assembler: alert.NewAssembler(geo),
		Persister: persister,
		Clock:     system.New(),
		IDs:       uuid.NewUUIDGenerator(),
	}, worker.Config{Since: opts.Since, NotBefore: opts.NotBefore}, a.logger)
	if err != nil {
		return fmt.Errorf("init worker: %w", err)
	}

	mode, reloadEvery := opts.Mode(cfg)
	sched, err := scheduler.New(w, persister, engine, scheduler.Options{
		Mode:           mode,
		CycleTimeout:   cfg.Cycle.Timeout(),
		ReloadInterval: reloadEvery,
		JitterMin:      cfg.JitterBounds.Min(),
		JitterMax:      cfg.JitterBounds.Max(),
	}, a.logger)
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}

	auxCtx, stopAux := context.WithCancel(ctx)
	defer stopAux()
	var aux errgroup.Group
	if mode != scheduler.ModeOnce {
		if cfg.Reload.Watch {
			aux.Go(func() error {
				if err := engine.Watch(auxCtx, watchDebounce); err != nil {
					a.logger.Warn("rule watcher stopped", zap.Error(err))
				}
				return nil
			})
		}
		if cfg.Server.Enabled {
			srv := api.NewServer(persister, engine, api.Options{APIKey: cfg.Server.APIKey}, a.logger)
			addr := net.JoinHostPort("", strconv.Itoa(cfg.Server.Port))
			aux.Go(func() error {
				if err := srv.Serve(auxCtx, addr); err != nil {
					a.logger.Error("ops server failed", zap.Error(err))
				}
				return nil
			})
		}
	}

	runErr := sched.Run(ctx, sources)
	stopAux()
	_ = aux.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("run scheduler: %w", runErr)
	}
	return nil
}

func (a *App) buildAcquirer(cfg config.Config, offline bool) (*acquire.Acquirer, error) {
	cache, err := httpcache.Open(cfg.Paths.CacheDir, a.logger)
	if err != nil {
		return nil, fmt.Errorf("open http cache: %w", err)
	}
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.HTTP.UserAgent,
		Timeout:   cfg.HTTP.Timeout(),
	})
	return acquire.New(fetcher, cache, acquire.NewFixtures(cfg.Paths.FixtureDir), system.New(), acquire.Options{
		Policy: acquire.RetryPolicy{
			MaxAttempts: cfg.RetryPolicy.MaxAttempts,
			BaseDelay:   cfg.RetryPolicy.BaseDelay(),
			MaxDelay:    cfg.RetryPolicy.MaxDelay(),
			JitterMin:   cfg.JitterBounds.Min(),
			JitterMax:   cfg.JitterBounds.Max(),
		},
		Offline: offline || cfg.HTTP.Offline,
		Limiter: ratelimit.New(ratelimit.Config{Burst: 1}),
	}, a.logger), nil
}

// RuleSummary describes a successfully loaded rule pack.
type RuleSummary struct {
	Version          uint64
	Triggers         int
	EntityCategories int
}

// CheckRules loads every configured rule file once and reports what it found.
func (a *App) CheckRules() (RuleSummary, error) {
	engine, err := rules.New(rules.Paths{
		Triggers:    a.cfg.Rules.TriggersFile,
		EntitiesDir: a.cfg.Rules.EntitiesDir,
		Lexicon:     a.cfg.Rules.LexiconFile,
	}, a.logger)
	if err != nil {
		return RuleSummary{}, fmt.Errorf("load rules: %w", err)
	}
	snap := engine.Snapshot()
	return RuleSummary{
		Version:          snap.Version,
		Triggers:         len(snap.Triggers()),
		EntityCategories: snap.EntityCategories(),
	}, nil
}

// Reindex lists the structured sink's indexes.
func (a *App) Reindex(ctx context.Context) ([]osint.IndexInfo, error) {
	p, err := a.GetPersister(ctx)
	if err != nil {
		return nil, err
	}
	return p.Reindex(ctx)
}

// Vacuum reclaims space in the structured sink.
func (a *App) Vacuum(ctx context.Context) error {
	p, err := a.GetPersister(ctx)
	if err != nil {
		return err
	}
	return p.Vacuum(ctx)
}
