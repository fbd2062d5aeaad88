// Package storage opens the sinks selected by configuration.
package storage

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/osint-watchtower/internal/config"
	"github.com/JakeFAU/osint-watchtower/internal/osint"
	"github.com/JakeFAU/osint-watchtower/internal/storage/gcs"
	"github.com/JakeFAU/osint-watchtower/internal/storage/local"
	"github.com/JakeFAU/osint-watchtower/internal/storage/memory"
	"github.com/JakeFAU/osint-watchtower/internal/storage/postgres"
	"github.com/JakeFAU/osint-watchtower/internal/storage/sqlite"
)

// Sinks bundles the structured sink with every append-only log.
type Sinks struct {
	Structured osint.StructuredSink
	Logs       []osint.AlertLog

	closers []func() error
}

// Open builds the structured sink for cfg.Storage.Driver, the local JSONL log under
// cfg.Paths.OutputDir and, when a bucket is configured, the GCS mirror.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Sinks, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sinks{}

	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		store, err := sqlite.Open(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite sink: %w", err)
		}
		s.Structured = store
	case config.DriverPostgres:
		store, err := postgres.New(ctx, postgres.Config{DSN: cfg.Storage.PostgresDSN})
		if err != nil {
			return nil, fmt.Errorf("open postgres sink: %w", err)
		}
		s.Structured = store
	case config.DriverMemory:
		logger.Warn("memory structured sink selected; alerts and runs are lost on exit")
		s.Structured = memory.NewStore()
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
	s.closers = append(s.closers, s.Structured.Close)

	jsonl, err := local.New(local.Config{BaseDir: cfg.Paths.OutputDir})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("open alert log: %w", err)
	}
	s.Logs = append(s.Logs, jsonl)

	if cfg.Storage.GCSBucket != "" {
		client, err := gcs.NewClient(ctx, cfg.Storage.GCSBucket)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		mirror, err := gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket, Prefix: cfg.Storage.GCSPrefix})
		if err != nil {
			_ = client.Close()
			_ = s.Close()
			return nil, err
		}
		s.Logs = append(s.Logs, mirror)
		s.closers = append(s.closers, mirror.Close)
		logger.Info("gcs alert mirror enabled", zap.String("bucket", cfg.Storage.GCSBucket))
	}
	return s, nil
}

// Close releases every sink.
func (s *Sinks) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
