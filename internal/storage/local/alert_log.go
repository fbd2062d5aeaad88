// Package local implements the append-only alert log on the local filesystem.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/osint-watchtower/internal/osint"
)

// FileName is the per-day log file inside each YYYY/MM/DD directory.
const FileName = "alerts.jsonl"

// Config captures the parameters for the local alert log.
type Config struct {
	// BaseDir is the root directory under which date partitions are created.
	BaseDir string
}

// AlertLog appends one JSON line per emission, partitioned by the UTC date of detected_at.
type AlertLog struct {
	baseDir string
	mu      sync.Mutex
}

var _ osint.AlertLog = (*AlertLog)(nil)

// New creates the base directory if needed and checks that it is writable.
func New(cfg Config) (*AlertLog, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}
	return &AlertLog{baseDir: cfg.BaseDir}, nil
}

// PartitionPath returns the log file that an alert detected at t belongs to.
func (l *AlertLog) PartitionPath(t time.Time) string {
	return filepath.Join(l.baseDir, t.UTC().Format("2006/01/02"), FileName)
}

// Append writes alert as one line and syncs it before returning.
func (l *AlertLog) Append(_ context.Context, alert osint.Alert) error {
	line, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	line = append(line, '\n')

	path := l.PartitionPath(alert.DetectedAt)
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create partition: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open alert log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to append alert: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync alert log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close alert log: %w", err)
	}
	return nil
}
