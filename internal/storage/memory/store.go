// Package memory provides in-process sinks for dry runs and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/osint-watchtower/internal/osint"
)

type alertKey struct {
	hash   string
	source string
}

// Store is an in-memory osint.StructuredSink.
type Store struct {
	mu     sync.RWMutex
	alerts map[alertKey]osint.Alert
	runs   []osint.RunMetrics
	errors []osint.ErrorRecord
}

var _ osint.StructuredSink = (*Store)(nil)

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{alerts: make(map[alertKey]osint.Alert)}
}

// UpsertAlert inserts the alert or advances last_seen on the existing one.
func (s *Store) UpsertAlert(_ context.Context, alert osint.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := alertKey{hash: alert.ContentHash, source: alert.SourceName}
	existing, ok := s.alerts[key]
	if !ok {
		s.alerts[key] = alert
		return nil
	}
	alert.FirstSeen = existing.FirstSeen
	if existing.LastSeen.After(alert.LastSeen) {
		alert.LastSeen = existing.LastSeen
	}
	s.alerts[key] = alert
	return nil
}

// TouchAlert advances last_seen when the alert exists.
func (s *Store) TouchAlert(_ context.Context, contentHash, sourceName string, seenAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := alertKey{hash: contentHash, source: sourceName}
	alert, ok := s.alerts[key]
	if !ok {
		return false, nil
	}
	if seenAt.After(alert.LastSeen) {
		alert.LastSeen = seenAt.UTC()
		s.alerts[key] = alert
	}
	return true, nil
}

// Alert returns one stored alert.
func (s *Store) Alert(contentHash, sourceName string) (osint.Alert, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[alertKey{hash: contentHash, source: sourceName}]
	return a, ok
}

// Alerts returns every stored alert ordered by source then hash.
func (s *Store) Alerts() []osint.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]osint.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceName != out[j].SourceName {
			return out[i].SourceName < out[j].SourceName
		}
		return out[i].ContentHash < out[j].ContentHash
	})
	return out
}

// RecordRun appends a run.
func (s *Store) RecordRun(_ context.Context, run osint.RunMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

// RecordError appends an error record.
func (s *Store) RecordError(_ context.Context, rec osint.ErrorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, rec)
	return nil
}

// Errors returns the recorded errors in insertion order.
func (s *Store) Errors() []osint.ErrorRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]osint.ErrorRecord(nil), s.errors...)
}

// LastRun returns the newest run of sourceName.
func (s *Store) LastRun(_ context.Context, sourceName string) (osint.RunMetrics, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.runs) - 1; i >= 0; i-- {
		if s.runs[i].SourceName == sourceName {
			return s.runs[i], true, nil
		}
	}
	return osint.RunMetrics{}, false, nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(_ context.Context, q osint.RunQuery) ([]osint.RunMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []osint.RunMetrics
	for i := len(s.runs) - 1; i >= 0; i-- {
		if q.SourceName != "" && s.runs[i].SourceName != q.SourceName {
			continue
		}
		out = append(out, s.runs[i])
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// Reindex reports the single logical unique key.
func (s *Store) Reindex(context.Context) ([]osint.IndexInfo, error) {
	return []osint.IndexInfo{{Table: "alerts", Name: "alerts_identity", Unique: true, Columns: []string{"content_hash", "source_name"}}}, nil
}

// Vacuum is a no-op.
func (s *Store) Vacuum(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// AlertLog keeps every emission in order.
type AlertLog struct {
	mu      sync.Mutex
	entries []osint.Alert
}

var _ osint.AlertLog = (*AlertLog)(nil)

// Append records alert.
func (l *AlertLog) Append(_ context.Context, alert osint.Alert) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, alert)
	return nil
}

// Entries returns a copy of every appended alert.
func (l *AlertLog) Entries() []osint.Alert {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]osint.Alert(nil), l.entries...)
}
