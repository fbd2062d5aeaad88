// Package checkpoint persists the per-source set of seen content fingerprints so that
// a restarted process does not re-alert on content it already processed.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/JakeFAU/osint-watchtower/internal/osint"
)

const (
	lockFileName = ".watchtower.lock"
	// growthWarning is the partition size past which an unbounded seen-set is reported.
	growthWarning = 100_000
)

// ErrLocked reports that another process owns the checkpoint directory.
var ErrLocked = errors.New("checkpoint directory is locked by another process")

// Entry is one persisted fingerprint.
type Entry struct {
	ContentHash string    `json:"content_hash"`
	Simhash     string    `json:"simhash"`
	SeenAt      time.Time `json:"seen_at"`
}

type file struct {
	Source  string  `json:"source"`
	Entries []Entry `json:"entries"`
}

type partition struct {
	mu      sync.Mutex
	loaded  bool
	dirty   bool
	entries []Entry
}

// Options bounds the store.
type Options struct {
	// MaxPerSource evicts the oldest entries beyond this size on flush. Zero means unbounded.
	MaxPerSource int
}

// Store keeps one partition per source, each written to {source}_seen.json.
type Store struct {
	dir    string
	opts   Options
	logger *zap.Logger
	lock   *flock.Flock
	clock  func() time.Time

	mu    sync.Mutex
	parts map[string]*partition
}

// Open creates dir if needed and takes an exclusive process lock on it.
func Open(dir string, opts Options, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock checkpoint dir: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
	}
	return &Store{
		dir:    dir,
		opts:   opts,
		logger: logger,
		lock:   lock,
		clock:  func() time.Time { return time.Now().UTC() },
		parts:  make(map[string]*partition),
	}, nil
}

func (s *Store) path(source string) string {
	return filepath.Join(s.dir, source+"_seen.json")
}

func (s *Store) partition(source string) *partition {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[source]
	if !ok {
		p = &partition{}
		s.parts[source] = p
	}
	return p
}

func (s *Store) ensureLoaded(source string, p *partition) error {
	if p.loaded {
		return nil
	}
	data, err := os.ReadFile(s.path(source))
	switch {
	case errors.Is(err, os.ErrNotExist):
		p.loaded = true
		return nil
	case err != nil:
		return fmt.Errorf("read checkpoint %s: %w", source, err)
	}
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("decode checkpoint %s: %w", source, err)
	}
	p.entries = f.Entries
	p.loaded = true
	return nil
}

// Load returns the persisted fingerprints of source.
func (s *Store) Load(source string) ([]osint.Fingerprint, error) {
	p := s.partition(source)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := s.ensureLoaded(source, p); err != nil {
		return nil, err
	}
	out := make([]osint.Fingerprint, 0, len(p.entries))
	for _, e := range p.entries {
		sim, err := strconv.ParseUint(e.Simhash, 16, 64)
		if err != nil {
			s.logger.Warn("skipping checkpoint entry with bad simhash",
				zap.String("source", source), zap.String("simhash", e.Simhash))
			continue
		}
		out = append(out, osint.Fingerprint{ContentHash: e.ContentHash, Simhash: sim})
	}
	return out, nil
}

// Reset discards the persisted set of source; the file is overwritten on the next flush.
func (s *Store) Reset(source string) {
	p := s.partition(source)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = nil
	p.loaded = true
	p.dirty = true
}

// Add records fp as seen. The write becomes durable on the next Flush.
func (s *Store) Add(source string, fp osint.Fingerprint) {
	p := s.partition(source)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := s.ensureLoaded(source, p); err != nil {
		s.logger.Warn("checkpoint unreadable, appending to empty set", zap.String("source", source), zap.Error(err))
		p.loaded = true
	}
	p.entries = append(p.entries, Entry{
		ContentHash: fp.ContentHash,
		Simhash:     fp.SimhashHex(),
		SeenAt:      s.clock(),
	})
	p.dirty = true
}

// Forget drops the most recent entry for contentHash. The removal becomes durable on the next Flush.
func (s *Store) Forget(source, contentHash string) {
	p := s.partition(source)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := s.ensureLoaded(source, p); err != nil {
		s.logger.Warn("checkpoint unreadable, nothing to forget", zap.String("source", source), zap.Error(err))
		return
	}
	for i := len(p.entries) - 1; i >= 0; i-- {
		if p.entries[i].ContentHash == contentHash {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			p.dirty = true
			return
		}
	}
}

// Len reports the in-memory size of source's partition.
func (s *Store) Len(source string) int {
	p := s.partition(source)
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Flush writes source's partition atomically and returns how many entries retention evicted.
func (s *Store) Flush(source string) (int, error) {
	p := s.partition(source)
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.dirty {
		return 0, nil
	}
	evicted := s.applyRetention(source, p)

	data, err := json.Marshal(file{Source: source, Entries: p.entries})
	if err != nil {
		return evicted, fmt.Errorf("encode checkpoint %s: %w", source, err)
	}
	tmp := s.path(source) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return evicted, fmt.Errorf("write checkpoint %s: %w", source, err)
	}
	if err := os.Rename(tmp, s.path(source)); err != nil {
		return evicted, fmt.Errorf("replace checkpoint %s: %w", source, err)
	}
	p.dirty = false
	return evicted, nil
}

func (s *Store) applyRetention(source string, p *partition) int {
	n := len(p.entries)
	if s.opts.MaxPerSource <= 0 {
		if n > growthWarning {
			s.logger.Warn("seen-set grows without bound; set dedup.max_seen_per_source to cap it",
				zap.String("source", source), zap.Int("entries", n))
		}
		return 0
	}
	if n <= s.opts.MaxPerSource {
		return 0
	}
	sort.SliceStable(p.entries, func(i, j int) bool { return p.entries[i].SeenAt.Before(p.entries[j].SeenAt) })
	evicted := n - s.opts.MaxPerSource
	p.entries = append([]Entry(nil), p.entries[evicted:]...)
	s.logger.Warn("seen-set retention evicted oldest fingerprints",
		zap.String("source", source), zap.Int("evicted", evicted), zap.Int("kept", len(p.entries)))
	return evicted
}

// Close flushes every partition and releases the directory lock.
func (s *Store) Close() error {
	s.mu.Lock()
	sources := make([]string, 0, len(s.parts))
	for name := range s.parts {
		sources = append(sources, name)
	}
	s.mu.Unlock()

	var errs []error
	for _, name := range sources {
		if _, err := s.Flush(name); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.lock.Unlock(); err != nil {
		errs = append(errs, fmt.Errorf("unlock checkpoint dir: %w", err))
	}
	return errors.Join(errs...)
}
