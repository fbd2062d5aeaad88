// Package dedup classifies items per source as new, duplicate, or near-duplicate.
package dedup

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/osint-watchtower/internal/hash/sha256"
	"github.com/JakeFAU/osint-watchtower/internal/hash/simhash"
	"github.com/JakeFAU/osint-watchtower/internal/osint"
)

// DefaultThreshold is the simhash distance below which two items are near-duplicates.
const DefaultThreshold = 4

// Checkpoints persists seen fingerprints across restarts.
type Checkpoints interface {
	Load(source string) ([]osint.Fingerprint, error)
	Reset(source string)
	Add(source string, fp osint.Fingerprint)
	Forget(source, contentHash string)
	Flush(source string) (int, error)
}

// Options tune the engine.
type Options struct {
	Threshold int
	// Fresh ignores persisted seen-sets; the first flush overwrites them.
	Fresh bool
}

type seenSet struct {
	mu     sync.Mutex
	hashes map[string]struct{}
	near   *simhash.Index
}

// Engine is safe for concurrent use; each source is guarded by its own lock.
type Engine struct {
	hasher *sha256.Hasher
	store  Checkpoints
	opts   Options
	logger *zap.Logger

	mu   sync.Mutex
	sets map[string]*seenSet
}

var _ osint.Deduplicator = (*Engine)(nil)

// New builds an engine over store.
func New(store Checkpoints, opts Options, logger *zap.Logger) *Engine {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		hasher: sha256.New(),
		store:  store,
		opts:   opts,
		logger: logger,
		sets:   make(map[string]*seenSet),
	}
}

// Fingerprint derives the exact hash and simhash of the item's normalized text.
func (e *Engine) Fingerprint(item osint.NormalizedItem) osint.Fingerprint {
	normalized := sha256.Normalize(item.Text)
	return osint.Fingerprint{
		ContentHash: e.hasher.Hash(normalized),
		Simhash:     simhash.Compute(normalized),
	}
}

func (e *Engine) seen(source string) (*seenSet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if set, ok := e.sets[source]; ok {
		return set, nil
	}
	var prior []osint.Fingerprint
	if e.opts.Fresh {
		e.store.Reset(source)
	} else {
		loaded, err := e.store.Load(source)
		if err != nil {
			return nil, fmt.Errorf("load seen-set %s: %w", source, err)
		}
		prior = loaded
	}
	set := newSeenSet(e.opts.Threshold, prior)
	e.sets[source] = set
	e.logger.Debug("seen-set ready", zap.String("source", source), zap.Int("entries", len(prior)))
	return set, nil
}

func newSeenSet(threshold int, prior []osint.Fingerprint) *seenSet {
	set := &seenSet{
		hashes: make(map[string]struct{}, len(prior)),
		near:   simhash.NewIndex(threshold),
	}
	for _, fp := range prior {
		set.hashes[fp.ContentHash] = struct{}{}
		set.near.Add(fp.Simhash)
	}
	return set
}

// Check classifies fp against source's seen-set. A new fingerprint is registered
// before Check returns, so a repeat within the same cycle is a duplicate.
func (e *Engine) Check(source string, fp osint.Fingerprint) (osint.Verdict, error) {
	set, err := e.seen(source)
	if err != nil {
		return osint.VerdictNew, err
	}
	set.mu.Lock()
	defer set.mu.Unlock()

	if _, ok := set.hashes[fp.ContentHash]; ok {
		return osint.VerdictDuplicate, nil
	}
	if _, _, ok := set.near.Nearest(fp.Simhash); ok {
		return osint.VerdictNearDuplicate, nil
	}
	set.hashes[fp.ContentHash] = struct{}{}
	set.near.Add(fp.Simhash)
	e.store.Add(source, fp)
	return osint.VerdictNew, nil
}

// Forget unregisters fp so a later sighting is classified as new again. It is used
// when the alert for a new item could not be recorded.
func (e *Engine) Forget(source string, fp osint.Fingerprint) error {
	set, err := e.seen(source)
	if err != nil {
		return err
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	if _, ok := set.hashes[fp.ContentHash]; !ok {
		return nil
	}
	delete(set.hashes, fp.ContentHash)
	set.near.Remove(fp.Simhash)
	e.store.Forget(source, fp.ContentHash)
	return nil
}

// Flush persists source's seen-set. When retention evicts entries, the in-memory
// set is rebuilt from what remains so memory stays bounded too.
func (e *Engine) Flush(source string) error {
	evicted, err := e.store.Flush(source)
	if err != nil {
		return err
	}
	if evicted == 0 {
		return nil
	}
	remaining, err := e.store.Load(source)
	if err != nil {
		return fmt.Errorf("reload seen-set %s: %w", source, err)
	}
	rebuilt := newSeenSet(e.opts.Threshold, remaining)
	e.mu.Lock()
	e.sets[source] = rebuilt
	e.mu.Unlock()
	return nil
}
