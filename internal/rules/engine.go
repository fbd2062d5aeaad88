// Package rules loads trigger, entity and lexicon files into immutable snapshots
// and swaps them atomically on reload.
package rules

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/JakeFAU/osint-watchtower/internal/metrics"
	"github.com/JakeFAU/osint-watchtower/internal/osint"
)

// Paths locates the rule files.
type Paths struct {
	Triggers    string
	EntitiesDir string
	Lexicon     string
}

// Engine serves evaluations from the current snapshot.
type Engine struct {
	paths  Paths
	logger *zap.Logger
	now    func() time.Time

	current  atomic.Pointer[Snapshot]
	version  atomic.Uint64
	reloadMu sync.Mutex
}

var _ osint.Detector = (*Engine)(nil)

// New loads the initial snapshot. Unlike a reload, a failure here is returned to the caller.
func New(paths Paths, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{paths: paths, logger: logger, now: func() time.Time { return time.Now().UTC() }}
	snap, err := e.load()
	if err != nil {
		return nil, err
	}
	e.current.Store(snap)
	logger.Info("rules loaded",
		zap.Int("triggers", len(snap.triggers)),
		zap.Int("entity_categories", len(snap.entities)),
		zap.Int("lexicon_words", len(snap.lexicon)))
	return e, nil
}

// Snapshot returns the active rule set.
func (e *Engine) Snapshot() *Snapshot {
	return e.current.Load()
}

// Version is the active snapshot's version.
func (e *Engine) Version() uint64 {
	return e.current.Load().Version
}

// Evaluate reads the active snapshot once, so a concurrent reload never splits one evaluation.
func (e *Engine) Evaluate(item osint.NormalizedItem) osint.Detection {
	return e.current.Load().Evaluate(item)
}

func (e *Engine) load() (*Snapshot, error) {
	stamps, err := e.stamp()
	if err != nil {
		return nil, err
	}
	triggers, err := LoadTriggers(e.paths.Triggers)
	if err != nil {
		return nil, err
	}
	pack, err := LoadEntities(e.paths.EntitiesDir)
	if err != nil {
		return nil, err
	}
	lexicon, err := LoadLexicon(e.paths.Lexicon)
	if err != nil {
		return nil, err
	}
	snap, err := build(triggers, pack, lexicon)
	if err != nil {
		return nil, &osint.RuleLoadError{Path: e.paths.Triggers, Err: err}
	}
	snap.Version = e.version.Add(1)
	snap.LoadedAt = e.now()
	snap.stamps = stamps
	return snap, nil
}

// stamp records size and mtime of every rule file so changes can be detected cheaply.
func (e *Engine) stamp() (map[string]string, error) {
	stamps := map[string]string{}
	add := func(path string, required bool) error {
		info, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) && !required {
			stamps[path] = "absent"
			return nil
		}
		if err != nil {
			return &osint.RuleLoadError{Path: path, Err: err}
		}
		stamps[path] = fmt.Sprintf("%d:%d", info.ModTime().UnixNano(), info.Size())
		return nil
	}
	if err := add(e.paths.Triggers, true); err != nil {
		return nil, err
	}
	if e.paths.Lexicon != "" {
		if err := add(e.paths.Lexicon, false); err != nil {
			return nil, err
		}
	}
	if e.paths.EntitiesDir != "" {
		files, err := entityFiles(e.paths.EntitiesDir)
		if err != nil {
			return nil, &osint.RuleLoadError{Path: e.paths.EntitiesDir, Err: err}
		}
		for _, f := range files {
			if err := add(f, true); err != nil {
				return nil, err
			}
		}
	}
	return stamps, nil
}

func sameStamps(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// ReloadIfChanged swaps in a new snapshot when any rule file changed since the last load.
// On failure the previous snapshot stays active and the error is returned.
func (e *Engine) ReloadIfChanged() (bool, error) {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	stamps, err := e.stamp()
	if err != nil {
		e.reloadFailed(err)
		return false, err
	}
	if sameStamps(stamps, e.current.Load().stamps) {
		metrics.ObserveReload("unchanged")
		return false, nil
	}
	return true, e.reloadLocked()
}

// ForceReload re-reads every rule file regardless of modification times.
func (e *Engine) ForceReload() error {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()
	return e.reloadLocked()
}

func (e *Engine) reloadLocked() error {
	snap, err := e.load()
	if err != nil {
		e.reloadFailed(err)
		return err
	}
	e.current.Store(snap)
	metrics.ObserveReload("ok")
	e.logger.Info("rules reloaded",
		zap.Uint64("version", snap.Version),
		zap.Int("triggers", len(snap.triggers)),
		zap.Int("entity_categories", len(snap.entities)))
	return nil
}

func (e *Engine) reloadFailed(err error) {
	metrics.ObserveReload("error")
	e.logger.Error("rule reload failed; keeping previous rule set",
		zap.Uint64("active_version", e.current.Load().Version),
		zap.String("kind", osint.ErrorKind(err)),
		zap.Error(err))
}

// Watch reloads on filesystem events until ctx is done. Events are debounced so an
// editor's write-rename sequence triggers a single reload.
func (e *Engine) Watch(ctx context.Context, debounce time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rule watcher: %w", err)
	}
	defer watcher.Close()

	dirs := map[string]struct{}{filepath.Dir(e.paths.Triggers): {}}
	if e.paths.Lexicon != "" {
		dirs[filepath.Dir(e.paths.Lexicon)] = struct{}{}
	}
	if e.paths.EntitiesDir != "" {
		dirs[e.paths.EntitiesDir] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			e.logger.Warn("cannot watch rule directory", zap.String("dir", dir), zap.Error(err))
		}
	}

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			e.logger.Warn("rule watcher error", zap.Error(err))
		case <-timer.C:
			_, _ = e.ReloadIfChanged()
		}
	}
}
