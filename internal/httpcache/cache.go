// Package httpcache persists response bodies and their validators keyed by URL so
// that fetches can be conditional and can fall back to the last good body offline.
package httpcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FileName is the cache file created inside the cache directory.
const FileName = "http_cache.json"

// Entry is one cached response.
type Entry struct {
	Body         string    `json:"body"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	CachedAt     time.Time `json:"cached_at"`
}

// HasValidator reports whether a conditional request can be built from the entry.
func (e Entry) HasValidator() bool {
	return e.ETag != "" || e.LastModified != ""
}

// Cache is a URL-keyed store written atomically to a single JSON file.
type Cache struct {
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]Entry

	// writeMu serializes file replacement.
	writeMu sync.Mutex
}

// Open loads the cache stored in dir. A corrupt file is logged and replaced by an empty cache.
func Open(dir string, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	c := &Cache{
		path:    filepath.Join(dir, FileName),
		logger:  logger,
		entries: make(map[string]Entry),
	}
	data, err := os.ReadFile(c.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return c, nil
	case err != nil:
		return nil, fmt.Errorf("read cache: %w", err)
	}
	if err := json.Unmarshal(data, &c.entries); err != nil {
		logger.Warn("http cache unreadable, starting empty", zap.String("path", c.path), zap.Error(err))
		c.entries = make(map[string]Entry)
	}
	return c, nil
}

// Get returns the entry stored for url.
func (c *Cache) Get(url string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[url]
	return e, ok
}

// Put replaces the entry for url and persists the cache.
func (c *Cache) Put(url string, e Entry) error {
	c.mu.Lock()
	c.entries[url] = e
	c.mu.Unlock()
	return c.persist()
}

// Touch refreshes the timestamp of an existing entry after a not-modified answer.
func (c *Cache) Touch(url string, at time.Time) error {
	c.mu.Lock()
	e, ok := c.entries[url]
	if ok {
		e.CachedAt = at
		c.entries[url] = e
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.persist()
}

// Len reports the number of cached URLs.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) persist() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.RLock()
	data, err := json.Marshal(c.entries)
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode cache: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replace cache: %w", err)
	}
	return nil
}
