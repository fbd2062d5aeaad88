// Package ratelimit implements per-source token buckets for request politeness.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/osint-watchtower/internal/metrics"
)

// Limiter manages one token bucket per source.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	burst    int
}

// Config holds rate limiter configuration.
type Config struct {
	Burst int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		burst:    burst,
	}
}

// Wait blocks until source may issue another request. rps <= 0 means unlimited.
// The bucket is rebuilt when the configured rate of a source changes.
func (l *Limiter) Wait(ctx context.Context, source string, rps float64) error {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	l.mu.Lock()
	limiter, exists := l.limiters[source]
	if !exists || limiter.Limit() != limit {
		limiter = rate.NewLimiter(limit, l.burst)
		l.limiters[source] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(source, waited)
	}
	return nil
}
