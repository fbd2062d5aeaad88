package acquire

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	collyfetcher "github.com/JakeFAU/osint-watchtower/internal/fetcher/colly"
	"github.com/JakeFAU/osint-watchtower/internal/httpcache"
	"github.com/JakeFAU/osint-watchtower/internal/metrics"
	"github.com/JakeFAU/osint-watchtower/internal/osint"
)

var errOffline = errors.New("networking disabled")

// NetworkFetcher issues a single HTTP GET.
type NetworkFetcher interface {
	Fetch(ctx context.Context, request collyfetcher.Request) (collyfetcher.Response, error)
}

// Cache is the HTTP cache used for validators and fallback bodies.
type Cache interface {
	Get(url string) (httpcache.Entry, bool)
	Put(url string, e httpcache.Entry) error
	Touch(url string, at time.Time) error
}

// FixtureSource resolves offline documents by source name.
type FixtureSource interface {
	Lookup(source string) ([]byte, error)
}

// RateLimiter paces requests per source.
type RateLimiter interface {
	Wait(ctx context.Context, source string, rps float64) error
}

// Options tunes an Acquirer.
type Options struct {
	Policy  RetryPolicy
	Offline bool
	Limiter RateLimiter
}

type slot struct {
	size int
	sem  *semaphore.Weighted
}

// Acquirer implements osint.Acquirer.
type Acquirer struct {
	network   NetworkFetcher
	cache     Cache
	fixtures  FixtureSource
	clock     osint.Clock
	opts      Options
	logger    *zap.Logger
	providers []provider

	mu    sync.Mutex
	slots map[string]*slot
}

// New wires an Acquirer. fixtures may be nil, in which case the chain ends at the cache.
func New(
	network NetworkFetcher,
	cache Cache,
	fixtures FixtureSource,
	clock osint.Clock,
	opts Options,
	logger *zap.Logger,
) *Acquirer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = DefaultRetryPolicy()
	}
	a := &Acquirer{
		network:  network,
		cache:    cache,
		fixtures: fixtures,
		clock:    clock,
		opts:     opts,
		logger:   logger,
		slots:    make(map[string]*slot),
	}
	a.providers = []provider{networkProvider{a}, cacheProvider{a}}
	if fixtures != nil {
		a.providers = append(a.providers, fixtureProvider{a})
	}
	return a
}

// Fetch returns a body for url and fails with *osint.FetchError only when every
// provider failed. Cancelling ctx only cuts retry backoff short; waiting for a
// fetch slot or the rate limiter and the requests themselves run to completion.
func (a *Acquirer) Fetch(ctx context.Context, url string, source osint.Source) (osint.FetchResult, error) {
	sem := a.slot(source)
	if err := sem.Acquire(context.WithoutCancel(ctx), 1); err != nil {
		return osint.FetchResult{}, fmt.Errorf("acquire fetch slot for %s: %w", source.Name, err)
	}
	defer sem.Release(1)

	var primary error
	for _, p := range a.providers {
		res, err := p.provide(ctx, url, source)
		if err == nil {
			metrics.ObserveFetch(source.Name, p.outcome(res), len(res.Body), res.Latency)
			return res, nil
		}
		if primary == nil {
			primary = err
		}
		a.logger.Debug("provider failed, falling back",
			zap.String("source", source.Name),
			zap.String("url", url),
			zap.String("provider", p.name()),
			zap.Error(err),
		)
	}
	metrics.ObserveFetch(source.Name, metrics.OutcomeError, 0, 0)
	var fetchErr *osint.FetchError
	if errors.As(primary, &fetchErr) {
		return osint.FetchResult{}, fetchErr
	}
	return osint.FetchResult{}, &osint.FetchError{Kind: osint.FetchNetwork, URL: url, Err: primary}
}

// slot returns the per-source semaphore, rebuilding it when the concurrency bound changes.
func (a *Acquirer) slot(source osint.Source) *semaphore.Weighted {
	size := source.Concurrency
	if size <= 0 {
		size = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.slots[source.Name]
	if !ok || s.size != size {
		s = &slot{size: size, sem: semaphore.NewWeighted(int64(size))}
		a.slots[source.Name] = s
	}
	return s.sem
}

// fetchNetwork performs the conditional request with retries. Everything except the
// sleep between attempts runs detached from cancellation. A stop during that sleep
// abandons the retries and returns the last attempt's error.
func (a *Acquirer) fetchNetwork(ctx context.Context, url string, source osint.Source) (osint.FetchResult, error) {
	if a.opts.Offline {
		return osint.FetchResult{}, &osint.FetchError{Kind: osint.FetchNetwork, URL: url, Err: errOffline}
	}
	entry, cached := a.cache.Get(url)
	headers := http.Header{}
	if cached && entry.HasValidator() {
		if entry.ETag != "" {
			headers.Set("If-None-Match", entry.ETag)
		}
		if entry.LastModified != "" {
			headers.Set("If-Modified-Since", entry.LastModified)
		}
	}

	var (
		resp    collyfetcher.Response
		attempt int
		lastErr error
	)
	inflight := context.WithoutCancel(ctx)
	op := func() error {
		attempt++
		if a.opts.Limiter != nil {
			if err := a.opts.Limiter.Wait(inflight, source.Name, source.RatePerSecond); err != nil {
				lastErr = &osint.FetchError{Kind: osint.FetchNetwork, URL: url, Err: err}
				return backoff.Permanent(lastErr)
			}
		}
		r, err := a.network.Fetch(inflight, collyfetcher.Request{URL: url, Headers: headers})
		if err != nil {
			lastErr = toFetchError(url, err)
			return lastErr
		}
		resp = r
		switch {
		case r.StatusCode == http.StatusNotModified && cached:
			return nil
		case r.StatusCode >= 200 && r.StatusCode < 300:
			return nil
		}
		fe := &osint.FetchError{Kind: osint.FetchHTTPStatus, URL: url, StatusCode: r.StatusCode}
		lastErr = fe
		if !fe.Retryable() || r.StatusCode == http.StatusNotModified {
			return backoff.Permanent(fe)
		}
		return fe
	}
	notify := func(err error, wait time.Duration) {
		a.logger.Warn("fetch attempt failed, backing off",
			zap.String("source", source.Name),
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.String("kind", osint.ErrorKind(err)),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	start := time.Now()
	if err := backoff.RetryNotify(op, a.opts.Policy.NewBackOff(ctx), notify); err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) && lastErr != nil {
			a.logger.Info("stop requested, abandoning retries",
				zap.String("source", source.Name),
				zap.String("url", url),
				zap.Int("attempt", attempt))
			return osint.FetchResult{}, lastErr
		}
		return osint.FetchResult{}, err
	}
	latency := time.Since(start)
	now := a.clock.Now()

	if resp.StatusCode == http.StatusNotModified {
		if err := a.cache.Touch(url, now); err != nil {
			a.logger.Warn("touch cache entry failed", zap.String("url", url), zap.Error(err))
		}
		return osint.FetchResult{
			URL:        url,
			Body:       []byte(entry.Body),
			StatusCode: resp.StatusCode,
			FromCache:  true,
			Latency:    latency,
			FetchedAt:  now,
		}, nil
	}

	if err := a.cache.Put(url, httpcache.Entry{
		Body:         string(resp.Body),
		ETag:         resp.Headers.Get("ETag"),
		LastModified: resp.Headers.Get("Last-Modified"),
		CachedAt:     now,
	}); err != nil {
		a.logger.Warn("update http cache failed", zap.String("url", url), zap.Error(err))
	}
	return osint.FetchResult{
		URL:        url,
		Body:       resp.Body,
		StatusCode: resp.StatusCode,
		Latency:    latency,
		FetchedAt:  now,
	}, nil
}

func toFetchError(url string, err error) error {
	var timeoutErr *collyfetcher.TimeoutError
	if errors.As(err, &timeoutErr) {
		return &osint.FetchError{Kind: osint.FetchTimeout, URL: url, Err: err}
	}
	return &osint.FetchError{Kind: osint.FetchNetwork, URL: url, Err: err}
}
