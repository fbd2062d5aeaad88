package acquire

import (
	"context"

	"github.com/JakeFAU/osint-watchtower/internal/metrics"
	"github.com/JakeFAU/osint-watchtower/internal/osint"
)

// provider is one link of the fallback chain.
type provider interface {
	name() string
	provide(ctx context.Context, url string, source osint.Source) (osint.FetchResult, error)
	outcome(res osint.FetchResult) string
}

type networkProvider struct{ a *Acquirer }

func (networkProvider) name() string { return "network" }

func (p networkProvider) provide(ctx context.Context, url string, source osint.Source) (osint.FetchResult, error) {
	return p.a.fetchNetwork(ctx, url, source)
}

func (networkProvider) outcome(res osint.FetchResult) string {
	if res.FromCache {
		return metrics.OutcomeNotModified
	}
	return metrics.OutcomeNetwork
}

type cacheProvider struct{ a *Acquirer }

func (cacheProvider) name() string { return "cache" }

func (p cacheProvider) provide(_ context.Context, url string, _ osint.Source) (osint.FetchResult, error) {
	entry, ok := p.a.cache.Get(url)
	if !ok {
		return osint.FetchResult{}, osint.ErrNoCacheEntry
	}
	return osint.FetchResult{
		URL:       url,
		Body:      []byte(entry.Body),
		FromCache: true,
		FetchedAt: p.a.clock.Now(),
	}, nil
}

func (cacheProvider) outcome(osint.FetchResult) string { return metrics.OutcomeCacheFallback }

type fixtureProvider struct{ a *Acquirer }

func (fixtureProvider) name() string { return "fixture" }

func (p fixtureProvider) provide(_ context.Context, url string, source osint.Source) (osint.FetchResult, error) {
	body, err := p.a.fixtures.Lookup(source.Name)
	if err != nil {
		return osint.FetchResult{}, err
	}
	return osint.FetchResult{
		URL:         url,
		Body:        body,
		FixtureUsed: true,
		FetchedAt:   p.a.clock.Now(),
	}, nil
}

func (fixtureProvider) outcome(osint.FetchResult) string { return metrics.OutcomeFixture }
