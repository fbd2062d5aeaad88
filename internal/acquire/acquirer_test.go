package acquire

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	collyfetcher "github.com/JakeFAU/osint-watchtower/internal/fetcher/colly"
	"github.com/JakeFAU/osint-watchtower/internal/httpcache"
	"github.com/JakeFAU/osint-watchtower/internal/osint"
)

type fakeClock struct{ now time.Time }

func (f fakeClock) Now() time.Time { return f.now }

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func newTestAcquirer(t *testing.T, network NetworkFetcher, opts Options) (*Acquirer, *httpcache.Cache) {
	t.Helper()
	cache, err := httpcache.Open(t.TempDir(), nil)
	require.NoError(t, err)
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = fastPolicy(3)
	}
	clock := fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	return New(network, cache, NewFixtures(""), clock, opts, nil), cache
}

func source(name string) osint.Source {
	return osint.Source{Name: name, Concurrency: 2}
}

func TestFetchStoresNetworkBodyInCache(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Wed, 21 Oct 2015 07:28:00 GMT")
		_, _ = w.Write([]byte("<p>leak</p>"))
	}))
	defer srv.Close()

	a, cache := newTestAcquirer(t, collyfetcher.New(collyfetcher.Config{Timeout: time.Second}), Options{})
	res, err := a.Fetch(context.Background(), srv.URL, source("pastebin"))
	require.NoError(t, err)
	require.False(t, res.FromCache)
	require.False(t, res.FixtureUsed)
	require.Equal(t, "<p>leak</p>", string(res.Body))

	entry, ok := cache.Get(srv.URL)
	require.True(t, ok)
	require.Equal(t, `"v1"`, entry.ETag)
	require.Equal(t, "Wed, 21 Oct 2015 07:28:00 GMT", entry.LastModified)
}

func TestFetchConditionalNotModifiedReturnsCachedBody(t *testing.T) {
	t.Parallel()

	var sawValidators atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` && r.Header.Get("If-Modified-Since") != "" {
			sawValidators.Store(true)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		_, _ = w.Write([]byte("changed"))
	}))
	defer srv.Close()

	a, cache := newTestAcquirer(t, collyfetcher.New(collyfetcher.Config{Timeout: time.Second}), Options{})
	cachedBody := "<html>\n<body>cached é body</body></html>"
	require.NoError(t, cache.Put(srv.URL, httpcache.Entry{
		Body:         cachedBody,
		ETag:         `"v1"`,
		LastModified: "Wed, 21 Oct 2015 07:28:00 GMT",
	}))

	res, err := a.Fetch(context.Background(), srv.URL, source("pastebin"))
	require.NoError(t, err)
	require.True(t, sawValidators.Load())
	require.True(t, res.FromCache)
	require.Equal(t, []byte(cachedBody), res.Body)

	entry, _ := cache.Get(srv.URL)
	require.True(t, entry.CachedAt.Equal(a.clock.Now()), "304 refreshes the cache timestamp")
}

func TestFetchWithoutValidatorsIsUnconditional(t *testing.T) {
	t.Parallel()

	var conditional atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			conditional.Store(true)
		}
		_, _ = w.Write([]byte("fresh"))
	}))
	defer srv.Close()

	a, cache := newTestAcquirer(t, collyfetcher.New(collyfetcher.Config{Timeout: time.Second}), Options{})
	require.NoError(t, cache.Put(srv.URL, httpcache.Entry{Body: "stale"}))

	res, err := a.Fetch(context.Background(), srv.URL, source("pastebin"))
	require.NoError(t, err)
	require.False(t, conditional.Load())
	require.False(t, res.FromCache)
	require.Equal(t, "fresh", string(res.Body))
}

type scriptedFetcher struct {
	mu        sync.Mutex
	calls     int
	responses []collyfetcher.Response
	errs      []error
}

func (s *scriptedFetcher) Fetch(_ context.Context, _ collyfetcher.Request) (collyfetcher.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return s.responses[i], err
}

func (s *scriptedFetcher) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestFetchRetriesTransientStatus(t *testing.T) {
	t.Parallel()

	net := &scriptedFetcher{responses: []collyfetcher.Response{
		{StatusCode: http.StatusBadGateway},
		{StatusCode: http.StatusServiceUnavailable},
		{StatusCode: http.StatusOK, Body: []byte("ok"), Headers: http.Header{}},
	}}
	a, _ := newTestAcquirer(t, net, Options{})
	res, err := a.Fetch(context.Background(), "https://example.com", source("reddit"))
	require.NoError(t, err)
	require.Equal(t, "ok", string(res.Body))
	require.Equal(t, 3, net.count())
}

func TestFetchDoesNotRetryClientErrorsAndFallsBackToCache(t *testing.T) {
	t.Parallel()

	net := &scriptedFetcher{responses: []collyfetcher.Response{{StatusCode: http.StatusNotFound}}}
	a, cache := newTestAcquirer(t, net, Options{})
	require.NoError(t, cache.Put("https://example.com/gone", httpcache.Entry{Body: "old body"}))

	res, err := a.Fetch(context.Background(), "https://example.com/gone", source("reddit"))
	require.NoError(t, err)
	require.Equal(t, 1, net.count())
	require.True(t, res.FromCache)
	require.Equal(t, "old body", string(res.Body))
}

func TestFetchOfflineUsesBundledFixture(t *testing.T) {
	t.Parallel()

	net := &scriptedFetcher{responses: []collyfetcher.Response{{StatusCode: http.StatusOK}}}
	a, _ := newTestAcquirer(t, net, Options{Offline: true})

	res, err := a.Fetch(context.Background(), "https://pastebin.com/archive", source("pastebin"))
	require.NoError(t, err)
	require.True(t, res.FixtureUsed)
	require.False(t, res.FromCache)
	require.Contains(t, string(res.Body), "maintable")
	require.Equal(t, 0, net.count())
}

func TestFetchFailsWhenEveryProviderFails(t *testing.T) {
	t.Parallel()

	timeout := &collyfetcher.TimeoutError{Err: context.DeadlineExceeded}
	net := &scriptedFetcher{
		responses: []collyfetcher.Response{{}},
		errs:      []error{timeout, timeout, timeout},
	}
	a, _ := newTestAcquirer(t, net, Options{})

	_, err := a.Fetch(context.Background(), "https://nowhere.example", source("no-fixture-source"))
	var fetchErr *osint.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, osint.FetchTimeout, fetchErr.Kind)
	require.Equal(t, 3, net.count())
}

func TestFetchOfflineWithoutFixtureIsNetworkError(t *testing.T) {
	t.Parallel()

	a, _ := newTestAcquirer(t, &scriptedFetcher{responses: []collyfetcher.Response{{}}}, Options{Offline: true})
	_, err := a.Fetch(context.Background(), "https://x.example", source("unknown"))
	var fetchErr *osint.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, osint.FetchNetwork, fetchErr.Kind)
}

type blockingFetcher struct {
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (b *blockingFetcher) Fetch(_ context.Context, _ collyfetcher.Request) (collyfetcher.Response, error) {
	n := b.active.Add(1)
	for {
		cur := b.maxSeen.Load()
		if n <= cur || b.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	b.active.Add(-1)
	return collyfetcher.Response{StatusCode: http.StatusOK, Body: []byte("x"), Headers: http.Header{}}, nil
}

func TestFetchBoundsConcurrencyPerSource(t *testing.T) {
	t.Parallel()

	net := &blockingFetcher{}
	a, _ := newTestAcquirer(t, net, Options{})
	src := osint.Source{Name: "github", Concurrency: 2}

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Fetch(context.Background(), "https://github.com/search", src)
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, net.maxSeen.Load(), int32(2))
	require.GreaterOrEqual(t, net.maxSeen.Load(), int32(1))
}

func TestFetchStopDuringBackoffFallsBack(t *testing.T) {
	t.Parallel()

	hourly := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
	cases := map[string]struct {
		source      string
		wantFixture bool
	}{
		"bundled fixture": {source: "pastebin", wantFixture: true},
		"no fixture":      {source: "intranet"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			net := &scriptedFetcher{responses: []collyfetcher.Response{{StatusCode: http.StatusInternalServerError}}}
			a, _ := newTestAcquirer(t, net, Options{Policy: hourly})

			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				time.Sleep(20 * time.Millisecond)
				cancel()
			}()
			start := time.Now()
			res, err := a.Fetch(ctx, "https://example.com", source(tc.source))
			require.Less(t, time.Since(start), 5*time.Second)
			require.Equal(t, 1, net.count())
			if tc.wantFixture {
				require.NoError(t, err)
				require.True(t, res.FixtureUsed)
				return
			}
			var fe *osint.FetchError
			require.True(t, errors.As(err, &fe), "got %v", err)
			require.Equal(t, osint.FetchHTTPStatus, fe.Kind)
			require.Equal(t, http.StatusInternalServerError, fe.StatusCode)
		})
	}
}

func TestFetchAfterStopStillWaitsForSlot(t *testing.T) {
	t.Parallel()

	net := &scriptedFetcher{responses: []collyfetcher.Response{{StatusCode: http.StatusOK, Body: []byte("ok")}}}
	a, _ := newTestAcquirer(t, net, Options{})
	src := osint.Source{Name: "intranet", Concurrency: 1}

	sem := a.slot(src)
	require.True(t, sem.TryAcquire(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() {
		_, err := a.Fetch(ctx, "https://example.com", src)
		done <- err
	}()
	select {
	case err := <-done:
		t.Fatalf("fetch returned before the slot was free: %v", err)
	case <-time.After(30 * time.Millisecond):
	}
	sem.Release(1)
	require.NoError(t, <-done)
	require.Equal(t, 1, net.count())
}
