package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if fetchesTotal == nil || itemsTotal == nil || alertsTotal == nil || ruleReloadsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveFetch(t *testing.T) {
	before := testutil.ToFloat64(fetchCounter("obs-fetch", OutcomeNetwork))
	ObserveFetch("obs-fetch", OutcomeNetwork, 512, 20*time.Millisecond)
	ObserveFetch("obs-fetch", OutcomeFixture, 0, 0)

	if got := testutil.ToFloat64(fetchCounter("obs-fetch", OutcomeNetwork)); got != before+1 {
		t.Errorf("expected network fetch counter %v, got %v", before+1, got)
	}
	if got := testutil.ToFloat64(fetchBytesTotal.WithLabelValues("obs-fetch")); got != 512 {
		t.Errorf("expected 512 bytes, got %v", got)
	}
}

func TestObserveItemsAndAlerts(t *testing.T) {
	ObserveItem("obs-items", "duplicate")
	ObserveItem("obs-items", "duplicate")
	ObserveAlert("obs-items", "high")
	ObserveError("obs-items", "fetch_timeout")
	ObserveReload("ok")
	ObservePersistFailure("jsonl")
	ObserveCycle("obs-items", "ok", time.Second)
	ObserveRateLimitDelay("obs-items", 10*time.Millisecond)

	if got := testutil.ToFloat64(itemsTotal.WithLabelValues("obs-items", "duplicate")); got != 2 {
		t.Errorf("expected 2 duplicate items, got %v", got)
	}
	if got := testutil.ToFloat64(alertsTotal.WithLabelValues("obs-items", "high")); got != 1 {
		t.Errorf("expected 1 alert, got %v", got)
	}
	if got := testutil.ToFloat64(cycleErrorsTotal.WithLabelValues("obs-items", "fetch_timeout")); got != 1 {
		t.Errorf("expected 1 error, got %v", got)
	}
}

func fetchCounter(source, outcome string) prometheus.Counter {
	Init()
	return fetchesTotal.WithLabelValues(source, outcome)
}
