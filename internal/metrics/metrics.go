// Package metrics exposes Prometheus collectors for the collection pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch outcomes.
const (
	OutcomeNetwork       = "network"
	OutcomeNotModified   = "not_modified"
	OutcomeCacheFallback = "cache_fallback"
	OutcomeFixture       = "fixture"
	OutcomeError         = "error"
)

var (
	fetchesTotal               *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	itemsTotal                 *prometheus.CounterVec
	alertsTotal                *prometheus.CounterVec
	cycleDurationSeconds       *prometheus.HistogramVec
	cycleErrorsTotal           *prometheus.CounterVec
	ruleReloadsTotal           *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	persistFailuresTotal       *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watchtower_fetches_total",
				Help: "Fetches per source, labeled by how the body was obtained.",
			},
			[]string{"source", "outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watchtower_fetch_bytes_total",
				Help: "Bytes handed to parsers, labeled by source.",
			},
			[]string{"source"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "watchtower_fetch_duration_seconds",
				Help:    "Latency of network fetches including retries.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"source"},
		)

		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watchtower_items_total",
				Help: "Normalized items, labeled by dedup verdict.",
			},
			[]string{"source", "verdict"},
		)

		alertsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watchtower_alerts_total",
				Help: "Alerts durably recorded, labeled by severity.",
			},
			[]string{"source", "severity"},
		)

		cycleDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "watchtower_cycle_duration_seconds",
				Help:    "Duration of one source cycle.",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"source", "status"},
		)

		cycleErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watchtower_cycle_errors_total",
				Help: "Recovered errors, labeled by error kind.",
			},
			[]string{"source", "kind"},
		)

		ruleReloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watchtower_rule_reloads_total",
				Help: "Rule reload attempts, labeled by result.",
			},
			[]string{"result"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "watchtower_rate_limit_delays_seconds",
				Help:    "Histogram of politeness wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"source"},
		)

		persistFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watchtower_persist_failures_total",
				Help: "Failed sink writes, labeled by sink.",
			},
			[]string{"sink"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of ops HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of ops HTTP latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records how a URL body was obtained.
func ObserveFetch(source, outcome string, bytesIn int, latency time.Duration) {
	Init()
	fetchesTotal.WithLabelValues(source, outcome).Inc()
	if bytesIn > 0 {
		fetchBytesTotal.WithLabelValues(source).Add(float64(bytesIn))
	}
	if outcome == OutcomeNetwork || outcome == OutcomeNotModified {
		fetchDurationSeconds.WithLabelValues(source).Observe(latency.Seconds())
	}
}

// ObserveItem records a dedup verdict.
func ObserveItem(source, verdict string) {
	Init()
	itemsTotal.WithLabelValues(source, verdict).Inc()
}

// ObserveAlert records a persisted alert.
func ObserveAlert(source, severity string) {
	Init()
	alertsTotal.WithLabelValues(source, severity).Inc()
}

// ObserveCycle records the end of a source cycle.
func ObserveCycle(source, status string, duration time.Duration) {
	Init()
	cycleDurationSeconds.WithLabelValues(source, status).Observe(duration.Seconds())
}

// ObserveError records a recovered error.
func ObserveError(source, kind string) {
	Init()
	cycleErrorsTotal.WithLabelValues(source, kind).Inc()
}

// ObserveReload records a rule reload attempt.
func ObserveReload(result string) {
	Init()
	ruleReloadsTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(source string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObservePersistFailure records a failed write to sink.
func ObservePersistFailure(sink string) {
	Init()
	persistFailuresTotal.WithLabelValues(sink).Inc()
}

// ObserveHTTPRequest increments the ops HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
