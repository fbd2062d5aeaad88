package osint

import (
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the UTC timestamp layout used by both sinks.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a timestamp written by FormatTime.
func ParseTime(raw string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", raw, err)
	}
	return t.UTC(), nil
}

// Source is one monitored site together with its cadence and politeness limits.
type Source struct {
	Name          string
	Enabled       bool
	URLs          []string
	Interval      time.Duration
	Concurrency   int
	RatePerSecond float64
	Parser        string
	Extra         map[string]string
}

// NormalizedItem is the parser output consumed by dedup and detection.
type NormalizedItem struct {
	Source      string            `json:"source"`
	URL         string            `json:"url"`
	Title       string            `json:"title"`
	Text        string            `json:"text"`
	PublishedAt time.Time         `json:"published_at,omitempty"`
	FetchedAt   time.Time         `json:"fetched_at"`
	FromCache   bool              `json:"from_cache"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Fingerprint is the exact and near-duplicate identity of an item's text.
type Fingerprint struct {
	ContentHash string `json:"content_hash"`
	Simhash     uint64 `json:"simhash"`
}

// SimhashHex renders the simhash as 16 lowercase hex digits.
func (f Fingerprint) SimhashHex() string {
	return fmt.Sprintf("%016x", f.Simhash)
}

// Severity orders trigger tiers.
type Severity int

// Severity tiers from least to most severe.
const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

// ParseSeverity maps a tier name onto a Severity.
func ParseSeverity(raw string) (Severity, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	for sev, n := range severityNames {
		if n == name {
			return sev, nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", raw)
}

func (s Severity) String() string {
	if n, ok := severityNames[s]; ok {
		return n
	}
	return "unknown"
}

// Proximity requires all terms to occur within Distance tokens of each other.
type Proximity struct {
	Terms    []string `json:"terms"`
	Distance int      `json:"distance"`
}

// Trigger is a named detection rule.
type Trigger struct {
	ID             string
	Pattern        string
	Regex          bool
	Severity       Severity
	Context        string
	Include        []string
	Exclude        []string
	Proximity      *Proximity
	Tags           []string
	Classification string
}

// Match is one trigger hit on an item.
type Match struct {
	Trigger Trigger
	Excerpt string
}

// EntityPack maps an entity category to the literal terms that identify it.
type EntityPack map[string][]string

// GeoInfo is the location block attached to an alert.
type GeoInfo struct {
	Country string   `json:"country,omitempty"`
	City    string   `json:"city,omitempty"`
	Lat     *float64 `json:"lat,omitempty"`
	Lon     *float64 `json:"lon,omitempty"`
}

// ThreatAnalysis summarises why an item alerted.
type ThreatAnalysis struct {
	Summary      string   `json:"summary"`
	RiskVector   string   `json:"risk_vector"`
	RelatedTerms []string `json:"related_terms"`
}

// TrendVelocity compares this cycle's alert volume against the previous cycle.
type TrendVelocity struct {
	PctIncrease float64 `json:"pct_increase"`
	PrevVolume  int     `json:"prev_volume"`
	CurrVolume  int     `json:"curr_volume"`
}

// Alert is the canonical record written to both sinks.
type Alert struct {
	GeoInfo        GeoInfo             `json:"geo_info"`
	SourceURL      string              `json:"source_url"`
	DetectedAt     time.Time           `json:"detected_at"`
	FirstSeen      time.Time           `json:"first_seen"`
	LastSeen       time.Time           `json:"last_seen"`
	Entities       map[string][]string `json:"entities"`
	ThreatAnalysis ThreatAnalysis      `json:"threat_analysis"`
	TrendVelocity  TrendVelocity       `json:"trend_velocity"`
	Sentiment      string              `json:"sentiment"`
	Tags           []string            `json:"tags"`
	Classification string              `json:"classification"`
	Severity       string              `json:"severity"`
	TriggerIDs     []string            `json:"trigger_ids"`
	SourceName     string              `json:"source_name"`
	ContentHash    string              `json:"content_hash"`
	ContentExcerpt string              `json:"content_excerpt"`
	Simhash        string              `json:"simhash"`
}

// RunMetrics is the immutable per-source, per-cycle aggregate.
type RunMetrics struct {
	RunID        string    `json:"run_id"`
	SourceName   string    `json:"source_name"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Fetched      int       `json:"fetched"`
	Alerts       int       `json:"alerts"`
	Dedup        int       `json:"dedup"`
	BytesIn      int64     `json:"bytes_in"`
	Errors       int       `json:"errors"`
	CacheHits    int       `json:"cache_hits"`
	FixturesUsed int       `json:"fixtures_used"`
	AvgLatencyMS float64   `json:"avg_latency_ms"`
	Status       string    `json:"status"`
}

// Run statuses.
const (
	RunStatusOK      = "ok"
	RunStatusFailed  = "failed"
	RunStatusTimeout = "timeout"
)

// ErrorRecord is a recovered error kept for operators.
type ErrorRecord struct {
	SourceName string    `json:"source_name"`
	URL        string    `json:"url"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// RunQuery filters RunMetrics rows.
type RunQuery struct {
	SourceName string
	Limit      int
}

// IndexInfo describes one index of the structured sink.
type IndexInfo struct {
	Table   string   `json:"table"`
	Name    string   `json:"name"`
	Unique  bool     `json:"unique"`
	Columns []string `json:"columns,omitempty"`
}

// FetchResult is what the acquisition layer hands back for one URL.
type FetchResult struct {
	URL         string
	Body        []byte
	StatusCode  int
	FromCache   bool
	FixtureUsed bool
	Latency     time.Duration
	FetchedAt   time.Time
}

// ParseInput is the parser boundary contract.
type ParseInput struct {
	Source    Source
	URL       string
	HTML      []byte
	FromCache bool
	FetchedAt time.Time
}
