package osint

import (
	"context"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Acquirer fetches one URL for a source under politeness constraints.
type Acquirer interface {
	Fetch(ctx context.Context, url string, source Source) (FetchResult, error)
}

// Parser turns sanitized HTML into normalized items. Malformed input yields no items.
type Parser interface {
	Parse(in ParseInput) ([]NormalizedItem, error)
}

// Verdict is the dedup decision for one item.
type Verdict int

// Dedup verdicts.
const (
	VerdictNew Verdict = iota
	VerdictDuplicate
	VerdictNearDuplicate
)

func (v Verdict) String() string {
	switch v {
	case VerdictNew:
		return "new"
	case VerdictDuplicate:
		return "duplicate"
	case VerdictNearDuplicate:
		return "near_duplicate"
	default:
		return "unknown"
	}
}

// Deduplicator classifies items per source and registers new fingerprints.
type Deduplicator interface {
	Fingerprint(item NormalizedItem) Fingerprint
	Check(source string, fp Fingerprint) (Verdict, error)
	// Forget undoes the registration made by Check for a new fingerprint.
	Forget(source string, fp Fingerprint) error
	Flush(source string) error
}

// Detector evaluates items against the active rule snapshot.
type Detector interface {
	Evaluate(item NormalizedItem) Detection
}

// Detection is the result of one evaluation against a single rule snapshot.
type Detection struct {
	Matches   []Match
	Entities  map[string][]string
	Sentiment string
	Version   uint64
}

// StructuredSink is the queryable store with upsert semantics on (content_hash, source_name).
type StructuredSink interface {
	UpsertAlert(ctx context.Context, alert Alert) error
	TouchAlert(ctx context.Context, contentHash, sourceName string, seenAt time.Time) (bool, error)
	RecordRun(ctx context.Context, run RunMetrics) error
	RecordError(ctx context.Context, rec ErrorRecord) error
	LastRun(ctx context.Context, sourceName string) (RunMetrics, bool, error)
	ListRuns(ctx context.Context, q RunQuery) ([]RunMetrics, error)
	Reindex(ctx context.Context) ([]IndexInfo, error)
	Vacuum(ctx context.Context) error
	Close() error
}

// AlertLog is an append-only record of every alert emission.
type AlertLog interface {
	Append(ctx context.Context, alert Alert) error
}

// Persister is the dual-sink coordinator surface used by the pipeline.
type Persister interface {
	WriteAlert(ctx context.Context, alert Alert) error
	TouchAlert(ctx context.Context, contentHash, sourceName string, seenAt time.Time) error
	RecordRun(ctx context.Context, run RunMetrics) error
	RecordError(ctx context.Context, rec ErrorRecord) error
	LastRun(ctx context.Context, sourceName string) (RunMetrics, bool, error)
}
