// Package osint defines the domain model shared by the collection and detection pipeline:
// sources, normalized items, fingerprints, triggers, alerts and run metrics, plus the
// interfaces that connect acquisition, parsing, deduplication, detection and persistence.
package osint
