package osint

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotModified reports a 304 answer to a conditional request.
	ErrNotModified = errors.New("not modified")
	// ErrNoFixture reports that no offline fixture exists for a source.
	ErrNoFixture = errors.New("no fixture for source")
	// ErrNoCacheEntry reports a cache miss.
	ErrNoCacheEntry = errors.New("no cache entry")
)

// FetchErrorKind classifies acquisition failures.
type FetchErrorKind string

// Fetch error kinds.
const (
	FetchNetwork    FetchErrorKind = "network"
	FetchHTTPStatus FetchErrorKind = "http_status"
	FetchTimeout    FetchErrorKind = "timeout"
)

// FetchError is returned when a URL could not be acquired from any provider.
type FetchError struct {
	Kind       FetchErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Kind == FetchHTTPStatus {
		return fmt.Sprintf("fetch %s: %s %d", e.URL, e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed.
func (e *FetchError) Retryable() bool {
	switch e.Kind {
	case FetchNetwork, FetchTimeout:
		return true
	case FetchHTTPStatus:
		return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
	default:
		return false
	}
}

// ParseError is surfaced by a parser; the pipeline treats it as zero items.
type ParseError struct {
	Source string
	URL    string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s (%s): %v", e.URL, e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// RuleLoadError reports a malformed trigger, entity or lexicon file.
type RuleLoadError struct {
	Path string
	Err  error
}

func (e *RuleLoadError) Error() string {
	return fmt.Sprintf("load rules %s: %v", e.Path, e.Err)
}

func (e *RuleLoadError) Unwrap() error { return e.Err }

// PersistenceError reports a sink write failure.
type PersistenceError struct {
	Sink string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist to %s: %v", e.Sink, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Key string
	Msg string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s %s", e.Key, e.Msg)
}

// ErrorKind maps err onto a short label used in logs, metrics and the errors table.
func ErrorKind(err error) string {
	var (
		fetchErr   *FetchError
		parseErr   *ParseError
		ruleErr    *RuleLoadError
		persistErr *PersistenceError
		configErr  *ConfigError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &fetchErr):
		return "fetch_" + string(fetchErr.Kind)
	case errors.As(err, &parseErr):
		return "parse"
	case errors.As(err, &ruleErr):
		return "rule_load"
	case errors.As(err, &persistErr):
		return "persistence"
	case errors.As(err, &configErr):
		return "config"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "unknown"
	}
}
