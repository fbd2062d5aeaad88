package osint

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorKind(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"network", &FetchError{Kind: FetchNetwork, URL: "u", Err: errors.New("refused")}, "fetch_network"},
		{"wrapped status", fmt.Errorf("cycle: %w", &FetchError{Kind: FetchHTTPStatus, StatusCode: 500}), "fetch_http_status"},
		{"parse", &ParseError{Source: "s", Err: errors.New("bad")}, "parse"},
		{"rules", &RuleLoadError{Path: "t.json", Err: errors.New("bad")}, "rule_load"},
		{"persist", &PersistenceError{Sink: "sqlite", Err: errors.New("locked")}, "persistence"},
		{"config", &ConfigError{Key: "sources", Msg: "must not be empty"}, "config"},
		{"deadline", fmt.Errorf("wait: %w", context.DeadlineExceeded), "timeout"},
		{"canceled", context.Canceled, "canceled"},
		{"other", errors.New("boom"), "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, ErrorKind(tc.err))
		})
	}
}

func TestFetchErrorRetryable(t *testing.T) {
	t.Parallel()

	require.True(t, (&FetchError{Kind: FetchNetwork}).Retryable())
	require.True(t, (&FetchError{Kind: FetchTimeout}).Retryable())
	require.True(t, (&FetchError{Kind: FetchHTTPStatus, StatusCode: http.StatusBadGateway}).Retryable())
	require.True(t, (&FetchError{Kind: FetchHTTPStatus, StatusCode: http.StatusTooManyRequests}).Retryable())
	require.False(t, (&FetchError{Kind: FetchHTTPStatus, StatusCode: http.StatusNotFound}).Retryable())
}

func TestParseSeverity(t *testing.T) {
	t.Parallel()

	sev, err := ParseSeverity(" High ")
	require.NoError(t, err)
	require.Equal(t, SeverityHigh, sev)
	require.Equal(t, "high", sev.String())
	require.True(t, SeverityCritical > SeverityMedium)

	_, err = ParseSeverity("urgent")
	require.Error(t, err)
}

func TestTimeRoundTrip(t *testing.T) {
	t.Parallel()

	raw := "2024-03-01T12:30:45.123456Z"
	ts, err := ParseTime(raw)
	require.NoError(t, err)
	require.Equal(t, raw, FormatTime(ts))
}

func TestFingerprintSimhashHex(t *testing.T) {
	t.Parallel()

	require.Equal(t, "00000000000000ff", Fingerprint{Simhash: 0xff}.SimhashHex())
}
