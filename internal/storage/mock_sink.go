package storage

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/JakeFAU/osint-watchtower/internal/osint"
)

// MockSink is a testify mock of osint.StructuredSink.
type MockSink struct {
	mock.Mock
}

var _ osint.StructuredSink = (*MockSink)(nil)

// UpsertAlert is the mock implementation of UpsertAlert.
func (m *MockSink) UpsertAlert(ctx context.Context, alert osint.Alert) error {
	args := m.Called(ctx, alert)
	return args.Error(0) //nolint:wrapcheck
}

// TouchAlert is the mock implementation of TouchAlert.
func (m *MockSink) TouchAlert(ctx context.Context, contentHash, sourceName string, seenAt time.Time) (bool, error) {
	args := m.Called(ctx, contentHash, sourceName, seenAt)
	return args.Bool(0), args.Error(1) //nolint:wrapcheck
}

// RecordRun is the mock implementation of RecordRun.
func (m *MockSink) RecordRun(ctx context.Context, run osint.RunMetrics) error {
	args := m.Called(ctx, run)
	return args.Error(0) //nolint:wrapcheck
}

// RecordError is the mock implementation of RecordError.
func (m *MockSink) RecordError(ctx context.Context, rec osint.ErrorRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0) //nolint:wrapcheck
}

// LastRun is the mock implementation of LastRun.
func (m *MockSink) LastRun(ctx context.Context, sourceName string) (osint.RunMetrics, bool, error) {
	args := m.Called(ctx, sourceName)
	return args.Get(0).(osint.RunMetrics), args.Bool(1), args.Error(2) //nolint:wrapcheck
}

// ListRuns is the mock implementation of ListRuns.
func (m *MockSink) ListRuns(ctx context.Context, q osint.RunQuery) ([]osint.RunMetrics, error) {
	args := m.Called(ctx, q)
	runs, _ := args.Get(0).([]osint.RunMetrics)
	return runs, args.Error(1) //nolint:wrapcheck
}

// Reindex is the mock implementation of Reindex.
func (m *MockSink) Reindex(ctx context.Context) ([]osint.IndexInfo, error) {
	args := m.Called(ctx)
	infos, _ := args.Get(0).([]osint.IndexInfo)
	return infos, args.Error(1) //nolint:wrapcheck
}

// Vacuum is the mock implementation of Vacuum.
func (m *MockSink) Vacuum(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0) //nolint:wrapcheck
}

// Close is the mock implementation of Close.
func (m *MockSink) Close() error {
	args := m.Called()
	return args.Error(0) //nolint:wrapcheck
}
