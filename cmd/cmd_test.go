package cmd

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/osint-watchtower/internal/app"
	"github.com/JakeFAU/osint-watchtower/internal/config"
	"github.com/JakeFAU/osint-watchtower/internal/osint"
)

type fakeApp struct {
	cfg      config.Config
	runOpts  *app.RunOptions
	runErr   error
	rulesErr error
	closed   bool
	vacuumed bool
}

func (f *fakeApp) Close() { f.closed = true }

func (f *fakeApp) GetLogger() *zap.Logger { return zap.NewNop() }

func (f *fakeApp) GetConfig() config.Config { return f.cfg }

func (f *fakeApp) Run(_ context.Context, opts app.RunOptions) error {
	f.runOpts = &opts
	return f.runErr
}

func (f *fakeApp) CheckRules() (app.RuleSummary, error) {
	if f.rulesErr != nil {
		return app.RuleSummary{}, f.rulesErr
	}
	return app.RuleSummary{Version: 1, Triggers: 4, EntityCategories: 2}, nil
}

func (f *fakeApp) Reindex(context.Context) ([]osint.IndexInfo, error) {
	return []osint.IndexInfo{{Table: "alerts", Name: "alerts_pk", Unique: true, Columns: []string{"content_hash", "source_name"}}}, nil
}

func (f *fakeApp) Vacuum(context.Context) error {
	f.vacuumed = true
	return nil
}

// execute swaps the app factory, so tests using it do not run in parallel.
func execute(t *testing.T, fake *fakeApp, args ...string) (string, error) {
	t.Helper()
	orig := newApp
	t.Cleanup(func() { newApp = orig; cfgFile = "" })
	newApp = func(context.Context, string) (App, error) { return fake, nil }

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunCommandPassesOptions(t *testing.T) {
	fake := &fakeApp{}
	_, err := execute(t, fake, "run", "--once", "--sources", "pastebin,reddit", "--since", "36h", "--offline")
	require.NoError(t, err)
	require.NotNil(t, fake.runOpts)
	assert.Equal(t, app.RunOptions{
		Sources:        []string{"pastebin", "reddit"},
		Once:           true,
		Since:          36 * time.Hour,
		FromCheckpoint: true,
		Offline:        true,
	}, *fake.runOpts)
	assert.True(t, fake.closed)
}

func TestRunCommandLoopWithReload(t *testing.T) {
	fake := &fakeApp{}
	_, err := execute(t, fake, "run", "--reload-interval", "15", "--from-checkpoint=false")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, fake.runOpts.ReloadInterval)
	assert.False(t, fake.runOpts.Once)
	assert.False(t, fake.runOpts.FromCheckpoint)
}

func TestRunCommandRejectsConflictingFlags(t *testing.T) {
	_, err := execute(t, &fakeApp{}, "run", "--once", "--loop")
	require.Error(t, err)

	_, err = execute(t, &fakeApp{}, "run", "--once", "--reload-interval", "5")
	require.Error(t, err)

	_, err = execute(t, &fakeApp{}, "run", "--since", "yesterday")
	require.Error(t, err)
}

func TestRunCommandSurfacesRunError(t *testing.T) {
	_, err := execute(t, &fakeApp{runErr: &osint.ConfigError{Key: "sources", Msg: "no enabled source selected"}}, "run", "--once")
	var cfgErr *osint.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestInitFailureStopsBeforeSubcommand(t *testing.T) {
	orig := newApp
	t.Cleanup(func() { newApp = orig })
	newApp = func(context.Context, string) (App, error) {
		return nil, &osint.ConfigError{Key: "sources", Msg: "must define at least one source"}
	}
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"run", "--once"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must define at least one source")
}

func TestValidateCommand(t *testing.T) {
	fake := &fakeApp{cfg: config.Config{
		Sources: []config.SourceConfig{{Name: "pastebin", Enabled: true, IntervalSeconds: 300, Concurrency: 2, URLs: []string{"u"}}},
		Storage: config.StorageConfig{Driver: config.DriverSQLite},
	}}
	out, err := execute(t, fake, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "pastebin")
	assert.Contains(t, out, "driver=sqlite")
	assert.Contains(t, out, "rules ok: 4 triggers, 2 entity categories")

	_, err = execute(t, &fakeApp{rulesErr: errors.New("bad rules")}, "validate")
	require.Error(t, err)
}

func TestReindexAndVacuumCommands(t *testing.T) {
	out, err := execute(t, &fakeApp{}, "reindex")
	require.NoError(t, err)
	assert.Contains(t, out, "alerts_pk")
	assert.Contains(t, out, "content_hash,source_name")

	fake := &fakeApp{}
	out, err = execute(t, fake, "vacuum")
	require.NoError(t, err)
	assert.True(t, fake.vacuumed)
	assert.Contains(t, out, "vacuum complete")
}

func TestReloadCommandLocal(t *testing.T) {
	out, err := execute(t, &fakeApp{}, "reload")
	require.NoError(t, err)
	assert.Contains(t, out, "rules ok")
}

func TestReloadCommandRemote(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		if r.Method != http.MethodPost || r.URL.Path != "/v1/admin/reload" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"reloaded","version":3}`))
	}))
	defer srv.Close()

	fake := &fakeApp{cfg: config.Config{Server: config.ServerConfig{APIKey: "k"}}}
	out, err := execute(t, fake, "reload", "--server", srv.URL+"/")
	require.NoError(t, err)
	assert.Contains(t, out, "rules reloaded: version 3")
	assert.Equal(t, "k", gotKey)
}

func TestRequestReloadRejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"bad trigger file","active_version":2}`))
	}))
	defer srv.Close()

	err := requestReload(context.Background(), srv.Client(), srv.URL, "", &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad trigger file")
}

func TestParseSince(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in        string
		wantDur   time.Duration
		wantAfter time.Time
		wantErr   bool
	}{
		{in: ""},
		{in: "36h", wantDur: 36 * time.Hour},
		{in: "7d", wantDur: 7 * 24 * time.Hour},
		{in: "2024-05-01T00:00:00Z", wantAfter: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
		{in: "2024-07-01T00:00:00Z", wantErr: true},
		{in: "-5m", wantErr: true},
		{in: "0d", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			d, after, err := parseSince(tt.in, now)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDur, d)
			assert.True(t, tt.wantAfter.Equal(after))
		})
	}
}
