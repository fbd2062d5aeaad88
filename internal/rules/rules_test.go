package rules

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/osint-watchtower/internal/osint"
)

const baseTriggers = `{"rules": [
  {"trigger_id": "cred-leak", "pattern": "password", "severity": "high", "context": "credential exposure",
   "include": ["admin", "root"], "exclude": ["reset your password"], "tags": ["creds"]},
  {"id": "vpn", "pattern": "vpn\\s+creds?", "regex": true, "severity": "medium", "context": "remote access",
   "classification": "internal"},
  {"trigger_id": "dump", "pattern": "dump", "severity": "low", "context": "data dump",
   "proximity": {"terms": ["database", "dump"], "distance": 3}}
]}`

type ruleFiles struct {
	dir   string
	paths Paths
}

func writeRules(t *testing.T, triggers string) ruleFiles {
	t.Helper()
	dir := t.TempDir()
	entities := filepath.Join(dir, "entities")
	require.NoError(t, os.MkdirAll(entities, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(entities, "orgs.yml"), []byte(`
orgs:
  banks: [Acme Bank, "First National"]
  tech:
    - Initech
tools: c++
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(entities, "more.yaml"), []byte("orgs: [initech, Globex]\n"), 0o600))
	lexicon := filepath.Join(dir, "sentiment.txt")
	require.NoError(t, os.WriteFile(lexicon, []byte("# comment\npositive:patched\nnegative:leaked\nnegative:breach\nbogus line\n"), 0o600))
	trig := filepath.Join(dir, "triggers.json")
	require.NoError(t, os.WriteFile(trig, []byte(triggers), 0o600))
	return ruleFiles{dir: dir, paths: Paths{Triggers: trig, EntitiesDir: entities, Lexicon: lexicon}}
}

func bumpMtime(t *testing.T, path string) {
	t.Helper()
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))
}

func matchedIDs(d osint.Detection) []string {
	ids := make([]string, 0, len(d.Matches))
	for _, m := range d.Matches {
		ids = append(ids, m.Trigger.ID)
	}
	return ids
}

func TestLoadTriggersFormats(t *testing.T) {
	t.Parallel()

	arr, err := parseTriggers([]byte(`[{"trigger_id":"a","pattern":"x","severity":"critical"}]`))
	require.NoError(t, err)
	require.Len(t, arr, 1)
	assert.Equal(t, osint.SeverityCritical, arr[0].Severity)
	assert.Equal(t, "public", arr[0].Classification)

	_, err = parseTriggers([]byte(`{"rules":[{"trigger_id":"a","pattern":"x","severity":"urgent"}]}`))
	require.Error(t, err)

	_, err = parseTriggers([]byte(`[{"trigger_id":"a","pattern":"x","severity":"low"},{"id":"a","pattern":"y","severity":"low"}]`))
	require.ErrorContains(t, err, "duplicate")

	_, err = parseTriggers([]byte(`{"triggers":[]}`))
	require.Error(t, err)

	_, err = parseTriggers([]byte(`[{"pattern":"x","severity":"low"}]`))
	require.ErrorContains(t, err, "trigger_id")
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	files := writeRules(t, baseTriggers)
	engine, err := New(files.paths, nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		text string
		want []string
	}{
		{name: "include satisfied", text: "admin password leaked", want: []string{"cred-leak"}},
		{name: "include missing", text: "my password is hunter2", want: []string{}},
		{name: "exclude wins", text: "admin: reset your password here", want: []string{}},
		{name: "whole word only", text: "admin passwords", want: []string{}},
		{name: "regex case-insensitive", text: "Selling VPN Creds", want: []string{"vpn"}},
		{name: "proximity close", text: "full database dump attached", want: []string{"dump"}},
		{name: "proximity far", text: "database schema notes, later a dump", want: []string{}},
		{name: "several", text: "root password and vpn cred", want: []string{"cred-leak", "vpn"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := engine.Evaluate(osint.NormalizedItem{Text: tc.text})
			assert.Equal(t, tc.want, matchedIDs(got))
		})
	}
}

func TestEvaluateExcerptAndEnrichment(t *testing.T) {
	t.Parallel()

	files := writeRules(t, baseTriggers)
	engine, err := New(files.paths, nil)
	require.NoError(t, err)

	d := engine.Evaluate(osint.NormalizedItem{Text: "ACME BANK admin password leaked by initech staff, c++ tooling"})
	require.Len(t, d.Matches, 1)
	assert.Contains(t, d.Matches[0].Excerpt, "password")
	assert.Equal(t, []string{"creds"}, d.Matches[0].Trigger.Tags)
	assert.Equal(t, map[string][]string{
		"orgs":  {"Acme Bank", "initech"},
		"tools": {"c++"},
	}, d.Entities)
	assert.Equal(t, "neg", d.Sentiment)
	assert.Equal(t, uint64(1), d.Version)
}

func TestSentiment(t *testing.T) {
	t.Parallel()

	files := writeRules(t, baseTriggers)
	engine, err := New(files.paths, nil)
	require.NoError(t, err)
	snap := engine.Snapshot()

	assert.Equal(t, "pos", snap.Sentiment("bug patched."))
	assert.Equal(t, "neu", snap.Sentiment("leaked then patched"))
	assert.Equal(t, "neu", snap.Sentiment("nothing here"))
	assert.Equal(t, "neg", snap.Sentiment("Breach! data leaked"))
}

func TestReloadIfChanged(t *testing.T) {
	t.Parallel()

	files := writeRules(t, baseTriggers)
	engine, err := New(files.paths, nil)
	require.NoError(t, err)

	changed, err := engine.ReloadIfChanged()
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, os.WriteFile(files.paths.Triggers,
		[]byte(`[{"trigger_id":"ransom","pattern":"ransomware","severity":"critical"}]`), 0o600))
	bumpMtime(t, files.paths.Triggers)

	changed, err = engine.ReloadIfChanged()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, uint64(2), engine.Snapshot().Version)
	assert.Equal(t, []string{"ransom"}, matchedIDs(engine.Evaluate(osint.NormalizedItem{Text: "new ransomware strain"})))
}

func TestReloadFailureKeepsLastGood(t *testing.T) {
	t.Parallel()

	files := writeRules(t, baseTriggers)
	engine, err := New(files.paths, nil)
	require.NoError(t, err)
	before := engine.Snapshot()

	require.NoError(t, os.WriteFile(files.paths.Triggers, []byte(`[{"trigger_id":"bad","pattern":"(","regex":true,"severity":"low"}]`), 0o600))
	bumpMtime(t, files.paths.Triggers)

	_, err = engine.ReloadIfChanged()
	var ruleErr *osint.RuleLoadError
	require.True(t, errors.As(err, &ruleErr), "got %v", err)
	assert.Same(t, before, engine.Snapshot())

	require.NoError(t, os.WriteFile(filepath.Join(files.paths.EntitiesDir, "broken.yml"), []byte("orgs: [unclosed"), 0o600))
	require.Error(t, engine.ForceReload())
	assert.Same(t, before, engine.Snapshot())
}

func TestNewFailsOnMissingTriggers(t *testing.T) {
	t.Parallel()

	_, err := New(Paths{Triggers: filepath.Join(t.TempDir(), "nope.json")}, nil)
	var ruleErr *osint.RuleLoadError
	require.True(t, errors.As(err, &ruleErr))
}

func TestReloadIsAtomicUnderConcurrentEvaluate(t *testing.T) {
	t.Parallel()

	oldSet := `[{"trigger_id":"old-a","pattern":"alpha","severity":"low"},{"trigger_id":"old-b","pattern":"beta","severity":"low"}]`
	newSet := `[{"trigger_id":"new-a","pattern":"alpha","severity":"low"},{"trigger_id":"new-b","pattern":"beta","severity":"low"}]`
	files := writeRules(t, oldSet)
	engine, err := New(files.paths, nil)
	require.NoError(t, err)

	item := osint.NormalizedItem{Text: "alpha beta"}
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				ids := matchedIDs(engine.Evaluate(item))
				if !assert.Len(t, ids, 2) {
					return
				}
				assert.Equal(t, ids[0][:3], ids[1][:3], "mixed snapshot: %v", ids)
			}
		}()
	}
	for i := range 20 {
		body := oldSet
		if i%2 == 0 {
			body = newSet
		}
		require.NoError(t, os.WriteFile(files.paths.Triggers, []byte(body), 0o600))
		require.NoError(t, engine.ForceReload())
	}
	close(stop)
	wg.Wait()
}

func TestTermBoundariesAreUnicodeAware(t *testing.T) {
	t.Parallel()

	snap, err := build(
		[]osint.Trigger{{ID: "kyiv", Pattern: "Київ", Severity: osint.SeverityLow}},
		osint.EntityPack{"city": {"Київ", "café", "Kyiv"}},
		nil,
	)
	require.NoError(t, err)

	tests := []struct {
		name     string
		text     string
		entities map[string][]string
		excerpt  string
	}{
		{name: "prefixes of longer words", text: "Київська область, Kyivstar, cafés", entities: map[string][]string{}},
		{name: "whole terms", text: "Київ, café and Kyiv", entities: map[string][]string{"city": {"Kyiv", "café", "Київ"}}, excerpt: "Київ, café and Kyiv"},
		{name: "case folded", text: "у КИЇВ сьогодні", entities: map[string][]string{"city": {"Київ"}}, excerpt: "у КИЇВ сьогодні"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.entities, snap.ExtractEntities(tc.text))
			matches := snap.Match(tc.text)
			if tc.excerpt == "" {
				assert.Empty(t, matches)
				return
			}
			require.Len(t, matches, 1)
			assert.Equal(t, tc.excerpt, matches[0].Excerpt)
		})
	}
}

func TestMatchOffsetsExcludeBoundaryRunes(t *testing.T) {
	t.Parallel()

	m := termPattern("пароль")
	text := "новий пароль: 1234"
	loc := m.find(text)
	require.NotNil(t, loc)
	assert.Equal(t, "пароль", text[loc[0]:loc[1]])
}

func TestProximityTermsAreDistinct(t *testing.T) {
	t.Parallel()

	_, err := parseTriggers([]byte(`[{"trigger_id":"a","pattern":"dump","severity":"low","proximity":{"terms":["dump","Dump "],"distance":3}}]`))
	require.ErrorContains(t, err, "two distinct terms")

	trig, err := parseTriggers([]byte(`[{"trigger_id":"a","pattern":"dump","severity":"low","proximity":{"terms":["Database","dump","database"],"distance":3}}]`))
	require.NoError(t, err)
	assert.Equal(t, []string{"database", "dump"}, trig[0].Proximity.Terms)
}
