package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/osint-watchtower/internal/osint"
)

func TestStoreFlushAndReload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(dir, Options{}, nil)
	require.NoError(t, err)

	fp := osint.Fingerprint{ContentHash: "abc", Simhash: 0xdeadbeef}
	s.Add("pastebin", fp)
	s.Add("reddit", osint.Fingerprint{ContentHash: "def", Simhash: 1})

	_, err = os.Stat(filepath.Join(dir, "pastebin_seen.json"))
	require.True(t, os.IsNotExist(err), "nothing durable before flush")

	evicted, err := s.Flush("pastebin")
	require.NoError(t, err)
	require.Zero(t, evicted)
	require.NoError(t, s.Close())

	reopened, err := Open(dir, Options{}, nil)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Load("pastebin")
	require.NoError(t, err)
	require.Equal(t, []osint.Fingerprint{fp}, got)

	got, err = reopened.Load("reddit")
	require.NoError(t, err)
	require.Len(t, got, 1, "Close flushes pending partitions")
}

func TestStoreRetentionEvictsOldest(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir(), Options{MaxPerSource: 2}, nil)
	require.NoError(t, err)
	defer s.Close()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.clock = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	for _, h := range []string{"a", "b", "c"} {
		s.Add("github", osint.Fingerprint{ContentHash: h})
	}
	evicted, err := s.Flush("github")
	require.NoError(t, err)
	require.Equal(t, 1, evicted)

	got, err := s.Load("github")
	require.NoError(t, err)
	require.Equal(t, "b", got[0].ContentHash)
	require.Equal(t, "c", got[1].ContentHash)
}

func TestStoreResetStartsEmpty(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(dir, Options{}, nil)
	require.NoError(t, err)
	s.Add("crtsh", osint.Fingerprint{ContentHash: "x"})
	_, err = s.Flush("crtsh")
	require.NoError(t, err)

	s.Reset("crtsh")
	require.Equal(t, 0, s.Len("crtsh"))
	_, err = s.Flush("crtsh")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(dir, Options{}, nil)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Load("crtsh")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestStoreRejectsSecondOwner(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first, err := Open(dir, Options{}, nil)
	require.NoError(t, err)
	defer first.Close()

	_, err = Open(dir, Options{}, nil)
	require.True(t, errors.Is(err, ErrLocked), "got %v", err)
}

func TestStoreCorruptFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "telegram_seen.json"), []byte("[1,2"), 0o600))
	s, err := Open(dir, Options{}, nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Load("telegram")
	require.Error(t, err)
}

func TestStoreForgetDropsEntryOnFlush(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(dir, Options{}, nil)
	require.NoError(t, err)

	s.Add("pastebin", osint.Fingerprint{ContentHash: "keep", Simhash: 1})
	s.Add("pastebin", osint.Fingerprint{ContentHash: "drop", Simhash: 2})
	s.Forget("pastebin", "drop")
	s.Forget("pastebin", "missing")
	require.Equal(t, 1, s.Len("pastebin"))
	require.NoError(t, s.Close())

	reopened, err := Open(dir, Options{}, nil)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Load("pastebin")
	require.NoError(t, err)
	require.Equal(t, []osint.Fingerprint{{ContentHash: "keep", Simhash: 1}}, got)
}
