package httpcache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCachePutGetSurvivesReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := Open(dir, nil)
	require.NoError(t, err)

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, c.Put("https://example.com/a", Entry{Body: "<p>a</p>", ETag: `"v1"`, CachedAt: at}))

	reopened, err := Open(dir, nil)
	require.NoError(t, err)
	got, ok := reopened.Get("https://example.com/a")
	require.True(t, ok)
	require.Equal(t, "<p>a</p>", got.Body)
	require.Equal(t, `"v1"`, got.ETag)
	require.True(t, got.HasValidator())
	require.True(t, got.CachedAt.Equal(at))

	_, err = os.Stat(filepath.Join(dir, FileName+".tmp"))
	require.True(t, os.IsNotExist(err), "temp file must be renamed away")
}

func TestCacheTouch(t *testing.T) {
	t.Parallel()

	c, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, c.Touch("https://missing", time.Now()))
	require.Equal(t, 0, c.Len())

	require.NoError(t, c.Put("u", Entry{Body: "b", LastModified: "Wed, 21 Oct 2015 07:28:00 GMT"}))
	later := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, c.Touch("u", later))
	got, _ := c.Get("u")
	require.True(t, got.CachedAt.Equal(later))
	require.Equal(t, "b", got.Body)
}

func TestCacheCorruptFileStartsEmpty(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("{not json"), 0o600))
	c, err := Open(dir, nil)
	require.NoError(t, err)
	require.Equal(t, 0, c.Len())
}

func TestCacheConcurrentPuts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := Open(dir, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			require.NoError(t, c.Put(fmt.Sprintf("https://example.com/%d", i), Entry{Body: "x"}))
		}(i)
	}
	wg.Wait()

	reopened, err := Open(dir, nil)
	require.NoError(t, err)
	require.Equal(t, 20, reopened.Len())
}
