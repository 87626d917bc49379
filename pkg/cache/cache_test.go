package cache

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/codalab-worker/pkg/state"
	"github.com/cuemby/codalab-worker/pkg/types"
)

func newTestCache(t *testing.T, quota int64, fetch FetchFunc[string]) *Cache[string] {
	t.Helper()
	c, err := New(Options[string]{
		Name:                "test",
		WorkDir:             t.TempDir(),
		QuotaBytes:          quota,
		MaintenanceInterval: 10 * time.Millisecond,
		Fetch:               fetch,
		KeyString:           func(s string) string { return s },
	})
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c
}

func waitForStage(t *testing.T, c *Cache[string], key string, stage types.CacheStage) types.CacheEntry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e, ok := c.Lookup(key); ok && e.Stage == stage {
			return e
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("key %q did not reach stage %q in time", key, stage)
	return types.CacheEntry{}
}

func TestAcquireCreatesDownloadingEntryAndTransitionsToReady(t *testing.T) {
	c := newTestCache(t, 0, func(ctx context.Context, key string, dir string, report Reporter, shouldContinue ShouldContinue) (int64, error) {
		return 42, nil
	})

	entry := c.Acquire("run-1", "dep-a")
	assert.Equal(t, types.CacheDownloading, entry.Stage)

	ready := waitForStage(t, c, "dep-a", types.CacheReady)
	assert.Equal(t, int64(42), ready.SizeBytes)
	assert.Contains(t, ready.Dependents, "run-1")
}

func TestConcurrentAcquiresDedupToOneFetch(t *testing.T) {
	var starts int32
	c := newTestCache(t, 0, func(ctx context.Context, key string, dir string, report Reporter, shouldContinue ShouldContinue) (int64, error) {
		atomic.AddInt32(&starts, 1)
		time.Sleep(50 * time.Millisecond)
		return 1, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Acquire("run", "shared-dep")
		}(i)
	}
	wg.Wait()

	waitForStage(t, c, "shared-dep", types.CacheReady)
	assert.Equal(t, int32(1), atomic.LoadInt32(&starts), "at most one fetch task per key regardless of concurrent acquires")
}

func TestFailedFetchMarksEntryFailed(t *testing.T) {
	c := newTestCache(t, 0, func(ctx context.Context, key string, dir string, report Reporter, shouldContinue ShouldContinue) (int64, error) {
		return 0, assert.AnError
	})

	c.Acquire("run-1", "bad-dep")
	entry := waitForStage(t, c, "bad-dep", types.CacheFailed)
	assert.NotEmpty(t, entry.Status)
}

func TestReleaseKillsInProgressDownloadOnceDependentless(t *testing.T) {
	seenAbort := make(chan struct{}, 1)
	c := newTestCache(t, 0, func(ctx context.Context, key string, dir string, report Reporter, shouldContinue ShouldContinue) (int64, error) {
		for i := 0; i < 100; i++ {
			if !shouldContinue() {
				seenAbort <- struct{}{}
				return 0, ErrAborted
			}
			time.Sleep(10 * time.Millisecond)
		}
		return 1, nil
	})

	c.Acquire("run-1", "big-dep")
	c.Release("run-1", "big-dep")

	select {
	case <-seenAbort:
	case <-time.After(2 * time.Second):
		t.Fatal("fetch task never observed cancellation")
	}
}

func TestNoEvictionOfEntryWithDependents(t *testing.T) {
	c := newTestCache(t, 100, func(ctx context.Context, key string, dir string, report Reporter, shouldContinue ShouldContinue) (int64, error) {
		return 80, nil
	})

	c.Acquire("run-1", "kept")
	waitForStage(t, c, "kept", types.CacheReady)

	// Force several maintenance passes; an 80-byte entry alone is within
	// quota, so this mainly documents that held entries are never touched.
	time.Sleep(100 * time.Millisecond)
	entry, ok := c.Lookup("kept")
	require.True(t, ok)
	assert.Equal(t, types.CacheReady, entry.Stage)
}

func TestEvictionPrefersLeastRecentlyReleasedEntry(t *testing.T) {
	sizes := map[string]int64{"a": 30, "b": 30, "c": 30}
	c := newTestCache(t, 50, func(ctx context.Context, key string, dir string, report Reporter, shouldContinue ShouldContinue) (int64, error) {
		return sizes[key], nil
	})

	for _, k := range []string{"a", "b", "c"} {
		c.Acquire("run-"+k, k)
		waitForStage(t, c, k, types.CacheReady)
	}

	// Release in order a, b, c so a becomes dependent-less (and thus
	// evictable) first.
	c.Release("run-a", "a")
	time.Sleep(5 * time.Millisecond)
	c.Release("run-b", "b")
	time.Sleep(5 * time.Millisecond)
	c.Release("run-c", "c")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := c.Lookup("a"); !ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, aExists := c.Lookup("a")
	assert.False(t, aExists, "the entry freed earliest should be evicted first")
}

func TestAllReturnsSnapshotOfEveryEntry(t *testing.T) {
	c := newTestCache(t, 0, func(ctx context.Context, key string, dir string, report Reporter, shouldContinue ShouldContinue) (int64, error) {
		return 1, nil
	})

	c.Acquire("run-1", "dep-a")
	c.Acquire("run-1", "dep-b")
	waitForStage(t, c, "dep-a", types.CacheReady)
	waitForStage(t, c, "dep-b", types.CacheReady)

	all := c.All()
	assert.Len(t, all, 2)
}

func TestNewResumesPersistedEntriesFromCommitter(t *testing.T) {
	dir := t.TempDir()
	committer := state.New[map[string]types.CacheEntry](filepath.Join(dir, "cache.json"))
	require.NoError(t, committer.Commit(map[string]types.CacheEntry{
		"ready-a": {Stage: types.CacheReady, SizeBytes: 42, LocalPath: "/cache/ready-a"},
		"stuck-b": {Stage: types.CacheDownloading, SizeBytes: 7},
	}))

	c, err := New(Options[string]{
		Name:    "test",
		WorkDir: t.TempDir(),
		Fetch: func(ctx context.Context, key string, dir string, report Reporter, shouldContinue ShouldContinue) (int64, error) {
			return 0, nil
		},
		KeyString: func(s string) string { return s },
		KeyParse:  func(s string) (string, error) { return s, nil },
		Committer: committer,
	})
	require.NoError(t, err)
	t.Cleanup(c.Stop)

	ready, ok := c.Lookup("ready-a")
	require.True(t, ok)
	assert.Equal(t, types.CacheReady, ready.Stage)
	assert.Equal(t, int64(42), ready.SizeBytes)

	stuck, ok := c.Lookup("stuck-b")
	require.True(t, ok)
	assert.Equal(t, types.CacheFailed, stuck.Stage, "an in-flight download does not survive a restart")
}
