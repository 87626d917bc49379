package run

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/codalab-worker/pkg/localsched"
	"github.com/cuemby/codalab-worker/pkg/materialize"
	"github.com/cuemby/codalab-worker/pkg/runtime"
	"github.com/cuemby/codalab-worker/pkg/types"
)

type fakeDepCache struct {
	mu      sync.Mutex
	entries map[types.DependencyKey]types.CacheEntry
}

func newFakeDepCache(ready map[types.DependencyKey]string) *fakeDepCache {
	entries := make(map[types.DependencyKey]types.CacheEntry, len(ready))
	for k, path := range ready {
		entries[k] = types.CacheEntry{Stage: types.CacheReady, LocalPath: path}
	}
	return &fakeDepCache{entries: entries}
}

func (f *fakeDepCache) Acquire(runUUID string, key types.DependencyKey) types.CacheEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[key]
}
func (f *fakeDepCache) Release(runUUID string, key types.DependencyKey) {}
func (f *fakeDepCache) Lookup(key types.DependencyKey) (types.CacheEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key]
	return e, ok
}

type fakeImageCache struct {
	digest string
}

func (f *fakeImageCache) Acquire(runUUID, ref string) types.CacheEntry {
	return types.CacheEntry{Stage: types.CacheReady, Status: f.digest}
}
func (f *fakeImageCache) Release(runUUID, ref string) {}
func (f *fakeImageCache) Lookup(ref string) (types.CacheEntry, bool) {
	return types.CacheEntry{Stage: types.CacheReady, Status: f.digest}, true
}
func (f *fakeImageCache) Digest(ref string) (string, bool) { return f.digest, true }

type fakeRuntime struct {
	mu      sync.Mutex
	started bool
	exit    runtime.ExitStatus
	stats   runtime.Stats
}

func (f *fakeRuntime) PullImage(ctx context.Context, ref string) (string, int64, error) {
	return "sha256:fake", 0, nil
}
func (f *fakeRuntime) Run(ctx context.Context, spec runtime.RunSpec) error {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return nil
}
func (f *fakeRuntime) Wait(ctx context.Context, containerID string) (runtime.ExitStatus, error) {
	return f.exit, nil
}
func (f *fakeRuntime) Stats(ctx context.Context, containerID string) (runtime.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, nil
}
func (f *fakeRuntime) Kill(ctx context.Context, containerID string, sig syscall.Signal) error {
	return nil
}
func (f *fakeRuntime) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	return nil
}
func (f *fakeRuntime) Remove(ctx context.Context, containerID string) error { return nil }
func (f *fakeRuntime) ContainerIP(ctx context.Context, containerID string) (string, error) {
	return "10.0.0.1", nil
}
func (f *fakeRuntime) Logs(ctx context.Context, containerID string) (io.ReadCloser, error) {
	return nil, nil
}
func (f *fakeRuntime) Close() error { return nil }

type fakeReporter struct {
	mu        sync.Mutex
	uploaded  bool
	finalized *types.FinalState
}

func (f *fakeReporter) UpdateBundleContents(ctx context.Context, uuid string, tarGzip io.Reader) error {
	_, err := io.Copy(io.Discard, tarGzip)
	f.mu.Lock()
	f.uploaded = true
	f.mu.Unlock()
	return err
}
func (f *fakeReporter) FinalizeBundle(ctx context.Context, final types.FinalState) error {
	f.mu.Lock()
	f.finalized = &final
	f.mu.Unlock()
	return nil
}

func testBundle(depKey types.DependencyKey) types.Bundle {
	return types.Bundle{
		UUID:    "run-uuid",
		Command: "echo hi",
		Image:   "codalab/default-cpu",
		Resources: types.ResourceRequest{
			CPUs:        1,
			MemoryBytes: 100,
		},
		Dependencies: []types.Dependency{{
			ParentUUID: depKey.ParentUUID,
			ParentPath: depKey.ParentPath,
			ChildPath:  "input",
		}},
	}
}

func TestMachineRunsPreparingThroughFinished(t *testing.T) {
	depKey := types.DependencyKey{ParentUUID: "parent-1"}
	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "f.txt"), []byte("data"), 0o644))

	workDir := t.TempDir()
	rt := &fakeRuntime{exit: runtime.ExitStatus{ExitCode: 0}}
	reporter := &fakeReporter{}

	m := New(testBundle(depKey), workDir, Deps{
		DependencyCache: newFakeDepCache(map[types.DependencyKey]string{depKey: srcDir}),
		ImageCache:      &fakeImageCache{digest: "sha256:abc"},
		Runtime:         rt,
		Materializer:    materialize.New(),
		Scheduler:       localsched.New(4, nil, 1000),
		Reporter:        reporter,
	})

	ctx := context.Background()
	for i := 0; i < 20 && !m.Done(); i++ {
		require.NoError(t, m.Advance(ctx))
		time.Sleep(5 * time.Millisecond)
	}

	assert.Equal(t, types.RunFinished, m.State().Stage)
	assert.True(t, rt.started)
	assert.True(t, reporter.uploaded)
	require.NotNil(t, reporter.finalized)
	require.NotNil(t, reporter.finalized.ExitCode)
	assert.Equal(t, 0, *reporter.finalized.ExitCode)

	_, err := os.Stat(m.State().WorkspacePath)
	assert.True(t, os.IsNotExist(err), "workspace should be removed after finalizing")
}

func TestMachineJumpsToCleaningUpOnDependencyFailure(t *testing.T) {
	depKey := types.DependencyKey{ParentUUID: "parent-1"}
	depCache := &fakeDepCache{entries: map[types.DependencyKey]types.CacheEntry{
		depKey: {Stage: types.CacheFailed, Status: "404"},
	}}

	m := New(testBundle(depKey), t.TempDir(), Deps{
		DependencyCache: depCache,
		ImageCache:      &fakeImageCache{digest: "sha256:abc"},
		Runtime:         &fakeRuntime{},
		Materializer:    materialize.New(),
		Scheduler:       localsched.New(4, nil, 1000),
		Reporter:        &fakeReporter{},
	})

	require.NoError(t, m.Advance(context.Background()))
	assert.Equal(t, types.RunCleaningUp, m.State().Stage)
	assert.NotEmpty(t, m.State().FailureMsg)
}

func TestKillDuringRunningRoutesToCleaningUp(t *testing.T) {
	depKey := types.DependencyKey{ParentUUID: "parent-1"}
	srcDir := t.TempDir()

	rt := &fakeRuntime{}
	m := New(testBundle(depKey), t.TempDir(), Deps{
		DependencyCache: newFakeDepCache(map[types.DependencyKey]string{depKey: srcDir}),
		ImageCache:      &fakeImageCache{digest: "sha256:abc"},
		Runtime:         rt,
		Materializer:    materialize.New(),
		Scheduler:       localsched.New(4, nil, 1000),
		Reporter:        &fakeReporter{},
	})

	ctx := context.Background()
	require.NoError(t, m.Advance(ctx)) // preparing -> starting
	require.NoError(t, m.Advance(ctx)) // starting -> running
	require.Equal(t, types.RunRunning, m.State().Stage)

	m.Kill("user requested kill")
	require.NoError(t, m.Advance(ctx))
	assert.Equal(t, types.RunCleaningUp, m.State().Stage)
	assert.Equal(t, "user requested kill", m.State().KillReason)
}

func TestDiskQuotaOverrunRoutesToCleaningUp(t *testing.T) {
	depKey := types.DependencyKey{ParentUUID: "parent-1"}
	srcDir := t.TempDir()

	rt := &fakeRuntime{}
	bundle := testBundle(depKey)
	bundle.Resources.DiskBytes = 10

	m := New(bundle, t.TempDir(), Deps{
		DependencyCache: newFakeDepCache(map[types.DependencyKey]string{depKey: srcDir}),
		ImageCache:      &fakeImageCache{digest: "sha256:abc"},
		Runtime:         rt,
		Materializer:    materialize.New(),
		Scheduler:       localsched.New(4, nil, 1000),
		Reporter:        &fakeReporter{},
	})

	ctx := context.Background()
	require.NoError(t, m.Advance(ctx)) // preparing -> starting
	require.NoError(t, m.Advance(ctx)) // starting -> running
	require.Equal(t, types.RunRunning, m.State().Stage)

	require.NoError(t, os.WriteFile(filepath.Join(m.State().WorkspacePath, "big.bin"), make([]byte, 100), 0o644))

	require.NoError(t, m.Advance(ctx))
	assert.Equal(t, types.RunCleaningUp, m.State().Stage)
	assert.Equal(t, "disk quota exceeded", m.State().KillReason)
	assert.Equal(t, int64(100), m.State().Info["disk_bytes"])
}

func TestStepRunningPopulatesResourceInfo(t *testing.T) {
	depKey := types.DependencyKey{ParentUUID: "parent-1"}
	srcDir := t.TempDir()

	rt := &fakeRuntime{stats: runtime.Stats{CPUTimeNanos: 5000, MemoryBytes: 2048}}
	m := New(testBundle(depKey), t.TempDir(), Deps{
		DependencyCache: newFakeDepCache(map[types.DependencyKey]string{depKey: srcDir}),
		ImageCache:      &fakeImageCache{digest: "sha256:abc"},
		Runtime:         rt,
		Materializer:    materialize.New(),
		Scheduler:       localsched.New(4, nil, 1000),
		Reporter:        &fakeReporter{},
	})

	ctx := context.Background()
	require.NoError(t, m.Advance(ctx)) // preparing -> starting
	require.NoError(t, m.Advance(ctx)) // starting -> running
	require.NoError(t, m.Advance(ctx)) // polls stats

	info := m.State().Info
	assert.Equal(t, uint64(5000), info["cpu_time_nanos"])
	assert.Equal(t, uint64(2048), info["memory_bytes"])
}

func TestTarGzipDirSkipsShadowedPaths(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "input"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "input", "secret.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "output.txt"), []byte("result"), 0o644))

	var buf bytes.Buffer
	require.NoError(t, tarGzipDir(&buf, dir, []string{"input"}))
	assert.NotZero(t, buf.Len())

	gz, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	assert.Contains(t, names, "output.txt")
	assert.NotContains(t, names, "input")
	assert.NotContains(t, names, "input/secret.txt")
}
