// Package run implements the per-bundle finite state machine that drives
// one run from PREPARING through FINISHED: acquiring dependencies and the
// image, materializing the workspace, starting and monitoring the
// container, then uploading results and reporting the outcome.
package run

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/codalab-worker/pkg/localsched"
	"github.com/cuemby/codalab-worker/pkg/log"
	"github.com/cuemby/codalab-worker/pkg/materialize"
	"github.com/cuemby/codalab-worker/pkg/metrics"
	"github.com/cuemby/codalab-worker/pkg/runtime"
	"github.com/cuemby/codalab-worker/pkg/types"
)

// DependencyCache is the subset of *cache.Cache[types.DependencyKey] a run
// needs. Depending on the interface rather than the concrete type keeps
// this package's tests free of real disk I/O.
type DependencyCache interface {
	Acquire(runUUID string, key types.DependencyKey) types.CacheEntry
	Release(runUUID string, key types.DependencyKey)
	Lookup(key types.DependencyKey) (types.CacheEntry, bool)
}

// ImageCache is the subset of *cache.ImageCache a run needs.
type ImageCache interface {
	Acquire(runUUID, ref string) types.CacheEntry
	Release(runUUID, ref string)
	Lookup(ref string) (types.CacheEntry, bool)
	Digest(ref string) (string, bool)
}

// ResultReporter is how a run's terminal outcome and intermediate result
// bytes reach the bundle service. pkg/client implements it over HTTP.
type ResultReporter interface {
	UpdateBundleContents(ctx context.Context, uuid string, tarGzip io.Reader) error
	FinalizeBundle(ctx context.Context, final types.FinalState) error
}

// Clock exists so tests can fake elapsed wall time without sleeping.
type Clock func() time.Time

// Machine drives one bundle's RunState through its stages. Advance is
// called once per WorkerLoop tick; a Machine is not safe for concurrent
// Advance calls (the WorkerLoop serializes ticks per run), but Kill and
// State may be called from other goroutines at any time.
type Machine struct {
	mu    sync.Mutex
	state types.RunState

	deps      DependencyCache
	images    ImageCache
	runtime   runtime.Runtime
	materials *materialize.Materializer
	sched     *localsched.Scheduler
	reporter  ResultReporter
	now       Clock

	alloc     localsched.Allocation
	shadowed  []string
	startWall time.Time

	// lastStats and lastDiskBytes are the most recent resource poll taken
	// during RUNNING, carried into FINALIZING's reported metrics since the
	// container is already gone (stopped/removed) by the time that stage
	// runs.
	lastStats     runtime.Stats
	lastDiskBytes int64

	logger zerolog.Logger
}

// Deps bundles a Machine's collaborators so New's signature stays short.
type Deps struct {
	DependencyCache DependencyCache
	ImageCache      ImageCache
	Runtime         runtime.Runtime
	Materializer    *materialize.Materializer
	Scheduler       *localsched.Scheduler
	Reporter        ResultReporter
	Now             Clock
}

// New creates a Machine for bundle, in the PREPARING stage, rooted at
// workDir/runs/<uuid>.
func New(bundle types.Bundle, workDir string, d Deps) *Machine {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Machine{
		state: types.RunState{
			Bundle:        bundle,
			Stage:         types.RunPreparing,
			WorkspacePath: filepath.Join(workDir, "runs", bundle.UUID),
			StartTime:     now(),
		},
		deps:      d.DependencyCache,
		images:    d.ImageCache,
		runtime:   d.Runtime,
		materials: d.Materializer,
		sched:     d.Scheduler,
		reporter:  d.Reporter,
		now:       now,
		logger:    log.WithRunID(bundle.UUID),
	}
}

// Restore reconstructs a Machine from a previously checkpointed RunState,
// resuming a run across a worker restart instead of abandoning it. A run
// whose state records a cpuset or GPU set (recorded once STARTING has
// started the container) re-claims that allocation so Free() continues to
// account for it. The shadowed-path list is not persisted; for a run past
// STARTING it is rebuilt from the bundle's dependency child paths, which
// CLEANING_UP uses to remove the dependency links and UPLOADING_RESULTS
// uses to keep them out of the result archive.
func Restore(state types.RunState, d Deps) (*Machine, error) {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	m := &Machine{
		state:     state,
		deps:      d.DependencyCache,
		images:    d.ImageCache,
		runtime:   d.Runtime,
		materials: d.Materializer,
		sched:     d.Scheduler,
		reporter:  d.Reporter,
		now:       now,
		startWall: state.StartTime,
		logger:    log.WithRunID(state.Bundle.UUID),
	}
	if len(state.Cpuset) > 0 || len(state.Gpuset) > 0 {
		alloc := localsched.Allocation{
			RunUUID:     state.Bundle.UUID,
			Cpuset:      state.Cpuset,
			GPUIDs:      state.Gpuset,
			MemoryBytes: state.Bundle.Resources.MemoryBytes,
		}
		if err := m.sched.Reclaim(alloc); err != nil {
			return nil, fmt.Errorf("reclaim scheduler allocation: %w", err)
		}
		m.alloc = alloc
	}
	if state.Stage != types.RunPreparing && state.Stage != types.RunStarting {
		for _, dep := range state.Bundle.Dependencies {
			m.shadowed = append(m.shadowed, dep.ChildPath)
		}
	}
	return m, nil
}

// State returns a copy of the run's current checkpointed state, safe to
// read from any goroutine (e.g. the WorkerLoop building a check-in).
func (m *Machine) State() types.RunState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Kill marks the run for termination with reason. Every stage checks this
// flag on its next tick and routes to CLEANING_UP if not already past it.
func (m *Machine) Kill(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.IsKilled {
		return
	}
	m.state.IsKilled = true
	m.state.KillReason = reason
}

// Done reports whether the run has reached its terminal stage.
func (m *Machine) Done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Stage == types.RunFinished
}

// Advance runs one tick of the state machine. If the kill flag is set and
// the run has not yet reached CLEANING_UP, the tick only moves it there;
// otherwise it executes the current stage's step. A failed step is logged
// and recorded on state.FailureMsg; before CLEANING_UP the run then moves
// to CLEANING_UP, while CLEANING_UP and later stages retry the same step
// on the next tick. Advance itself always returns nil.
func (m *Machine) Advance(ctx context.Context) error {
	m.mu.Lock()
	killed := m.state.IsKilled
	stage := m.state.Stage
	m.mu.Unlock()

	timer := metrics.NewTimer()
	defer func() { timer.ObserveDurationVec(metrics.RunStageDuration, string(stage)) }()

	if killed && stage != types.RunCleaningUp && stage != types.RunUploadingResults &&
		stage != types.RunFinalizing && stage != types.RunFinished {
		m.transition(types.RunCleaningUp)
		stage = types.RunCleaningUp
		return nil
	}

	var err error
	switch stage {
	case types.RunPreparing:
		err = m.stepPreparing(ctx)
	case types.RunStarting:
		err = m.stepStarting(ctx)
	case types.RunRunning:
		err = m.stepRunning(ctx)
	case types.RunCleaningUp:
		err = m.stepCleaningUp(ctx)
	case types.RunUploadingResults:
		err = m.stepUploadingResults(ctx)
	case types.RunFinalizing:
		err = m.stepFinalizing(ctx)
	case types.RunFinished:
		return nil
	}

	if err != nil {
		m.mu.Lock()
		m.state.FailureMsg = err.Error()
		m.mu.Unlock()
		m.logger.Warn().Err(err).Str("stage", string(stage)).Msg("run step failed")
		if stage != types.RunCleaningUp && stage != types.RunUploadingResults && stage != types.RunFinalizing {
			m.transition(types.RunCleaningUp)
		}
	}
	return nil
}

func (m *Machine) transition(stage types.RunStage) {
	m.mu.Lock()
	m.state.Stage = stage
	m.mu.Unlock()
	m.logger.Debug().Str("stage", string(stage)).Msg("run stage transition")
}

func (m *Machine) bundle() types.Bundle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Bundle
}

// stepPreparing acquires every dependency and the image, advancing once
// all are ready.
func (m *Machine) stepPreparing(ctx context.Context) error {
	b := m.bundle()

	for _, dep := range b.Dependencies {
		entry := m.deps.Acquire(b.UUID, dep.Key())
		if entry.Stage == types.CacheFailed {
			return fmt.Errorf("dependency %s unavailable: %s", dep.Key(), entry.Status)
		}
		if entry.Stage != types.CacheReady {
			return nil // still downloading; try again next tick
		}
	}

	imageEntry := m.images.Acquire(b.UUID, b.Image)
	if imageEntry.Stage == types.CacheFailed {
		return fmt.Errorf("image %s unavailable: %s", b.Image, imageEntry.Status)
	}
	if imageEntry.Stage != types.CacheReady {
		return nil
	}
	digest, _ := m.images.Digest(b.Image)

	m.mu.Lock()
	m.state.ImageDigest = digest
	m.mu.Unlock()

	m.transition(types.RunStarting)
	return nil
}

// stepStarting creates the workspace, materializes dependencies, and
// starts the container.
func (m *Machine) stepStarting(ctx context.Context) error {
	b := m.bundle()
	ws := m.State().WorkspacePath

	if err := os.MkdirAll(ws, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	alloc, err := m.sched.Allocate(b.UUID, b.Resources)
	if err != nil {
		return fmt.Errorf("allocate resources: %w", err)
	}
	m.alloc = alloc

	entries := make([]materialize.Entry, 0, len(b.Dependencies))
	for _, dep := range b.Dependencies {
		entry, ok := m.deps.Lookup(dep.Key())
		if !ok || entry.LocalPath == "" {
			return fmt.Errorf("dependency %s has no local path", dep.Key())
		}
		entries = append(entries, materialize.Entry{Dependency: dep, SourcePath: entry.LocalPath})
	}
	shadowed, err := m.materials.Materialize(ws, entries)
	m.shadowed = shadowed
	if err != nil {
		return fmt.Errorf("materialize dependencies: %w", err)
	}

	containerID := "run-" + b.UUID
	command := []string{"/bin/sh", "-c", b.Command}
	if err := m.runtime.Run(ctx, runtime.RunSpec{
		ContainerID:    containerID,
		Image:          b.Image,
		Command:        command,
		WorkspacePath:  ws,
		Cpuset:         alloc.Cpuset,
		GPUIDs:         alloc.GPUIDs,
		MemoryBytes:    b.Resources.MemoryBytes,
		NetworkAllowed: b.Resources.NetworkAllowed,
	}); err != nil {
		return fmt.Errorf("start container: %w", err)
	}

	m.mu.Lock()
	m.state.ContainerID = containerID
	m.state.Cpuset = alloc.Cpuset
	m.state.Gpuset = alloc.GPUIDs
	m.startWall = m.now()
	m.mu.Unlock()

	m.transition(types.RunRunning)
	return nil
}

// stepRunning polls the container; on exit (or a local resource-limit
// overrun — wall time or disk) it advances to CLEANING_UP.
func (m *Machine) stepRunning(ctx context.Context) error {
	st := m.State()
	b := st.Bundle

	if b.Resources.WallTimeSeconds > 0 && m.now().Sub(m.startWall) > time.Duration(b.Resources.WallTimeSeconds)*time.Second {
		m.Kill("wall time limit exceeded")
		m.transition(types.RunCleaningUp)
		return nil
	}

	if stats, err := m.runtime.Stats(ctx, st.ContainerID); err != nil {
		m.logger.Debug().Err(err).Msg("container stats poll failed")
	} else {
		m.lastStats = stats
	}
	if disk, err := dirSizeBytes(st.WorkspacePath); err != nil {
		m.logger.Debug().Err(err).Msg("workspace disk usage poll failed")
	} else {
		m.lastDiskBytes = disk
	}

	m.mu.Lock()
	m.state.Info = map[string]any{
		"cpu_time_nanos": m.lastStats.CPUTimeNanos,
		"memory_bytes":   m.lastStats.MemoryBytes,
		"disk_bytes":     m.lastDiskBytes,
	}
	m.mu.Unlock()

	if b.Resources.DiskBytes > 0 && m.lastDiskBytes > b.Resources.DiskBytes {
		m.Kill("disk quota exceeded")
		m.transition(types.RunCleaningUp)
		return nil
	}

	exitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{ ExitStatus runtime.ExitStatus }, 1)
	errCh := make(chan error, 1)
	go func() {
		status, err := m.runtime.Wait(exitCtx, st.ContainerID)
		if err != nil {
			errCh <- err
			return
		}
		done <- struct{ ExitStatus runtime.ExitStatus }{status}
	}()

	select {
	case d := <-done:
		code := int(d.ExitStatus.ExitCode)
		m.mu.Lock()
		m.state.ExitCode = &code
		m.mu.Unlock()
		m.transition(types.RunCleaningUp)
	case <-errCh:
		// still running, or the wait itself hit its poll timeout; try again next tick
	case <-exitCtx.Done():
	}
	return nil
}

// stepCleaningUp releases dependency/image references and stops the
// container.
func (m *Machine) stepCleaningUp(ctx context.Context) error {
	st := m.State()
	b := st.Bundle

	for _, dep := range b.Dependencies {
		m.deps.Release(b.UUID, dep.Key())
	}
	m.images.Release(b.UUID, b.Image)
	m.sched.Release(b.UUID)

	if st.ContainerID != "" {
		if err := m.runtime.Stop(ctx, st.ContainerID, 10*time.Second); err != nil {
			m.logger.Warn().Err(err).Msg("stop container")
		}
		if err := m.runtime.Remove(ctx, st.ContainerID); err != nil {
			m.logger.Warn().Err(err).Msg("remove container")
		}
	}

	if err := m.materials.Cleanup(st.WorkspacePath, dependencyEntries(b, m.shadowed)); err != nil {
		m.logger.Warn().Err(err).Msg("cleanup materialized dependencies")
	}

	m.transition(types.RunUploadingResults)
	return nil
}

func dependencyEntries(b types.Bundle, shadowed []string) []materialize.Entry {
	shadow := make(map[string]bool, len(shadowed))
	for _, s := range shadowed {
		shadow[s] = true
	}
	entries := make([]materialize.Entry, 0, len(b.Dependencies))
	for _, dep := range b.Dependencies {
		if shadow[dep.ChildPath] {
			entries = append(entries, materialize.Entry{Dependency: dep})
		}
	}
	return entries
}

// stepUploadingResults tars up the workspace (excluding shadowed
// dependency paths) and streams it to the bundle service.
func (m *Machine) stepUploadingResults(ctx context.Context) error {
	st := m.State()

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(tarGzipDir(pw, st.WorkspacePath, m.shadowed))
	}()

	if err := m.reporter.UpdateBundleContents(ctx, st.Bundle.UUID, pr); err != nil {
		return fmt.Errorf("upload results: %w", err)
	}

	m.transition(types.RunFinalizing)
	return nil
}

// stepFinalizing reports the outcome and, on success, removes the
// workspace and finishes the run.
func (m *Machine) stepFinalizing(ctx context.Context) error {
	st := m.State()

	final := types.FinalState{
		UUID:        st.Bundle.UUID,
		ExitCode:    st.ExitCode,
		FailureMsg:  st.FailureMsg,
		Time:        m.now().Sub(st.StartTime),
		MemoryBytes: int64(m.lastStats.MemoryBytes),
		DiskBytes:   m.lastDiskBytes,
	}

	if err := m.reporter.FinalizeBundle(ctx, final); err != nil {
		return fmt.Errorf("finalize bundle: %w", err)
	}

	if err := os.RemoveAll(st.WorkspacePath); err != nil {
		m.logger.Warn().Err(err).Msg("remove workspace")
	}

	m.transition(types.RunFinished)
	return nil
}

// dirSizeBytes sums the apparent size of every regular file under dir, used
// to enforce a run's disk quota since the container runtime reports only
// CPU/memory stats.
func dirSizeBytes(dir string) (int64, error) {
	var total int64
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// tarGzipDir streams dir as a gzipped tar onto w, skipping top-level
// entries named in shadowed (dependency mount points, which the bundle
// service already has a copy of).
func tarGzipDir(w io.Writer, dir string, shadowed []string) error {
	shadow := make(map[string]bool, len(shadowed))
	for _, s := range shadowed {
		shadow[s] = true
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if shadow[rel] {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = rel
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		tw.Close()
		gz.Close()
		return err
	}
	if err := tw.Close(); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}
