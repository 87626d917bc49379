// Package worker implements the WorkerLoop: the single top-level loop that
// ticks every active run's state machine, checks in with the bundle
// service, and dispatches whatever command the check-in response carries.
package worker

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/codalab-worker/pkg/cache"
	"github.com/cuemby/codalab-worker/pkg/localsched"
	"github.com/cuemby/codalab-worker/pkg/log"
	"github.com/cuemby/codalab-worker/pkg/materialize"
	"github.com/cuemby/codalab-worker/pkg/metrics"
	"github.com/cuemby/codalab-worker/pkg/reader"
	"github.com/cuemby/codalab-worker/pkg/run"
	"github.com/cuemby/codalab-worker/pkg/runtime"
	"github.com/cuemby/codalab-worker/pkg/state"
	"github.com/cuemby/codalab-worker/pkg/types"
)

// DefaultTickInterval is how often the loop advances runs and checks in
// when nothing has told it to hurry up or back off.
const DefaultTickInterval = time.Second

// DefaultCheckinFailureSleep is how long the loop waits after a failed
// check-in before trying again. No compounding backoff: a bundle service
// outage is expected to be transient and the worker has nothing better to
// do in the meantime than keep ticking its own runs.
const DefaultCheckinFailureSleep = time.Second

// BundleService is what the loop needs from the bundle service client:
// check-ins, result reporting, and reply delivery for read/write/netcat
// commands. *client.Client satisfies this.
type BundleService interface {
	Checkin(ctx context.Context, req types.CheckinRequest) (*types.CheckinCommand, error)
	// StartBundle claims a run command's bundle before the worker commits
	// to running it. A false result means another worker (or a retried
	// check-in) already claimed it; the caller must discard it.
	StartBundle(ctx context.Context, bundleUUID string) (bool, error)
	run.ResultReporter
	Reply(ctx context.Context, socketID string, envelope any) error
}

// Config configures a Loop.
type Config struct {
	WorkerID string
	Tag      string
	WorkDir  string
	Version  string

	TickInterval        time.Duration
	CheckinFailureSleep time.Duration
}

// Deps bundles a Loop's collaborators.
type Deps struct {
	Service      BundleService
	Deps         *cache.Cache[types.DependencyKey]
	Images       *cache.ImageCache
	Scheduler    *localsched.Scheduler
	Runtime      runtime.Runtime
	Materializer *materialize.Materializer
	StateCommit  *state.Committer[map[string]types.RunState]
}

// Loop drives every active run on this node and keeps the bundle service
// informed of the node's state, one tick at a time.
type Loop struct {
	cfg Config
	dep Deps

	logger zerolog.Logger

	mu      sync.Mutex
	runs    map[string]*run.Machine
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New constructs a Loop. Call Run to start it.
func New(cfg Config, d Deps) *Loop {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.CheckinFailureSleep == 0 {
		cfg.CheckinFailureSleep = DefaultCheckinFailureSleep
	}
	return &Loop{
		cfg:    cfg,
		dep:    d,
		logger: log.WithWorkerID(cfg.WorkerID),
		runs:   make(map[string]*run.Machine),
	}
}

// LoadPersistedRuns reconstructs in-flight runs from the last state
// committed before a restart, so they resume rather than vanish from
// tracking (the bundle service still believes they're running, and a
// dropped Machine would never finalize them). Call once before Run.
func (l *Loop) LoadPersistedRuns() error {
	if l.dep.StateCommit == nil {
		return nil
	}
	persisted, err := l.dep.StateCommit.Load(nil)
	if err != nil {
		return fmt.Errorf("worker: load persisted run state: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for uuid, st := range persisted {
		if st.Stage == types.RunFinished {
			continue
		}
		m, err := run.Restore(st, run.Deps{
			DependencyCache: l.dep.Deps,
			ImageCache:      l.dep.Images,
			Runtime:         l.dep.Runtime,
			Materializer:    l.dep.Materializer,
			Scheduler:       l.dep.Scheduler,
			Reporter:        l.dep.Service,
		})
		if err != nil {
			l.logger.Error().Err(err).Str("run_uuid", uuid).Str("stage", string(st.Stage)).
				Msg("failed to resume persisted run; dropping it")
			continue
		}
		l.runs[uuid] = m
		l.logger.Info().Str("run_uuid", uuid).Str("stage", string(st.Stage)).Msg("resumed run from persisted state")
	}
	return nil
}

// Run ticks the loop until ctx is cancelled or Stop is called. It blocks.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("worker: loop already running")
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	l.mu.Unlock()
	defer close(l.doneCh)

	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopCh:
			return nil
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// Stop ends the loop after its current tick and waits for Run to return.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	close(l.stopCh)
	l.running = false
	done := l.doneCh
	l.mu.Unlock()
	<-done
}

// tick advances every run, persists aggregate state, checks in, and
// dispatches whatever command comes back.
func (l *Loop) tick(ctx context.Context) {
	l.advanceRuns(ctx)
	l.persistState()

	cmd, err := l.checkin(ctx)
	if err != nil {
		l.logger.Warn().Err(err).Msg("checkin failed")
		time.Sleep(l.cfg.CheckinFailureSleep)
		return
	}
	if cmd == nil {
		return
	}
	l.dispatch(ctx, *cmd)
}

func (l *Loop) advanceRuns(ctx context.Context) {
	l.mu.Lock()
	machines := make([]*run.Machine, 0, len(l.runs))
	for _, m := range l.runs {
		machines = append(machines, m)
	}
	l.mu.Unlock()

	stageCounts := map[types.RunStage]int{}
	for _, m := range machines {
		if err := m.Advance(ctx); err != nil {
			l.logger.Error().Err(err).Msg("run advance returned an error; this should not happen")
		}
		stageCounts[m.State().Stage]++
	}
	for stage, n := range stageCounts {
		metrics.RunsTotal.WithLabelValues(string(stage)).Set(float64(n))
	}

	l.mu.Lock()
	for uuid, m := range l.runs {
		if m.Done() {
			delete(l.runs, uuid)
			metrics.RunsFinalizedTotal.WithLabelValues(outcomeLabel(m.State())).Inc()
		}
	}
	l.mu.Unlock()
}

func outcomeLabel(st types.RunState) string {
	if st.FailureMsg != "" {
		return "failed"
	}
	if st.IsKilled {
		return "killed"
	}
	return "ready"
}

func (l *Loop) persistState() {
	if l.dep.StateCommit == nil {
		return
	}
	l.mu.Lock()
	snapshot := make(map[string]types.RunState, len(l.runs))
	for uuid, m := range l.runs {
		snapshot[uuid] = m.State()
	}
	l.mu.Unlock()

	if err := l.dep.StateCommit.Commit(snapshot); err != nil {
		l.logger.Error().Err(err).Msg("failed to persist run state")
	}
}

func (l *Loop) checkin(ctx context.Context) (*types.CheckinCommand, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CheckinDuration)

	req := l.buildCheckinRequest()
	checkinCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd, err := l.dep.Service.Checkin(checkinCtx, req)
	if err != nil {
		metrics.CheckinsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.CheckinsTotal.WithLabelValues("ok").Inc()
	return cmd, nil
}

func (l *Loop) buildCheckinRequest() types.CheckinRequest {
	freeCPUs, freeGPUs, freeMem := l.dep.Scheduler.Free()

	var deps []types.DependencyInfo
	if l.dep.Deps != nil {
		for _, ke := range l.dep.Deps.AllKeyed() {
			deps = append(deps, types.DependencyInfo{Key: ke.Key, SizeBytes: ke.Entry.SizeBytes, Stage: ke.Entry.Stage})
		}
	}

	l.mu.Lock()
	runs := make([]types.RunInfo, 0, len(l.runs))
	for uuid, m := range l.runs {
		st := m.State()
		runs = append(runs, types.RunInfo{UUID: uuid, Stage: st.Stage, Info: st.Info})
	}
	l.mu.Unlock()

	return types.CheckinRequest{
		Version:       l.cfg.Version,
		Tag:           l.cfg.Tag,
		Hostname:      hostname(),
		CPUs:          freeCPUs,
		GPUs:          freeGPUs,
		MemoryBytes:   freeMem,
		FreeDiskBytes: freeDiskBytes(l.cfg.WorkDir),
		Dependencies:  deps,
		Runs:          runs,
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

func freeDiskBytes(path string) int64 {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return 0
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0
	}
	return int64(stat.Bavail) * int64(stat.Bsize)
}

func (l *Loop) dispatch(ctx context.Context, cmd types.CheckinCommand) {
	switch cmd.Type {
	case types.CommandRun:
		l.dispatchRun(ctx, cmd)
	case types.CommandKill:
		l.dispatchKill(cmd)
	case types.CommandRead:
		go l.dispatchRead(ctx, cmd)
	case types.CommandWrite:
		go l.dispatchWrite(ctx, cmd)
	case types.CommandNetcat:
		go l.dispatchNetcat(ctx, cmd)
	default:
		l.logger.Warn().Str("type", string(cmd.Type)).Msg("unrecognized checkin command")
	}
}

// dispatchRun claims a run command's bundle with the bundle service before
// instantiating a RunStateMachine for it. A declined claim (another worker
// already took it, or this is a retried check-in the service has already
// assigned elsewhere) discards the bundle rather than tracking it.
func (l *Loop) dispatchRun(ctx context.Context, cmd types.CheckinCommand) {
	if cmd.Bundle == nil {
		l.logger.Warn().Msg("run command missing bundle")
		return
	}
	bundle := *cmd.Bundle
	if cmd.Resources != nil {
		bundle.Resources = *cmd.Resources
	}

	l.mu.Lock()
	_, exists := l.runs[bundle.UUID]
	l.mu.Unlock()
	if exists {
		return
	}

	claimed, err := l.dep.Service.StartBundle(ctx, bundle.UUID)
	if err != nil {
		l.logger.Warn().Err(err).Str("run_uuid", bundle.UUID).Msg("claim bundle failed")
		return
	}
	if !claimed {
		l.logger.Info().Str("run_uuid", bundle.UUID).Msg("bundle claim declined; discarding")
		return
	}

	m := run.New(bundle, l.cfg.WorkDir, run.Deps{
		DependencyCache: l.dep.Deps,
		ImageCache:      l.dep.Images,
		Runtime:         l.dep.Runtime,
		Materializer:    l.dep.Materializer,
		Scheduler:       l.dep.Scheduler,
		Reporter:        l.dep.Service,
	})

	l.mu.Lock()
	if _, exists := l.runs[bundle.UUID]; exists {
		l.mu.Unlock()
		return
	}
	l.runs[bundle.UUID] = m
	l.mu.Unlock()

	l.logger.Info().Str("run_uuid", bundle.UUID).Msg("accepted run")
}

func (l *Loop) dispatchKill(cmd types.CheckinCommand) {
	l.mu.Lock()
	m, ok := l.runs[cmd.UUID]
	l.mu.Unlock()
	if !ok {
		return
	}
	reason := string(cmd.Message)
	if reason == "" {
		reason = "killed by bundle service"
	}
	m.Kill(reason)
}

// dispatchRead answers a read operation against a run's workspace and
// replies over the socket the bundle service is waiting on.
func (l *Loop) dispatchRead(ctx context.Context, cmd types.CheckinCommand) {
	r, err := l.readerFor(cmd.UUID)
	if err != nil {
		l.replyError(ctx, cmd.SocketID, err)
		return
	}

	op, _ := cmd.ReadArgs["op"].(string)
	var envelope any
	switch op {
	case "get_target_info":
		depth := intArg(cmd.ReadArgs, "depth", 1)
		info, err := r.GetTargetInfo(cmd.Path, depth)
		if err != nil {
			l.replyError(ctx, cmd.SocketID, err)
			return
		}
		envelope = info
	case "stream_directory":
		pr, pw := io.Pipe()
		go func() { pw.CloseWithError(r.StreamDirectory(cmd.Path, pw)) }()
		envelope = streamEnvelope(pr)
	case "stream_file":
		pr, pw := io.Pipe()
		go func() { pw.CloseWithError(r.StreamFile(cmd.Path, pw)) }()
		envelope = streamEnvelope(pr)
	case "read_file_section":
		offset := int64(intArg(cmd.ReadArgs, "offset", 0))
		length := int64(intArg(cmd.ReadArgs, "length", 0))
		data, err := r.ReadFileSection(cmd.Path, offset, length)
		if err != nil {
			l.replyError(ctx, cmd.SocketID, err)
			return
		}
		envelope = struct {
			Data []byte `json:"data"`
		}{data}
	case "summarize_file":
		head := intArg(cmd.ReadArgs, "head_lines", 10)
		tail := intArg(cmd.ReadArgs, "tail_lines", 10)
		maxLen := intArg(cmd.ReadArgs, "max_line_length", 128)
		summary, err := r.SummarizeFile(cmd.Path, head, tail, maxLen, "\n... (truncated) ...\n")
		if err != nil {
			l.replyError(ctx, cmd.SocketID, err)
			return
		}
		envelope = struct {
			Summary string `json:"summary"`
		}{summary}
	default:
		l.replyError(ctx, cmd.SocketID, fmt.Errorf("reader: unknown op %q", op))
		return
	}

	if err := l.dep.Service.Reply(ctx, cmd.SocketID, envelope); err != nil {
		l.logger.Warn().Err(err).Str("socket_id", cmd.SocketID).Msg("reply failed")
	}
}

func streamEnvelope(r io.Reader) any {
	data, err := io.ReadAll(r)
	if err != nil {
		return struct {
			Error string `json:"error"`
		}{err.Error()}
	}
	return struct {
		Data []byte `json:"data"`
	}{data}
}

// dispatchWrite writes bytes into a run's workspace at subpath, refusing
// any path a dependency shadows.
func (l *Loop) dispatchWrite(ctx context.Context, cmd types.CheckinCommand) {
	l.mu.Lock()
	m, ok := l.runs[cmd.UUID]
	l.mu.Unlock()
	if !ok {
		l.replyError(ctx, cmd.SocketID, fmt.Errorf("worker: unknown run %s", cmd.UUID))
		return
	}
	ws := m.State().WorkspacePath

	target, err := materialize.SafePath(ws, cmd.Subpath)
	if err != nil {
		l.replyError(ctx, cmd.SocketID, fmt.Errorf("worker: write target rejected: %w", err))
		return
	}
	if err := os.WriteFile(target, cmd.Data, 0o644); err != nil {
		l.replyError(ctx, cmd.SocketID, fmt.Errorf("worker: write %s: %w", cmd.Subpath, err))
		return
	}
	if err := l.dep.Service.Reply(ctx, cmd.SocketID, struct {
		OK bool `json:"ok"`
	}{true}); err != nil {
		l.logger.Warn().Err(err).Str("socket_id", cmd.SocketID).Msg("reply failed")
	}
}

// dispatchNetcat opens a TCP connection to a run's container on the
// requested port, writes the given message, and relays the response back
// as a reply.
func (l *Loop) dispatchNetcat(ctx context.Context, cmd types.CheckinCommand) {
	l.mu.Lock()
	m, ok := l.runs[cmd.UUID]
	l.mu.Unlock()
	if !ok {
		l.replyError(ctx, cmd.SocketID, fmt.Errorf("worker: unknown run %s", cmd.UUID))
		return
	}

	containerIP, err := l.dep.Runtime.ContainerIP(ctx, m.State().ContainerID)
	if err != nil {
		l.replyError(ctx, cmd.SocketID, fmt.Errorf("worker: resolve container ip: %w", err))
		return
	}

	addr := fmt.Sprintf("%s:%d", containerIP, cmd.Port)
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		l.replyError(ctx, cmd.SocketID, fmt.Errorf("worker: dial %s: %w", addr, err))
		return
	}
	defer conn.Close()

	if len(cmd.Message) > 0 {
		if _, err := conn.Write(cmd.Message); err != nil {
			l.replyError(ctx, cmd.SocketID, fmt.Errorf("worker: write to %s: %w", addr, err))
			return
		}
	}
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	data, err := io.ReadAll(conn)
	if err != nil && err != io.EOF {
		l.replyError(ctx, cmd.SocketID, fmt.Errorf("worker: read from %s: %w", addr, err))
		return
	}

	if err := l.dep.Service.Reply(ctx, cmd.SocketID, struct {
		Data []byte `json:"data"`
	}{data}); err != nil {
		l.logger.Warn().Err(err).Str("socket_id", cmd.SocketID).Msg("reply failed")
	}
}

func (l *Loop) readerFor(runUUID string) (*reader.Reader, error) {
	l.mu.Lock()
	m, ok := l.runs[runUUID]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("worker: unknown run %s", runUUID)
	}
	st := m.State()
	return &reader.Reader{WorkspaceRoot: st.WorkspacePath}, nil
}

func (l *Loop) replyError(ctx context.Context, socketID string, err error) {
	l.logger.Warn().Err(err).Str("socket_id", socketID).Msg("read/write/netcat command failed")
	envelope := struct {
		Error string `json:"error"`
	}{err.Error()}
	if replyErr := l.dep.Service.Reply(ctx, socketID, envelope); replyErr != nil {
		l.logger.Warn().Err(replyErr).Str("socket_id", socketID).Msg("reply failed")
	}
}

func intArg(args map[string]any, key string, def int) int {
	v, ok := args[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return def
	}
}
