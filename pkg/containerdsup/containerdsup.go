//go:build linux

// Package containerdsup supervises an embedded containerd daemon for
// deployments that don't already have one running on the host. It's
// Linux-only, matching containerd itself.
package containerdsup

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/codalab-worker/pkg/log"
)

const (
	// DefaultDataDir is where the supervised containerd stores state.
	DefaultDataDir = "/var/lib/codalab-worker/containerd"

	// DefaultSocketPath is where the supervised daemon listens.
	DefaultSocketPath = "/run/codalab-worker/containerd.sock"

	defaultConfig = `version = 2

[plugins."io.containerd.grpc.v1.cri".containerd]
  snapshotter = "overlayfs"

  [plugins."io.containerd.grpc.v1.cri".containerd.runtimes.runc]
    runtime_type = "io.containerd.runc.v2"
`
)

// Supervisor manages the lifecycle of an embedded containerd process.
// UseExternal, if true, makes every method a no-op except ResolvedSocketPath,
// which then points at the host's system containerd.
type Supervisor struct {
	DataDir      string
	SocketPath   string
	BinaryPath   string // path to a containerd binary already on $PATH or installed by the deployer
	UseExternal  bool

	cmd    *exec.Cmd
	logger zerolog.Logger
}

// New constructs a Supervisor with defaults filled in.
func New(dataDir, socketPath, binaryPath string, useExternal bool) *Supervisor {
	if dataDir == "" {
		dataDir = DefaultDataDir
	}
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if binaryPath == "" {
		binaryPath = "containerd"
	}
	return &Supervisor{
		DataDir:     dataDir,
		SocketPath:  socketPath,
		BinaryPath:  binaryPath,
		UseExternal: useExternal,
		logger:      log.WithComponent("containerdsup"),
	}
}

// ResolvedSocketPath returns the socket a Runtime should dial: the
// supervised daemon's, or the host's system default when UseExternal is
// set.
func (s *Supervisor) ResolvedSocketPath() string {
	if s.UseExternal {
		return "/run/containerd/containerd.sock"
	}
	return s.SocketPath
}

// Start launches the embedded containerd and waits for its socket to
// appear. A no-op if UseExternal is set.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.UseExternal {
		s.logger.Info().Msg("using external containerd, skipping embedded start")
		return nil
	}

	configPath := filepath.Join(s.DataDir, "config.toml")
	if err := os.MkdirAll(s.DataDir, 0o755); err != nil {
		return fmt.Errorf("containerdsup: create data dir: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(defaultConfig), 0o644); err != nil {
		return fmt.Errorf("containerdsup: write config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.SocketPath), 0o755); err != nil {
		return fmt.Errorf("containerdsup: create socket dir: %w", err)
	}

	s.cmd = exec.CommandContext(ctx, s.BinaryPath,
		"--config", configPath,
		"--address", s.SocketPath,
		"--root", filepath.Join(s.DataDir, "root"),
		"--state", filepath.Join(s.DataDir, "state"),
	)
	s.cmd.Stdout = &logWriter{logger: s.logger}
	s.cmd.Stderr = &logWriter{logger: s.logger, isErr: true}

	if err := s.cmd.Start(); err != nil {
		return fmt.Errorf("containerdsup: start containerd: %w", err)
	}

	if err := s.waitForSocket(ctx, 30*time.Second); err != nil {
		_ = s.Stop()
		return fmt.Errorf("containerdsup: containerd did not become ready: %w", err)
	}

	s.logger.Info().Str("socket", s.SocketPath).Msg("embedded containerd started")
	go s.monitor(ctx)
	return nil
}

// Stop gracefully stops the embedded containerd, force-killing it after
// a 10s grace period. A no-op if UseExternal is set or nothing was started.
func (s *Supervisor) Stop() error {
	if s.UseExternal || s.cmd == nil || s.cmd.Process == nil {
		return nil
	}

	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn().Err(err).Msg("send SIGTERM to containerd")
	}

	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()

	select {
	case <-time.After(10 * time.Second):
		s.logger.Warn().Msg("containerd did not stop gracefully, force killing")
		if err := s.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("containerdsup: kill containerd: %w", err)
		}
		<-done
	case err := <-done:
		if err != nil {
			s.logger.Warn().Err(err).Msg("containerd exited with error during stop")
		}
	}
	return nil
}

func (s *Supervisor) waitForSocket(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for %s", s.SocketPath)
		case <-ticker.C:
			if _, err := os.Stat(s.SocketPath); err == nil {
				return nil
			}
		}
	}
}

// monitor logs if the daemon exits without Stop having been called; the
// caller is expected to notice and restart the worker.
func (s *Supervisor) monitor(ctx context.Context) {
	err := s.cmd.Wait()
	select {
	case <-ctx.Done():
		return
	default:
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("containerd exited unexpectedly")
	} else {
		s.logger.Warn().Msg("containerd exited unexpectedly with no error")
	}
}

type logWriter struct {
	logger zerolog.Logger
	isErr  bool
}

func (w *logWriter) Write(p []byte) (int, error) {
	if w.isErr {
		w.logger.Error().Msg(string(p))
	} else {
		w.logger.Debug().Msg(string(p))
	}
	return len(p), nil
}
