// Package runtime abstracts the container runtime behind the thin
// operational interface the run state machine needs: pull, run, inspect,
// kill, remove. The runtime's own internals (snapshotters, content store,
// OCI spec generation details) are not the worker's concern beyond this
// interface.
package runtime

import (
	"context"
	"io"
	"syscall"
	"time"
)

// RunSpec describes one container to start for a run.
type RunSpec struct {
	ContainerID    string
	Image          string
	Command        []string
	WorkspacePath  string // bind-mounted into the container as its working directory
	Cpuset         []int
	GPUIDs         []string
	MemoryBytes    int64
	NetworkAllowed bool
}

// Stats is a point-in-time resource snapshot for a running container.
type Stats struct {
	CPUTimeNanos uint64
	MemoryBytes  uint64
}

// ExitStatus is what Wait returns once a container's process has exited.
type ExitStatus struct {
	ExitCode uint32
}

// Runtime is the operational interface the run state machine and image
// cache depend on. ContainerdRuntime is the only implementation; tests use
// a hand-written fake rather than a mock framework, following the style of
// the rest of the worker's test suites.
type Runtime interface {
	// PullImage resolves ref to a content digest, pulling it if not
	// already present locally.
	PullImage(ctx context.Context, ref string) (digest string, sizeBytes int64, err error)

	// Run creates and starts a container per spec, returning once the
	// process has started (not once it exits).
	Run(ctx context.Context, spec RunSpec) error

	// Wait blocks until the container's process exits.
	Wait(ctx context.Context, containerID string) (ExitStatus, error)

	// Stats returns current resource usage for a running container.
	Stats(ctx context.Context, containerID string) (Stats, error)

	// Kill sends sig to the container's process.
	Kill(ctx context.Context, containerID string, sig syscall.Signal) error

	// Stop attempts a graceful SIGTERM, falling back to SIGKILL after
	// timeout.
	Stop(ctx context.Context, containerID string, timeout time.Duration) error

	// Remove deletes the container and its snapshot. Safe to call on an
	// already-removed or never-created container.
	Remove(ctx context.Context, containerID string) error

	// ContainerIP returns the container's network-namespace IP, used by
	// the netcat command.
	ContainerIP(ctx context.Context, containerID string) (string, error)

	// Logs streams the container's combined stdout/stderr.
	Logs(ctx context.Context, containerID string) (io.ReadCloser, error)

	// Close releases the client connection.
	Close() error
}
