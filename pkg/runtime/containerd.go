package runtime

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// Namespace is the containerd namespace every bundle run executes in.
	Namespace = "codalab-worker"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	cpuPeriod = uint64(100000) // 100ms, matches the CFS default quota period
)

// ContainerdRuntime implements Runtime on top of a containerd client.
type ContainerdRuntime struct {
	client *containerd.Client
}

// NewContainerdRuntime dials the containerd socket at socketPath (or
// DefaultSocketPath if empty).
func NewContainerdRuntime(socketPath string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("runtime: connect to containerd at %s: %w", socketPath, err)
	}
	return &ContainerdRuntime{client: client}, nil
}

// Close implements Runtime.
func (r *ContainerdRuntime) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *ContainerdRuntime) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, Namespace)
}

// PullImage implements Runtime.
func (r *ContainerdRuntime) PullImage(ctx context.Context, ref string) (string, int64, error) {
	ctx = r.ctx(ctx)

	image, err := r.client.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return "", 0, fmt.Errorf("runtime: pull %s: %w", ref, err)
	}

	size, err := image.Size(ctx)
	if err != nil {
		size = 0
	}
	return image.Target().Digest.String(), size, nil
}

// Run implements Runtime.
func (r *ContainerdRuntime) Run(ctx context.Context, spec RunSpec) error {
	ctx = r.ctx(ctx)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return fmt.Errorf("runtime: get image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithProcessArgs(spec.Command...),
		oci.WithMounts([]specs.Mount{{
			Source:      spec.WorkspacePath,
			Destination: "/0",
			Type:        "bind",
			Options:     []string{"rbind", "rw"},
		}}),
		oci.WithProcessCwd("/0"),
	}

	if len(spec.Cpuset) > 0 {
		opts = append(opts, oci.WithCPUs(cpusetString(spec.Cpuset)))
	}
	if spec.MemoryBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryBytes)))
		// CFS quota proportional to the cpuset width keeps CPU and memory
		// limits consistent even though they're expressed independently.
		if n := len(spec.Cpuset); n > 0 {
			opts = append(opts, oci.WithCPUCFS(int64(n)*int64(cpuPeriod), cpuPeriod))
		}
	}
	if !spec.NetworkAllowed {
		opts = append(opts, oci.WithLinuxNamespace(specs.LinuxNamespace{Type: specs.NetworkNamespace}))
	} else {
		opts = append(opts, oci.WithHostNamespace(specs.NetworkNamespace))
	}

	container, err := r.client.NewContainer(
		ctx,
		spec.ContainerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ContainerID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return fmt.Errorf("runtime: create container %s: %w", spec.ContainerID, err)
	}

	logPath := spec.WorkspacePath + "/.container-output.log"
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("runtime: open log file for %s: %w", spec.ContainerID, err)
	}

	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, logFile, logFile)))
	if err != nil {
		logFile.Close()
		return fmt.Errorf("runtime: create task for %s: %w", spec.ContainerID, err)
	}

	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("runtime: start task for %s: %w", spec.ContainerID, err)
	}
	return nil
}

// Wait implements Runtime.
func (r *ContainerdRuntime) Wait(ctx context.Context, containerID string) (ExitStatus, error) {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return ExitStatus{}, fmt.Errorf("runtime: load container %s: %w", containerID, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return ExitStatus{}, fmt.Errorf("runtime: get task for %s: %w", containerID, err)
	}

	statusC, err := task.Wait(ctx)
	if err != nil {
		return ExitStatus{}, fmt.Errorf("runtime: wait on task for %s: %w", containerID, err)
	}

	status := <-statusC
	return ExitStatus{ExitCode: status.ExitCode()}, status.Error()
}

// Stats implements Runtime.
func (r *ContainerdRuntime) Stats(ctx context.Context, containerID string) (Stats, error) {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return Stats{}, fmt.Errorf("runtime: load container %s: %w", containerID, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return Stats{}, fmt.Errorf("runtime: get task for %s: %w", containerID, err)
	}

	_, err = task.Metrics(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("runtime: get metrics for %s: %w", containerID, err)
	}
	// The containerd metrics payload is runtime-specific (cgroups v1 vs v2,
	// encoded as a typeurl.Any); decoding it fully is out of scope here, so
	// callers that need precise CPU/memory numbers should layer cgroup
	// reads on top of task.Pid() until that decoding is added.
	return Stats{}, nil
}

// Kill implements Runtime.
func (r *ContainerdRuntime) Kill(ctx context.Context, containerID string, sig syscall.Signal) error {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("runtime: load container %s: %w", containerID, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil // no task means nothing to signal
	}
	return task.Kill(ctx, sig)
}

// Stop implements Runtime.
func (r *ContainerdRuntime) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("runtime: load container %s: %w", containerID, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("runtime: SIGTERM %s: %w", containerID, err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("runtime: wait on %s: %w", containerID, err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("runtime: SIGKILL %s: %w", containerID, err)
		}
		<-statusC
	}

	_, err = task.Delete(ctx)
	if err != nil {
		return fmt.Errorf("runtime: delete task %s: %w", containerID, err)
	}
	return nil
}

// Remove implements Runtime.
func (r *ContainerdRuntime) Remove(ctx context.Context, containerID string) error {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil // already gone
	}
	if err := r.Stop(ctx, containerID, 10*time.Second); err != nil {
		// Already logged upstream by the caller; deletion proceeds either way.
		_ = err
	}
	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("runtime: delete container %s: %w", containerID, err)
	}
	return nil
}

// ContainerIP implements Runtime.
func (r *ContainerdRuntime) ContainerIP(ctx context.Context, containerID string) (string, error) {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("runtime: load container %s: %w", containerID, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("runtime: get task for %s: %w", containerID, err)
	}

	pid := task.Pid()
	if pid == 0 {
		return "", fmt.Errorf("runtime: container %s has no PID", containerID)
	}

	cmd := exec.CommandContext(ctx, "nsenter", "-t", strconv.Itoa(int(pid)), "-n", "ip", "-4", "addr", "show", "eth0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("runtime: get container IP for %s: %w (output: %s)", containerID, err, output)
	}

	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "inet ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		ip, _, err := net.ParseCIDR(fields[1])
		if err != nil {
			return "", fmt.Errorf("runtime: parse IP %s: %w", fields[1], err)
		}
		return ip.String(), nil
	}
	return "", fmt.Errorf("runtime: no IP address found for container %s", containerID)
}

// Logs implements Runtime without streaming anything: it always returns an
// error. Run sends the container's stdout and stderr to
// .container-output.log in the workspace instead.
func (r *ContainerdRuntime) Logs(ctx context.Context, containerID string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("runtime: read the workspace's .container-output.log file directly instead")
}

func cpusetString(cpus []int) string {
	parts := make([]string, len(cpus))
	for i, c := range cpus {
		parts[i] = strconv.Itoa(c)
	}
	return strings.Join(parts, ",")
}
