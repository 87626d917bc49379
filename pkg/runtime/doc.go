// Package runtime runs bundles as containerd containers: pulling images,
// starting a container with the run's workspace bind-mounted in, enforcing
// cpuset/memory limits, and tearing the container down once the run
// finishes. ContainerdRuntime is the only production implementation; the
// run state machine depends on the Runtime interface so tests can swap in
// a fake.
package runtime
