// Package localsched allocates CPU cores and GPU IDs to runs on this one
// worker node. Unlike a cluster scheduler it never places work across
// nodes — it only answers "does this run fit, and which cores/GPUs does it
// get" for the WorkerLoop driving runs locally.
package localsched

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/codalab-worker/pkg/log"
	"github.com/cuemby/codalab-worker/pkg/types"
)

// Allocation is the set of resources handed to one run.
type Allocation struct {
	RunUUID     string
	Cpuset      []int
	GPUIDs      []string
	MemoryBytes int64
}

// ErrInsufficientResources is returned by Allocate when the request cannot
// be satisfied by what's currently free.
var ErrInsufficientResources = fmt.Errorf("localsched: insufficient resources")

// Scheduler tracks which cores, GPUs, and how much memory are free on this
// node and hands out non-overlapping allocations to runs.
type Scheduler struct {
	logger zerolog.Logger
	mu     sync.Mutex

	totalCPUs   int
	totalGPUs   []string
	totalMemory int64

	freeCPUs   map[int]bool
	freeGPUs   map[string]bool
	usedMemory int64

	allocations map[string]Allocation
}

// New constructs a Scheduler over numCPUs cores (numbered 0..numCPUs-1),
// the given GPU IDs, and totalMemory bytes.
func New(numCPUs int, gpuIDs []string, totalMemory int64) *Scheduler {
	freeCPUs := make(map[int]bool, numCPUs)
	for i := 0; i < numCPUs; i++ {
		freeCPUs[i] = true
	}
	freeGPUs := make(map[string]bool, len(gpuIDs))
	for _, id := range gpuIDs {
		freeGPUs[id] = true
	}

	return &Scheduler{
		logger:      log.WithComponent("localsched"),
		totalCPUs:   numCPUs,
		totalGPUs:   gpuIDs,
		totalMemory: totalMemory,
		freeCPUs:    freeCPUs,
		freeGPUs:    freeGPUs,
		allocations: make(map[string]Allocation),
	}
}

// Allocate reserves CPUs, GPUs, and memory for runUUID per req. The
// returned Allocation's Cpuset/GPUIDs are stable for the run's lifetime;
// callers must call Release(runUUID) exactly once when the run no longer
// needs the resources, whether it succeeded, failed, or was killed.
func (s *Scheduler) Allocate(runUUID string, req types.ResourceRequest) (Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.allocations[runUUID]; exists {
		return Allocation{}, fmt.Errorf("localsched: run %s already has an allocation", runUUID)
	}

	if s.usedMemory+req.MemoryBytes > s.totalMemory {
		return Allocation{}, fmt.Errorf("%w: memory", ErrInsufficientResources)
	}

	cpus := s.pickFreeCPUs(req.CPUs)
	if cpus == nil {
		return Allocation{}, fmt.Errorf("%w: cpus", ErrInsufficientResources)
	}

	gpus, err := s.pickGPUs(req)
	if err != nil {
		return Allocation{}, err
	}

	for _, c := range cpus {
		s.freeCPUs[c] = false
	}
	for _, g := range gpus {
		s.freeGPUs[g] = false
	}
	s.usedMemory += req.MemoryBytes

	alloc := Allocation{RunUUID: runUUID, Cpuset: cpus, GPUIDs: gpus, MemoryBytes: req.MemoryBytes}
	s.allocations[runUUID] = alloc

	s.logger.Debug().
		Str("run_uuid", runUUID).
		Ints("cpuset", cpus).
		Strs("gpu_ids", gpus).
		Msg("allocated resources")

	return alloc, nil
}

// Reclaim marks alloc's cpuset, GPUs, and memory as already in use without
// picking new ones, for resuming a run whose allocation was decided before
// a worker restart. It conflicts-checks against what is currently free the
// same way Allocate does, since two resumed runs could otherwise claim the
// same core.
func (s *Scheduler) Reclaim(alloc Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.allocations[alloc.RunUUID]; exists {
		return fmt.Errorf("localsched: run %s already has an allocation", alloc.RunUUID)
	}
	for _, c := range alloc.Cpuset {
		if !s.freeCPUs[c] {
			return fmt.Errorf("%w: cpu %d already reclaimed", ErrInsufficientResources, c)
		}
	}
	for _, g := range alloc.GPUIDs {
		if !s.freeGPUs[g] {
			return fmt.Errorf("%w: gpu %s already reclaimed", ErrInsufficientResources, g)
		}
	}
	if s.usedMemory+alloc.MemoryBytes > s.totalMemory {
		return fmt.Errorf("%w: memory", ErrInsufficientResources)
	}

	for _, c := range alloc.Cpuset {
		s.freeCPUs[c] = false
	}
	for _, g := range alloc.GPUIDs {
		s.freeGPUs[g] = false
	}
	s.usedMemory += alloc.MemoryBytes
	s.allocations[alloc.RunUUID] = alloc

	s.logger.Debug().Str("run_uuid", alloc.RunUUID).Msg("reclaimed resources after restart")
	return nil
}

// Release frees runUUID's allocation, if any. Safe to call on a run with
// no current allocation (a no-op), so callers can call it unconditionally
// during cleanup.
func (s *Scheduler) Release(runUUID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alloc, ok := s.allocations[runUUID]
	if !ok {
		return
	}
	for _, c := range alloc.Cpuset {
		s.freeCPUs[c] = true
	}
	for _, g := range alloc.GPUIDs {
		s.freeGPUs[g] = true
	}
	s.usedMemory -= alloc.MemoryBytes
	delete(s.allocations, runUUID)

	s.logger.Debug().Str("run_uuid", runUUID).Msg("released resources")
}

// Free reports the currently unallocated CPU count, GPU count, and memory
// bytes, for the WorkerLoop's check-in payload.
func (s *Scheduler) Free() (cpus int, gpus int, memoryBytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, free := range s.freeCPUs {
		if free {
			cpus++
		}
	}
	for _, free := range s.freeGPUs {
		if free {
			gpus++
		}
	}
	return cpus, gpus, s.totalMemory - s.usedMemory
}

// Total reports this node's full resource capacity, for the WorkerLoop's
// check-in payload.
func (s *Scheduler) Total() (cpus int, gpuIDs []string, memoryBytes int64) {
	return s.totalCPUs, s.totalGPUs, s.totalMemory
}

func (s *Scheduler) pickFreeCPUs(n int) []int {
	if n <= 0 {
		return []int{}
	}
	picked := make([]int, 0, n)
	for i := 0; i < s.totalCPUs && len(picked) < n; i++ {
		if s.freeCPUs[i] {
			picked = append(picked, i)
		}
	}
	if len(picked) < n {
		return nil
	}
	return picked
}

func (s *Scheduler) pickGPUs(req types.ResourceRequest) ([]string, error) {
	if len(req.GPUIDs) > 0 {
		for _, id := range req.GPUIDs {
			if !s.freeGPUs[id] {
				return nil, fmt.Errorf("%w: gpu %s unavailable", ErrInsufficientResources, id)
			}
		}
		return append([]string(nil), req.GPUIDs...), nil
	}

	if req.GPUs <= 0 {
		return []string{}, nil
	}
	picked := make([]string, 0, req.GPUs)
	for _, id := range s.totalGPUs {
		if len(picked) == req.GPUs {
			break
		}
		if s.freeGPUs[id] {
			picked = append(picked, id)
		}
	}
	if len(picked) < req.GPUs {
		return nil, fmt.Errorf("%w: gpus", ErrInsufficientResources)
	}
	return picked, nil
}
