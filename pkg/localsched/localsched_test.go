package localsched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/codalab-worker/pkg/types"
)

func TestAllocateReservesDistinctCpusetAcrossRuns(t *testing.T) {
	s := New(4, nil, 8_000_000_000)

	a1, err := s.Allocate("run-1", types.ResourceRequest{CPUs: 2, MemoryBytes: 1_000_000_000})
	require.NoError(t, err)
	a2, err := s.Allocate("run-2", types.ResourceRequest{CPUs: 2, MemoryBytes: 1_000_000_000})
	require.NoError(t, err)

	assert.Len(t, a1.Cpuset, 2)
	assert.Len(t, a2.Cpuset, 2)
	for _, c := range a1.Cpuset {
		assert.NotContains(t, a2.Cpuset, c)
	}
}

func TestAllocateFailsWhenCpusExhausted(t *testing.T) {
	s := New(2, nil, 8_000_000_000)

	_, err := s.Allocate("run-1", types.ResourceRequest{CPUs: 2})
	require.NoError(t, err)

	_, err = s.Allocate("run-2", types.ResourceRequest{CPUs: 1})
	assert.ErrorIs(t, err, ErrInsufficientResources)
}

func TestReleaseFreesResourcesForReuse(t *testing.T) {
	s := New(2, nil, 1_000)

	_, err := s.Allocate("run-1", types.ResourceRequest{CPUs: 2, MemoryBytes: 1_000})
	require.NoError(t, err)

	_, err = s.Allocate("run-2", types.ResourceRequest{CPUs: 1})
	assert.ErrorIs(t, err, ErrInsufficientResources)

	s.Release("run-1")

	a2, err := s.Allocate("run-2", types.ResourceRequest{CPUs: 1, MemoryBytes: 500})
	require.NoError(t, err)
	assert.Len(t, a2.Cpuset, 1)
}

func TestAllocateRespectsExplicitGPUIDs(t *testing.T) {
	s := New(4, []string{"gpu-0", "gpu-1"}, 8_000_000_000)

	a1, err := s.Allocate("run-1", types.ResourceRequest{GPUIDs: []string{"gpu-0"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"gpu-0"}, a1.GPUIDs)

	_, err = s.Allocate("run-2", types.ResourceRequest{GPUIDs: []string{"gpu-0"}})
	assert.ErrorIs(t, err, ErrInsufficientResources)
}

func TestFreeReportsUnallocatedCapacity(t *testing.T) {
	s := New(4, []string{"gpu-0"}, 1_000)

	cpus, gpus, mem := s.Free()
	assert.Equal(t, 4, cpus)
	assert.Equal(t, 1, gpus)
	assert.Equal(t, int64(1_000), mem)

	_, err := s.Allocate("run-1", types.ResourceRequest{CPUs: 1, GPUIDs: []string{"gpu-0"}, MemoryBytes: 400})
	require.NoError(t, err)

	cpus, gpus, mem = s.Free()
	assert.Equal(t, 3, cpus)
	assert.Equal(t, 0, gpus)
	assert.Equal(t, int64(600), mem)
}

func TestAllocateRejectsDuplicateRunUUID(t *testing.T) {
	s := New(4, nil, 1_000)

	_, err := s.Allocate("run-1", types.ResourceRequest{CPUs: 1})
	require.NoError(t, err)

	_, err = s.Allocate("run-1", types.ResourceRequest{CPUs: 1})
	assert.Error(t, err)
}

func TestReclaimMarksSpecificResourcesUsed(t *testing.T) {
	s := New(4, []string{"gpu-0"}, 1_000)

	err := s.Reclaim(Allocation{RunUUID: "run-1", Cpuset: []int{1, 2}, GPUIDs: []string{"gpu-0"}, MemoryBytes: 400})
	require.NoError(t, err)

	cpus, gpus, mem := s.Free()
	assert.Equal(t, 2, cpus)
	assert.Equal(t, 0, gpus)
	assert.Equal(t, int64(600), mem)

	// A fresh allocation must not be handed either reclaimed core.
	a2, err := s.Allocate("run-2", types.ResourceRequest{CPUs: 2})
	require.NoError(t, err)
	for _, c := range a2.Cpuset {
		assert.NotContains(t, []int{1, 2}, c)
	}
}

func TestReclaimConflictsWithAlreadyUsedCPU(t *testing.T) {
	s := New(4, nil, 1_000)

	_, err := s.Allocate("run-1", types.ResourceRequest{CPUs: 1})
	require.NoError(t, err)
	firstCPU := s.allocations["run-1"].Cpuset[0]

	err = s.Reclaim(Allocation{RunUUID: "run-2", Cpuset: []int{firstCPU}})
	assert.ErrorIs(t, err, ErrInsufficientResources)
}
