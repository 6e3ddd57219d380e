package planner

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmitDeallocationPlanSingleStreamLastConsumer(t *testing.T) {
	g := linearChainGraph()
	vi, rc := planGraph(t, g, noKernelInfo, true, true)
	uc := ComputeUseCounts(g, vi, noKernelInfo)

	releases, nodeReleaseList := EmitDeallocationPlan(uc, rc.AllocationPlan, [][]int{{0, 1, 2}})

	// "a" (node 0's output) is last consumed by node 1; it must appear
	// exactly once, with ref count 1, attached to node 1's release list.
	aIdx := vi.MustIndex("a")
	var found bool
	for releaseIdx, r := range releases {
		if r.ValueIndex == aIdx {
			found = true
			require.Equal(t, 1, r.RefCount)
			require.Contains(t, nodeReleaseList[1], releaseIdx)
		}
	}
	require.True(t, found)
}

func TestEmitDeallocationPlanMultiStreamAggregatesRefCount(t *testing.T) {
	g, infoOf := multiConsumerGraph()
	vi, rc := planGraph(t, g, infoOf, false, false)
	uc := ComputeUseCounts(g, vi, noKernelInfo)

	// "shared" is consumed by node 1 (stream 0's last node) and node 2
	// (stream 1's only node): two distinct last-consumer streams, so its
	// release action must carry RefCount 2 and show up on both nodes'
	// release lists.
	sharedIdx := vi.MustIndex("shared")
	releases, nodeReleaseList := EmitDeallocationPlan(uc, rc.AllocationPlan, [][]int{{0, 1}, {2}})

	var refCount int
	var releaseIdx int
	found := false
	for i, r := range releases {
		if r.ValueIndex == sharedIdx {
			refCount = r.RefCount
			releaseIdx = i
			found = true
		}
	}
	require.True(t, found)
	require.Equal(t, 2, refCount)
	require.Contains(t, nodeReleaseList[1], releaseIdx)
	require.Contains(t, nodeReleaseList[2], releaseIdx)
}

func TestEmitDeallocationPlanNeverReleasesNonRootBuffer(t *testing.T) {
	g, infoOf := aliasingReshapeGraph()
	vi, rc := planGraph(t, g, infoOf, true, true)
	uc := ComputeUseCounts(g, vi, noKernelInfo)

	releases, _ := EmitDeallocationPlan(uc, rc.AllocationPlan, [][]int{{0, 1}})

	// "y" reuses "x"'s buffer (mandatory Alias); only the root ("x", or
	// whichever value owns the buffer) may ever get a release action.
	yIdx := vi.MustIndex("y")
	for _, r := range releases {
		require.NotEqual(t, yIdx, r.ValueIndex)
	}
}
