package planner

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gomlx/execplan/planner/device"
	"github.com/gomlx/execplan/planner/kernel"
)

// contiguousInputsGraph has one node (Concat) declaring
// AllocateInputsContiguously over three inputs: an initializer, a graph
// input, and the output of a preceding node.
func contiguousInputsGraph() (*testGraph, kernelInfoLookup) {
	w := arg("w", f32(4))
	x := arg("x", f32(4))
	a := arg("a", f32(4))
	y := arg("y", f32(4))
	out := arg("out", f32(12))
	g := &testGraph{
		name:         "contiguous",
		inputs:       []*NodeArg{x},
		initializers: []*NodeArg{w},
		nodes: []*Node{
			{Index: 0, OpType: "Relu", Provider: device.CPU, Inputs: []*NodeArg{x}, Outputs: []*NodeArg{a}},
			{Index: 1, OpType: "Identity", Provider: device.CPU, Inputs: []*NodeArg{a}, Outputs: []*NodeArg{y}},
			{Index: 2, OpType: "Concat", Provider: device.CPU, Inputs: []*NodeArg{w, x, y}, Outputs: []*NodeArg{out}},
		},
		outputs: []*NodeArg{out},
	}
	info := kernel.CreateInfoMap{2: {Provider: device.CPU, AllocateInputsContiguously: true}}
	return g, func(_ string, n *Node) *kernel.CreateInfo { return info[n.Index] }
}

func TestRunAllocationOrderPassSplitsByStaticInFirstSeenOrder(t *testing.T) {
	g, infoOf := contiguousInputsGraph()
	vi := registerAll(t, g)
	lp := ResolveLocations(g, vi, infoOf)
	uc := ComputeUseCounts(g, vi, infoOf)

	rc := NewReuseCore(vi, infoOf, lp, uc,
		func(v int) uintptr { return vi.Def(v).Type.Memory() },
		func(v int) bool { return vi.Def(v).Type.IsString() })
	rc.RunSingleStream(g, "", g.Nodes(), true, true)

	order := RunAllocationOrderPass(g.Nodes(), "", infoOf, vi, lp, rc.AllocationPlan)

	require.Equal(t, []int{vi.MustIndex("w")}, order.Initializers)
	require.Equal(t, []int{vi.MustIndex("x"), vi.MustIndex("y")}, order.Activations)
}

func TestRunAllocationOrderPassRecordsRootOfReusedInput(t *testing.T) {
	// Relu's output a gets Identity'd into y by mandatory alias, so Concat's
	// third input (y) should be recorded under a's root value index, not
	// y's own.
	g, infoOf := contiguousInputsGraph()
	concatInfo := kernel.CreateInfoMap{
		1: {Provider: device.CPU, Alias: []kernel.AliasPair{{InIndex: 0, OutIndex: 0}}},
		2: {Provider: device.CPU, AllocateInputsContiguously: true},
	}
	combined := func(_ string, n *Node) *kernel.CreateInfo { return concatInfo[n.Index] }

	vi := registerAll(t, g)
	lp := ResolveLocations(g, vi, combined)
	uc := ComputeUseCounts(g, vi, combined)
	rc := NewReuseCore(vi, combined, lp, uc,
		func(v int) uintptr { return vi.Def(v).Type.Memory() },
		func(v int) bool { return vi.Def(v).Type.IsString() })
	rc.RunSingleStream(g, "", g.Nodes(), true, true)

	require.Equal(t, Reuse, rc.AllocationPlan[vi.MustIndex("y")].AllocKind)
	root := rc.AllocationPlan[vi.MustIndex("y")].ReusedBuffer

	order := RunAllocationOrderPass(g.Nodes(), "", combined, vi, lp, rc.AllocationPlan)
	require.Contains(t, order.Activations, root)
	require.NotContains(t, order.Activations, vi.MustIndex("y"))
}
