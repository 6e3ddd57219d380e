package planner

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gomlx/execplan/planner/device"
	"github.com/gomlx/execplan/planner/kernel"
)

func registerAll(t *testing.T, g GraphView) *ValueIndex {
	vi := NewValueIndex()
	require.NoError(t, registerGraphValues(g, vi))
	return vi
}

func TestResolveLocationsNodeOutputTakesProducerLocation(t *testing.T) {
	g := twoProviderGraph()
	vi := registerAll(t, g)
	lp := ResolveLocations(g, vi, noKernelInfo)

	yIdx := vi.MustIndex("y")
	loc, ok := lp.Location(yIdx)
	require.True(t, ok)
	// y is produced by add0 (CPU) and consumed by neg1 (GPU); its output
	// location is forced by its producer, not its consumer.
	require.Equal(t, device.CPU, loc.Provider)
}

func TestResolveLocationsMarksInitializersStatic(t *testing.T) {
	w := arg("w", f32(4))
	x := arg("x", f32(4))
	y := arg("y", f32(4))
	g := &testGraph{
		name:         "with-init",
		inputs:       []*NodeArg{x},
		initializers: []*NodeArg{w},
		nodes: []*Node{
			{Index: 0, OpType: "Add", Provider: device.CPU, Inputs: []*NodeArg{x, w}, Outputs: []*NodeArg{y}},
		},
		outputs: []*NodeArg{y},
	}
	vi := registerAll(t, g)
	lp := ResolveLocations(g, vi, noKernelInfo)
	require.True(t, lp.IsStatic(vi.MustIndex("w")))
	require.False(t, lp.IsStatic(vi.MustIndex("x")))
}

func TestResolveLocationsHonorsInputMemoryType(t *testing.T) {
	x := arg("x", f32(4))
	shapeIn := arg("shape", f32(1))
	y := arg("y", f32(4))
	g := &testGraph{
		name:   "memtype",
		inputs: []*NodeArg{x, shapeIn},
		nodes: []*Node{
			{Index: 0, OpType: "Reshape", Provider: gpuProvider, Inputs: []*NodeArg{x, shapeIn}, Outputs: []*NodeArg{y}},
		},
		outputs: []*NodeArg{y},
	}
	vi := registerAll(t, g)
	info := kernel.CreateInfoMap{0: {Provider: gpuProvider, InputMemTypes: map[int]device.MemoryType{1: device.MemTypeCPUInput}}}
	infoOf := func(graphKey string, n *Node) *kernel.CreateInfo { return info[n.Index] }

	lp := ResolveLocations(g, vi, infoOf)
	loc, ok := lp.Location(vi.MustIndex("shape"))
	require.True(t, ok)
	require.Equal(t, device.CPU, loc.Provider)
	require.Equal(t, device.AllocatorCPUInput, loc.Allocator)

	loc, ok = lp.Location(vi.MustIndex("x"))
	require.True(t, ok)
	require.Equal(t, gpuProvider, loc.Provider)
}

func TestResolveLocationsImplicitInputDegradesToCPUOnSecondProvider(t *testing.T) {
	captured := arg("captured", f32(4))
	cond1 := arg("cond1", f32())
	cond2 := arg("cond2", f32())
	out1 := arg("out1", f32(4))
	out2 := arg("out2", f32(4))

	// Two sibling control-flow nodes, each referencing captured only as an
	// implicit input, with different own providers -- the second, distinct
	// provider must force captured's location down to CPU (§4.3).
	node1 := &Node{Index: 0, OpType: "If", Provider: gpuProvider, Inputs: []*NodeArg{cond1}, ImplicitInputs: []*NodeArg{captured}, Outputs: []*NodeArg{out1}}
	node2 := &Node{Index: 1, OpType: "If", Provider: device.CPU, Inputs: []*NodeArg{cond2}, ImplicitInputs: []*NodeArg{captured}, Outputs: []*NodeArg{out2}}
	g := &testGraph{
		name:    "top",
		inputs:  []*NodeArg{cond1, cond2, captured},
		nodes:   []*Node{node1, node2},
		outputs: []*NodeArg{out1, out2},
	}

	vi := registerAll(t, g)
	lp := ResolveLocations(g, vi, noKernelInfo)

	loc, ok := lp.Location(vi.MustIndex("captured"))
	require.True(t, ok)
	require.Equal(t, device.CPU, loc.Provider)
	require.Equal(t, device.AllocatorDefault, loc.Allocator)
}

func TestResolveLocationsImplicitInputSingleProviderKeepsItsOwn(t *testing.T) {
	captured := arg("captured", f32(4))
	cond := arg("cond", f32())
	out := arg("out", f32(4))

	node := &Node{Index: 0, OpType: "If", Provider: gpuProvider, Inputs: []*NodeArg{cond}, ImplicitInputs: []*NodeArg{captured}, Outputs: []*NodeArg{out}}
	g := &testGraph{
		name:    "top",
		inputs:  []*NodeArg{cond, captured},
		nodes:   []*Node{node},
		outputs: []*NodeArg{out},
	}

	vi := registerAll(t, g)
	lp := ResolveLocations(g, vi, noKernelInfo)

	loc, ok := lp.Location(vi.MustIndex("captured"))
	require.True(t, ok)
	require.Equal(t, gpuProvider, loc.Provider)
}
