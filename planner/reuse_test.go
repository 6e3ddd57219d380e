package planner

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gomlx/execplan/planner/device"
	"github.com/gomlx/execplan/planner/kernel"
	"github.com/gomlx/execplan/types/shapes"
)

func planGraph(t *testing.T, g GraphView, infoOf kernelInfoLookup, allowInputAlias, allowFreeList bool) (*ValueIndex, *ReuseCore) {
	vi := registerAll(t, g)
	lp := ResolveLocations(g, vi, infoOf)
	uc := ComputeUseCounts(g, vi, infoOf)
	byteSizeOf := func(v int) uintptr {
		shape := vi.Def(v).Type
		if !shape.Ok() || shape.IsString() {
			return 0
		}
		return shape.Memory()
	}
	isStringOf := func(v int) bool { return vi.Def(v).Type.IsString() }
	rc := NewReuseCore(vi, infoOf, lp, uc, byteSizeOf, isStringOf)
	rc.RunSingleStream(g, "", g.Nodes(), allowInputAlias, allowFreeList)
	return vi, rc
}

// linearChainGraph is spec §8 scenario S1: three CPU ops in a straight line,
// each output consumed exactly once, no aliasing contract anywhere. The
// intermediate values a and b end up Allocate, each with its own root; c,
// the graph output, is AllocateOutput.
func linearChainGraph() *testGraph {
	x := arg("x", f32(4))
	a := arg("a", f32(4))
	b := arg("b", f32(4))
	c := arg("c", f32(4))
	return &testGraph{
		name:   "linear",
		inputs: []*NodeArg{x},
		nodes: []*Node{
			{Index: 0, OpType: "Relu", Provider: device.CPU, Inputs: []*NodeArg{x}, Outputs: []*NodeArg{a}},
			{Index: 1, OpType: "Sqrt", Provider: device.CPU, Inputs: []*NodeArg{a}, Outputs: []*NodeArg{b}},
			{Index: 2, OpType: "Neg", Provider: device.CPU, Inputs: []*NodeArg{b}, Outputs: []*NodeArg{c}},
		},
		outputs: []*NodeArg{c},
	}
}

func TestRunSingleStreamLinearChainAllocatesEveryValue(t *testing.T) {
	g := linearChainGraph()
	vi, rc := planGraph(t, g, noKernelInfo, true, true)
	for _, name := range []string{"a", "b"} {
		v := vi.MustIndex(name)
		require.Equal(t, Allocate, rc.AllocationPlan[v].AllocKind, name)
	}
	// c is the sole graph output: AllocateOutput, not eligible for reuse.
	require.Equal(t, AllocateOutput, rc.AllocationPlan[vi.MustIndex("c")].AllocKind)
}

// aliasingReshapeGraph is scenario S2: a Reshape whose kernel declares a
// mandatory Alias from its one input to its one output.
func aliasingReshapeGraph() (*testGraph, kernelInfoLookup) {
	x := arg("x", f32(4, 4))
	y := arg("y", f32(16))
	z := arg("z", f32(16))
	g := &testGraph{
		name:   "reshape",
		inputs: []*NodeArg{x},
		nodes: []*Node{
			{Index: 0, OpType: "Reshape", Provider: device.CPU, Inputs: []*NodeArg{x}, Outputs: []*NodeArg{y}},
			{Index: 1, OpType: "Relu", Provider: device.CPU, Inputs: []*NodeArg{y}, Outputs: []*NodeArg{z}},
		},
		outputs: []*NodeArg{z},
	}
	info := kernel.CreateInfoMap{0: {Provider: device.CPU, Alias: []kernel.AliasPair{{InIndex: 0, OutIndex: 0}}}}
	return g, func(_ string, n *Node) *kernel.CreateInfo { return info[n.Index] }
}

func TestMandatoryAliasReusesInputBufferRegardlessOfUseCount(t *testing.T) {
	g, infoOf := aliasingReshapeGraph()
	vi, rc := planGraph(t, g, infoOf, true, true)
	yPlan := rc.AllocationPlan[vi.MustIndex("y")]
	require.Equal(t, Reuse, yPlan.AllocKind)
	require.Equal(t, vi.MustIndex("x"), yPlan.ReusedBuffer)
}

// multiConsumerGraph is scenario S4: one value read by two different nodes;
// it must survive until both have run and must never be handed out via
// MayInplace before the second read completes. Only out2 is a graph output,
// so out1 goes through the MayInplace rule of node 1.
func multiConsumerGraph() (*testGraph, kernelInfoLookup) {
	x := arg("x", f32(4))
	shared := arg("shared", f32(4))
	out1 := arg("out1", f32(4))
	out2 := arg("out2", f32(4))
	g := &testGraph{
		name:   "multi-consumer",
		inputs: []*NodeArg{x},
		nodes: []*Node{
			{Index: 0, OpType: "Identity", Provider: device.CPU, Inputs: []*NodeArg{x}, Outputs: []*NodeArg{shared}},
			{Index: 1, OpType: "Neg", Provider: device.CPU, Inputs: []*NodeArg{shared}, Outputs: []*NodeArg{out1}},
			{Index: 2, OpType: "Relu", Provider: device.CPU, Inputs: []*NodeArg{shared}, Outputs: []*NodeArg{out2}},
		},
		outputs: []*NodeArg{out2},
	}
	info := kernel.CreateInfoMap{1: {Provider: device.CPU, MayInplace: []kernel.AliasPair{{InIndex: 0, OutIndex: 0}}}}
	return g, func(_ string, n *Node) *kernel.CreateInfo { return info[n.Index] }
}

func TestMayInplaceRefusedWhileValueHasFurtherConsumers(t *testing.T) {
	g, infoOf := multiConsumerGraph()
	vi, rc := planGraph(t, g, infoOf, true, true)
	// node 1 (Neg) runs while "shared" still has one more consumer (node 2,
	// Relu) pending, so MayInplace must not fire for out1.
	out1Plan := rc.AllocationPlan[vi.MustIndex("out1")]
	require.NotEqual(t, vi.MustIndex("shared"), out1Plan.ReusedBuffer)
}

// freeListGraph is scenario S5: a dead same-size, same-location buffer sits
// on the free list and should be handed to a later Allocate-eligible output.
func freeListGraph() *testGraph {
	x := arg("x", f32(4))
	a := arg("a", f32(4)) // dies right after being consumed by node 1
	b := arg("b", f32(4)) // allocated by node 1 before a is freed
	c := arg("c", f32(4)) // should reuse a's freed buffer
	d := arg("d", f32(4)) // graph output
	return &testGraph{
		name:   "free-list",
		inputs: []*NodeArg{x},
		nodes: []*Node{
			{Index: 0, OpType: "Relu", Provider: device.CPU, Inputs: []*NodeArg{x}, Outputs: []*NodeArg{a}},
			{Index: 1, OpType: "Identity", Provider: device.CPU, Inputs: []*NodeArg{a}, Outputs: []*NodeArg{b}},
			{Index: 2, OpType: "Sqrt", Provider: device.CPU, Inputs: []*NodeArg{b}, Outputs: []*NodeArg{c}},
			{Index: 3, OpType: "Neg", Provider: device.CPU, Inputs: []*NodeArg{c}, Outputs: []*NodeArg{d}},
		},
		outputs: []*NodeArg{d},
	}
}

func TestFreeListMatchReusesDeadBufferOfSameSizeAndLocation(t *testing.T) {
	g := freeListGraph()
	vi, rc := planGraph(t, g, noKernelInfo, false, true)
	cPlan := rc.AllocationPlan[vi.MustIndex("c")]
	require.Equal(t, Reuse, cPlan.AllocKind)
	require.Equal(t, vi.MustIndex("a"), cPlan.ReusedBuffer)
}

func TestFreeListNeverMatchesStringValues(t *testing.T) {
	x := arg("x", f32(4))
	a := arg("a", f32(4))
	b := arg("b", f32(4))
	s := arg("s", shapes.Make(shapes.String))
	// a is freed after node 1, before s is placed; every value reports the
	// same byte size, so only the string check keeps s off a's buffer.
	g := &testGraph{
		name:   "string-skip",
		inputs: []*NodeArg{x},
		nodes: []*Node{
			{Index: 0, OpType: "Relu", Provider: device.CPU, Inputs: []*NodeArg{x}, Outputs: []*NodeArg{a}},
			{Index: 1, OpType: "Neg", Provider: device.CPU, Inputs: []*NodeArg{a}, Outputs: []*NodeArg{b}},
			{Index: 2, OpType: "AsString", Provider: device.CPU, Inputs: []*NodeArg{b}, Outputs: []*NodeArg{s}},
		},
		outputs: []*NodeArg{b},
	}
	vi := registerAll(t, g)
	lp := ResolveLocations(g, vi, noKernelInfo)
	uc := ComputeUseCounts(g, vi, noKernelInfo)
	isStringOf := func(v int) bool { return vi.Def(v).Type.IsString() }
	rc := NewReuseCore(vi, noKernelInfo, lp, uc,
		func(int) uintptr { return 4 },
		isStringOf)
	rc.RunSingleStream(g, "", g.Nodes(), false, true)

	sPlan := rc.AllocationPlan[vi.MustIndex("s")]
	require.Equal(t, Allocate, sPlan.AllocKind)
}

func TestRootIsAcyclicAfterAlias(t *testing.T) {
	g, infoOf := aliasingReshapeGraph()
	vi, rc := planGraph(t, g, infoOf, true, true)
	root := rc.Root(vi.MustIndex("y"))
	require.Equal(t, rc.Root(root), root)
}

// externalOutputGraph is scenario S6 (§8 property 6): a node whose output is
// owned externally, feeding a consumer that would otherwise be a legal
// MayInplace candidate.
func externalOutputGraph() (*testGraph, kernelInfoLookup) {
	x := arg("x", f32(4))
	e := arg("e", f32(4))
	y := arg("y", f32(4))
	z := arg("z", f32(4))
	g := &testGraph{
		name:   "external-output",
		inputs: []*NodeArg{x},
		nodes: []*Node{
			{Index: 0, OpType: "ExternalOp", Provider: device.CPU, Inputs: []*NodeArg{x}, Outputs: []*NodeArg{e}},
			{Index: 1, OpType: "Identity", Provider: device.CPU, Inputs: []*NodeArg{e}, Outputs: []*NodeArg{y}},
			{Index: 2, OpType: "Relu", Provider: device.CPU, Inputs: []*NodeArg{y}, Outputs: []*NodeArg{z}},
		},
		outputs: []*NodeArg{z},
	}
	info := kernel.CreateInfoMap{
		0: {Provider: device.CPU, ExternalOutputs: true},
		1: {Provider: device.CPU, MayInplace: []kernel.AliasPair{{InIndex: 0, OutIndex: 0}}},
	}
	return g, func(_ string, n *Node) *kernel.CreateInfo { return info[n.Index] }
}

func TestExternallyAllocatedValueNeverChosenAsMayInplaceTarget(t *testing.T) {
	g, infoOf := externalOutputGraph()
	vi, rc := planGraph(t, g, infoOf, true, true)
	eIdx := vi.MustIndex("e")
	require.Equal(t, AllocatedExternally, rc.AllocationPlan[eIdx].AllocKind)

	yPlan := rc.AllocationPlan[vi.MustIndex("y")]
	require.NotEqual(t, Reuse, yPlan.AllocKind)
	require.NotEqual(t, eIdx, rc.Root(vi.MustIndex("y")))
}

func TestExternallyAllocatedValueNeverEntersFreeList(t *testing.T) {
	g, infoOf := externalOutputGraph()
	vi, rc := planGraph(t, g, infoOf, true, true)
	eRoot := rc.Root(vi.MustIndex("e"))
	for _, entry := range rc.freeList {
		require.NotEqual(t, eRoot, entry.root, "externally allocated buffer must never sit on the free list")
	}
}

func TestReuseEligibleExcludesExternallyAllocatedValues(t *testing.T) {
	g, infoOf := externalOutputGraph()
	vi, rc := planGraph(t, g, infoOf, true, true)
	require.False(t, rc.reuseEligible(vi.MustIndex("e")))
	require.True(t, rc.reuseEligible(vi.MustIndex("y")))
}

// loopBodyGraph builds a standalone subgraph (its own testGraph, with
// ParentNode/LoopIterationNumberArg wired up as if it were a Loop body)
// around one Identity node, so loopIdentityShare's three branches can each
// be exercised directly.
func loopBodyGraph(identityInput *NodeArg, producedInside bool) *testGraph {
	iterNum := arg("iter", shapes.Make(shapes.Int64))
	captured := arg("captured", f32(4))
	inner := arg("inner", f32(4))
	y := arg("y", f32(4))

	var nodes []*Node
	if producedInside {
		nodes = append(nodes, &Node{Index: 0, OpType: "Relu", Provider: device.CPU, Inputs: []*NodeArg{captured}, Outputs: []*NodeArg{inner}})
	}
	nodes = append(nodes, &Node{Index: len(nodes), OpType: "Identity", Provider: device.CPU, Inputs: []*NodeArg{identityInput}, Outputs: []*NodeArg{y}})

	return &testGraph{
		name:    "loop-body",
		inputs:  []*NodeArg{iterNum, captured},
		iterArg: iterNum,
		parent:  &Node{Index: 99, OpType: "Loop"},
		nodes:   nodes,
		outputs: []*NodeArg{y},
	}
}

func TestLoopIdentitySharesCapturedOuterScopeValue(t *testing.T) {
	captured := arg("captured", f32(4))
	g := loopBodyGraph(captured, false)
	vi, rc := planGraph(t, g, noKernelInfo, true, true)
	yPlan := rc.AllocationPlan[vi.MustIndex("y")]
	require.Equal(t, Share, yPlan.AllocKind)
	require.Equal(t, vi.MustIndex("captured"), yPlan.ReusedBuffer)
}

func TestLoopIdentitySkipsIterationNumberInput(t *testing.T) {
	iterNum := arg("iter", shapes.Make(shapes.Int64))
	g := loopBodyGraph(iterNum, false)
	vi, rc := planGraph(t, g, noKernelInfo, true, true)
	yPlan := rc.AllocationPlan[vi.MustIndex("y")]
	require.Equal(t, AllocateOutput, yPlan.AllocKind)
}

func TestLoopIdentitySkipsInputProducedInsideSubgraph(t *testing.T) {
	inner := arg("inner", f32(4))
	g := loopBodyGraph(inner, true)
	vi, rc := planGraph(t, g, noKernelInfo, true, true)
	yPlan := rc.AllocationPlan[vi.MustIndex("y")]
	require.Equal(t, AllocateOutput, yPlan.AllocKind)
}

// stridedOutputGraph is scenario S7 (§4.4.4 MayStridedOutput): a Slice
// kernel declares its output may become a strided view over its input, and
// a following MatMul declares whether it accepts a strided tensor at the
// corresponding position.
func stridedOutputGraph(consumerAcceptsStrided bool) (*testGraph, kernelInfoLookup) {
	x := arg("x", f32(8))
	v := arg("v", f32(8))
	z := arg("z", f32(8))
	g := &testGraph{
		name:   "strided-output",
		inputs: []*NodeArg{x},
		nodes: []*Node{
			{Index: 0, OpType: "Slice", Provider: device.CPU, Inputs: []*NodeArg{x}, Outputs: []*NodeArg{v}},
			{Index: 1, OpType: "MatMul", Provider: device.CPU, Inputs: []*NodeArg{v}, Outputs: []*NodeArg{z}},
		},
		outputs: []*NodeArg{z},
	}
	info := kernel.CreateInfoMap{
		0: {Provider: device.CPU, MayStridedOutput: []kernel.AliasPair{{InIndex: 0, OutIndex: 0}}},
		1: {Provider: device.CPU, MayStridedInput: map[int]bool{0: consumerAcceptsStrided}},
	}
	return g, func(_ string, n *Node) *kernel.CreateInfo { return info[n.Index] }
}

func TestMayStridedOutputFallsBackToAllocateWhenConsumerRejectsStrided(t *testing.T) {
	g, infoOf := stridedOutputGraph(false)
	vi, rc := planGraph(t, g, infoOf, true, true)
	require.Equal(t, Allocate, rc.AllocationPlan[vi.MustIndex("v")].AllocKind)
}

func TestMayStridedOutputAliasesWhenTrainingEnabledAndConsumerAccepts(t *testing.T) {
	g, infoOf := stridedOutputGraph(true)
	vi := registerAll(t, g)
	lp := ResolveLocations(g, vi, infoOf)
	uc := ComputeUseCounts(g, vi, infoOf)
	byteSizeOf := func(v int) uintptr { return vi.Def(v).Type.Memory() }
	isStringOf := func(v int) bool { return vi.Def(v).Type.IsString() }
	rc := NewReuseCore(vi, infoOf, lp, uc, byteSizeOf, isStringOf)
	rc.trainingEnabled = true
	rc.RunSingleStream(g, "", g.Nodes(), true, true)

	vPlan := rc.AllocationPlan[vi.MustIndex("v")]
	require.Equal(t, StridedView, vPlan.AllocKind)
	require.Equal(t, vi.MustIndex("x"), vPlan.ReusedBuffer)
}

func TestMayStridedOutputPanicsUnsupportedWithoutTrainingEnabled(t *testing.T) {
	g, infoOf := stridedOutputGraph(true)
	var err error
	func() {
		defer catchUnsupportedPanics(g.Name(), &err)
		planGraph(t, g, infoOf, true, true) // rc.trainingEnabled left false, as planGraph never sets it
	}()
	require.Error(t, err)
	var pe *PlanError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, Unsupported, pe.Kind)
}

// crossStreamDonorGraph builds the graph both the focused
// tryReuseOutputMultiStream tests and the Plan()-level multi-stream
// integration test share: X is produced on a CPU stream and read by two
// independent consumers, C1 on a GPU stream with no ordering edge back into
// the CPU stream, and C2 on the same CPU stream immediately before N. If
// includeC1Edge is true, N also consumes C1's output directly, giving C1 a
// genuine ordering edge into N (the positive case); otherwise C1's read of X
// has no provable ordering relative to N at all (the negative, bug-repro
// case).
func crossStreamDonorGraph(includeC1Edge bool) *testGraph {
	gpu := device.ProviderType("GPUExecutionProvider")
	x0 := arg("x0", f32(4))
	valX := arg("X", f32(4))
	c1out := arg("c1out", f32(4))
	c2out := arg("c2out", f32(4))
	v := arg("V", f32(4))
	final := arg("final", f32(4))

	nInputs := []*NodeArg{c2out}
	if includeC1Edge {
		nInputs = []*NodeArg{c2out, c1out}
	}

	return &testGraph{
		name:   "cross-stream-donor",
		inputs: []*NodeArg{x0},
		nodes: []*Node{
			{Index: 0, OpType: "Relu", Provider: device.CPU, Inputs: []*NodeArg{x0}, Outputs: []*NodeArg{valX}},
			{Index: 1, OpType: "Cast", Provider: gpu, Inputs: []*NodeArg{valX}, Outputs: []*NodeArg{c1out}},
			{Index: 2, OpType: "Identity", Provider: device.CPU, Inputs: []*NodeArg{valX}, Outputs: []*NodeArg{c2out}},
			{Index: 3, OpType: "Sqrt", Provider: device.CPU, Inputs: nInputs, Outputs: []*NodeArg{v}},
			{Index: 4, OpType: "Identity", Provider: device.CPU, Inputs: []*NodeArg{v}, Outputs: []*NodeArg{final}},
		},
		outputs: []*NodeArg{final, c1out},
	}
}

func TestTryReuseOutputMultiStreamRejectsMatchNotCoveredByAllDonorConsumers(t *testing.T) {
	g := crossStreamDonorGraph(false)
	vi := registerAll(t, g)
	lp := ResolveLocations(g, vi, noKernelInfo)
	uc := ComputeUseCounts(g, vi, noKernelInfo)
	byteSizeOf := func(v int) uintptr { return vi.Def(v).Type.Memory() }
	isStringOf := func(v int) bool { return vi.Def(v).Type.IsString() }
	rc := NewReuseCore(vi, noKernelInfo, lp, uc, byteSizeOf, isStringOf)

	xIdx := vi.MustIndex("X")
	vIdx := vi.MustIndex("V")
	xLoc, _ := lp.Location(xIdx)
	vLoc, _ := lp.Location(vIdx)

	part := DefaultPartition(g)
	dg := buildDepGraph(g.Nodes(), part, uc, vi)

	donorConsumers := make([]int, 0, len(uc.consumers[xIdx]))
	for _, c := range uc.consumers[xIdx] {
		donorConsumers = append(donorConsumers, c.Node.Index)
	}
	require.Len(t, donorConsumers, 2, "X must have exactly the C1 (GPU) and C2 (CPU) consumers")

	waiting := []waitingEntry{{root: xIdx, loc: xLoc, byteSz: rc.byteSize[xIdx], consumers: donorConsumers}}
	plan := &rc.AllocationPlan[vIdx]
	plan.Location = vLoc
	producer := findNode(g, "Sqrt")

	rc.tryReuseOutputMultiStream(producer, vIdx, plan, &waiting, dg)

	require.NotEqual(t, Reuse, plan.AllocKind, "must not reuse X's buffer: C1's read on the independent GPU stream is never ordered before N")
	require.Len(t, waiting, 1, "the waiting entry must remain unconsumed")
}

func TestTryReuseOutputMultiStreamAcceptsMatchCoveredByAllDonorConsumers(t *testing.T) {
	g := crossStreamDonorGraph(true)
	vi := registerAll(t, g)
	lp := ResolveLocations(g, vi, noKernelInfo)
	uc := ComputeUseCounts(g, vi, noKernelInfo)
	byteSizeOf := func(v int) uintptr { return vi.Def(v).Type.Memory() }
	isStringOf := func(v int) bool { return vi.Def(v).Type.IsString() }
	rc := NewReuseCore(vi, noKernelInfo, lp, uc, byteSizeOf, isStringOf)

	xIdx := vi.MustIndex("X")
	vIdx := vi.MustIndex("V")
	xLoc, _ := lp.Location(xIdx)
	vLoc, _ := lp.Location(vIdx)

	part := DefaultPartition(g)
	dg := buildDepGraph(g.Nodes(), part, uc, vi)

	donorConsumers := make([]int, 0, len(uc.consumers[xIdx]))
	for _, c := range uc.consumers[xIdx] {
		donorConsumers = append(donorConsumers, c.Node.Index)
	}

	waiting := []waitingEntry{{root: xIdx, loc: xLoc, byteSz: rc.byteSize[xIdx], consumers: donorConsumers}}
	plan := &rc.AllocationPlan[vIdx]
	plan.Location = vLoc
	producer := findNode(g, "Sqrt")

	rc.tryReuseOutputMultiStream(producer, vIdx, plan, &waiting, dg)

	require.Equal(t, Reuse, plan.AllocKind, "N now consumes C1's output directly, so both donor consumers precede N")
	require.Equal(t, xIdx, plan.ReusedBuffer)
	require.Empty(t, waiting, "the matched entry must be removed from the waiting list")
}

func findNode(g *testGraph, opType string) *Node {
	for _, n := range g.nodes {
		if n.OpType == opType {
			return n
		}
	}
	return nil
}

// TestPlanMultiStreamRefineNeverReusesAcrossAnUnorderedStream is the
// Plan()-level integration counterpart of the focused tryReuseOutputMultiStream
// tests above: it runs the real partitioner, the real RunSingleStream
// baseline and the real RunMultiStreamRefine pass over a genuine two-stream
// (CPU/GPU) graph and asserts the same outcome holds end-to-end, not just
// against a hand-built waiting list.
func TestPlanMultiStreamRefineNeverReusesAcrossAnUnorderedStream(t *testing.T) {
	g := crossStreamDonorGraph(false)
	cfg := Config{
		Graph:      g,
		KernelInfo: kernel.CreateInfoMap{},
		Registry:   noOpRegistry{},
		Context:    Context{Parallel: true, MemoryReuse: true},
	}
	result, err := Plan(cfg)
	require.NoError(t, err)
	require.Len(t, result.ExecutionPlan, 2, "CPU and GPU nodes must land on two distinct streams")

	vi := registerAll(t, g)
	vPlan := result.AllocationPlan[vi.MustIndex("V")]
	require.Equal(t, Allocate, vPlan.AllocKind, "V must not silently reuse X's buffer across the unordered GPU consumer")
}
