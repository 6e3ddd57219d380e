package main

import (
	"github.com/gomlx/execplan/planner"
	"github.com/gomlx/execplan/planner/device"
	"github.com/gomlx/execplan/planner/kernel"
	"github.com/gomlx/execplan/types/shapes"
)

// staticGraph is the simplest possible planner.GraphView: a fixed slice of
// nodes and formal inputs/outputs, no nested subgraphs. It exists only so
// planviz has something concrete to plan and dump without needing an actual
// model loader, which is out of scope for this planner (spec §6).
type staticGraph struct {
	name         string
	inputs       []*planner.NodeArg
	outputs      []*planner.NodeArg
	initializers []*planner.NodeArg
	nodes        []*planner.Node
}

func (g *staticGraph) Name() string                                        { return g.name }
func (g *staticGraph) Nodes() []*planner.Node                               { return g.nodes }
func (g *staticGraph) Inputs() []*planner.NodeArg                          { return g.inputs }
func (g *staticGraph) Outputs() []*planner.NodeArg                         { return g.outputs }
func (g *staticGraph) Initializers() []*planner.NodeArg                   { return g.initializers }
func (g *staticGraph) ParentNode() *planner.Node                          { return nil }
func (g *staticGraph) Subgraphs(*planner.Node) map[string]planner.GraphView { return nil }
func (g *staticGraph) LoopIterationNumberArg() *planner.NodeArg           { return nil }

// buildSampleGraph constructs a small two-provider graph that exercises the
// planner's main paths in one shot: a CPU sub-chain feeding a reshape-style
// aliasing op, crossing into a second provider, with one value consumed by
// two downstream nodes (multi-consumer, §8 scenario S4) and one buffer whose
// lifetime ends early enough to be handed to the free list for a later
// same-size allocation (§8 scenario S5).
func buildSampleGraph() *staticGraph {
	f32 := func(dims ...int) shapes.Shape { return shapes.Make(shapes.Float32, dims...) }
	arg := func(name string, shape shapes.Shape) *planner.NodeArg {
		return &planner.NodeArg{Name: name, Type: shape}
	}

	const gpu device.ProviderType = "CUDAExecutionProvider"

	x := arg("x", f32(4, 4))
	w := arg("w", f32(4, 4))

	addOut := arg("add_out", f32(4, 4))
	reshapeOut := arg("reshape_out", f32(16))
	reluOut := arg("relu_out", f32(16))
	negOut := arg("neg_out", f32(16))
	castOut := arg("cast_out", f32(16))
	sumOut := arg("sum_out", f32())

	nodes := []*planner.Node{
		{Index: 0, Name: "add0", OpType: "Add", Provider: device.CPU,
			Inputs: []*planner.NodeArg{x, w}, Outputs: []*planner.NodeArg{addOut}},
		{Index: 1, Name: "reshape0", OpType: "Reshape", Provider: device.CPU,
			Inputs: []*planner.NodeArg{addOut}, Outputs: []*planner.NodeArg{reshapeOut}},
		{Index: 2, Name: "relu0", OpType: "Relu", Provider: device.CPU,
			Inputs: []*planner.NodeArg{reshapeOut}, Outputs: []*planner.NodeArg{reluOut}},
		{Index: 3, Name: "neg0", OpType: "Neg", Provider: gpu,
			Inputs: []*planner.NodeArg{reluOut}, Outputs: []*planner.NodeArg{negOut}},
		{Index: 4, Name: "cast0", OpType: "Cast", Provider: gpu,
			Inputs: []*planner.NodeArg{reluOut}, Outputs: []*planner.NodeArg{castOut}},
		{Index: 5, Name: "sum0", OpType: "ReduceSum", Provider: gpu,
			Inputs: []*planner.NodeArg{negOut}, Outputs: []*planner.NodeArg{sumOut}},
	}

	return &staticGraph{
		name:    "sample",
		inputs:  []*planner.NodeArg{x, w},
		outputs: []*planner.NodeArg{sumOut, castOut},
		nodes:   nodes,
	}
}

// collectValueNames walks g in exactly the order planner.Plan's own
// registerGraphValues does (inputs, then initializers, then each node's
// outputs, recursing depth-first into subgraphs), so index i of the
// returned slice names the same value the planner assigned index i to.
// There is no exported way to read a *planner.ValueIndex back from outside
// the package, so planviz keeps its own name list in lockstep instead.
func collectValueNames(g planner.GraphView) []string {
	var names []string
	for _, arg := range g.Inputs() {
		names = append(names, arg.Name)
	}
	for _, arg := range g.Initializers() {
		names = append(names, arg.Name)
	}
	for _, n := range g.Nodes() {
		for _, out := range n.Outputs {
			if out != nil {
				names = append(names, out.Name)
			}
		}
		for _, attrName := range n.SubgraphAttrNames {
			if sub, ok := g.Subgraphs(n)[attrName]; ok {
				names = append(names, collectValueNames(sub)...)
			}
		}
	}
	return names
}

// sampleKernelInfo supplies the Reshape aliasing contract (mandatory
// in-place: output 0 aliases input 0) that buildSampleGraph's reshape0 node
// relies on to demonstrate the Alias reuse path (§8 scenario S2); every
// other node gets nil (no special kernel metadata, default memory types).
func sampleKernelInfo() kernel.CreateInfoMap {
	return kernel.CreateInfoMap{
		1: {Provider: device.CPU, Alias: []kernel.AliasPair{{InIndex: 0, OutIndex: 0}}},
	}
}
