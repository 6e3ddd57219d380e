package planner

import (
	"github.com/gomlx/execplan/planner/device"
	"github.com/gomlx/execplan/planner/kernel"
	"github.com/gomlx/execplan/types/shapes"
)

// testGraph is a minimal in-package GraphView used by every test in this
// package: a flat node list with no nested subgraphs, built directly from
// literals rather than any model-loading machinery (out of scope for the
// planner itself).
type testGraph struct {
	name         string
	inputs       []*NodeArg
	outputs      []*NodeArg
	initializers []*NodeArg
	nodes        []*Node
	parent       *Node
	iterArg      *NodeArg
	subgraphs    map[int]map[string]GraphView
}

func (g *testGraph) Name() string                     { return g.name }
func (g *testGraph) Nodes() []*Node                   { return g.nodes }
func (g *testGraph) Inputs() []*NodeArg                { return g.inputs }
func (g *testGraph) Outputs() []*NodeArg               { return g.outputs }
func (g *testGraph) Initializers() []*NodeArg          { return g.initializers }
func (g *testGraph) ParentNode() *Node                 { return g.parent }
func (g *testGraph) LoopIterationNumberArg() *NodeArg  { return g.iterArg }

func (g *testGraph) Subgraphs(n *Node) map[string]GraphView {
	if g.subgraphs == nil {
		return nil
	}
	return g.subgraphs[n.Index]
}

func f32(dims ...int) shapes.Shape { return shapes.Make(shapes.Float32, dims...) }

func arg(name string, shape shapes.Shape) *NodeArg {
	return &NodeArg{Name: name, Type: shape}
}

// noOpRegistry never requires an explicit cross-provider Wait step.
type noOpRegistry struct{}

func (noOpRegistry) WaitHandle(device.ProviderType, device.ProviderType) (device.WaitHandleFunc, bool) {
	return nil, false
}

// noKernelInfo resolves every node to nil kernel metadata (every
// CreateInfo-reading accessor already tolerates a nil receiver).
func noKernelInfo(string, *Node) *kernel.CreateInfo { return nil }
