package planner

import (
	"github.com/gomlx/execplan/planner/device"
	"github.com/gomlx/execplan/types/shapes"
)

// NodeArg is one named value in the graph: a graph input, a graph output,
// an initializer, or the output of some node. It is the "definition site"
// the spec's Value Index records for every registered index.
type NodeArg struct {
	// Name uniquely identifies this value within the whole planning run
	// (shared across a graph and all of its nested subgraphs).
	Name string

	// Type is the value's element type and dimensions. A NodeArg whose
	// shape isn't known at plan time (rare, e.g. some control-flow
	// pass-throughs) leaves Type as shapes.Invalid().
	Type shapes.Shape

	// IsNonTensor marks a container value that isn't a flat tensor (e.g. a
	// sequence or a map) -- such values never take a free-list reuse; unless
	// an input-alias rule (checked first) or a graph-output/external rule
	// applies, they take AllocKind Allocate (§4.4.2 rule 4).
	IsNonTensor bool
}

// Node is one operator instance in a graph (or subgraph) being planned.
type Node struct {
	// Index is the node's position in its own graph's node list. It is
	// stable for the lifetime of planning and is the key into a
	// kernel.CreateInfoMap and into per-node bookkeeping such as the
	// deallocation plan's node-release list.
	Index int

	// Name is the node's given name, or "" if unnamed. Unnamed nodes are
	// addressed in partition-config files as "<OpType><k>" (§6).
	Name string

	OpType   string
	Provider device.ProviderType

	// Inputs are this node's explicit inputs, in declared order. A nil
	// entry marks an absent optional input.
	Inputs []*NodeArg

	// ImplicitInputs are outer-scope values referenced only by nodes
	// inside one of this node's nested subgraphs (only non-empty for
	// control-flow nodes such as If/Loop/Scan).
	ImplicitInputs []*NodeArg

	Outputs []*NodeArg

	// IsYieldOp marks a yield-to-caller operator (used by training
	// checkpointing graphs): its inputs must never be chosen as an
	// input-alias target elsewhere, since the values are handed back to
	// the caller and must not be silently overwritten later (§4.4.4).
	IsYieldOp bool

	// SubgraphAttrNames lists the attribute names under which this node
	// carries a nested subgraph (e.g. "body" for Loop, "then_branch" and
	// "else_branch" for If). Empty for ordinary nodes.
	SubgraphAttrNames []string
}

// GraphView is the read-only surface the planner needs of a frozen,
// already shape-inferred, already provider-bound computation graph. It is
// the "graph viewer" of spec §6 -- graph loading, shape inference and
// provider assignment are out of scope, produced upstream.
type GraphView interface {
	// Name identifies the graph, used only for error/log context.
	Name() string

	// Nodes returns every node of this graph level, in an order consistent
	// with the graph's topological order.
	Nodes() []*Node

	// Inputs returns the graph-level input NodeArgs (for a nested
	// subgraph, its own formal inputs, e.g. a Loop body's iteration
	// variables -- distinct from ImplicitInputs, which are captured from
	// the outer scope instead of declared as formal inputs).
	Inputs() []*NodeArg

	// Outputs returns the graph-level (named) output NodeArgs, in order.
	Outputs() []*NodeArg

	// Initializers returns the constant NodeArgs defined directly in this
	// graph level.
	Initializers() []*NodeArg

	// ParentNode returns the node that owns this graph as one of its
	// subgraphs, or nil if this is the top graph.
	ParentNode() *Node

	// Subgraphs returns, for a node that owns nested subgraphs, the
	// GraphView for each of its SubgraphAttrNames.
	Subgraphs(n *Node) map[string]GraphView

	// LoopIterationNumberArg returns the NodeArg representing the current
	// iteration count, if this graph is the body of a Loop node; nil
	// otherwise. Used by the Loop+Identity share-aliasing optimization
	// (§4.4.2 rule 2), which must never alias the iteration counter.
	LoopIterationNumberArg() *NodeArg
}
