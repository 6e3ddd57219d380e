package planner

import (
	"github.com/gomlx/execplan/planner/device"
	"github.com/gomlx/execplan/planner/kernel"
)

// LocationPlan accumulates the per-value decisions the location resolver
// makes over one planning run, keyed by dense value index (§4.3). It is
// populated by ResolveLocations and then consumed by the reuse core and the
// execution-plan builder: a value's final AllocPlanPerValue.Location and, for
// initializers, its AllocKind of AllocateStatically, come straight from here.
type LocationPlan struct {
	locations []device.Location
	isSet     []bool
	isStatic  []bool // true for initializers, per the AllocateStatically rule

	// implicitProviders[v] records, for a top-graph value seen only as an
	// implicit input of some subgraph-bearing node, the set of providers
	// that have referenced it so far -- needed to detect the "second
	// distinct provider degrades to CPU" rule.
	implicitProviders []map[device.ProviderType]bool
	heterogeneous     []bool
}

func newLocationPlan(n int) *LocationPlan {
	return &LocationPlan{
		locations:         make([]device.Location, n),
		isSet:             make([]bool, n),
		isStatic:          make([]bool, n),
		implicitProviders: make([]map[device.ProviderType]bool, n),
		heterogeneous:     make([]bool, n),
	}
}

// Location returns the resolved location for value v and whether it was
// ever set.
func (lp *LocationPlan) Location(v int) (device.Location, bool) {
	return lp.locations[v], lp.isSet[v]
}

// IsStatic reports whether value v is an initializer, whose AllocKind must
// be AllocateStatically rather than Allocate.
func (lp *LocationPlan) IsStatic(v int) bool {
	return lp.isStatic[v]
}

func (lp *LocationPlan) setIfUnset(v int, loc device.Location) {
	if !lp.isSet[v] {
		lp.locations[v] = loc
		lp.isSet[v] = true
	}
}

func (lp *LocationPlan) forceSet(v int, loc device.Location) {
	lp.locations[v] = loc
	lp.isSet[v] = true
}

// kernelInfoLookup resolves the kernel.CreateInfo for one node, accounting
// for nested-subgraph scoping via kernel.SubgraphInfoKey. Supplied by the
// caller of ResolveLocations, which owns the actual kernel registry.
type kernelInfoLookup func(graphKey string, n *Node) *kernel.CreateInfo

// ResolveLocations runs the location resolver of §4.3 over g and every
// subgraph reachable from it, in a single depth-first traversal -- the same
// traversal order the spec requires for initializer first-use resolution,
// so both concerns fall out of one walk.
//
// vi must already have every value in g and its subgraphs registered (via
// ProcessDef) before this runs; infoOf resolves kernel metadata per node.
func ResolveLocations(g GraphView, vi *ValueIndex, infoOf kernelInfoLookup) *LocationPlan {
	lp := newLocationPlan(vi.Len())
	MarkInitializers(g, vi, lp)
	w := &locationWalker{vi: vi, infoOf: infoOf, lp: lp}
	w.walk(g, "", 0)
	return lp
}

type locationWalker struct {
	vi     *ValueIndex
	infoOf kernelInfoLookup
	lp     *LocationPlan
}

// walk implements the depth-first traversal of §4.3/§4.4.1: this graph's
// nodes first, then -- at the point each subgraph-bearing node is
// encountered -- that node's nested subgraphs, recursively. baseKey
// identifies the current graph level for kernel-metadata lookup.
func (w *locationWalker) walk(g GraphView, baseKey string, depth int) {
	for _, n := range g.Nodes() {
		info := w.infoOf(baseKey, n)

		for i, arg := range n.Inputs {
			if arg == nil {
				continue
			}
			idx := w.vi.MustIndex(arg.Name)
			loc := device.ForMemoryType(n.Provider, info.InputMemoryType(i))
			// setIfUnset alone gives both rules for free: for an ordinary
			// value this is "first explicit consumer wins"; for an
			// initializer (IsStatic already marked by MarkInitializers,
			// which must run before this walk) this is "first consumption
			// in depth-first traversal order", since the walk itself
			// visits nodes depth-first.
			w.lp.setIfUnset(idx, loc)
		}

		for i, arg := range n.Outputs {
			if arg == nil {
				continue
			}
			idx := w.vi.MustIndex(arg.Name)
			loc := device.ForMemoryType(n.Provider, info.OutputMemoryType(i))
			w.lp.forceSet(idx, loc)
		}

		w.resolveImplicitInputs(g, n)

		for _, attrName := range n.SubgraphAttrNames {
			sub, ok := g.Subgraphs(n)[attrName]
			if !ok {
				continue
			}
			subKey := kernelSubgraphKey(baseKey, depth, n.Index, attrName)
			w.walk(sub, subKey, depth+1)
		}
	}
}

// kernelSubgraphKey is a thin indirection over kernel.SubgraphInfoKey so
// this file doesn't need to special-case the base key format.
func kernelSubgraphKey(base string, depth, nodeIndex int, attrName string) string {
	return kernel.SubgraphInfoKey(base, depth, nodeIndex, attrName)
}

// resolveImplicitInputs applies the pass-through rule of §4.3 for a node's
// implicit inputs: values captured from an outer scope only because some
// nested subgraph of n references them, never consumed directly by n
// itself.
func (w *locationWalker) resolveImplicitInputs(g GraphView, n *Node) {
	for _, arg := range n.ImplicitInputs {
		if arg == nil {
			continue
		}
		idx := w.vi.MustIndex(arg.Name)

		if g.ParentNode() != nil {
			// Inside a subgraph: inherit the outer-scope location if the
			// outer walk already set one; otherwise leave unset, to be
			// resolved (or not) by an explicit consumer elsewhere.
			continue
		}

		// Top graph: track which providers have referenced this value
		// implicitly so far.
		if w.lp.implicitProviders[idx] == nil {
			w.lp.implicitProviders[idx] = make(map[device.ProviderType]bool)
		}
		providers := w.lp.implicitProviders[idx]

		if w.lp.heterogeneous[idx] {
			continue
		}
		if len(providers) == 0 {
			providers[n.Provider] = true
			w.lp.setIfUnset(idx, device.Location{Provider: n.Provider, Allocator: device.AllocatorDefault})
			continue
		}
		if providers[n.Provider] {
			continue
		}
		// A second, distinct provider: degrade to CPU and lock it in.
		providers[n.Provider] = true
		w.lp.heterogeneous[idx] = true
		w.lp.forceSet(idx, device.Location{Provider: device.CPU, Allocator: device.AllocatorDefault})
	}
}

// MarkInitializers sets IsStatic for every initializer value in g and its
// subgraphs. Must be called before ResolveLocations, whose depth-first walk
// then resolves each initializer's first-consumption location for free by
// the same setIfUnset logic used for ordinary values.
func MarkInitializers(g GraphView, vi *ValueIndex, lp *LocationPlan) {
	for _, init := range g.Initializers() {
		lp.isStatic[vi.MustIndex(init.Name)] = true
	}
	for _, n := range g.Nodes() {
		for _, attrName := range n.SubgraphAttrNames {
			if sub, ok := g.Subgraphs(n)[attrName]; ok {
				MarkInitializers(sub, vi, lp)
			}
		}
	}
}
