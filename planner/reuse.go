package planner

import (
	"github.com/gomlx/execplan/planner/device"
	"github.com/gomlx/execplan/planner/kernel"
)

// consumerRef addresses one (node, input-position) occurrence of a value as
// an explicit input, used both for use-count bookkeeping and for the
// MayStridedOutput downstream-acceptance check of §4.4.4.
type consumerRef struct {
	Node     *Node
	InputPos int
}

// UseCounts is the static use-count table of §4.4.1, plus the consumer
// index it was computed from (reused by the reuse core and the
// deallocation emitter alike).
type UseCounts struct {
	counts    []int
	consumers [][]consumerRef
	producer  []int // producer node index per value index, -1 if none (graph input/initializer/outer-scope arg)
}

// ComputeUseCounts walks g and every nested subgraph, incrementing each
// value's static use count for every explicit input, implicit input and
// named graph-output occurrence, per §4.4.1. A node whose kernel info
// reports HasExternalOutputs gives each of its outputs one extra increment
// so the value is never reused.
func ComputeUseCounts(g GraphView, vi *ValueIndex, infoOf kernelInfoLookup) *UseCounts {
	uc := &UseCounts{
		counts:    make([]int, vi.Len()),
		consumers: make([][]consumerRef, vi.Len()),
		producer:  make([]int, vi.Len()),
	}
	for i := range uc.producer {
		uc.producer[i] = -1
	}

	// Caller-retention increment for graph inputs, outer-scope args and
	// initializers: anything the planner itself didn't produce.
	var retain func(g GraphView)
	retain = func(g GraphView) {
		for _, arg := range g.Inputs() {
			uc.counts[vi.MustIndex(arg.Name)]++
		}
		for _, arg := range g.Initializers() {
			uc.counts[vi.MustIndex(arg.Name)]++
		}
	}
	retain(g)

	var walk func(g GraphView, baseKey string, depth int)
	walk = func(g GraphView, baseKey string, depth int) {
		outputSet := make(map[int]bool)
		for _, arg := range g.Outputs() {
			outputSet[vi.MustIndex(arg.Name)] = true
		}

		for _, n := range g.Nodes() {
			info := infoOf(baseKey, n)
			for _, out := range n.Outputs {
				if out == nil {
					continue
				}
				uc.producer[vi.MustIndex(out.Name)] = n.Index
			}
			for i, arg := range n.Inputs {
				if arg == nil {
					continue
				}
				idx := vi.MustIndex(arg.Name)
				uc.counts[idx]++
				uc.consumers[idx] = append(uc.consumers[idx], consumerRef{Node: n, InputPos: i})
			}
			for _, arg := range n.ImplicitInputs {
				if arg == nil {
					continue
				}
				uc.counts[vi.MustIndex(arg.Name)]++
			}
			if info.HasExternalOutputs() {
				for _, out := range n.Outputs {
					if out != nil {
						uc.counts[vi.MustIndex(out.Name)]++
					}
				}
			}
			for _, attrName := range n.SubgraphAttrNames {
				if sub, ok := g.Subgraphs(n)[attrName]; ok {
					subKey := kernelSubgraphKey(baseKey, depth, n.Index, attrName)
					walk(sub, subKey, depth+1)
				}
			}
		}

		for idx := range outputSet {
			uc.counts[idx]++
		}
	}
	walk(g, "", 0)
	return uc
}

// Count returns the current remaining use count for value v.
func (uc *UseCounts) Count(v int) int { return uc.counts[v] }

// Producer returns the node index that defines value v via an output, or
// -1 if v has no producing node (graph input, outer-scope arg, initializer).
func (uc *UseCounts) Producer(v int) int { return uc.producer[v] }

// freeEntry is one dead buffer sitting in the LIFO free list of §4.4.3,
// available for reuse by a later output with a matching location and byte
// size.
type freeEntry struct {
	root     int
	loc      device.Location
	byteSize uintptr
	pc       int
}

// ReuseCore threads the mutable bookkeeping of the single-stream reuse pass
// (§4.4.2-§4.4.4): a live copy of the use-count table, each value's current
// root buffer, a LIFO free list, and the growing allocation plan.
type ReuseCore struct {
	vi     *ValueIndex
	infoOf kernelInfoLookup
	lp     *LocationPlan
	uc     *UseCounts

	root     []int
	liveLeft []int // mutable decrementing copy of uc.counts
	freeList []freeEntry
	pc       int

	byteSize []uintptr
	isString []bool

	// trainingEnabled gates MayStridedOutput aliasing (§4.4.4); set by the
	// planner entry point from Context.TrainingEnabled, left false for
	// tests that construct a ReuseCore directly and never touch it.
	trainingEnabled bool

	AllocationPlan []AllocPlanPerValue
}

// NewReuseCore prepares the mutable state for a single-stream pass.
// byteSizeOf/isStringOf resolve a value's allocation footprint, normally
// derived from its NodeArg.Type (shapes.Shape.Memory/IsString).
func NewReuseCore(vi *ValueIndex, infoOf kernelInfoLookup, lp *LocationPlan, uc *UseCounts, byteSizeOf func(int) uintptr, isStringOf func(int) bool) *ReuseCore {
	n := vi.Len()
	rc := &ReuseCore{
		vi: vi, infoOf: infoOf, lp: lp, uc: uc,
		root:            make([]int, n),
		liveLeft:        make([]int, n),
		byteSize:        make([]uintptr, n),
		isString:        make([]bool, n),
		AllocationPlan:  make([]AllocPlanPerValue, n),
	}
	for i := 0; i < n; i++ {
		rc.root[i] = i
		rc.liveLeft[i] = uc.counts[i]
		rc.byteSize[i] = byteSizeOf(i)
		rc.isString[i] = isStringOf(i)
		rc.AllocationPlan[i] = AllocPlanPerValue{ValueIndex: i, ReusedBuffer: i}
	}
	return rc
}

// Root returns value v's current root buffer (itself, unless it has been
// assigned Reuse/Share onto another value).
func (rc *ReuseCore) Root(v int) int {
	r := rc.root[v]
	for rc.root[r] != r {
		r = rc.root[r]
	}
	return r
}

// RunSingleStream assigns AllocKind and ReusedBuffer for every output in
// nodeOrder (the nodes of the single graph level g, in topological order;
// nested subgraphs are planned by separate calls), per §4.4.2-§4.4.4. allowInputAlias/allowFreeList are false
// when this call is establishing the multi-stream "safe baseline" (§4.4.5).
func (rc *ReuseCore) RunSingleStream(g GraphView, baseKey string, nodeOrder []*Node, allowInputAlias, allowFreeList bool) {
	for _, n := range nodeOrder {
		info := rc.infoOf(baseKey, n)
		rc.assignOutputs(g, baseKey, n, info, allowInputAlias, allowFreeList)
		rc.retireInputsAndDeadOutputs(n)
		rc.pc++
	}
}

func (rc *ReuseCore) assignOutputs(g GraphView, baseKey string, n *Node, info *kernel.CreateInfo, allowInputAlias, allowFreeList bool) {
	isGraphOutput := make(map[int]bool)
	for _, arg := range g.Outputs() {
		isGraphOutput[rc.vi.MustIndex(arg.Name)] = true
	}

	for outIdx, out := range n.Outputs {
		if out == nil {
			continue
		}
		v := rc.vi.MustIndex(out.Name)
		loc, _ := rc.lp.Location(v)
		plan := &rc.AllocationPlan[v]
		plan.Location = loc
		plan.ProgramCounter = append(plan.ProgramCounter, ProgramCounterRange{Start: rc.pc})

		switch {
		case info.HasExternalOutputs():
			plan.AllocKind = AllocatedExternally

		case isGraphOutput[v]:
			plan.AllocKind = AllocateOutput
			if shared := rc.loopIdentityShare(g, n, outIdx); shared >= 0 {
				plan.AllocKind = Share
				rc.alias(v, shared, loc)
			}

		case allowInputAlias && rc.tryInputAlias(baseKey, n, info, outIdx, v, loc):
			// tryInputAlias already set plan.AllocKind/ReusedBuffer.

		case out.IsNonTensor:
			plan.AllocKind = Allocate

		case allowFreeList && rc.tryFreeListMatch(v, loc):
			// tryFreeListMatch already set plan.AllocKind/ReusedBuffer.

		default:
			plan.AllocKind = Allocate
		}
	}
}

// loopIdentityShare implements the Loop+Identity optimization of §4.4.2
// rule 2: this graph's parent node is a Loop, n is an Identity, and its
// single input is a pre-existing outer-scope value that isn't the loop
// iteration number. Returns the input's value index to share with, or -1.
func (rc *ReuseCore) loopIdentityShare(g GraphView, n *Node, outIdx int) int {
	if outIdx != 0 || n.OpType != "Identity" || len(n.Inputs) != 1 {
		return -1
	}
	parent := g.ParentNode()
	if parent == nil || parent.OpType != "Loop" {
		return -1
	}
	in := n.Inputs[0]
	if in == nil {
		return -1
	}
	if iterArg := g.LoopIterationNumberArg(); iterArg != nil && iterArg.Name == in.Name {
		return -1
	}
	if rc.uc.Producer(rc.vi.MustIndex(in.Name)) != -1 {
		// Must be a pre-existing (outer-scope) value, not produced inside
		// this subgraph.
		return -1
	}
	return rc.vi.MustIndex(in.Name)
}

// tryInputAlias implements §4.4.2 rule 3 / §4.4.4: mandatory Alias and
// VariadicAlias always apply when declared; MayInplace applies only when
// the input's root buffer is down to its last use, sizes match, and the
// input isn't pinned AllocatedExternally; MayStridedOutput applies only
// when every downstream consumer of the new output accepts a strided input
// at the corresponding position. Yield-op consumers suppress aliasing for
// that input entirely.
func (rc *ReuseCore) tryInputAlias(baseKey string, n *Node, info *kernel.CreateInfo, outIdx, outValue int, outLoc device.Location) bool {
	if inIdx, ok := info.AliasFor(outIdx); ok {
		if in := inputAt(n, inIdx); in != nil && !rc.yieldSuppressed(rc.vi.MustIndex(in.Name)) {
			rc.alias(outValue, rc.vi.MustIndex(in.Name), outLoc)
			return true
		}
	}
	if inIdx, ok := info.MayInplaceFor(outIdx); ok {
		if in := inputAt(n, inIdx); in != nil {
			inV := rc.vi.MustIndex(in.Name)
			// Uses still pending on the input's root buffer, summed over
			// every value that currently shares that buffer.
			inRoot, rootLeft := rc.Root(inV), 0
			for w := range rc.liveLeft {
				if rc.Root(w) == inRoot {
					rootLeft += rc.liveLeft[w]
				}
			}
			if !rc.yieldSuppressed(inV) && rc.reuseEligible(inV) && rootLeft == 1 &&
				rc.byteSize[inV] == rc.byteSize[outValue] && !rc.isString[inV] {
				rc.alias(outValue, inV, outLoc)
				return true
			}
		}
	}
	if inIdx, ok := info.MayStridedOutputFor(outIdx); ok {
		if in := inputAt(n, inIdx); in != nil && rc.tryStridedOutput(baseKey, outValue, in, outLoc) {
			return true
		}
	}
	return false
}

// reuseEligible reports whether v's current buffer may be handed to
// another value as an alias, free-list or cross-stream reuse target. A
// value pinned AllocatedExternally is owned by the runtime, not the
// planner, and must never become a Reuse target regardless of how the
// match was found (§4.4.3, §4.4.4, §4.4.5 all share this exclusion).
func (rc *ReuseCore) reuseEligible(v int) bool {
	return rc.AllocationPlan[rc.Root(v)].AllocKind != AllocatedExternally
}

// tryStridedOutput implements the MayStridedOutput half of §4.4.4: outValue
// becomes a non-owning strided view over in iff every downstream consumer
// of outValue declares the corresponding input position in its own
// MayStridedInput set. A match outside a training build is a fatal
// Unsupported configuration error rather than a silent no-op, since a
// non-training runtime has no backward pass that could fall back to
// materializing the tensor contiguously.
func (rc *ReuseCore) tryStridedOutput(baseKey string, outValue int, in *NodeArg, outLoc device.Location) bool {
	for _, c := range rc.uc.consumers[outValue] {
		consumerInfo := rc.infoOf(baseKey, c.Node)
		if !consumerInfo.AcceptsStridedInput(c.InputPos) {
			return false
		}
	}
	if !rc.trainingEnabled {
		panicUnsupported("strided-output aliasing requires a training build")
	}
	rc.aliasAs(StridedView, outValue, rc.vi.MustIndex(in.Name), outLoc)
	return true
}

// yieldSuppressed reports whether value v must never be chosen as an
// input-alias target because one of its consumers is a yield-to-caller
// operator (§4.4.4).
func (rc *ReuseCore) yieldSuppressed(v int) bool {
	for _, c := range rc.uc.consumers[v] {
		if c.Node.IsYieldOp {
			return true
		}
	}
	return false
}

func inputAt(n *Node, i int) *NodeArg {
	if i < 0 || i >= len(n.Inputs) {
		return nil
	}
	return n.Inputs[i]
}

// alias finalizes output v as Reuse of target's root buffer.
func (rc *ReuseCore) alias(v, target int, loc device.Location) {
	rc.aliasAs(Reuse, v, target, loc)
}

// aliasAs finalizes output v as kind (Reuse, Share or StridedView) of
// target's root buffer.
func (rc *ReuseCore) aliasAs(kind AllocKind, v, target int, loc device.Location) {
	root := rc.Root(target)
	rc.root[v] = root
	plan := &rc.AllocationPlan[v]
	plan.AllocKind = kind
	plan.ReusedBuffer = root
}

// tryFreeListMatch implements §4.4.3: a free buffer matches iff location,
// non-string-ness and byte size all agree. LIFO: the most recently freed
// matching entry wins.
func (rc *ReuseCore) tryFreeListMatch(v int, loc device.Location) bool {
	if rc.isString[v] {
		return false
	}
	for i := len(rc.freeList) - 1; i >= 0; i-- {
		e := rc.freeList[i]
		if e.loc.Equal(loc) && e.byteSize == rc.byteSize[v] {
			rc.freeList = append(rc.freeList[:i], rc.freeList[i+1:]...)
			rc.root[v] = e.root
			plan := &rc.AllocationPlan[v]
			plan.AllocKind = Reuse
			plan.ReusedBuffer = e.root
			return true
		}
	}
	return false
}

// retireInputsAndDeadOutputs decrements use counts for every explicit and
// implicit input of n, and for each output that was never consumed at all
// (use count zero from the start), pushing a value onto the free list and
// closing its current lifetime interval the moment its count reaches zero.
func (rc *ReuseCore) retireInputsAndDeadOutputs(n *Node) {
	retire := func(v int) {
		root := rc.Root(v)
		rootPlan := &rc.AllocationPlan[root]
		if len(rootPlan.ProgramCounter) > 0 {
			rootPlan.ProgramCounter[len(rootPlan.ProgramCounter)-1].End = rc.pc
		}
		if rootPlan.AllocKind == Allocate {
			rc.freeList = append(rc.freeList, freeEntry{
				root: root, loc: rootPlan.Location, byteSize: rc.byteSize[root], pc: rc.pc,
			})
		}
	}
	decAndMaybeRetire := func(v int) {
		rc.liveLeft[v]--
		if rc.liveLeft[v] <= 0 {
			retire(v)
		}
	}
	for _, in := range n.Inputs {
		if in != nil {
			decAndMaybeRetire(rc.vi.MustIndex(in.Name))
		}
	}
	for _, in := range n.ImplicitInputs {
		if in != nil {
			decAndMaybeRetire(rc.vi.MustIndex(in.Name))
		}
	}
	for _, out := range n.Outputs {
		if out == nil {
			continue
		}
		v := rc.vi.MustIndex(out.Name)
		if rc.liveLeft[v] <= 0 {
			retire(v)
		}
	}
}

// depGraph is the combined dependence graph of §4.4.5: model-graph edges
// (producer node -> each explicit consumer node) plus intra-stream linear
// edges, keyed by Node.Index. Dependents sets are memoized per node since
// the refinement pass over nodeOrder asks for the same node's set repeatedly.
type depGraph struct {
	succ map[int][]int
	memo map[int]map[int]bool
}

func buildDepGraph(nodeOrder []*Node, part Partition, uc *UseCounts, vi *ValueIndex) *depGraph {
	dg := &depGraph{succ: make(map[int][]int), memo: make(map[int]map[int]bool)}
	add := func(from, to int) {
		dg.succ[from] = append(dg.succ[from], to)
	}
	for _, n := range nodeOrder {
		for _, out := range n.Outputs {
			if out == nil {
				continue
			}
			v := vi.MustIndex(out.Name)
			for _, c := range uc.consumers[v] {
				add(n.Index, c.Node.Index)
			}
		}
	}
	for _, stream := range part.Streams {
		for i := 1; i < len(stream); i++ {
			add(stream[i-1], stream[i])
		}
	}
	return dg
}

// dependents returns the set of node indices transitively reachable from
// nodeIdx along dependence-graph edges (nodeIdx's transitive successors),
// computed once per node and cached.
func (dg *depGraph) dependents(nodeIdx int) map[int]bool {
	if set, ok := dg.memo[nodeIdx]; ok {
		return set
	}
	set := make(map[int]bool)
	var dfs func(int)
	dfs = func(cur int) {
		for _, next := range dg.succ[cur] {
			if set[next] {
				continue
			}
			set[next] = true
			dfs(next)
		}
	}
	dfs(nodeIdx)
	dg.memo[nodeIdx] = set
	return set
}

// waitingEntry is one dead buffer awaiting a TryReuseOutput match during
// multi-stream refinement: it became free once every one of consumers
// (every node that reads the retiring value, across every stream) had
// completed. A match must be ordered after every one of them, not merely
// after whichever happened to be processed last in nodeOrder -- nodeOrder
// is a valid topological order but gives no guarantee about the relative
// order of nodes on independent streams, so "the last consumer visited in
// nodeOrder" is not the same thing as "the last consumer to actually run".
type waitingEntry struct {
	root      int
	loc       device.Location
	byteSz    uintptr
	consumers []int // node indices of every consumer of the value that freed this buffer
}

// RunMultiStreamRefine implements §4.4.5: starting from the safe baseline
// produced by a prior RunSingleStream(allowInputAlias=false,
// allowFreeList=false) call, it re-applies input aliasing under a
// surviving-consumers-size-1 check, then a dependents-set-aware output
// reuse pass, over nodeOrder (assumed already a topological order
// consistent with both the model graph and every stream's intra-stream
// order, which holds for any nodeOrder a valid Partition was derived from).
func (rc *ReuseCore) RunMultiStreamRefine(g GraphView, baseKey string, nodeOrder []*Node, part Partition) {
	dg := buildDepGraph(nodeOrder, part, rc.uc, rc.vi)
	surviving := make([]int, len(rc.uc.counts))
	copy(surviving, rc.uc.counts)

	var waiting []waitingEntry

	isGraphOutput := make(map[int]bool)
	for _, arg := range g.Outputs() {
		isGraphOutput[rc.vi.MustIndex(arg.Name)] = true
	}

	for _, n := range nodeOrder {
		info := rc.infoOf(baseKey, n)

		for outIdx, out := range n.Outputs {
			if out == nil {
				continue
			}
			v := rc.vi.MustIndex(out.Name)
			plan := &rc.AllocationPlan[v]
			if plan.AllocKind != Allocate {
				// Already pinned by the baseline pass (external, graph
				// output, mandatory share) -- refinement never touches it.
				continue
			}

			if rc.tryReuseInputMultiStream(baseKey, n, info, outIdx, v, plan.Location, surviving) {
				continue
			}
			if isGraphOutput[v] || out.IsNonTensor {
				continue
			}
			rc.tryReuseOutputMultiStream(n, v, plan, &waiting, dg)
		}

		for _, in := range n.Inputs {
			if in == nil {
				continue
			}
			idx := rc.vi.MustIndex(in.Name)
			surviving[idx]--
			if surviving[idx] == 0 && rc.reuseEligible(idx) {
				root := rc.Root(idx)
				donorConsumers := make([]int, 0, len(rc.uc.consumers[idx]))
				for _, c := range rc.uc.consumers[idx] {
					donorConsumers = append(donorConsumers, c.Node.Index)
				}
				waiting = append(waiting, waitingEntry{
					root: root, loc: rc.AllocationPlan[root].Location,
					byteSz: rc.byteSize[root], consumers: donorConsumers,
				})
			}
		}
		for _, in := range n.ImplicitInputs {
			if in != nil {
				surviving[rc.vi.MustIndex(in.Name)]--
			}
		}
	}
}

// tryReuseInputMultiStream re-applies Alias, VariadicAlias, MayInplace
// (with the §4.4.5 surviving-consumers-size-1 replacement for the
// single-stream last-use check) and MayStridedOutput.
func (rc *ReuseCore) tryReuseInputMultiStream(baseKey string, n *Node, info *kernel.CreateInfo, outIdx, outValue int, outLoc device.Location, surviving []int) bool {
	if inIdx, ok := info.AliasFor(outIdx); ok {
		if in := inputAt(n, inIdx); in != nil {
			inV := rc.vi.MustIndex(in.Name)
			if !rc.yieldSuppressed(inV) {
				rc.alias(outValue, inV, outLoc)
				return true
			}
		}
	}
	if inIdx, ok := info.MayInplaceFor(outIdx); ok {
		if in := inputAt(n, inIdx); in != nil {
			inV := rc.vi.MustIndex(in.Name)
			if !rc.yieldSuppressed(inV) && rc.reuseEligible(inV) && surviving[inV] == 1 &&
				rc.byteSize[inV] == rc.byteSize[outValue] && !rc.isString[inV] {
				rc.alias(outValue, inV, outLoc)
				return true
			}
		}
	}
	if inIdx, ok := info.MayStridedOutputFor(outIdx); ok {
		if in := inputAt(n, inIdx); in != nil && rc.tryStridedOutput(baseKey, outValue, in, outLoc) {
			return true
		}
	}
	return false
}

// tryReuseOutputMultiStream implements the TryReuseOutput half of §4.4.5: a
// waiting buffer w matches this output iff every one of w's consumers (not
// merely whichever of them happened to free the buffer last in nodeOrder)
// is an ancestor of both the producing node and every consumer of the new
// output, per the combined dependence graph dg. That is the actual
// guarantee the original allocation planner's value_consumer_map_ iteration
// gives: the reused write, and everything that reads it afterward,
// happens-after every single read of the value being retired, on every
// stream -- not just after the one consumer this code happened to observe
// decrementing the count to zero.
func (rc *ReuseCore) tryReuseOutputMultiStream(n *Node, v int, plan *AllocPlanPerValue, waiting *[]waitingEntry, dg *depGraph) {
	if rc.isString[v] {
		return
	}
	consumerIdxs := make([]int, 0, len(rc.uc.consumers[v]))
	for _, c := range rc.uc.consumers[v] {
		consumerIdxs = append(consumerIdxs, c.Node.Index)
	}

	for i := len(*waiting) - 1; i >= 0; i-- {
		w := (*waiting)[i]
		if !w.loc.Equal(plan.Location) || w.byteSz != rc.byteSize[v] {
			continue
		}
		if !allDonorConsumersPrecede(w.consumers, n.Index, consumerIdxs, dg) {
			continue
		}
		*waiting = append((*waiting)[:i], (*waiting)[i+1:]...)
		rc.alias(v, w.root, plan.Location)
		return
	}
}

// allDonorConsumersPrecede reports whether every one of donorConsumers
// (every node that reads the value being retired) is an ancestor, in dg, of
// both producer (the node about to write the reused buffer) and every one
// of newConsumers (every node that will read the new value). A donor with
// no recorded consumers trivially satisfies this -- there is nothing left
// to order against.
func allDonorConsumersPrecede(donorConsumers []int, producer int, newConsumers []int, dg *depGraph) bool {
	for _, dc := range donorConsumers {
		deps := dg.dependents(dc)
		if !deps[producer] {
			return false
		}
		for _, nc := range newConsumers {
			if !deps[nc] {
				return false
			}
		}
	}
	return true
}
