package planner

import (
	"k8s.io/klog/v2"

	"github.com/gomlx/execplan/planner/device"
	"github.com/gomlx/execplan/planner/kernel"
)

// Context carries the caller-supplied knobs of §6's planner entry point
// that aren't part of the graph/kernel data itself. Parallel=false does not
// change the partition: a multi-stream partition is kept as is and the
// mismatch is only logged at klog V(2). MemoryReuse=false turns off the
// input-alias rules, free-list reuse and multi-stream refinement (useful for
// debugging); graph outputs still get AllocateOutput, externally owned
// outputs AllocatedExternally, and the Loop+Identity rule still yields
// Share, while every other output is Allocate.
type Context struct {
	Parallel    bool
	MemoryReuse bool

	// TrainingEnabled gates the MayStridedOutput aliasing rule of §4.4.4: a
	// kernel that declares a strided-output contract is free to use it when
	// this is true, since a training build can always fall back to
	// materializing the tensor contiguously if a later backward pass needs
	// that layout. Encountering a matching MayStridedOutput contract while
	// this is false is a fatal Unsupported configuration error, not a
	// silently-ignored one.
	TrainingEnabled bool
}

// Config bundles every input the planner's public entry point needs, per
// §6: the graph viewer for the top graph, the kernel-create-info map for
// its own nodes, the map of subgraph-keyed kernel-create-info maps for
// every nested subgraph (keyed by kernel.SubgraphInfoKey), the
// command-handle registry, the optional partition-config path, and the
// planner context knobs.
type Config struct {
	Graph GraphView

	KernelInfo         kernel.CreateInfoMap
	SubgraphKernelInfo map[string]kernel.CreateInfoMap

	Registry device.CommandHandleRegistry

	PartitionConfigPath string
	PartitionerName     string

	Context Context
}

// globalInfoOf resolves kernel.CreateInfo for any node at any nesting
// depth, given its composed graph key ("" for the top graph).
func (cfg Config) globalInfoOf(graphKey string, n *Node) *kernel.CreateInfo {
	var m kernel.CreateInfoMap
	if graphKey == "" {
		m = cfg.KernelInfo
	} else {
		m = cfg.SubgraphKernelInfo[graphKey]
	}
	if m == nil {
		return nil
	}
	return m[n.Index]
}

// Plan runs the full control flow of §2 over cfg.Graph and every subgraph
// reachable from it: partition, initialize the value index, resolve
// locations, build the execution plan, compute reuse, and emit the
// deallocation plan. Panics raised by panicInternal/panicUnsupported deep
// in the reuse core are recovered here and surfaced as a *PlanError, per
// §7's "no partial plan is returned" discipline.
//
// The value index, the location plan and the use-count table are each
// computed exactly once, up front, over cfg.Graph and its entire nested
// subgraph tree (§4.2-§4.4.1 already specify these as whole-tree, shared
// concerns); everything after that -- partitioning, the reuse core, the
// execution-plan builder, deallocation -- runs independently per graph
// level, recursing into nested subgraphs the same way the original
// allocation planner plans one SequentialExecutionPlan per subgraph.
func Plan(cfg Config) (result *SequentialExecutionPlan, err error) {
	defer catchPlanningPanics(cfg.Graph.Name(), &err)
	defer catchUnsupportedPanics(cfg.Graph.Name(), &err)

	vi := NewValueIndex()
	if rerr := registerGraphValues(cfg.Graph, vi); rerr != nil {
		return nil, &PlanError{Kind: InvalidInput, Graph: cfg.Graph.Name(), NodeIndex: -1, Err: rerr}
	}

	infoOf := cfg.globalInfoOf
	lp := ResolveLocations(cfg.Graph, vi, infoOf)
	uc := ComputeUseCounts(cfg.Graph, vi, infoOf)

	return planLevel(cfg, vi, lp, uc, "", 0)
}

// planLevel plans one graph level (cfg.Graph) against the already-computed
// whole-tree vi/lp/uc, then recurses into cfg.Graph's own nested subgraphs.
// graphKey is this level's own composed kernel-info key; depth is its
// nesting depth (both "" and 0 for the top graph).
func planLevel(cfg Config, vi *ValueIndex, lp *LocationPlan, uc *UseCounts, graphKey string, depth int) (result *SequentialExecutionPlan, err error) {
	infoOf := cfg.globalInfoOf

	partitionerName := cfg.PartitionerName
	if partitionerName == "" {
		partitionerName = "DefaultPartition"
	}
	part, perr := LoadOrCreatePartition(cfg.PartitionConfigPath, partitionerName, cfg.Graph)
	if perr != nil {
		return nil, &PlanError{Kind: InvalidInput, Graph: cfg.Graph.Name(), NodeIndex: -1, Err: perr}
	}
	multiStream := len(part.Streams) > 1
	if !cfg.Context.Parallel && multiStream {
		klog.V(2).Infof("planner: graph %q requested non-parallel execution but its partition has %d streams; they still run cooperatively per the emitted synchronization, just without a concurrency guarantee beyond what the plan already encodes", cfg.Graph.Name(), len(part.Streams))
	}

	nodeOrder := cfg.Graph.Nodes() // already in topological order, per GraphView's contract
	nodeOf := make(map[int]*Node, len(nodeOrder))
	for _, n := range nodeOrder {
		nodeOf[n.Index] = n
	}

	byteSizeOf := func(v int) uintptr {
		t := vi.Def(v).Type
		if !t.Ok() || t.IsString() {
			return 0
		}
		return t.Memory()
	}
	isStringOf := func(v int) bool { return vi.Def(v).Type.IsString() }

	rc := NewReuseCore(vi, infoOf, lp, uc, byteSizeOf, isStringOf)
	rc.trainingEnabled = cfg.Context.TrainingEnabled
	switch {
	case !cfg.Context.MemoryReuse:
		rc.RunSingleStream(cfg.Graph, graphKey, nodeOrder, false, false)
	case multiStream:
		rc.RunSingleStream(cfg.Graph, graphKey, nodeOrder, false, false)
		rc.RunMultiStreamRefine(cfg.Graph, graphKey, nodeOrder, part)
	default:
		rc.RunSingleStream(cfg.Graph, graphKey, nodeOrder, true, true)
	}
	for _, n := range nodeOrder {
		for _, out := range n.Outputs {
			if out == nil {
				continue
			}
			v := vi.MustIndex(out.Name)
			if lp.IsStatic(v) && rc.AllocationPlan[v].AllocKind == Allocate {
				rc.AllocationPlan[v].AllocKind = AllocateStatically
			}
			rc.AllocationPlan[v].ValueType = out.Type
		}
	}
	for _, init := range cfg.Graph.Initializers() {
		v := vi.MustIndex(init.Name)
		rc.AllocationPlan[v].AllocKind = AllocateStatically
		rc.AllocationPlan[v].Location, _ = lp.Location(v)
		rc.AllocationPlan[v].ValueType = init.Type
	}

	builder := NewPlanBuilder(vi, uc, part, cfg.Registry)
	builder.Build(
		func(idx int) *Node { return nodeOf[idx] },
		func(idx int) device.ProviderType { return nodeOf[idx].Provider },
	)
	streams, notifOwners, downstreamMap, numBarriers, valueToStream := builder.Result()

	releases, nodeReleaseList := EmitDeallocationPlan(uc, rc.AllocationPlan, part.Streams)

	allocOrder := RunAllocationOrderPass(nodeOrder, graphKey, infoOf, vi, lp, rc.AllocationPlan)

	result = &SequentialExecutionPlan{
		GraphName:                  cfg.Graph.Name(),
		AllocationPlan:             rc.AllocationPlan,
		ExecutionPlan:              streams,
		NotificationOwners:         notifOwners,
		DownstreamMap:              downstreamMap,
		NumBarriers:                numBarriers,
		ValueToStreamMap:           valueToStream,
		ReleaseActions:             releases,
		NodeReleaseList:            nodeReleaseList,
		InitializerAllocationOrder: allocOrder.Initializers,
		ActivationAllocationOrder:  allocOrder.Activations,
	}

	if err := planSubgraphs(cfg, vi, lp, uc, graphKey, depth, result); err != nil {
		return nil, err
	}
	return result, nil
}

// registerGraphValues runs ProcessDef over every value defined at this
// graph level and every nested subgraph reachable from it: graph inputs,
// initializers, and every node output, visited depth-first so a value's
// index is stable no matter which graph level first references it
// implicitly (§4.2).
func registerGraphValues(g GraphView, vi *ValueIndex) error {
	for _, arg := range g.Inputs() {
		if _, err := vi.ProcessDef(arg); err != nil {
			return err
		}
	}
	for _, arg := range g.Initializers() {
		if _, err := vi.ProcessDef(arg); err != nil {
			return err
		}
	}
	for _, n := range g.Nodes() {
		for _, out := range n.Outputs {
			if out == nil {
				continue
			}
			if _, err := vi.ProcessDef(out); err != nil {
				return err
			}
		}
		for _, attrName := range n.SubgraphAttrNames {
			if sub, ok := g.Subgraphs(n)[attrName]; ok {
				if err := registerGraphValues(sub, vi); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// planSubgraphs recurses planLevel over every nested subgraph reachable
// from cfg.Graph, attaching each result under result.Subgraphs keyed by
// kernel.SubgraphInfoKey -- the same composed key the location resolver and
// use-count walk already use to scope kernel-metadata lookups.
func planSubgraphs(cfg Config, vi *ValueIndex, lp *LocationPlan, uc *UseCounts, graphKey string, depth int, result *SequentialExecutionPlan) error {
	for _, n := range cfg.Graph.Nodes() {
		for _, attrName := range n.SubgraphAttrNames {
			sub, ok := cfg.Graph.Subgraphs(n)[attrName]
			if !ok {
				continue
			}
			subKey := kernel.SubgraphInfoKey(graphKey, depth, n.Index, attrName)
			subCfg := cfg
			subCfg.Graph = sub
			subCfg.PartitionConfigPath = "" // nested subgraphs always use the default partition

			subPlan, err := planLevel(subCfg, vi, lp, uc, subKey, depth+1)
			if err != nil {
				return err
			}
			if result.Subgraphs == nil {
				result.Subgraphs = make(map[string]*SequentialExecutionPlan)
			}
			result.Subgraphs[subKey] = subPlan
		}
	}
	return nil
}
