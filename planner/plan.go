package planner

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/execplan/planner/device"
	"github.com/gomlx/execplan/types/shapes"
)

// AllocKind is the planner's decision for how a value's buffer comes to
// exist, per spec §3.
type AllocKind int

const (
	NotSet AllocKind = iota
	Allocate
	AllocateStatically
	AllocateOutput
	AllocatedExternally
	Reuse
	Share
	PreExisting
	// StridedView marks a value as a non-owning strided descriptor over an
	// input's storage, per the MayStridedOutput contract (§4.4.4): a real
	// alias of ReusedBuffer's buffer, but with its own shape/stride rather
	// than the donor's layout, and only ever legal when every downstream
	// consumer declared it acceptable.
	StridedView
)

func (k AllocKind) String() string {
	switch k {
	case Allocate:
		return "Allocate"
	case AllocateStatically:
		return "AllocateStatically"
	case AllocateOutput:
		return "AllocateOutput"
	case AllocatedExternally:
		return "AllocatedExternally"
	case Reuse:
		return "Reuse"
	case Share:
		return "Share"
	case PreExisting:
		return "PreExisting"
	case StridedView:
		return "StridedView"
	default:
		return "NotSet"
	}
}

// ProgramCounterRange is one lifetime interval [Start, End] of a buffer, in
// the planner's linear program-counter numbering (one tick per node, within
// a single graph level); End is the program counter of the node whose use
// retired it. A reused buffer carries one interval per occupant.
type ProgramCounterRange struct {
	Start, End int
}

// AllocPlanPerValue is the immutable decision record for one value, per
// spec §3.
type AllocPlanPerValue struct {
	ValueIndex int
	AllocKind  AllocKind
	Location   device.Location

	// ReusedBuffer is the value index whose buffer this value uses: the
	// aliased root when AllocKind is Reuse, Share or StridedView, and the
	// value's own index otherwise. It always points directly at a root (a
	// value whose own AllocKind is not Reuse/Share), never at another Reuse
	// -- see the reuse-acyclicity invariant, §8.1.
	ReusedBuffer int

	ValueType shapes.Shape

	ProgramCounter []ProgramCounterRange
}

// LogicStream is one totally-ordered sequence of steps bound to one
// execution provider (§3, §4.5).
type LogicStream struct {
	Provider device.ProviderType
	Steps    []Step
}

// BarrierRef addresses one Barrier step by (stream, step index within that
// stream), used by downstream_map to fan a notification out to every
// waiting consumer.
type BarrierRef struct {
	Stream, Step int
}

// ReleaseAction is one entry of the deallocation plan: free ValueIndex's
// buffer once RefCount consumer completions have been observed (§4.6).
type ReleaseAction struct {
	ValueIndex int
	RefCount   int
}

// SequentialExecutionPlan is the planner's complete output for one graph
// level, per spec §3.
type SequentialExecutionPlan struct {
	GraphName string

	AllocationPlan []AllocPlanPerValue

	ExecutionPlan []*LogicStream

	// NotificationOwners[n] is the logical stream index that produces
	// notification n.
	NotificationOwners []int

	// DownstreamMap[n] lists every Barrier step, across every stream, that
	// waits on notification n.
	DownstreamMap map[int][]BarrierRef

	NumBarriers int

	// ValueToStreamMap maps a value index to the stream index of the node
	// that produces it.
	ValueToStreamMap map[int]int

	ReleaseActions []ReleaseAction

	// NodeReleaseList[nodeIndex] lists indices into ReleaseActions to
	// decrement once that node has completed.
	NodeReleaseList map[int][]int

	// InitializerAllocationOrder/ActivationAllocationOrder are populated
	// only when the optional Allocation-Order Pass (§4.8) ran, for kernels
	// that require their inputs laid out contiguously.
	InitializerAllocationOrder []int
	ActivationAllocationOrder  []int

	// Subgraphs holds one independently-planned SequentialExecutionPlan per
	// nested subgraph reachable from this graph level, keyed by the same
	// composed key kernel.SubgraphInfoKey produces for its owning node and
	// attribute -- each subgraph is partitioned, indexed, located and
	// planned on its own, exactly as the original allocation planner plans
	// one SequentialExecutionPlan per FunctionBody/subgraph rather than
	// flattening nested control flow into the parent's streams.
	Subgraphs map[string]*SequentialExecutionPlan
}

// Dump renders the plan in the same two-section, human-readable form as
// the original allocation planner's operator<< overload: an allocation
// plan keyed by value index, followed by the per-stream execution plan.
// nameOf resolves a value index back to its source name (the planner
// itself only ever carries dense indices).
func (p *SequentialExecutionPlan) Dump(nameOf func(valueIndex int) string) string {
	var b strings.Builder
	b.WriteString("Allocation Plan:\n")
	b.WriteString("(value_idx) name : <allocation plan>\n")
	for idx, elt := range p.AllocationPlan {
		name := ""
		if nameOf != nil {
			name = nameOf(idx)
		}
		fmt.Fprintf(&b, "(%d) %s : %s", idx, name, elt.AllocKind)
		if elt.AllocKind == Reuse || elt.AllocKind == Share || elt.AllocKind == StridedView {
			fmt.Fprintf(&b, " %d", elt.ReusedBuffer)
		}
		fmt.Fprintf(&b, ", %s", elt.Location)
		if elt.ValueType.Ok() && !elt.ValueType.IsString() {
			fmt.Fprintf(&b, " (%s)", humanize.Bytes(uint64(elt.ValueType.Memory())))
		}
		b.WriteString("\n")
	}

	b.WriteString("\nExecution Plan:\n")
	for i, stream := range p.ExecutionPlan {
		fmt.Fprintf(&b, " Start logic stream: %d on execution provider: %s\n", i, stream.Provider)
		for _, step := range stream.Steps {
			b.WriteString(step.Dump())
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, " End logic stream: %d\n", i)
	}
	return b.String()
}
