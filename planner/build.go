package planner

import "github.com/gomlx/execplan/planner/device"

// PlanBuilder accumulates the per-stream command lists and the
// barrier/notification bookkeeping of §4.5, given a Partition and the
// use-count/consumer index already computed by ComputeUseCounts.
type PlanBuilder struct {
	vi       *ValueIndex
	uc       *UseCounts
	part     Partition
	registry device.CommandHandleRegistry

	streams []*LogicStream

	// streamOf[nodeIndex] is the logical stream a node was assigned to.
	streamOf map[int]int

	numBarriers        int
	notificationOwners []int
	downstreamMap      map[int][]BarrierRef
	valueToStream      map[int]int

	// nodeNotification[nodeIndex] is the notification id allocated to a
	// node that has at least one cross-stream consumer, or -1.
	nodeNotification map[int]int
}

// NewPlanBuilder prepares a builder for one Partition.
func NewPlanBuilder(vi *ValueIndex, uc *UseCounts, part Partition, registry device.CommandHandleRegistry) *PlanBuilder {
	b := &PlanBuilder{
		vi: vi, uc: uc, part: part, registry: registry,
		streamOf:          make(map[int]int),
		downstreamMap:     make(map[int][]BarrierRef),
		valueToStream:     make(map[int]int),
		nodeNotification:  make(map[int]int),
	}
	for streamIdx, nodes := range part.Streams {
		for _, nodeIdx := range nodes {
			b.streamOf[nodeIdx] = streamIdx
		}
	}
	b.streams = make([]*LogicStream, len(part.Streams))
	for i, provider := range part.Providers {
		b.streams[i] = &LogicStream{Provider: provider}
	}
	return b
}

// nodeNeedsNotification reports whether n has at least one output-edge
// successor on a different stream, per the pre-pass §4.5 describes inline
// ("assign a fresh notification id iff...").
func (b *PlanBuilder) nodeNeedsNotification(n *Node) bool {
	myStream := b.streamOf[n.Index]
	for _, out := range n.Outputs {
		if out == nil {
			continue
		}
		v := b.vi.MustIndex(out.Name)
		for _, c := range b.uc.consumers[v] {
			if b.streamOf[c.Node.Index] != myStream {
				return true
			}
		}
	}
	return false
}

// Build runs the builder over the Partition's per-stream node lists (each
// already in topological order), using nodeOf to look up a *Node by index,
// populating every LogicStream's step list plus the shared
// notification/barrier bookkeeping.
func (b *PlanBuilder) Build(nodeOf func(nodeIndex int) *Node, producerProvider func(nodeIndex int) device.ProviderType) {
	// First pass: decide which nodes get a notification, so Barrier/Wait
	// steps emitted below can reference a notification id that's already
	// final by the time any stream reaches it (notification ids are
	// allocated up front, one per qualifying node, in stream order and then
	// each stream's node order, for determinism).
	for _, nodes := range b.part.Streams {
		for _, nodeIdx := range nodes {
			n := nodeOf(nodeIdx)
			if b.nodeNeedsNotification(n) {
				notifID := len(b.notificationOwners)
				b.nodeNotification[nodeIdx] = notifID
				b.notificationOwners = append(b.notificationOwners, b.streamOf[nodeIdx])
			} else {
				b.nodeNotification[nodeIdx] = -1
			}
		}
	}

	for streamIdx, nodes := range b.part.Streams {
		stream := b.streams[streamIdx]
		for pos, nodeIdx := range nodes {
			n := nodeOf(nodeIdx)
			_ = pos // intra-stream edge is implicit in step order; no separate dependence-graph object is needed by the builder itself.

			b.emitCrossStreamSync(stream, streamIdx, n, producerProvider)

			stream.Steps = append(stream.Steps, &LaunchKernelStep{Node: n})
			for _, out := range n.Outputs {
				if out != nil {
					b.valueToStream[b.vi.MustIndex(out.Name)] = streamIdx
				}
			}

			if notifID := b.nodeNotification[nodeIdx]; notifID >= 0 {
				stream.Steps = append(stream.Steps, &ActivateNotificationStep{NotificationID: notifID})
				stream.Steps = append(stream.Steps, &TriggerDownstreamStep{NotificationID: notifID})
			}
		}
	}

	// TriggerDownstreamStep.Targets can only be finalized once every
	// stream's Barrier steps (and their positions) are known, which
	// happens during emitCrossStreamSync above; back-fill them now.
	for streamIdx, stream := range b.streams {
		for stepIdx, step := range stream.Steps {
			if td, ok := step.(*TriggerDownstreamStep); ok {
				td.Targets = b.downstreamMap[td.NotificationID]
			}
			_ = stepIdx
		}
		_ = streamIdx
	}
}

// emitCrossStreamSync appends a Barrier (and, when the command-handle
// registry requires one, a Wait) step for every cross-stream input edge of
// n, per §4.5.
func (b *PlanBuilder) emitCrossStreamSync(stream *LogicStream, streamIdx int, n *Node, producerProvider func(int) device.ProviderType) {
	seenProducers := make(map[int]bool)
	handle := func(producerNodeIdx int) {
		if b.streamOf[producerNodeIdx] == streamIdx || seenProducers[producerNodeIdx] {
			return
		}
		seenProducers[producerNodeIdx] = true

		notifID := b.nodeNotification[producerNodeIdx]
		if notifID < 0 {
			// Should not happen: a cross-stream producer always qualifies
			// for a notification by construction of nodeNeedsNotification.
			return
		}

		barrierID := b.numBarriers
		b.numBarriers++
		stream.Steps = append(stream.Steps, &BarrierStep{BarrierID: barrierID})
		stepIdx := len(stream.Steps) - 1
		b.downstreamMap[notifID] = append(b.downstreamMap[notifID], BarrierRef{Stream: streamIdx, Step: stepIdx})

		producerProv := producerProvider(producerNodeIdx)
		if waitHandle, ok := b.registry.WaitHandle(producerProv, stream.Provider); ok {
			_ = waitHandle
			stream.Steps = append(stream.Steps, &WaitStep{NotificationID: notifID, Handle: waitHandle})
		}
	}

	// Only explicit inputs participate in this level's cross-stream sync:
	// ImplicitInputs reference values produced in an ancestor graph level,
	// already fully materialized before this level's own plan starts
	// running (a subgraph-bearing node's kernel only invokes its nested
	// plan once its own inputs, including implicit ones, are ready), so
	// they need no Barrier/Wait pair inside this level's plan.
	for _, in := range n.Inputs {
		if in == nil {
			continue
		}
		v := b.vi.MustIndex(in.Name)
		if p := b.uc.Producer(v); p >= 0 {
			if _, known := b.streamOf[p]; known {
				handle(p)
			}
		}
	}
}

// Result assembles the builder's accumulated state into the fields of a
// SequentialExecutionPlan that §4.5 is responsible for.
func (b *PlanBuilder) Result() (streams []*LogicStream, notificationOwners []int, downstreamMap map[int][]BarrierRef, numBarriers int, valueToStream map[int]int) {
	return b.streams, b.notificationOwners, b.downstreamMap, b.numBarriers, b.valueToStream
}
