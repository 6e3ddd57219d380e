// Package exec is the runtime executor the planner targets but never
// imports (spec §5): per-stream goroutine workers draining a FIFO task
// queue, atomic barrier counters, and notification clocks, all driving the
// Step machine planner.Step describes.
//
// Adapted from the teacher's internal worker-pool and types/xsync
// primitives: a Latch stands in for a notification's one-shot ready signal,
// and a Semaphore caps how many stream workers run concurrently. Barrier
// counters and stream/notification clocks are plain atomics, one slot per
// id, since every id is known up front from the plan and never grows.
package exec

import (
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/gomlx/execplan/planner"
	"github.com/gomlx/execplan/types/xsync"
)

// KernelRunner executes one node's bound kernel. The runtime supplies this;
// the executor itself has no notion of what a kernel does.
type KernelRunner func(n *planner.Node) error

// Context is the concrete ExecutionContext the runner drives every Step
// against. It structurally satisfies planner.ExecutionContext without the
// planner package ever importing this one.
type Context struct {
	plan   *planner.SequentialExecutionPlan
	runner KernelRunner

	// runID tags every log line this run emits, so concurrent runs of the
	// same plan (e.g. overlapping inference requests) don't interleave
	// indistinguishably in shared log output.
	runID string

	streamClocks []atomic.Int64

	barrierCounters []atomic.Int32

	notificationClocks  []atomic.Int64
	notificationLatches []*xsync.Latch

	terminated atomic.Bool

	queues []*streamQueue
}

// NewContext prepares a Context for plan, ready to be driven by Run. Every
// barrier starts at count 2 (§4.5: "producer activates + downstream barrier
// decrements"), and every notification starts as un-fired.
func NewContext(plan *planner.SequentialExecutionPlan, runner KernelRunner) *Context {
	ctx := &Context{
		plan:                plan,
		runner:              runner,
		runID:               uuid.NewString(),
		streamClocks:        make([]atomic.Int64, len(plan.ExecutionPlan)),
		barrierCounters:     make([]atomic.Int32, plan.NumBarriers),
		notificationClocks:  make([]atomic.Int64, len(plan.NotificationOwners)),
		notificationLatches: make([]*xsync.Latch, len(plan.NotificationOwners)),
		queues:              make([]*streamQueue, len(plan.ExecutionPlan)),
	}
	for i := range ctx.barrierCounters {
		ctx.barrierCounters[i].Store(2)
	}
	for i := range ctx.notificationLatches {
		ctx.notificationLatches[i] = xsync.NewLatch()
	}
	for i, stream := range plan.ExecutionPlan {
		ctx.queues[i] = newStreamQueue(len(stream.Steps))
	}
	return ctx
}

// RunID returns the unique identifier stamped on this run, for log
// correlation across its streams' goroutines.
func (c *Context) RunID() string { return c.runID }

// StreamClock returns stream i's current logical clock value.
func (c *Context) StreamClock(i int) int64 { return c.streamClocks[i].Load() }

// SetStreamClock advances stream i's logical clock to value, if it is
// larger than the current one (a Wait step never moves a clock backward).
func (c *Context) SetStreamClock(i int, value int64) {
	for {
		cur := c.streamClocks[i].Load()
		if value <= cur {
			return
		}
		if c.streamClocks[i].CompareAndSwap(cur, value) {
			return
		}
	}
}

// NotificationClock returns the clock value a notification was stamped
// with when it was activated, or 0 if it hasn't fired yet.
func (c *Context) NotificationClock(id int) int64 { return c.notificationClocks[id].Load() }

// DecBarrier decrements barrier id's counter and reports whether it just
// reached zero.
func (c *Context) DecBarrier(id int) bool {
	return c.barrierCounters[id].Add(-1) == 0
}

// ActivateNotification marks notification id ready, stamping it with
// streamClock and releasing anything blocked in a Wait step for it.
func (c *Context) ActivateNotification(id int, streamClock int64) {
	c.notificationClocks[id].Store(streamClock)
	c.notificationLatches[id].Trigger()
}

// WaitForNotification blocks until notification id has fired. Exported for
// use by a device.WaitHandleFunc that has no device-level primitive of its
// own and simply wants to block on the planner-level notification directly
// (the common case for a same-process, CPU-only command-handle registry).
func (c *Context) WaitForNotification(id int) {
	c.notificationLatches[id].Wait()
}

// Terminated reports whether the shared terminate flag has been set.
func (c *Context) Terminated() bool { return c.terminated.Load() }

// Terminate sets the shared terminate flag.
func (c *Context) Terminate() { c.terminated.Store(true) }

// RunKernel executes the kernel bound to n via the runtime-supplied
// KernelRunner.
func (c *Context) RunKernel(n *planner.Node) error {
	if c.runner == nil {
		return errors.Errorf("exec: no KernelRunner configured, cannot run node %d (%s)", n.Index, n.OpType)
	}
	return c.runner(n)
}

// Schedule is TriggerDownstream's half of a barrier rendezvous: it performs
// the "producer activates" decrement of the Barrier step at (stream,
// stepIndex) directly, without re-running that step. A barrier's counter
// starts at 2 and falls to 0 from exactly two decrements -- this one, and
// the Barrier step's own Execute call on the consumer stream's natural
// sequential path (steps.go's BarrierStep.Execute) -- in either order.
// Whichever of the two observes the counter actually reach 0 is responsible
// for waking the consumer stream past the barrier by pushing the step right
// after it; the other decrement, seeing a nonzero result, does nothing
// further and lets its counterpart finish the job.
func (c *Context) Schedule(stream, stepIndex int) {
	barrier := c.plan.ExecutionPlan[stream].Steps[stepIndex].(*planner.BarrierStep)
	if !c.DecBarrier(barrier.BarrierID) {
		return
	}
	next := stepIndex + 1
	if next < len(c.plan.ExecutionPlan[stream].Steps) {
		c.queues[stream].push(next)
	}
}
