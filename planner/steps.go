package planner

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/gomlx/execplan/planner/device"
)

// ExecutionContext is the runtime-provided context every Step executes
// against (spec §4.7, §5). The planner package only depends on this
// narrow interface; the concrete implementation with atomic barrier
// counters, notification clocks and a per-stream task queue lives in
// planner/exec, which the planner itself never imports -- the executor
// depends on the plan, not the other way around.
type ExecutionContext interface {
	device.StreamClockContext

	// DecBarrier decrements the named barrier's counter and reports
	// whether it just reached zero (continue_flag in the spec).
	DecBarrier(barrierID int) bool

	// ActivateNotification marks a notification ready, stamping it with
	// the producing stream's clock value.
	ActivateNotification(notificationID int, streamClock int64)

	// Terminated reports whether the shared terminate flag has been set.
	Terminated() bool

	// Terminate sets the shared terminate flag (called when a kernel
	// fails).
	Terminate()

	// RunKernel executes the kernel bound to this node and returns its
	// status.
	RunKernel(node *Node) error

	// Schedule performs the producer-side decrement of the Barrier step at
	// (stream, stepIndex) and, if that brings its counter to zero, enqueues
	// the step after it on that stream's task queue; used by
	// TriggerDownstream to fan a notification out to every waiting consumer.
	Schedule(stream, stepIndex int)
}

// StepKind tags which of the five step kinds a Step is, per spec §2/§4.5.
type StepKind int

const (
	KindBarrier StepKind = iota
	KindWait
	KindLaunchKernel
	KindActivateNotification
	KindTriggerDownstream
)

// Step is one entry of a LogicStream's command list: a uniform
// execute/dump operation over the five step kinds, per design note
// "Polymorphism over steps" -- represented here as a tagged variant
// (distinct implementing types) rather than a dynamic-dispatch hierarchy,
// since Go interfaces already give us that without needing one.
type Step interface {
	Kind() StepKind
	// Execute runs the step. continueFlag mirrors the C++ step machine's
	// out-parameter of the same name. false with a non-nil error means the
	// step failed or observed cancellation; false with a nil error (only a
	// BarrierStep returns that) means the barrier's other decrement has not
	// arrived yet and the stream must not advance past it.
	Execute(ctx ExecutionContext, streamIdx int) (continueFlag bool, err error)
	Dump() string
}

// BarrierStep decrements a shared counter and suspends its stream until
// the counter reaches zero.
type BarrierStep struct {
	BarrierID int
}

func (s *BarrierStep) Kind() StepKind { return KindBarrier }

func (s *BarrierStep) Execute(ctx ExecutionContext, _ int) (bool, error) {
	return ctx.DecBarrier(s.BarrierID), nil
}

func (s *BarrierStep) Dump() string {
	return fmt.Sprintf("Barrier: %d", s.BarrierID)
}

// WaitStep blocks on a device-stream-level notification handle, then
// reconciles the consuming stream's logical clock with the notification's.
// Handle is nil for same-device or registry-absent cross-stream edges
// (§4.5: "Otherwise omit the Wait").
type WaitStep struct {
	NotificationID int
	Handle         device.WaitHandleFunc
}

func (s *WaitStep) Kind() StepKind { return KindWait }

func (s *WaitStep) Execute(ctx ExecutionContext, streamIdx int) (bool, error) {
	if s.Handle != nil {
		if err := s.Handle(ctx, streamIdx, s.NotificationID); err != nil {
			return false, err
		}
	}
	notifClock := ctx.NotificationClock(s.NotificationID)
	if notifClock > ctx.StreamClock(streamIdx) {
		ctx.SetStreamClock(streamIdx, notifClock)
	}
	return true, nil
}

func (s *WaitStep) Dump() string {
	return fmt.Sprintf("Wait: notification %d", s.NotificationID)
}

// LaunchKernelStep executes one node's kernel.
type LaunchKernelStep struct {
	Node *Node
}

func (s *LaunchKernelStep) Kind() StepKind { return KindLaunchKernel }

func (s *LaunchKernelStep) Execute(ctx ExecutionContext, _ int) (bool, error) {
	if ctx.Terminated() {
		return false, errors.Errorf("execution terminated before node %d (%s) could run", s.Node.Index, s.Node.OpType)
	}
	if err := ctx.RunKernel(s.Node); err != nil {
		ctx.Terminate()
		return false, err
	}
	return true, nil
}

func (s *LaunchKernelStep) Dump() string {
	return fmt.Sprintf("LaunchKernel: %d (%s)", s.Node.Index, s.Node.OpType)
}

// ActivateNotificationStep marks a notification ready at the current
// stream's clock value.
type ActivateNotificationStep struct {
	NotificationID int
}

func (s *ActivateNotificationStep) Kind() StepKind { return KindActivateNotification }

func (s *ActivateNotificationStep) Execute(ctx ExecutionContext, streamIdx int) (bool, error) {
	ctx.ActivateNotification(s.NotificationID, ctx.StreamClock(streamIdx))
	return true, nil
}

func (s *ActivateNotificationStep) Dump() string {
	return fmt.Sprintf("ActivateNotification: %d", s.NotificationID)
}

// TriggerDownstreamStep schedules every Barrier step registered under this
// notification onto its stream's task queue.
type TriggerDownstreamStep struct {
	NotificationID int
	Targets        []BarrierRef
}

func (s *TriggerDownstreamStep) Kind() StepKind { return KindTriggerDownstream }

func (s *TriggerDownstreamStep) Execute(ctx ExecutionContext, _ int) (bool, error) {
	for _, t := range s.Targets {
		ctx.Schedule(t.Stream, t.Step)
	}
	return true, nil
}

func (s *TriggerDownstreamStep) Dump() string {
	return fmt.Sprintf("TriggerDownstream: notification %d -> %d barrier(s)", s.NotificationID, len(s.Targets))
}
