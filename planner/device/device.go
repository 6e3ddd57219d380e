// Package device describes the memory spaces the planner assigns to values
// and the command-handle registry it consults when it needs to know whether
// a cross-stream edge requires an explicit device-level Wait.
//
// Everything here is a read-only contract the planner consumes; the actual
// device streams, allocators and wait-handle implementations live in the
// runtime this planner is built for (out of scope, per the allocation
// planner's own Non-goals).
package device

import "fmt"

// ProviderType names an execution provider (a device backend). It is a
// plain string rather than an enum because the planner never special-cases
// a provider by identity -- it only compares two ProviderTypes for
// equality, exactly as the original allocation planner treats provider
// types as opaque keys into the kernel registry and the command-handle
// registry.
type ProviderType string

// CPU is the one provider type the planner itself knows by name: it is the
// degraded/default location for a value that is seen with more than one
// provider as an implicit input in the top graph (see the location
// resolver).
const CPU ProviderType = "CPUExecutionProvider"

// AllocatorKind distinguishes the handful of allocator flavors a provider
// exposes for a given memory type.
type AllocatorKind int

const (
	AllocatorDefault AllocatorKind = iota
	AllocatorCPUInput
	AllocatorCPUOutput
)

func (k AllocatorKind) String() string {
	switch k {
	case AllocatorDefault:
		return "Default"
	case AllocatorCPUInput:
		return "CPUInput"
	case AllocatorCPUOutput:
		return "CPUOutput"
	default:
		return "UnknownAllocator"
	}
}

// MemoryType is the per-argument memory-type hint a kernel declares for one
// of its inputs or outputs (CreateInfo.InputMemoryType/OutputMemoryType in
// the kernel package). MemTypeDefault means "wherever the provider normally
// places its tensors"; the other two pin the argument to a CPU allocator
// regardless of the node's provider (e.g. a "shape" input a GPU kernel still
// wants to read on the host).
type MemoryType int

const (
	MemTypeDefault MemoryType = iota
	MemTypeCPUInput
	MemTypeCPUOutput
)

// Location is the memory space of a value: a device (identified by its
// provider) and the allocator kind used on that device.
type Location struct {
	Provider  ProviderType
	Allocator AllocatorKind
}

// Equal reports whether two locations name the same memory space.
func (l Location) Equal(other Location) bool {
	return l.Provider == other.Provider && l.Allocator == other.Allocator
}

func (l Location) String() string {
	return fmt.Sprintf("%s/%s", l.Provider, l.Allocator)
}

// ForMemoryType resolves the Location a value takes when it is read or
// written by a node of the given provider declaring the given memory type
// for that argument position. Non-default memory types always resolve to a
// CPU allocator, mirroring the way ORT's MemCpy-insertion pass and
// allocation planner treat kMemTypeCPUInput/kMemTypeCPUOutput: regardless of
// which device a kernel runs on, an argument pinned to host memory lives on
// the CPU allocator.
func ForMemoryType(provider ProviderType, memType MemoryType) Location {
	switch memType {
	case MemTypeCPUInput:
		return Location{Provider: CPU, Allocator: AllocatorCPUInput}
	case MemTypeCPUOutput:
		return Location{Provider: CPU, Allocator: AllocatorCPUOutput}
	default:
		return Location{Provider: provider, Allocator: AllocatorDefault}
	}
}

// StreamClockContext is the narrow view of the execution context a
// WaitHandleFunc needs: it reads the notification's clock and advances the
// waiting stream's own logical clock to at least that value (§4.7's Wait
// step: "advance the device stream's logical clock to max(local,
// notif.stream_clock)").
type StreamClockContext interface {
	StreamClock(stream int) int64
	SetStreamClock(stream int, value int64)
	NotificationClock(notificationID int) int64
}

// WaitHandleFunc is a device-level wait primitive: it blocks the calling
// stream until the given notification has actually fired on its owning
// device stream, then lets the planner-level Wait step reconcile logical
// clocks. Returned by a CommandHandleRegistry only for provider pairs that
// need an explicit cross-device wait (e.g. GPU waiting on CPU); absent for
// same-device pairs.
type WaitHandleFunc func(ctx StreamClockContext, consumerStream, notificationID int) error

// CommandHandleRegistry is the out-of-scope collaborator that knows, for a
// given (producer provider, consumer provider) pair, whether a Wait step is
// needed at all and how to perform it. The execution-plan builder (§4.5)
// consults it once per cross-stream edge: "if the command-handle registry
// yields a wait handle ... append a Wait step ... Otherwise omit the Wait
// (same-device or registry-absent case)."
type CommandHandleRegistry interface {
	WaitHandle(producer, consumer ProviderType) (WaitHandleFunc, bool)
}
