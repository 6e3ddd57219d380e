package planner

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies a planning failure per spec §7.
type ErrorKind int

const (
	// InvalidInput: malformed partition-config file, missing kernel
	// metadata, or some other caller-supplied input the planner can't
	// work with.
	InvalidInput ErrorKind = iota
	// InternalInconsistency: the planner's own bookkeeping broke an
	// invariant it is responsible for maintaining (out-of-range value
	// index, a reuse chain that would cycle). These should never happen
	// given correct inputs; they are raised as panics internally (see
	// panicInternal) and surface as this kind at the boundary.
	InternalInconsistency
	// Unsupported: a configuration the planner recognizes but refuses to
	// act on, e.g. strided-tensor aliasing requested in a non-training
	// build (§4.4.4).
	Unsupported
)

func (k ErrorKind) String() string {
	switch k {
	case InvalidInput:
		return "InvalidInput"
	case InternalInconsistency:
		return "InternalInconsistency"
	case Unsupported:
		return "Unsupported"
	default:
		return "UnknownErrorKind"
	}
}

// PlanError is the error type every planner failure is eventually wrapped
// into at the public entry point, carrying the contextual location (graph
// name, node index) the spec's error-handling design calls for.
type PlanError struct {
	Kind      ErrorKind
	Graph     string
	NodeIndex int // -1 when not attributable to a single node
	Err       error
}

func (e *PlanError) Error() string {
	if e.NodeIndex >= 0 {
		return fmt.Sprintf("planner: %s in graph %q at node %d: %v", e.Kind, e.Graph, e.NodeIndex, e.Err)
	}
	return fmt.Sprintf("planner: %s in graph %q: %v", e.Kind, e.Graph, e.Err)
}

func (e *PlanError) Unwrap() error { return e.Err }

func newInvalidInput(format string, args ...any) error {
	return errors.Errorf(format, args...)
}

// internalInconsistency is the panic payload raised by panicInternal and
// caught at the planner boundary (Plan), where it is converted back into a
// *PlanError of kind InternalInconsistency. This mirrors the teacher's use
// of github.com/gomlx/exceptions to let deeply nested code signal a fatal
// condition by panic while still presenting callers a plain error.
type internalInconsistency struct{ msg string }

func (e internalInconsistency) Error() string { return e.msg }

func panicInternal(format string, args ...any) {
	panic(internalInconsistency{msg: fmt.Sprintf(format, args...)})
}

// unsupportedConfig is the panic payload for a fatal Unsupported condition
// detected deep in the reuse core (e.g. strided aliasing without training
// support), caught the same way as internalInconsistency.
type unsupportedConfig struct{ msg string }

func (e unsupportedConfig) Error() string { return e.msg }

func panicUnsupported(format string, args ...any) {
	panic(unsupportedConfig{msg: fmt.Sprintf(format, args...)})
}

// catchPlanningPanics recovers a panicInternal raised during planning and
// assigns it to *err as a *PlanError of kind InternalInconsistency. It must
// be deferred directly (recover only works in the deferred function itself);
// any other panic value is re-thrown.
func catchPlanningPanics(graph string, err *error) {
	r := recover()
	if r == nil {
		return
	}
	e, ok := r.(internalInconsistency)
	if !ok {
		panic(r)
	}
	*err = &PlanError{Kind: InternalInconsistency, Graph: graph, NodeIndex: -1, Err: errors.New(e.msg)}
}

// catchUnsupportedPanics is catchPlanningPanics' counterpart for
// panicUnsupported, producing a *PlanError of kind Unsupported.
func catchUnsupportedPanics(graph string, err *error) {
	r := recover()
	if r == nil {
		return
	}
	e, ok := r.(unsupportedConfig)
	if !ok {
		panic(r)
	}
	*err = &PlanError{Kind: Unsupported, Graph: graph, NodeIndex: -1, Err: errors.New(e.msg)}
}
