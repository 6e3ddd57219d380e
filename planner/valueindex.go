package planner

import "github.com/pkg/errors"

// ValueIndex is the injective mapping between value names and dense
// integer indices, shared across a graph and every one of its nested
// subgraphs for the lifetime of one planning run (spec §4.2).
type ValueIndex struct {
	nameToIndex map[string]int
	defs        []*NodeArg
}

// NewValueIndex returns an empty ValueIndex.
func NewValueIndex() *ValueIndex {
	return &ValueIndex{nameToIndex: make(map[string]int)}
}

// ProcessDef registers the definition site of a value. It is an SSA
// violation to register the same name twice -- the original value would
// need two different defining sites, which the data model forbids.
func (vi *ValueIndex) ProcessDef(def *NodeArg) (int, error) {
	if def == nil || def.Name == "" {
		return -1, errors.New("planner: ProcessDef requires a named NodeArg")
	}
	if _, exists := vi.nameToIndex[def.Name]; exists {
		return -1, errors.Errorf("planner: value %q registered more than once (SSA violation)", def.Name)
	}
	idx := len(vi.defs)
	vi.nameToIndex[def.Name] = idx
	vi.defs = append(vi.defs, def)
	return idx, nil
}

// Index returns the dense index for a value name, if registered.
func (vi *ValueIndex) Index(name string) (int, bool) {
	idx, ok := vi.nameToIndex[name]
	return idx, ok
}

// MustIndex is like Index but panics (an InternalInconsistency, caught and
// wrapped at the planner boundary) if the name was never registered --
// every NodeArg the planner walks must have been registered by ProcessDef
// first.
func (vi *ValueIndex) MustIndex(name string) int {
	idx, ok := vi.nameToIndex[name]
	if !ok {
		panicInternal("value %q was never registered in the value index", name)
	}
	return idx
}

// Def returns the defining NodeArg for a value index.
func (vi *ValueIndex) Def(idx int) *NodeArg {
	if idx < 0 || idx >= len(vi.defs) {
		panicInternal("value index %d out of range [0, %d)", idx, len(vi.defs))
	}
	return vi.defs[idx]
}

// Len returns the number of registered values.
func (vi *ValueIndex) Len() int {
	return len(vi.defs)
}

// Name returns the value name for a given index, for debug output.
func (vi *ValueIndex) Name(idx int) string {
	return vi.Def(idx).Name
}
