// Package kernel mirrors the read-only metadata surface the planner pulls
// from the out-of-scope kernel registry: per-kernel alias/in-place/strided
// hints and per-argument memory-type preferences (spec §6, "Kernel metadata
// consumed").
//
// Nothing here executes a kernel. CreateInfo is a plain data record; the
// actual kernel implementations and the registry that maps a node to its
// CreateInfo live in the runtime this planner targets.
package kernel

import (
	"strconv"

	"github.com/gomlx/execplan/planner/device"
)

// AliasPair is a mandatory or optional in-place aliasing contract between
// one input position and one output position of a kernel.
type AliasPair struct {
	InIndex, OutIndex int
}

// VariadicAliasRule declares that, for every k >= 0 such that both
// positions exist, output[OutOffset+k] aliases input[InOffset+k]. Used by
// variadic kernels (e.g. a "passthrough" op over a variable-length list of
// tensors) that can't enumerate individual AliasPairs.
type VariadicAliasRule struct {
	InOffset, OutOffset int
}

// CreateInfo is the subset of kernel-registry metadata the planner reads.
// One instance is associated with each node via a CreateInfoMap
// (spec §6); for a node that owns nested subgraphs, each attribute holding
// a subgraph has its own CreateInfoMap for the nodes inside it,
// looked up through a SubgraphInfoKey.
type CreateInfo struct {
	// Provider is the execution provider this kernel instance was bound to.
	Provider device.ProviderType

	// Alias lists mandatory (in, out) pairs: the kernel requires the
	// output to share storage with the input, unconditionally.
	Alias []AliasPair

	// VariadicAlias is an optional mandatory-alias rule over a
	// variable-length input/output range; nil if the kernel has none.
	VariadicAlias *VariadicAliasRule

	// MayInplace lists optional (in, out) pairs: the output MAY reuse the
	// input's buffer if it is otherwise legal to do so (last use, same
	// byte size, not a string tensor).
	MayInplace []AliasPair

	// MayStridedOutput lists optional (in, out) pairs: the output MAY
	// become a non-owning strided view over the input, but only if every
	// downstream consumer of that output declares the corresponding input
	// position in its own MayStridedInput set.
	MayStridedOutput []AliasPair

	// MayStridedInput is the set of input positions, by index, for which
	// this kernel accepts a strided (non-contiguous) tensor.
	MayStridedInput map[int]bool

	// InputMemTypes/OutputMemTypes override the default memory type
	// (device-resident) for specific argument positions. Absent entries
	// default to device.MemTypeDefault.
	InputMemTypes  map[int]device.MemoryType
	OutputMemTypes map[int]device.MemoryType

	// ExternalOutputs marks every output of this kernel as owned outside
	// the runtime: AllocatedExternally, never a Reuse target.
	ExternalOutputs bool

	// AllocateInputsContiguously requests that the optional
	// Allocation-Order Pass record this node's inputs as needing a stable,
	// contiguous ordering relative to each other.
	AllocateInputsContiguously bool
}

// InputMemoryType returns the declared memory type for input position i,
// defaulting to device.MemTypeDefault.
func (ci *CreateInfo) InputMemoryType(i int) device.MemoryType {
	if ci == nil || ci.InputMemTypes == nil {
		return device.MemTypeDefault
	}
	if mt, ok := ci.InputMemTypes[i]; ok {
		return mt
	}
	return device.MemTypeDefault
}

// OutputMemoryType returns the declared memory type for output position i,
// defaulting to device.MemTypeDefault.
func (ci *CreateInfo) OutputMemoryType(i int) device.MemoryType {
	if ci == nil || ci.OutputMemTypes == nil {
		return device.MemTypeDefault
	}
	if mt, ok := ci.OutputMemTypes[i]; ok {
		return mt
	}
	return device.MemTypeDefault
}

// HasExternalOutputs reports whether every output of this kernel is owned
// externally and must never be reused.
func (ci *CreateInfo) HasExternalOutputs() bool {
	return ci != nil && ci.ExternalOutputs
}

// AllocatesInputsContiguously reports whether this kernel needs its inputs
// laid out in a stable, contiguous order (drives the Allocation-Order Pass).
func (ci *CreateInfo) AllocatesInputsContiguously() bool {
	return ci != nil && ci.AllocateInputsContiguously
}

// AcceptsStridedInput reports whether this kernel accepts a strided tensor
// at input position i.
func (ci *CreateInfo) AcceptsStridedInput(i int) bool {
	return ci != nil && ci.MayStridedInput != nil && ci.MayStridedInput[i]
}

// AliasFor returns the mandatory input position that must share storage
// with output position outIdx, considering both Alias and VariadicAlias.
func (ci *CreateInfo) AliasFor(outIdx int) (inIdx int, ok bool) {
	if ci == nil {
		return 0, false
	}
	for _, p := range ci.Alias {
		if p.OutIndex == outIdx {
			return p.InIndex, true
		}
	}
	if ci.VariadicAlias != nil {
		k := outIdx - ci.VariadicAlias.OutOffset
		if k >= 0 {
			return ci.VariadicAlias.InOffset + k, true
		}
	}
	return 0, false
}

// MayInplaceFor returns the optional input position that output position
// outIdx may reuse, if the kernel declares such a pair.
func (ci *CreateInfo) MayInplaceFor(outIdx int) (inIdx int, ok bool) {
	if ci == nil {
		return 0, false
	}
	for _, p := range ci.MayInplace {
		if p.OutIndex == outIdx {
			return p.InIndex, true
		}
	}
	return 0, false
}

// MayStridedOutputFor returns the input position output position outIdx
// may become a strided view over, if the kernel declares such a pair.
func (ci *CreateInfo) MayStridedOutputFor(outIdx int) (inIdx int, ok bool) {
	if ci == nil {
		return 0, false
	}
	for _, p := range ci.MayStridedOutput {
		if p.OutIndex == outIdx {
			return p.InIndex, true
		}
	}
	return 0, false
}

// CreateInfoMap maps a node index (within one graph level) to its kernel
// metadata.
type CreateInfoMap map[int]*CreateInfo

// SubgraphInfoKey composes the key used to look up the CreateInfoMap that
// applies to the nodes inside a nested subgraph, relative to the graph
// level that owns the node with that subgraph attribute.
//
// Adapted from onnxruntime's
// NestedSubgraphInfoDetails::ComposeNestedSubgraphInfoKeyHelper: the key is
// base + graph depth + owning node index + attribute name, concatenated
// with no separators, exactly as the original does it.
func SubgraphInfoKey(base string, graphDepth, nodeIndex int, attrName string) string {
	return base + strconv.Itoa(graphDepth) + strconv.Itoa(nodeIndex) + attrName
}
