package planner

// AllocationOrder is the result of the optional Allocation-Order Pass
// (§2/§4.8): a stable ordering over initializer and activation value
// indices for kernels that require their inputs to be laid out
// contiguously in memory.
type AllocationOrder struct {
	Initializers []int
	Activations  []int
}

// RunAllocationOrderPass walks nodeOrder and, for every node whose kernel
// declares AllocateInputsContiguously, appends that node's input value
// indices to the initializer or activation order list (split by
// lp.IsStatic), in first-seen order, skipping values already recorded. It
// runs after location resolution has marked every initializer and after the
// reuse core has assigned allocation kinds, since an input already resolved
// to a root elsewhere in the order is recorded by that root's value index.
func RunAllocationOrderPass(nodeOrder []*Node, baseKey string, infoOf kernelInfoLookup, vi *ValueIndex, lp *LocationPlan, allocPlan []AllocPlanPerValue) AllocationOrder {
	var order AllocationOrder
	seenInit := make(map[int]bool)
	seenAct := make(map[int]bool)

	for _, n := range nodeOrder {
		info := infoOf(baseKey, n)
		if !info.AllocatesInputsContiguously() {
			continue
		}
		for _, arg := range n.Inputs {
			if arg == nil {
				continue
			}
			v := vi.MustIndex(arg.Name)
			root := allocPlan[v].ReusedBuffer

			if lp.IsStatic(root) {
				if !seenInit[root] {
					seenInit[root] = true
					order.Initializers = append(order.Initializers, root)
				}
				continue
			}
			if !seenAct[root] {
				seenAct[root] = true
				order.Activations = append(order.Activations, root)
			}
		}
	}
	return order
}
