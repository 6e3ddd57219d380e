package planner

// EmitDeallocationPlan implements §4.6: for every value whose root buffer
// has AllocKind Allocate, find its consumers' last-completion points and
// attach a ReleaseAction with the correct reference count.
//
// nodesByStream gives each stream's node list in execution order (the order
// release actions must scan in reverse to find each stream's last
// consumer).
func EmitDeallocationPlan(uc *UseCounts, allocPlan []AllocPlanPerValue, nodesByStream [][]int) ([]ReleaseAction, map[int][]int) {
	var releases []ReleaseAction
	nodeReleaseList := make(map[int][]int)

	// members[root] lists every value index (including root itself) whose
	// buffer is root's -- a root plus everything that Reuse/Share-aliases
	// it. The buffer is only truly dead once every member's last consumer
	// on every stream has run.
	members := make(map[int][]int)
	for v := range allocPlan {
		root := allocPlan[v].ReusedBuffer
		members[root] = append(members[root], v)
	}

	for v := range allocPlan {
		plan := &allocPlan[v]
		if plan.AllocKind != Allocate {
			// Only a root buffer (AllocKind Allocate) ever gets a release
			// action; everything that reuses another buffer is released
			// as part of that root's own release action.
			continue
		}

		lastOnStream := make(map[int]int) // stream -> node index of last consumer on that stream
		for streamIdx, nodes := range nodesByStream {
			for i := len(nodes) - 1; i >= 0; i-- {
				nodeIdx := nodes[i]
				if consumesAnyOf(uc, members[v], nodeIdx) {
					lastOnStream[streamIdx] = nodeIdx
					break
				}
			}
		}

		if len(lastOnStream) == 0 {
			// No recorded consumer (e.g. a node output that no node
			// reads) -- nothing to release here.
			continue
		}

		releaseIdx := len(releases)
		if len(lastOnStream) == 1 {
			var nodeIdx int
			for _, ni := range lastOnStream {
				nodeIdx = ni
			}
			releases = append(releases, ReleaseAction{ValueIndex: v, RefCount: 1})
			nodeReleaseList[nodeIdx] = append(nodeReleaseList[nodeIdx], releaseIdx)
			continue
		}

		releases = append(releases, ReleaseAction{ValueIndex: v, RefCount: len(lastOnStream)})
		for _, nodeIdx := range lastOnStream {
			nodeReleaseList[nodeIdx] = append(nodeReleaseList[nodeIdx], releaseIdx)
		}
	}

	return releases, nodeReleaseList
}

// consumesAnyOf reports whether nodeIdx is an explicit consumer of any
// value in values.
func consumesAnyOf(uc *UseCounts, values []int, nodeIdx int) bool {
	for _, v := range values {
		for _, c := range uc.consumers[v] {
			if c.Node.Index == nodeIdx {
				return true
			}
		}
	}
	return false
}
