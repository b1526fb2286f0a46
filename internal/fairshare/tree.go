package fairshare

import "fmt"

// Tree is an immutable, arena-indexed snapshot of the pool/operation
// hierarchy after one full update tick. Every reader (node-shard
// heartbeats, orchid) holds a *Tree obtained from Manager.Snapshot and
// never sees a partially-updated one: the arena is built once by
// buildTree and never mutated afterward.
type Tree struct {
	nodes       []*node
	root        nodeIndex
	byName      map[string]nodeIndex // pools, including root under ""
	byOperation map[string]nodeIndex
	builtAt     int64 // unix nanos of PreUpdate's `now`, for diagnostics
}

// buildTree constructs a fresh arena from the declarative pool specs and
// live operation registrations. This is the tick's "Clone" step: rather
// than deep-copying a persistent tree structure, each tick rebuilds the
// arena from the Manager's current registrations, which are themselves
// never mutated concurrently with a tick (both are serialised on the
// same fair-share-update invoker).
func buildTree(pools map[string]PoolSpec, operations map[string]OperationSpec) (*Tree, error) {
	t := &Tree{
		byName:      make(map[string]nodeIndex, len(pools)+1),
		byOperation: make(map[string]nodeIndex, len(operations)),
	}

	root := &node{kind: KindRoot, name: "", parent: invalidIndex, config: DefaultGuaranteeConfig()}
	t.nodes = append(t.nodes, root)
	t.root = 0
	t.byName[""] = t.root

	// Pools may be declared in any order; insert in two passes so a
	// child pool can be declared before its parent.
	pending := make(map[string]PoolSpec, len(pools))
	for name, spec := range pools {
		pending[name] = spec
	}
	for len(pending) > 0 {
		progressed := false
		for name, spec := range pending {
			parentIdx, ok := t.byName[spec.Parent]
			if !ok {
				continue
			}
			idx := nodeIndex(len(t.nodes))
			n := &node{kind: KindPool, name: name, parent: parentIdx, config: spec.Config}
			t.nodes = append(t.nodes, n)
			t.nodes[parentIdx].children = append(t.nodes[parentIdx].children, idx)
			t.byName[name] = idx
			delete(pending, name)
			progressed = true
		}
		if !progressed {
			names := make([]string, 0, len(pending))
			for name := range pending {
				names = append(names, name)
			}
			return nil, fmt.Errorf("fairshare: pool(s) %v reference an unknown or cyclic parent", names)
		}
	}

	for id, spec := range operations {
		parentIdx, ok := t.byName[spec.Pool]
		if !ok {
			return nil, fmt.Errorf("fairshare: operation %q references unknown pool %q", id, spec.Pool)
		}
		idx := nodeIndex(len(t.nodes))
		n := &node{
			kind:             KindOperation,
			name:             id,
			parent:           parentIdx,
			config:           spec.Config,
			demand:           spec.Demand,
			usage:            spec.Usage,
			maxPossibleUsage: spec.MaxPossibleUsage,
		}
		t.nodes = append(t.nodes, n)
		t.nodes[parentIdx].children = append(t.nodes[parentIdx].children, idx)
		t.byOperation[id] = idx
	}

	return t, nil
}

// Operation returns the post-tick view of an operation.
func (t *Tree) Operation(id string) (OperationView, bool) {
	idx, ok := t.byOperation[id]
	if !ok {
		return OperationView{}, false
	}
	return t.operationView(idx), true
}

func (t *Tree) operationView(idx nodeIndex) OperationView {
	n := t.nodes[idx]
	return OperationView{
		ID:                n.name,
		Pool:              t.nodes[n.parent].name,
		Demand:            n.demand,
		Usage:             n.usage,
		FairShare:         n.fairShare,
		Preemption:        n.preemption,
		Starvation:        n.starvation,
		SchedulingIndex:   n.schedulingIndex,
		IsPreemptible:     !approxEqual(n.fairShare, n.demand),
		SatisfactionRatio: dominantRatio(n.usage, n.fairShare),
	}
}

// Operations returns every operation, ordered by SchedulingIndex
// ascending — the exact order the non-preemptive stage must visit
// leaves in at the next heartbeat.
func (t *Tree) Operations() []OperationView {
	out := make([]OperationView, 0, len(t.byOperation))
	for idx := range t.nodes {
		if t.nodes[idx].kind == KindOperation {
			out = append(out, t.operationView(nodeIndex(idx)))
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].SchedulingIndex < out[j-1].SchedulingIndex; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Pool returns the post-tick view of a pool.
func (t *Tree) Pool(name string) (PoolView, bool) {
	idx, ok := t.byName[name]
	if !ok || idx == t.root {
		return PoolView{}, false
	}
	n := t.nodes[idx]
	return PoolView{
		Name:                            n.name,
		Parent:                          t.nodes[n.parent].name,
		Demand:                          n.demand,
		Usage:                           n.usage,
		FairShare:                       n.fairShare,
		AccumulatedVolume:               n.accumulatedVolume,
		Starvation:                      n.starvation,
		AllowRegularPreemption:          n.config.AllowRegularPreemption,
		PreemptionSatisfactionThreshold: n.config.PreemptionSatisfactionThreshold,
		AggressivePreemptionSatisfactionThreshold: n.config.AggressivePreemptionSatisfactionThreshold,
	}
}

// Ancestors returns the chain of pool names from id's immediate parent
// up to (but not including) the root, nearest ancestor first.
func (t *Tree) Ancestors(id string) []string {
	idx, ok := t.byOperation[id]
	if !ok {
		idx, ok = t.byName[id]
		if !ok {
			return nil
		}
	}
	var out []string
	for p := t.nodes[idx].parent; p != invalidIndex && p != t.root; p = t.nodes[p].parent {
		out = append(out, t.nodes[p].name)
	}
	return out
}

// BlockingAncestor implements §4.9.2: walking up from a candidate
// preemptor operation, the first ancestor that is non-starving, already
// above its (aggressive, if aggressive is true) satisfaction threshold,
// or has AllowRegularPreemption=false blocks preemption below it.
// Returns ("", false) if no ancestor blocks (preemption is allowed
// anywhere on the path, i.e. root-unbounded).
func (t *Tree) BlockingAncestor(operationID string, aggressive bool) (string, bool) {
	idx, ok := t.byOperation[operationID]
	if !ok {
		return "", false
	}
	for p := t.nodes[idx].parent; p != invalidIndex && p != t.root; p = t.nodes[p].parent {
		pn := t.nodes[p]
		threshold := pn.config.PreemptionSatisfactionThreshold
		if aggressive {
			threshold = pn.config.AggressivePreemptionSatisfactionThreshold
		}
		satisfaction := dominantRatio(pn.usage, pn.fairShare)
		if pn.starvation == Normal || satisfaction >= threshold || !pn.config.AllowRegularPreemption {
			return pn.name, true
		}
	}
	return "", false
}
