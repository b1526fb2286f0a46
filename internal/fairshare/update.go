package fairshare

import (
	"sort"
	"time"
)

// update runs the tick pipeline's PreUpdate/BottomUp/top-down/PostUpdate
// stages against a freshly built tree. dt is the elapsed time since the
// previous tick, used to accrue integral-guarantee volume. belowSince
// carries each element's BelowFairShare transition time forward across
// ticks (a fresh Tree has no memory of its own), keyed by pool name or
// operation id; it is mutated in place.
func (t *Tree) update(now time.Time, dt time.Duration, totalResources Resources, belowSince map[string]time.Time) {
	t.builtAt = now.UnixNano()
	t.preUpdate(totalResources)
	t.bottomUp(t.root)
	t.topDown(t.root, totalResources, dt)
	t.postUpdate(now, belowSince)
}

// preUpdate refreshes the root's resource limits; pools/operations
// inherit their budget from the top-down pass, not from here.
func (t *Tree) preUpdate(totalResources Resources) {
	t.nodes[t.root].totalResources = totalResources
}

// bottomUp aggregates demand, usage, and maxPossibleUsage in post-order:
// a pool's demand is the sum of its children's, clipped at nothing here
// (clipping against caps happens in the top-down fitting pass, where the
// actual budget is known).
func (t *Tree) bottomUp(idx nodeIndex) {
	n := t.nodes[idx]
	if n.kind == KindOperation {
		return
	}
	var demand, usage, maxPossible Resources
	for _, c := range n.children {
		t.bottomUp(c)
		child := t.nodes[c]
		demand = demand.Add(child.demand)
		usage = usage.Add(child.usage)
		maxPossible = maxPossible.Add(child.maxPossibleUsage)
	}
	n.demand = demand
	n.usage = usage
	n.maxPossibleUsage = maxPossible
}

// topDown distributes budget from idx down to its children: strong
// guarantees first, then integral guarantees (capped by accumulated
// volume and burst), then the residual fitted proportionally to weight
// via water-filling, each layer capped by the child's own demand and
// MaxShare. Recurses once each child's fairShare (its own budget for the
// next level) has been fixed.
func (t *Tree) topDown(idx nodeIndex, budget Resources, dt time.Duration) {
	n := t.nodes[idx]
	n.fairShare = budget.Min(n.config.MaxShare)
	if n.kind == KindOperation || len(n.children) == 0 {
		return
	}

	children := make([]*node, len(n.children))
	for i, c := range n.children {
		children[i] = t.nodes[c]
	}

	// Strong guarantees, capped by demand.
	var strongTotal Resources
	for _, c := range children {
		c.strongGuaranteeShare = c.config.StrongGuarantee.Min(c.demand)
		strongTotal = strongTotal.Add(c.strongGuaranteeShare)
	}
	residual := n.fairShare.Sub(strongTotal)

	// Integral guarantees: accumulate volume at FlowRatio*dt against the
	// parent's own budget rather than the cluster-wide total — for a
	// pool nested several levels deep, the cluster total would make any
	// reasonable flow ratio accrue a near-zero volume, so the rate is
	// relative to what this parent actually has to distribute. Capped
	// by BurstRatio*parent-budget; the share itself is capped by both
	// the accumulated volume and the remaining (post-strong) demand.
	for _, c := range children {
		flow := n.fairShare.Scale(c.config.FlowRatio * dt.Seconds())
		c.accumulatedVolume = c.accumulatedVolume.Add(flow).Min(n.fairShare.Scale(c.config.BurstRatio))
		remainingDemand := c.demand.Sub(c.strongGuaranteeShare)
		c.integralShare = c.accumulatedVolume.Min(remainingDemand).Min(residual)
	}
	var integralTotal Resources
	for _, c := range children {
		integralTotal = integralTotal.Add(c.integralShare)
	}
	residual = residual.Sub(integralTotal)
	// Spend accumulated integral volume actually granted this tick.
	for _, c := range children {
		c.accumulatedVolume = c.accumulatedVolume.Sub(c.integralShare)
	}

	// Proportional fitting of what's left, capped by residual demand
	// and MaxShare.
	caps := make([]Resources, len(children))
	weights := make([]float64, len(children))
	for i, c := range children {
		residualDemand := c.demand.Sub(c.strongGuaranteeShare).Sub(c.integralShare)
		residualCap := c.config.MaxShare.Sub(c.strongGuaranteeShare).Sub(c.integralShare)
		caps[i] = residualDemand.Min(residualCap).Max(Resources{})
		weights[i] = c.config.Weight
	}
	fitted := waterFill(residual, caps, weights)

	for i, c := range children {
		childBudget := c.strongGuaranteeShare.Add(c.integralShare).Add(fitted[i]).Min(c.config.MaxShare)
		t.topDown(n.children[i], childBudget, dt)
	}
}

// postUpdate computes starvation transitions, preemption status, and
// each operation's scheduling index (best-first order for the next
// heartbeat's non-preemptive stage: the most under-served operations
// first).
func (t *Tree) postUpdate(now time.Time, belowSince map[string]time.Time) {
	for _, n := range t.nodes {
		if n.kind == KindRoot {
			continue
		}
		t.updateStarvation(n, now, belowSince)
		if n.kind == KindOperation {
			t.updatePreemption(n)
		}
	}

	type indexed struct {
		idx  nodeIndex
		rank float64
	}
	var ops []indexed
	for i, n := range t.nodes {
		if n.kind == KindOperation {
			ops = append(ops, indexed{idx: nodeIndex(i), rank: dominantRatio(n.usage, n.fairShare)})
		}
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].rank < ops[j].rank })
	for rank, o := range ops {
		t.nodes[o.idx].schedulingIndex = rank
	}
}

func (t *Tree) updateStarvation(n *node, now time.Time, belowSince map[string]time.Time) {
	satisfaction := dominantRatio(n.usage, n.fairShare)
	if satisfaction >= n.config.FairShareStarvationTolerance {
		n.starvation = Normal
		n.belowFairShareSince = time.Time{}
		delete(belowSince, n.name)
		return
	}

	since, ok := belowSince[n.name]
	if !ok {
		since = now
		belowSince[n.name] = since
	}
	n.belowFairShareSince = since

	elapsed := now.Sub(since)
	switch {
	case elapsed >= n.config.FairShareAggressivePreemptionTimeout:
		n.starvation = AggressivelyStarving
	case elapsed >= n.config.FairSharePreemptionTimeout:
		n.starvation = Starving
	default:
		n.starvation = BelowFairShare
	}
}

// updatePreemption derives the preemption lattice level for an
// operation. An operation whose fair share has converged to its full
// demand (within epsilon) is "satisfied" — the postUpdate sense of the
// term — and is always at least AggressivelyPreemptible; how far its
// actual usage runs over that fair share decides whether it escalates
// to fully Preemptible.
func (t *Tree) updatePreemption(n *node) {
	ssd := n.config.SchedulingSegment == "ssd"
	satisfied := approxEqual(n.fairShare, n.demand)
	if !satisfied {
		n.preemption = PreemptionStatus{Level: NonPreemptible, Ssd: ssd}
		return
	}
	overshoot := dominantRatio(n.usage, n.fairShare)
	if overshoot <= 1+epsilon {
		n.preemption = PreemptionStatus{Level: AggressivelyPreemptible, Ssd: ssd}
		return
	}
	n.preemption = PreemptionStatus{Level: Preemptible, Ssd: ssd}
}
