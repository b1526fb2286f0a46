package fairshare

import "math"

// Resources is the two-dimensional resource vector (CPU cores, memory
// bytes) that every share computation in this package works against.
// Real clusters track more dimensions (disk, network, GPU); two is
// enough to exercise dominant-resource fairness without the vector math
// growing unreadable.
type Resources struct {
	CPU    float64
	Memory float64
}

// Inf is an uncapped resource budget, used as the default MaxShare.
var Inf = Resources{CPU: math.Inf(1), Memory: math.Inf(1)}

const epsilon = 1e-9

func (r Resources) Add(o Resources) Resources {
	return Resources{CPU: r.CPU + o.CPU, Memory: r.Memory + o.Memory}
}

// Sub subtracts o from r, clamping each component at zero.
func (r Resources) Sub(o Resources) Resources {
	return Resources{CPU: math.Max(0, r.CPU-o.CPU), Memory: math.Max(0, r.Memory-o.Memory)}
}

func (r Resources) Min(o Resources) Resources {
	return Resources{CPU: math.Min(r.CPU, o.CPU), Memory: math.Min(r.Memory, o.Memory)}
}

func (r Resources) Max(o Resources) Resources {
	return Resources{CPU: math.Max(r.CPU, o.CPU), Memory: math.Max(r.Memory, o.Memory)}
}

func (r Resources) Scale(f float64) Resources {
	return Resources{CPU: r.CPU * f, Memory: r.Memory * f}
}

// LessOrEqual is a componentwise comparison.
func (r Resources) LessOrEqual(o Resources) bool {
	return r.CPU <= o.CPU+epsilon && r.Memory <= o.Memory+epsilon
}

func (r Resources) IsZero() bool {
	return math.Abs(r.CPU) < epsilon && math.Abs(r.Memory) < epsilon
}

// approxEqual reports whether r and o are equal within epsilon on every
// component — the "fair share ≈ demand share" test used to decide
// whether an element is fully satisfied.
func approxEqual(r, o Resources) bool {
	return math.Abs(r.CPU-o.CPU) < epsilon && math.Abs(r.Memory-o.Memory) < epsilon
}

// dominantRatio is the dominant-resource-fairness measure of usage
// against share: the largest ratio over the dimensions where usage or
// share is nonzero, with +Inf for a dimension whose share is zero but
// whose usage is not (starved on a resource nobody is giving it). A
// dimension where both are zero is ignored; if every dimension is
// zero/zero the result is 1 (fully satisfied by definition).
func dominantRatio(usage, share Resources) float64 {
	ratio := func(u, s float64) (float64, bool) {
		switch {
		case s > epsilon:
			return u / s, true
		case u > epsilon:
			return math.Inf(1), true
		default:
			return 0, false
		}
	}
	cpu, okCPU := ratio(usage.CPU, share.CPU)
	mem, okMem := ratio(usage.Memory, share.Memory)
	if !okCPU && !okMem {
		return 1
	}
	return math.Max(cpu, mem)
}

// waterFillDim distributes totalBudget across n claimants proportionally
// to weight, capped per-claimant by cap, converging to the max-min fair
// allocation in at most n+1 rounds: each round saturates at least one
// more claimant at its cap and redistributes the remainder among the
// rest.
func waterFillDim(totalBudget float64, caps, weights []float64) []float64 {
	n := len(caps)
	alloc := make([]float64, n)
	active := make([]bool, n)
	weightSum := 0.0
	for i := range caps {
		if caps[i] > epsilon && weights[i] > 0 {
			active[i] = true
			weightSum += weights[i]
		}
	}

	remaining := totalBudget
	for iter := 0; iter <= n && remaining > epsilon && weightSum > epsilon; iter++ {
		share := remaining / weightSum
		saturated := false
		for i := range caps {
			if !active[i] {
				continue
			}
			proposed := alloc[i] + share*weights[i]
			if proposed >= caps[i]-epsilon {
				remaining -= caps[i] - alloc[i]
				alloc[i] = caps[i]
				active[i] = false
				weightSum -= weights[i]
				saturated = true
			}
		}
		if !saturated {
			for i := range caps {
				if active[i] {
					alloc[i] += share * weights[i]
				}
			}
			remaining = 0
			break
		}
	}
	return alloc
}

// waterFill runs waterFillDim independently per resource dimension.
func waterFill(budget Resources, caps []Resources, weights []float64) []Resources {
	cpuCaps := make([]float64, len(caps))
	memCaps := make([]float64, len(caps))
	for i, c := range caps {
		cpuCaps[i] = c.CPU
		memCaps[i] = c.Memory
	}
	cpuAlloc := waterFillDim(budget.CPU, cpuCaps, weights)
	memAlloc := waterFillDim(budget.Memory, memCaps, weights)

	out := make([]Resources, len(caps))
	for i := range caps {
		out[i] = Resources{CPU: cpuAlloc[i], Memory: memAlloc[i]}
	}
	return out
}
