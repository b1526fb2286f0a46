package fairshare

import "time"

// Kind distinguishes the three element variants the tree can hold.
// Rather than an interface with three implementations, the tree stores
// one tagged node struct per arena slot and branches on Kind — the same
// flattened-variant layout chunkid uses for its object-type tag, chosen
// here so PreOrder/PostOrder walks touch a single contiguous slice
// instead of chasing pointers through a sum-typed tree.
type Kind int

const (
	KindRoot Kind = iota
	KindPool
	KindOperation
)

func (k Kind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindPool:
		return "pool"
	case KindOperation:
		return "operation"
	default:
		return "unknown"
	}
}

// PreemptionLevel is the preemptibility lattice: NonPreemptible <
// AggressivelyPreemptible < Preemptible.
type PreemptionLevel int

const (
	NonPreemptible PreemptionLevel = iota
	AggressivelyPreemptible
	Preemptible
)

func (l PreemptionLevel) String() string {
	switch l {
	case NonPreemptible:
		return "non-preemptible"
	case AggressivelyPreemptible:
		return "aggressively-preemptible"
	case Preemptible:
		return "preemptible"
	default:
		return "unknown"
	}
}

// PreemptionStatus pairs a lattice level with the SSD overlay: SSD jobs
// are only preempted by other SSD-priority scheduling, so the scheduler
// keeps the two tracks separate rather than a single five-way enum.
type PreemptionStatus struct {
	Level PreemptionLevel
	Ssd   bool
}

// AtLeast reports whether this status satisfies a stage's minimum level
// requirement (e.g. the aggressive-preemptive stage requires
// AggressivelyPreemptible or better).
func (s PreemptionStatus) AtLeast(min PreemptionLevel) bool {
	return s.Level >= min
}

// StarvationStatus tracks how long an element has gone under-served.
type StarvationStatus int

const (
	Normal StarvationStatus = iota
	BelowFairShare
	Starving
	AggressivelyStarving
)

func (s StarvationStatus) String() string {
	switch s {
	case Normal:
		return "normal"
	case BelowFairShare:
		return "below-fair-share"
	case Starving:
		return "starving"
	case AggressivelyStarving:
		return "aggressively-starving"
	default:
		return "unknown"
	}
}

// GuaranteeConfig is the declarative, per-element configuration: strong
// and integral guarantees, weight, caps, starvation timers.
type GuaranteeConfig struct {
	Weight float64

	StrongGuarantee Resources
	MaxShare        Resources // Inf means uncapped

	// Integral guarantee: accumulated volume increases at BurstRatio's
	// sibling FlowRatio * totalResources per second, capped at
	// BurstRatio * totalResources; the proposed integral share above
	// the strong guarantee is capped by both.
	BurstRatio float64
	FlowRatio  float64

	AllowRegularPreemption bool

	FairShareStarvationTolerance              float64
	FairSharePreemptionTimeout                time.Duration
	FairShareAggressivePreemptionTimeout      time.Duration
	PreemptionSatisfactionThreshold           float64
	AggressivePreemptionSatisfactionThreshold float64

	// SchedulingSegment names the node class (e.g. "default", "ssd")
	// this element's jobs must land on; used for forceful preemption
	// when an operation's segment no longer matches a node.
	SchedulingSegment string
}

// DefaultGuaranteeConfig returns sane defaults for a pool/operation that
// doesn't override them; callers normally start from this and set only
// the fields they need.
func DefaultGuaranteeConfig() GuaranteeConfig {
	return GuaranteeConfig{
		Weight:                                    1.0,
		MaxShare:                                  Inf,
		AllowRegularPreemption:                    true,
		FairShareStarvationTolerance:              0.9,
		FairSharePreemptionTimeout:                15 * time.Second,
		FairShareAggressivePreemptionTimeout:      60 * time.Second,
		PreemptionSatisfactionThreshold:           1.0,
		AggressivePreemptionSatisfactionThreshold: 0.9,
	}
}

// PoolSpec declaratively describes one pool. Parent == "" means the pool
// hangs directly off the root.
type PoolSpec struct {
	Name   string
	Parent string
	Config GuaranteeConfig
}

// OperationSpec is a live operation registration: an operation always
// has exactly one parent pool and carries resource-usage feedback
// (Demand/Usage/MaxPossibleUsage) refreshed by the caller between ticks.
type OperationSpec struct {
	ID               string
	Pool             string
	Config           GuaranteeConfig
	Demand           Resources
	Usage            Resources
	MaxPossibleUsage Resources
}

type nodeIndex int

const invalidIndex nodeIndex = -1

type node struct {
	kind     Kind
	name     string
	parent   nodeIndex
	children []nodeIndex
	config   GuaranteeConfig

	demand           Resources
	usage            Resources
	maxPossibleUsage Resources

	fairShare            Resources
	strongGuaranteeShare Resources
	integralShare        Resources
	accumulatedVolume    Resources

	starvation          StarvationStatus
	belowFairShareSince time.Time
	preemption          PreemptionStatus
	schedulingIndex     int

	totalResources Resources // meaningful only at the root
}

// OperationView is the read-only, post-tick snapshot of one operation
// exposed to the job scheduler and to introspection.
type OperationView struct {
	ID                string
	Pool              string
	Demand            Resources
	Usage             Resources
	FairShare         Resources
	Preemption        PreemptionStatus
	Starvation        StarvationStatus
	SchedulingIndex   int
	IsPreemptible     bool
	SatisfactionRatio float64
}

// PoolView is the read-only, post-tick snapshot of one pool.
type PoolView struct {
	Name                                      string
	Parent                                    string
	Demand                                    Resources
	Usage                                     Resources
	FairShare                                 Resources
	AccumulatedVolume                         Resources
	Starvation                                StarvationStatus
	AllowRegularPreemption                    bool
	PreemptionSatisfactionThreshold           float64
	AggressivePreemptionSatisfactionThreshold float64
}
