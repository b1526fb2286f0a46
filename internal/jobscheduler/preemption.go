package jobscheduler

import "clusternode/internal/fairshare"

// preemptibleAnalysis is the result of classifying a node's running jobs
// for one preemptive stage (§4.9.1).
type preemptibleAnalysis struct {
	// Unconditional jobs may be preempted regardless of which operation
	// ends up using the freed resources.
	Unconditional []RunningJob
	// Conditional[ancestorName] may be preempted only if the preemptor
	// operation lands strictly beneath that ancestor pool.
	Conditional map[string][]RunningJob
}

// unconditionalDiscount sums the usage of every unconditionally
// preemptible job — applied to the node's view of available resources
// before any candidate operation is considered.
func (a preemptibleAnalysis) unconditionalDiscount() fairshare.Resources {
	var sum fairshare.Resources
	for _, j := range a.Unconditional {
		sum = sum.Add(j.Usage)
	}
	return sum
}

// conditionalDiscountFor sums the usage of jobs conditionally
// preemptible under ancestor — the extra budget a candidate operation
// scheduled beneath that ancestor gets to see.
func (a preemptibleAnalysis) conditionalDiscountFor(ancestor string) fairshare.Resources {
	var sum fairshare.Resources
	for _, j := range a.Conditional[ancestor] {
		sum = sum.Add(j.Usage)
	}
	return sum
}

// analyzePreemptibleJobs classifies every running job per §4.9.1. A job
// is unconditionally preemptible if its operation's preemption status is
// Preemptible or better (AggressivelyPreemptible or better when
// aggressive is requested, since stage 3 only needs that level) and no
// ancestor blocks preemption, or if its scheduling segment no longer
// matches the node (forceful preemption). Otherwise, if a blocking
// ancestor exists, the job is conditionally preemptible under that
// ancestor.
func analyzePreemptibleJobs(tree *fairshare.Tree, node NodeDescriptor, jobs []RunningJob, aggressive bool) preemptibleAnalysis {
	result := preemptibleAnalysis{Conditional: make(map[string][]RunningJob)}

	minLevel := fairshare.Preemptible
	if aggressive {
		minLevel = fairshare.AggressivelyPreemptible
	}

	for _, job := range jobs {
		if job.SchedulingSegment != "" && job.SchedulingSegment != node.SchedulingSegment {
			// Forceful preemption: the operation's segment no longer
			// fits this node at all, independent of fair-share status.
			result.Unconditional = append(result.Unconditional, job)
			continue
		}

		op, ok := tree.Operation(job.OperationID)
		if !ok {
			continue
		}
		ancestor, blocked := tree.BlockingAncestor(job.OperationID, aggressive)

		if op.Preemption.AtLeast(minLevel) && !blocked {
			result.Unconditional = append(result.Unconditional, job)
			continue
		}
		if blocked {
			result.Conditional[ancestor] = append(result.Conditional[ancestor], job)
		}
	}

	return result
}
