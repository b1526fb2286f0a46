// Package throttle provides byte-budget admission for the blob write
// session and the read path. Two throttlers gate every PutBlocks call
// (node-level and location-level, §4.3); SendBlocks gates on the node
// out-throttler only (§5).
//
// The pack has no ready-made rate limiter; golang.org/x/time/rate is the
// standard ecosystem choice here and is used directly rather than
// hand-rolled, matching the "never fall back to stdlib where the
// ecosystem has a way" rule.
package throttle

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Throttler admits byte-sized workloads against a token-bucket budget.
type Throttler struct {
	lim *rate.Limiter
}

// New creates a Throttler with the given sustained bytes/sec rate and
// burst capacity in bytes. A zero rate means unlimited (no throttling).
func New(bytesPerSec, burstBytes int) *Throttler {
	if bytesPerSec <= 0 {
		return &Throttler{lim: rate.NewLimiter(rate.Inf, 0)}
	}
	if burstBytes < bytesPerSec {
		burstBytes = bytesPerSec
	}
	return &Throttler{lim: rate.NewLimiter(rate.Limit(bytesPerSec), burstBytes)}
}

// Acquire blocks until n bytes are admitted or ctx is cancelled.
func (t *Throttler) Acquire(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if err := t.lim.WaitN(ctx, n); err != nil {
		return fmt.Errorf("throttle acquire %d bytes: %w", n, err)
	}
	return nil
}

// TryAcquire reports whether n bytes can be admitted immediately, without
// blocking or reserving. Used for non-blocking backpressure probes.
func (t *Throttler) TryAcquire(n int) bool {
	if n <= 0 {
		return true
	}
	return t.lim.AllowN(time.Now(), n)
}
