// Package runlimit tracks elapsed wall-clock time against a budget so batch
// loops can stop at a safe boundary and resume on the next invocation.
package runlimit

import "time"

// Limiter answers "is this pass over its time budget?". One limiter is
// shared across every service call of a single pass, so the budget covers
// the whole pass rather than each call separately.
type Limiter interface {
	// Elapsed returns the time since the pass started.
	Elapsed() time.Duration
	// OverTime reports whether the elapsed time has reached the budget.
	// Callers check it at batch boundaries only; a single batch's cost
	// bounds the worst-case overrun.
	OverTime() bool
}

// New returns a limiter with the given budget, measured from the monotonic
// clock at construction. A non-positive max disables the budget: OverTime
// never reports true (used by one-shot CLI invocations).
func New(max time.Duration) Limiter {
	return &clockLimiter{startedAt: time.Now(), max: max}
}

type clockLimiter struct {
	startedAt time.Time
	max       time.Duration
}

func (l *clockLimiter) Elapsed() time.Duration {
	return time.Since(l.startedAt)
}

func (l *clockLimiter) OverTime() bool {
	if l.max <= 0 {
		return false
	}
	return l.Elapsed() >= l.max
}
