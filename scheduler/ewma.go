package scheduler

import "time"

// EWMA tracks a peer's measured block-delay: the round trip from sending a
// REQUEST to receiving the matching PIECE. Update implements
// delay' = (7*delay + measured) / 8, clamped to maxDelay.
type EWMA struct {
	delay     time.Duration
	hasSample bool
}

// Update folds a new measurement into the running average.
func (e *EWMA) Update(measured, maxDelay time.Duration) {
	if !e.hasSample {
		e.delay = measured
		e.hasSample = true
	} else {
		e.delay = (7*e.delay + measured) / 8
	}
	if e.delay > maxDelay {
		e.delay = maxDelay
	}
}

// Value returns the current estimate, or 0 if no sample has landed yet.
func (e *EWMA) Value() time.Duration { return e.delay }

// HasSample reports whether at least one measurement has been folded in.
func (e *EWMA) HasSample() bool { return e.hasSample }
