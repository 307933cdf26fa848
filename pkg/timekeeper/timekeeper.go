// Package timekeeper measures elapsed wall time across the phases of a
// bundle submission.
package timekeeper

import "time"

type Elapsing struct {
	checkpoint time.Time
}

func NewElapsing() *Elapsing {
	return &Elapsing{
		// Now carries both wallclock and monotonic clock, so deltas stay
		// correct across clock adjustments
		checkpoint: time.Now(),
	}
}

// Report returns the time since the last checkpoint and advances the
// checkpoint, so consecutive calls measure consecutive phases.
func (e *Elapsing) Report() time.Duration {
	now := time.Now()
	total := now.Sub(e.checkpoint)
	e.checkpoint = now

	return total
}

func (e *Elapsing) Reset() {
	e.checkpoint = time.Now()
}
