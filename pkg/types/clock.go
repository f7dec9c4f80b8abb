package types

import "time"

// Clock provides monotonic timestamps anchored at a fixed origin. All
// pipeline latencies and SLO checks use a Clock; wall-clock time is reserved
// for billing period boundaries in the ledger.
//
// The zero value is not usable; construct with NewClock.
type Clock struct {
	origin time.Time
}

// NewClock returns a Clock anchored at the current instant.
func NewClock() *Clock {
	return &Clock{origin: time.Now()}
}

// Now returns the monotonic duration since the clock's origin.
func (c *Clock) Now() time.Duration {
	return time.Since(c.origin)
}

// Wall returns the current wall-clock time. Callers outside the ledger's
// period handling should not need this.
func (c *Clock) Wall() time.Time {
	return time.Now()
}
