// Package throttle gates an action to at most once per interval.
package throttle

import "time"

// Throttle remembers when the action last ran. It is not safe for
// concurrent use; the main loop owns it.
type Throttle struct {
	interval time.Duration
	now      func() time.Time

	last time.Time
	ran  bool
}

// New returns a throttle whose first Allow call always succeeds.
// A nil now uses time.Now, whose monotonic reading makes the gate immune
// to wall-clock jumps.
func New(interval time.Duration, now func() time.Time) *Throttle {
	if now == nil {
		now = time.Now
	}
	return &Throttle{interval: interval, now: now}
}

// Allow reports whether the interval has elapsed since the last allowed
// call, and if so records now as the new reference point. The caller runs
// the action exactly once per true result whether or not it succeeds.
func (t *Throttle) Allow() bool {
	now := t.now()
	if t.ran && now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	t.ran = true
	return true
}

// Next returns the earliest time at which Allow will succeed again.
func (t *Throttle) Next() time.Time {
	if !t.ran {
		return t.now()
	}
	return t.last.Add(t.interval)
}
