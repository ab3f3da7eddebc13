// Package clock abstracts wall-clock access so schedule evaluation and
// channel runtimes can be driven by a controllable clock in tests.
//
// All playout decisions are pure functions of wall-clock time; the process
// never free-runs on its own timeline. Production wiring injects System,
// tests inject a Controllable set to a known instant.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current instant.
type Clock interface {
	// Now returns the current wall-clock time. Implementations must return
	// monotonically non-decreasing values.
	Now() time.Time
}

// UTCMillis converts an instant to integer milliseconds since the Unix
// epoch, the unit used by execution windows and seam checks.
func UTCMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromUTCMillis converts epoch milliseconds back to a UTC instant.
func FromUTCMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// System reads the operating system clock.
type System struct{}

// NewSystem returns the production clock.
func NewSystem() System { return System{} }

// Now implements Clock.
func (System) Now() time.Time { return time.Now() }

// Controllable is a clock whose current instant is set explicitly.
// Safe for concurrent use.
type Controllable struct {
	mu  sync.Mutex
	now time.Time
}

// NewControllable returns a controllable clock pinned at start.
func NewControllable(start time.Time) *Controllable {
	return &Controllable{now: start}
}

// Now implements Clock.
func (c *Controllable) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set jumps the clock to t. Moving backwards is allowed in tests but
// production components treat time as non-decreasing.
func (c *Controllable) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d and returns the new instant.
func (c *Controllable) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}
