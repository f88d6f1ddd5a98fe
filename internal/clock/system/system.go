// Package system provides the wall clock used outside of tests.
package system

import "time"

// Clock implements fleet.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time with its monotonic reading intact, so elapsed
// durations between two calls are unaffected by wall clock steps.
func (Clock) Now() time.Time {
	return time.Now()
}

// Since reports the time elapsed since t.
func (c Clock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}
