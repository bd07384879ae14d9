// Package system provides the wall clock used outside of tests.
package system

import "time"

// Clock implements monitor.Clock on top of time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC. The monotonic reading is kept so
// milestone offsets measured against it stay correct across wall-clock steps.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
