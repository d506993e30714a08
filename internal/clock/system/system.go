// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements pipeline.Clock.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time truncated to microseconds, the precision
// Postgres and SQLite keep, so stored timestamps compare equal after a round trip.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
