// Package system provides the wall clock used to stamp scrape results.
package system

import "time"

// Clock implements scrape.Clock using time.Now. Times are always UTC so
// result timestamps render with a Z suffix.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
