// Package clock supplies timestamps for persisted records.
package clock

import "time"

// Layout is the timestamp format stored on requests, messages and activity entries.
const Layout = "2006-01-02 15:04:05"

// Clock returns the current time. Tests substitute a fixed function.
type Clock func() time.Time

// System is the wall clock.
func System() time.Time {
	return time.Now()
}

// OrSystem returns c, or the wall clock when c is nil.
func OrSystem(c Clock) Clock {
	if c == nil {
		return System
	}
	return c
}

// Stamp formats the current time of c.
func (c Clock) Stamp() string {
	return Format(OrSystem(c)())
}

// Format renders t in Layout using UTC.
func Format(t time.Time) string {
	return t.UTC().Format(Layout)
}
