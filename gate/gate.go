// Package gate decides whether a scheduled trigger should actually
// perform a check, based on a configured local-time window.
package gate

import "time"

// HourUnset marks an absent window bound; an unset bound disables the
// window entirely.
const HourUnset = -1

// ShouldRun reports whether a check triggered at now falls inside the
// [startHour, endHour) window. Hours are local, 0-23; endHour may wrap
// past midnight (start=22, end=2 means 22:00-02:00). If either bound is
// unset, or start equals end, every hour is active.
//
// Bounds are assumed validated by config; this is a pure predicate.
func ShouldRun(now time.Time, startHour, endHour int) bool {
	if startHour == HourUnset || endHour == HourUnset || startHour == endHour {
		return true
	}
	h := now.Hour()
	if startHour < endHour {
		return startHour <= h && h < endHour
	}
	// Overnight window.
	return h >= startHour || h < endHour
}
