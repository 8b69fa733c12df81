package core

import (
	"fmt"
	"time"
)

// Advance computes the next due time for a schedule: the smallest time
// strictly after now reachable by repeatedly adding (skip+1) interval units
// to due. A due time already in the future is returned unchanged, so the
// function is a fixed point on its own output.
//
// Minutes through weeks use fixed-duration arithmetic. Months and years use
// calendar arithmetic with month-end clamping, so a monthly task due
// Jan 31 lands on the last day of February rather than spilling into March.
func Advance(due time.Time, unit Interval, skip int, now time.Time) (time.Time, error) {
	if skip < 0 {
		skip = 0
	}
	step := skip + 1
	next := due
	for !next.After(now) {
		switch unit {
		case IntervalMinutes:
			next = next.Add(time.Duration(step) * time.Minute)
		case IntervalHours:
			next = next.Add(time.Duration(step) * time.Hour)
		case IntervalDays:
			next = next.Add(time.Duration(step) * 24 * time.Hour)
		case IntervalWeeks:
			next = next.Add(time.Duration(step) * 7 * 24 * time.Hour)
		case IntervalMonths:
			next = addMonths(next, step)
		case IntervalYears:
			next = addMonths(next, 12*step)
		default:
			return time.Time{}, fmt.Errorf("%w: %q", ErrUnknownInterval, unit)
		}
	}
	return next, nil
}

// addMonths shifts t by the given number of months, clamping the day of
// month to the length of the target month. time.AddDate would normalize
// Jan 31 + 1 month into March 2/3, which is not the wanted semantics.
func addMonths(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	anchor := time.Date(year, month+time.Month(months), 1,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := daysInMonth(anchor.Year(), anchor.Month()); day > last {
		day = last
	}
	return time.Date(anchor.Year(), anchor.Month(), day,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// daysInMonth returns the number of days in the given month. Day 0 of the
// following month normalizes to the last day of this one.
func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
