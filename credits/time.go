package credits

import "time"

// =============================================================================
// CALENDAR HELPERS - Month-lock arithmetic
// =============================================================================

// EndOfMonth returns the last millisecond of t's calendar month in loc.
func EndOfMonth(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	return first.AddDate(0, 1, 0).Add(-time.Millisecond)
}

// StartOfDay returns midnight of t's day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// SameMonth reports whether a and b fall in the same calendar month and year in loc.
func SameMonth(a, b time.Time, loc *time.Location) bool {
	a, b = a.In(loc), b.In(loc)
	return a.Year() == b.Year() && a.Month() == b.Month()
}

// AgeOn returns the completed years between dob and asOf.
func AgeOn(dob, asOf time.Time) int {
	age := asOf.Year() - dob.Year()
	if asOf.Month() < dob.Month() || (asOf.Month() == dob.Month() && asOf.Day() < dob.Day()) {
		age--
	}
	if age < 0 {
		return 0
	}
	return age
}
