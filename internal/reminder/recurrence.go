package reminder

import "time"

// Advance maps a fired occurrence to the next one.
//
// It returns (next, true) for a recurring rule and (zero, false) for
// RecurrenceNone, in which case the caller must retire the reminder.
//
// Advance is pure and strictly monotonic: the returned instant is always
// after current. Daily and weekly keep the wall-clock time-of-day; monthly
// clamps to the last valid day of the target month (Jan 31 -> Feb 28/29).
func Advance(current time.Time, r Recurrence) (time.Time, bool) {
	switch r {
	case RecurrenceDaily:
		return current.AddDate(0, 0, 1), true
	case RecurrenceWeekly:
		return current.AddDate(0, 0, 7), true
	case RecurrenceMonthly:
		return addMonthClamped(current), true
	default:
		return time.Time{}, false
	}
}

// AdvancePast walks the rule forward until the result is strictly after now.
// Used for restart catch-up: occurrences missed while the process was down
// are skipped without dispatching, and the reminder re-arms for the nearest
// future instant.
func AdvancePast(current time.Time, r Recurrence, now time.Time) (time.Time, bool) {
	next, ok := Advance(current, r)
	if !ok {
		return time.Time{}, false
	}
	for !next.After(now) {
		next, _ = Advance(next, r)
	}
	return next, true
}

func addMonthClamped(t time.Time) time.Time {
	y, m, d := t.Date()
	m++
	if m > time.December {
		m = time.January
		y++
	}
	if last := daysIn(y, m); d > last {
		d = last
	}
	hh, mm, ss := t.Clock()
	return time.Date(y, m, d, hh, mm, ss, t.Nanosecond(), t.Location())
}

// daysIn returns the number of days in the given month; day 0 of the next
// month normalizes to the last day of this one.
func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
