package utskick

import "time"

// AtMinute zeroes out seconds and anything below. Every comparison the
// scheduler makes is done at minute resolution so that repeated calls
// within the same minute give the same answer.
func AtMinute(t time.Time) time.Time {
	return t.In(time.UTC).Truncate(time.Minute)
}

// NextFire computes the next time a newsletter is due given its anchor
// (the first-send timestamp), its period and the current time. Both
// inputs are truncated to the minute before any arithmetic and the
// result is always minute truncated.
//
// A recurrence that has not started yet (now at or before the anchor)
// fires at the anchor itself. A DISABLED or unknown period leaves the
// schedule where it is, such a newsletter fires off its anchor alone.
//
// Note that DAILY intentionally advances by two minutes rather than a
// calendar day. The cadence is inherited and product has not signed off
// on changing it, so it stays.
func NextFire(anchor time.Time, period Period, now time.Time) time.Time {
	anchor = AtMinute(anchor)
	now = AtMinute(now)

	if !now.After(anchor) {
		return anchor
	}

	switch period {
	case PeriodDaily:
		return now.Add(2 * time.Minute)
	case PeriodWeekly:
		days := daysBetween(anchor, now)
		return anchor.AddDate(0, 0, days+(7-days%7))
	case PeriodMonthly:
		months := monthsBetween(anchor, now)
		return addMonths(anchor, months+1)
	}
	return anchor
}

// daysBetween counts whole calendar days from the date of a to the date
// of b, ignoring the time of day on either side.
func daysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	a = time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	b = time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a) / (24 * time.Hour))
}

// monthsBetween returns the largest m such that addMonths(a, m) is not
// after b. Assumes b is after a.
func monthsBetween(a, b time.Time) int {
	months := (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
	if months > 0 && addMonths(a, months).After(b) {
		months--
	}
	return months
}

// addMonths advances t by n calendar months, clamping the day to the
// last valid day of the target month. Jan 31 plus one month is Feb 28
// or 29, not Mar 2, which is what time.AddDate would produce.
func addMonths(t time.Time, n int) time.Time {
	year, month, day := t.Date()
	hour, min, _ := t.Clock()

	m := int(month) - 1 + n
	year += m / 12
	m = m % 12
	if m < 0 {
		m += 12
		year--
	}
	month = time.Month(m + 1)

	if last := lastDayOfMonth(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, hour, min, 0, 0, t.Location())
}

func lastDayOfMonth(year int, month time.Month) int {
	// day zero of the following month
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// ResolveStatus derives the lifecycle status of a newsletter. The status
// column is never authoritative on its own, it must always equal this
// derivation after any send completing operation.
func ResolveStatus(firstSent time.Time, lastSent *time.Time, now time.Time) Status {
	firstSent = AtMinute(firstSent)
	now = AtMinute(now)

	if lastSent != nil && now.After(AtMinute(*lastSent)) {
		return StatusCompleted
	}
	if !now.Before(firstSent) {
		return StatusLaunched
	}
	return StatusCreated
}
