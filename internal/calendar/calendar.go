// Package calendar decides whether an FX or metals market is open at a
// given instant. The FX week runs from Sunday 22:00 UTC to Friday 22:00 UTC;
// outside that window the market is closed for every instrument class.
// An optional holiday table closes whole UTC calendar days on top of the
// weekend rule.
package calendar

import "time"

// Class selects the market calendar for an instrument.
type Class string

const (
	Forex Class = "forex"
	Metal Class = "metal"
)

// Weekend boundary hours (UTC).
const (
	CloseHourFriday = 22 // Friday 22:00 UTC → market closes
	OpenHourSunday  = 22 // Sunday 22:00 UTC → market opens
)

// Calendar answers market-open questions for instrument classes.
// Metals trade the same weekly session as spot FX, so both classes
// currently share the weekend rule; holidays can differ per class.
type Calendar struct {
	holidays map[Class]map[string]bool
}

// New creates a Calendar with an empty holiday table.
func New() *Calendar {
	return &Calendar{holidays: make(map[Class]map[string]bool)}
}

// AddHoliday marks the UTC calendar day of t as closed for the given class.
func (c *Calendar) AddHoliday(class Class, t time.Time) {
	if c.holidays[class] == nil {
		c.holidays[class] = make(map[string]bool)
	}
	c.holidays[class][t.UTC().Format("2006-01-02")] = true
}

// IsHoliday reports whether the UTC calendar day of t is a holiday for class.
func (c *Calendar) IsHoliday(class Class, t time.Time) bool {
	return c.holidays[class][t.UTC().Format("2006-01-02")]
}

// IsOpen reports whether the market for class is open at instant t.
func (c *Calendar) IsOpen(class Class, t time.Time) bool {
	u := t.UTC()
	if c.IsHoliday(class, u) {
		return false
	}
	switch u.Weekday() {
	case time.Saturday:
		return false
	case time.Friday:
		return u.Hour() < CloseHourFriday
	case time.Sunday:
		return u.Hour() >= OpenHourSunday
	}
	return true
}

// RangeOpen reports whether the range [from, to) counts as market-open
// time, sampling the midpoint of the range. This is the default (cheap)
// range form used by the gap detector: a gap wholly inside the weekend has
// a closed midpoint and is suppressed.
func (c *Calendar) RangeOpen(class Class, from, to time.Time) bool {
	if !to.After(from) {
		return c.IsOpen(class, from)
	}
	mid := from.Add(to.Sub(from) / 2)
	return c.IsOpen(class, mid)
}

// OpenMinutes integrates market-open minutes across [from, to). Stricter
// and slower than RangeOpen; used where an exact open-time share matters.
func (c *Calendar) OpenMinutes(class Class, from, to time.Time) int {
	n := 0
	for t := from.UTC().Truncate(time.Minute); t.Before(to); t = t.Add(time.Minute) {
		if c.IsOpen(class, t) {
			n++
		}
	}
	return n
}

// NextOpen returns the next instant at or after t when the market is open.
// Scans in minute steps, bounded to two weeks ahead.
func (c *Calendar) NextOpen(class Class, t time.Time) time.Time {
	u := t.UTC()
	if c.IsOpen(class, u) {
		return u
	}
	limit := u.Add(14 * 24 * time.Hour)
	for s := u.Truncate(time.Minute); s.Before(limit); s = s.Add(time.Minute) {
		if c.IsOpen(class, s) {
			return s
		}
	}
	return limit
}
