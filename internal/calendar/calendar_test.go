package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// 2025-02-14 is a Friday, 2025-02-16 a Sunday.
func TestIsOpenWeekendBoundaries(t *testing.T) {
	cal := New()

	cases := []struct {
		name string
		ts   time.Time
		want bool
	}{
		{"friday before close", time.Date(2025, 2, 14, 21, 59, 59, 0, time.UTC), true},
		{"friday at close", time.Date(2025, 2, 14, 22, 0, 0, 0, time.UTC), false},
		{"saturday noon", time.Date(2025, 2, 15, 12, 0, 0, 0, time.UTC), false},
		{"sunday before open", time.Date(2025, 2, 16, 21, 59, 59, 0, time.UTC), false},
		{"sunday at open", time.Date(2025, 2, 16, 22, 0, 0, 0, time.UTC), true},
		{"wednesday", time.Date(2025, 2, 12, 10, 0, 0, 0, time.UTC), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, cal.IsOpen(Forex, tc.ts))
			require.Equal(t, tc.want, cal.IsOpen(Metal, tc.ts))
		})
	}
}

func TestHolidayClosesDay(t *testing.T) {
	cal := New()
	newYear := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC) // a Wednesday

	require.True(t, cal.IsOpen(Metal, newYear))
	cal.AddHoliday(Metal, newYear)
	require.False(t, cal.IsOpen(Metal, newYear))
	// Holidays are per-class.
	require.True(t, cal.IsOpen(Forex, newYear))
}

func TestRangeOpenSamplesMidpoint(t *testing.T) {
	cal := New()

	// Whole range inside Saturday: closed.
	satFrom := time.Date(2025, 2, 15, 0, 0, 0, 0, time.UTC)
	satTo := time.Date(2025, 2, 15, 23, 59, 0, 0, time.UTC)
	require.False(t, cal.RangeOpen(Forex, satFrom, satTo))

	// Midweek range: open.
	wedFrom := time.Date(2025, 2, 12, 10, 0, 0, 0, time.UTC)
	require.True(t, cal.RangeOpen(Forex, wedFrom, wedFrom.Add(time.Hour)))

	// Range straddling the Friday close with an open midpoint.
	friFrom := time.Date(2025, 2, 14, 20, 0, 0, 0, time.UTC)
	require.True(t, cal.RangeOpen(Forex, friFrom, friFrom.Add(3*time.Hour)))
}

func TestOpenMinutes(t *testing.T) {
	cal := New()

	// Friday 21:30 → 22:30: only the first 30 minutes are open.
	from := time.Date(2025, 2, 14, 21, 30, 0, 0, time.UTC)
	require.Equal(t, 30, cal.OpenMinutes(Forex, from, from.Add(time.Hour)))

	// Entirely closed Saturday hour.
	sat := time.Date(2025, 2, 15, 12, 0, 0, 0, time.UTC)
	require.Equal(t, 0, cal.OpenMinutes(Forex, sat, sat.Add(time.Hour)))
}

func TestNextOpen(t *testing.T) {
	cal := New()

	// From Saturday noon the next open is Sunday 22:00.
	sat := time.Date(2025, 2, 15, 12, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2025, 2, 16, 22, 0, 0, 0, time.UTC), cal.NextOpen(Forex, sat))

	// Already open: returned unchanged.
	wed := time.Date(2025, 2, 12, 10, 0, 0, 0, time.UTC)
	require.Equal(t, wed, cal.NextOpen(Forex, wed))
}
