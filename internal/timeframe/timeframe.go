// Package timeframe defines the closed set of supported candle timeframes
// and the time-grid arithmetic used everywhere else: alignment of instants
// to bucket boundaries and enumeration of expected bucket slots in a range.
//
// All alignment is UTC and anchored at the Unix epoch. Since the epoch is
// 00:00 UTC, flooring to the duration also anchors D1 at 00:00 UTC and H4
// at the 00/04/08/12/16/20 UTC steps.
package timeframe

import (
	"fmt"
	"time"
)

// Timeframe is the canonical name of a candle resolution, e.g. "M1".
type Timeframe string

const (
	M1  Timeframe = "M1"
	M5  Timeframe = "M5"
	M15 Timeframe = "M15"
	M30 Timeframe = "M30"
	H1  Timeframe = "H1"
	H4  Timeframe = "H4"
	D1  Timeframe = "D1"
)

// All lists every supported timeframe in ascending duration order.
var All = []Timeframe{M1, M5, M15, M30, H1, H4, D1}

var durations = map[Timeframe]time.Duration{
	M1:  time.Minute,
	M5:  5 * time.Minute,
	M15: 15 * time.Minute,
	M30: 30 * time.Minute,
	H1:  time.Hour,
	H4:  4 * time.Hour,
	D1:  24 * time.Hour,
}

// Provider resolution codes for the historical endpoint.
var resolutions = map[Timeframe]string{
	M1:  "1",
	M5:  "5",
	M15: "15",
	M30: "30",
	H1:  "60",
	H4:  "240",
	D1:  "D",
}

// Parse returns the Timeframe named by s, case-sensitive ("M1".."D1").
func Parse(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if !tf.Valid() {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// Valid reports whether tf is one of the supported timeframes.
func (tf Timeframe) Valid() bool {
	_, ok := durations[tf]
	return ok
}

// Duration returns the bucket duration of tf. Zero for invalid timeframes.
func (tf Timeframe) Duration() time.Duration {
	return durations[tf]
}

// Seconds returns the bucket duration in whole seconds.
func (tf Timeframe) Seconds() int64 {
	return int64(durations[tf] / time.Second)
}

// Resolution returns the provider resolution code for tf, e.g. "240" for H4.
func (tf Timeframe) Resolution() string {
	return resolutions[tf]
}

// Align floors t to the start of its tf bucket. Sub-second precision is
// dropped first, so the result is always a whole-second UTC instant.
func (tf Timeframe) Align(t time.Time) time.Time {
	sec := t.Unix() // drops sub-second precision
	d := tf.Seconds()
	if d == 0 {
		return time.Unix(sec, 0).UTC()
	}
	return time.Unix(sec-sec%d, 0).UTC()
}

// Aligned reports whether t sits exactly on a tf bucket boundary.
func (tf Timeframe) Aligned(t time.Time) bool {
	return t.Nanosecond() == 0 && tf.Align(t).Equal(t.UTC())
}

// Slots enumerates bucket starts {align(from), align(from)+dur, ...}
// strictly less than to, in ascending order. An empty or inverted range
// yields nil.
func (tf Timeframe) Slots(from, to time.Time) []time.Time {
	if !to.After(from) {
		return nil
	}
	dur := tf.Duration()
	var slots []time.Time
	for t := tf.Align(from); t.Before(to); t = t.Add(dur) {
		slots = append(slots, t)
	}
	return slots
}

// Expected counts the slots in [from, to) whose start instant is
// market-open according to open. The caller supplies the calendar form
// bound to an instrument class.
func (tf Timeframe) Expected(from, to time.Time, open func(time.Time) bool) int {
	n := 0
	for _, t := range tf.Slots(from, to) {
		if open(t) {
			n++
		}
	}
	return n
}

// Higher returns the timeframes strictly larger than tf, ascending.
func (tf Timeframe) Higher() []Timeframe {
	var out []Timeframe
	for _, other := range All {
		if other.Duration() > tf.Duration() {
			out = append(out, other)
		}
	}
	return out
}

// Derived returns every timeframe rebuilt from the M1 base, ascending
// (everything except M1 itself).
func Derived() []Timeframe {
	return M1.Higher()
}
