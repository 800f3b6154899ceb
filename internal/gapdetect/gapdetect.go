// Package gapdetect finds missing and malformed candles in the store.
//
// The detector works off candle spacing: consecutive stored timestamps
// further apart than twice the timeframe duration mark a gap. A single
// missing candle is tolerated as normal upstream jitter; anything larger
// is genuine. Candidate gaps wholly inside market-closed time (weekends,
// holidays) are suppressed.
package gapdetect

import (
	"context"
	"fmt"
	"log"
	"time"

	"fxpipeline/internal/calendar"
	"fxpipeline/internal/model"
	"fxpipeline/internal/timeframe"
)

// healthyCoverage is the minimum actual/expected candle ratio for an
// instrument to count as healthy.
const healthyCoverage = 0.95

// Kind tags where a gap sits relative to the scanned range.
type Kind string

const (
	FullGap  Kind = "full_gap"  // no candles at all in the range
	StartGap Kind = "start_gap" // range starts with missing candles
	MidGap   Kind = "mid_gap"   // hole between two stored candles
	EndGap   Kind = "end_gap"   // range ends with missing candles
)

// Gap is one detected hole in the candle series.
type Gap struct {
	Symbol         string              `json:"symbol"`
	Timeframe      timeframe.Timeframe `json:"timeframe"`
	Start          time.Time           `json:"start"`
	End            time.Time           `json:"end"`
	MissingCandles int                 `json:"missing_candles"`
	Kind           Kind                `json:"kind"`
}

// Store is what the detector needs from the relational store.
type Store interface {
	model.CandleStore
	model.IntegrityStore
}

// Detector computes missing/incomplete candle sets for
// (symbol, timeframe, range) queries.
type Detector struct {
	store Store
	cal   *calendar.Calendar
}

// New creates a Detector.
func New(store Store, cal *calendar.Calendar) *Detector {
	return &Detector{store: store, cal: cal}
}

// DetectGaps scans [from, to) for symbol/tf and returns the gaps found,
// ordered by start time. Reads are snapshot-consistent per query but may
// race with concurrent writes; a just-repaired gap re-appearing on the
// next sweep is a harmless no-op.
func (d *Detector) DetectGaps(ctx context.Context, symbol string, tf timeframe.Timeframe, from, to time.Time) ([]Gap, error) {
	if !to.After(from) {
		return nil, nil
	}

	candles, err := d.store.ReadRange(ctx, symbol, tf, from, to)
	if err != nil {
		return nil, fmt.Errorf("detect gaps %s %s: %w", symbol, tf, err)
	}

	var (
		dur       = tf.Duration()
		threshold = 2 * dur
		start     = tf.Align(from)
		class     = model.ClassOf(symbol)
		raw       []Gap
	)

	if len(candles) == 0 {
		raw = append(raw, Gap{Start: start, End: to, Kind: FullGap})
	} else {
		if candles[0].TS.Sub(start) > threshold {
			raw = append(raw, Gap{Start: start, End: candles[0].TS, Kind: StartGap})
		}
		for i := 0; i+1 < len(candles); i++ {
			if candles[i+1].TS.Sub(candles[i].TS) > threshold {
				raw = append(raw, Gap{Start: candles[i].TS.Add(dur), End: candles[i+1].TS, Kind: MidGap})
			}
		}
		// The last candle covers its own slot; only the tail after it
		// counts toward the threshold.
		if tail := candles[len(candles)-1].TS.Add(dur); to.Sub(tail) > threshold {
			raw = append(raw, Gap{Start: tail, End: to, Kind: EndGap})
		}
	}

	var gaps []Gap
	for _, g := range raw {
		if !d.cal.RangeOpen(class, g.Start, g.End) {
			continue // wholly inside closed-market time
		}
		g.Symbol = symbol
		g.Timeframe = tf
		g.MissingCandles = int(g.End.Sub(g.Start) / dur)
		gaps = append(gaps, g)
	}
	return gaps, nil
}

// Report is the outcome of a full integrity check over a trailing window.
type Report struct {
	Symbol     string              `json:"symbol"`
	Timeframe  timeframe.Timeframe `json:"timeframe"`
	From       time.Time           `json:"from"`
	To         time.Time           `json:"to"`
	Gaps       []Gap               `json:"gaps"`
	Degenerate []model.Candle      `json:"degenerate"`
	Expected   int                 `json:"expected"`
	Actual     int                 `json:"actual"`
	Coverage   float64             `json:"coverage"`
	Healthy    bool                `json:"healthy"`
}

// FullIntegrityCheck scans the last `days` days of symbol/tf: gaps,
// degenerate candles, and coverage (actual/expected over market-open
// slots; 1.0 when nothing was expected). The instrument is healthy iff
// there are no gaps, no degenerate candles, and coverage ≥ 0.95. Each
// invocation updates today's IntegrityRecord; a failure to persist the
// record is logged, not fatal.
func (d *Detector) FullIntegrityCheck(ctx context.Context, symbol string, tf timeframe.Timeframe, days int) (*Report, error) {
	now := time.Now().UTC()
	from := now.Add(-time.Duration(days) * 24 * time.Hour)

	gaps, err := d.DetectGaps(ctx, symbol, tf, from, now)
	if err != nil {
		return nil, err
	}
	degenerate, err := d.store.FindDegenerate(ctx, symbol, tf, from, now)
	if err != nil {
		return nil, fmt.Errorf("integrity check %s %s: %w", symbol, tf, err)
	}
	actual, err := d.store.CountCandles(ctx, symbol, tf, from, now)
	if err != nil {
		return nil, fmt.Errorf("integrity check %s %s: %w", symbol, tf, err)
	}

	class := model.ClassOf(symbol)
	expected := tf.Expected(from, now, func(t time.Time) bool {
		return d.cal.IsOpen(class, t)
	})

	coverage := 1.0
	if expected > 0 {
		coverage = float64(actual) / float64(expected)
	}

	rep := &Report{
		Symbol:     symbol,
		Timeframe:  tf,
		From:       from,
		To:         now,
		Gaps:       gaps,
		Degenerate: degenerate,
		Expected:   expected,
		Actual:     actual,
		Coverage:   coverage,
		Healthy:    len(gaps) == 0 && len(degenerate) == 0 && coverage >= healthyCoverage,
	}

	missing := 0
	for _, g := range gaps {
		missing += g.MissingCandles
	}
	status := model.IntegrityOK
	if len(gaps) > 0 {
		status = model.IntegrityGaps
	}
	rec := model.IntegrityRecord{
		Symbol:      symbol,
		Timeframe:   tf,
		Date:        now.Format("2006-01-02"),
		Expected:    expected,
		Actual:      actual,
		Missing:     missing,
		Incomplete:  len(degenerate),
		LastChecked: now,
		Status:      status,
	}
	if err := d.store.UpsertIntegrity(ctx, rec); err != nil {
		log.Printf("[gapdetect] integrity record update failed for %s %s: %v", symbol, tf, err)
	}

	return rep, nil
}

// DegenerateRepairJob builds a backfill job covering the union range of
// the degenerate candles found for symbol/tf in the last `days` days.
// Returns nil when there is nothing to repair.
func (d *Detector) DegenerateRepairJob(ctx context.Context, symbol string, tf timeframe.Timeframe, days int) (*model.BackfillJob, error) {
	now := time.Now().UTC()
	from := now.Add(-time.Duration(days) * 24 * time.Hour)

	degenerate, err := d.store.FindDegenerate(ctx, symbol, tf, from, now)
	if err != nil {
		return nil, fmt.Errorf("degenerate scan %s %s: %w", symbol, tf, err)
	}
	if len(degenerate) == 0 {
		return nil, nil
	}

	first := degenerate[0].TS
	last := degenerate[len(degenerate)-1].TS.Add(tf.Duration())
	return &model.BackfillJob{
		Symbol:    symbol,
		Timeframe: tf,
		GapStart:  first,
		GapEnd:    last,
		Priority:  2,
	}, nil
}
