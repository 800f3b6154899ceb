// Package builder rebuilds candles from stored data: M1 bars from raw
// ticks, and every higher timeframe from the M1 base. All writes go
// through the store's idempotent upsert, so rebuilding a range twice
// leaves the store unchanged.
package builder

import (
	"context"
	"fmt"
	"log"
	"time"

	"fxpipeline/internal/calendar"
	"fxpipeline/internal/model"
	"fxpipeline/internal/timeframe"
)

// Store is what the builder needs from the relational store.
type Store interface {
	model.CandleStore
	model.TickStore
}

// Builder recomputes candles from ticks and from M1.
type Builder struct {
	store Store
	cal   *calendar.Calendar
}

// New creates a Builder.
func New(store Store, cal *calendar.Calendar) *Builder {
	return &Builder{store: store, cal: cal}
}

// BuildM1FromTicks reads ticks in [from, to), partitions them into minute
// buckets and writes one M1 candle per bucket that has at least one tick.
// Minutes without ticks yield no candle (the gap is left for the detector).
// Minutes at market-closed instants are skipped. Returns candles written.
func (b *Builder) BuildM1FromTicks(ctx context.Context, symbol string, from, to time.Time) (int, error) {
	ticks, err := b.store.ReadTicks(ctx, symbol, from, to)
	if err != nil {
		return 0, fmt.Errorf("build m1 %s: %w", symbol, err)
	}
	if len(ticks) == 0 {
		return 0, nil
	}

	class := model.ClassOf(symbol)
	var (
		candles []model.Candle
		current *model.Candle
	)
	flush := func() {
		if current != nil {
			candles = append(candles, *current)
			current = nil
		}
	}

	// Ticks come back ordered, so one pass groups by minute bucket.
	for _, t := range ticks {
		bucket := timeframe.M1.Align(t.TS)
		if !b.cal.IsOpen(class, bucket) {
			continue
		}
		if current != nil && !current.TS.Equal(bucket) {
			flush()
		}
		if current == nil {
			current = &model.Candle{
				Symbol:    symbol,
				Timeframe: timeframe.M1,
				TS:        bucket,
				Open:      t.Price,
				High:      t.Price,
				Low:       t.Price,
				Close:     t.Price,
				Volume:    t.Volume,
			}
			continue
		}
		if t.Price > current.High {
			current.High = t.Price
		}
		if t.Price < current.Low {
			current.Low = t.Price
		}
		current.Close = t.Price
		current.Volume += t.Volume
	}
	flush()

	written, err := b.store.UpsertCandles(ctx, candles)
	if err != nil {
		return 0, fmt.Errorf("build m1 %s: %w", symbol, err)
	}
	return written, nil
}

// RebuildCandle recomputes the single tf candle starting at bucketStart
// from the M1 candles inside its span: open of the first, max high, min
// low, close of the last, summed volume. No output is written when the
// span holds zero M1 candles. Returns the candle written, nil when none.
func (b *Builder) RebuildCandle(ctx context.Context, symbol string, tf timeframe.Timeframe, bucketStart time.Time) (*model.Candle, error) {
	bucketStart = tf.Align(bucketStart)
	m1s, err := b.store.ReadRange(ctx, symbol, timeframe.M1, bucketStart, bucketStart.Add(tf.Duration()))
	if err != nil {
		return nil, fmt.Errorf("rebuild %s %s: %w", symbol, tf, err)
	}
	if len(m1s) == 0 {
		return nil, nil
	}

	c := model.Candle{
		Symbol:    symbol,
		Timeframe: tf,
		TS:        bucketStart,
		Open:      m1s[0].Open,
		High:      m1s[0].High,
		Low:       m1s[0].Low,
		Close:     m1s[len(m1s)-1].Close,
		Spread:    m1s[len(m1s)-1].Spread,
	}
	for _, m := range m1s {
		if m.High > c.High {
			c.High = m.High
		}
		if m.Low < c.Low {
			c.Low = m.Low
		}
		c.Volume += m.Volume
	}

	if err := b.store.UpsertCandle(ctx, c); err != nil {
		return nil, fmt.Errorf("rebuild %s %s: %w", symbol, tf, err)
	}
	return &c, nil
}

// RebuildRange recomputes every tf bucket whose span intersects [from, to).
// Returns candles written.
func (b *Builder) RebuildRange(ctx context.Context, symbol string, tf timeframe.Timeframe, from, to time.Time) (int, error) {
	written := 0
	dur := tf.Duration()
	for bucket := tf.Align(from); bucket.Before(to); bucket = bucket.Add(dur) {
		if ctx.Err() != nil {
			return written, ctx.Err()
		}
		c, err := b.RebuildCandle(ctx, symbol, tf, bucket)
		if err != nil {
			return written, err
		}
		if c != nil {
			written++
		}
	}
	return written, nil
}

// RebuildHigherTimeframes recomputes all derived timeframes (M5→D1,
// ascending) over buckets intersecting [from, to). Order matters only in
// that every derived timeframe reads from M1.
func (b *Builder) RebuildHigherTimeframes(ctx context.Context, symbol string, from, to time.Time) error {
	return b.rebuildSet(ctx, symbol, timeframe.Derived(), from, to)
}

// RebuildAbove recomputes the timeframes strictly larger than tf over
// [from, to); used after a backfill lands candles at tf.
func (b *Builder) RebuildAbove(ctx context.Context, symbol string, tf timeframe.Timeframe, from, to time.Time) error {
	return b.rebuildSet(ctx, symbol, tf.Higher(), from, to)
}

func (b *Builder) rebuildSet(ctx context.Context, symbol string, tfs []timeframe.Timeframe, from, to time.Time) error {
	for _, tf := range tfs {
		n, err := b.RebuildRange(ctx, symbol, tf, from, to)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Printf("[builder] %s %s: rebuilt %d candles in [%s, %s)",
				symbol, tf, n, from.Format(time.RFC3339), to.Format(time.RFC3339))
		}
	}
	return nil
}
