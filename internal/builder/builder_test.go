package builder

import (
	"context"
	"testing"
	"time"

	"fxpipeline/internal/calendar"
	"fxpipeline/internal/model"
	"fxpipeline/internal/store/sqlite"
	"fxpipeline/internal/timeframe"

	"github.com/stretchr/testify/require"
)

func newBuilder(t *testing.T) (*Builder, *sqlite.Store) {
	t.Helper()
	s, err := sqlite.New(sqlite.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, calendar.New()), s
}

// 2025-02-12 is a Wednesday.
var wed = time.Date(2025, 2, 12, 0, 0, 0, 0, time.UTC)

func TestBuildM1FromTicks(t *testing.T) {
	bld, s := newBuilder(t)
	ctx := context.Background()

	minute := wed.Add(12*time.Hour + 34*time.Minute)
	_, err := s.InsertTicks(ctx, []model.Tick{
		{Symbol: "EURUSD", Price: 1.0800, Volume: 1, TS: minute.Add(10 * time.Second)},
		{Symbol: "EURUSD", Price: 1.0810, Volume: 1, TS: minute.Add(30 * time.Second)},
		{Symbol: "EURUSD", Price: 1.0790, Volume: 1, TS: minute.Add(50 * time.Second)},
	})
	require.NoError(t, err)

	n, err := bld.BuildM1FromTicks(ctx, "EURUSD", minute, minute.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := s.ReadRange(ctx, "EURUSD", timeframe.M1, minute, minute.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)

	c := got[0]
	require.Equal(t, 1.0800, c.Open)
	require.Equal(t, 1.0810, c.High)
	require.Equal(t, 1.0790, c.Low)
	require.Equal(t, 1.0790, c.Close)
	require.Equal(t, 3.0, c.Volume)
}

func TestBuildM1FromTicksIsIdempotent(t *testing.T) {
	bld, s := newBuilder(t)
	ctx := context.Background()

	minute := wed.Add(12*time.Hour + 34*time.Minute)
	_, err := s.InsertTicks(ctx, []model.Tick{
		{Symbol: "EURUSD", Price: 1.0800, Volume: 1, TS: minute.Add(10 * time.Second)},
		{Symbol: "EURUSD", Price: 1.0810, Volume: 1, TS: minute.Add(30 * time.Second)},
		{Symbol: "EURUSD", Price: 1.0790, Volume: 1, TS: minute.Add(50 * time.Second)},
	})
	require.NoError(t, err)

	_, err = bld.BuildM1FromTicks(ctx, "EURUSD", minute, minute.Add(time.Minute))
	require.NoError(t, err)
	_, err = bld.BuildM1FromTicks(ctx, "EURUSD", minute, minute.Add(time.Minute))
	require.NoError(t, err)

	got, err := s.ReadRange(ctx, "EURUSD", timeframe.M1, minute, minute.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	// Running twice leaves the store unchanged, volume included.
	require.Equal(t, 3.0, got[0].Volume)
	require.Equal(t, 1.0790, got[0].Close)
}

func TestBuildM1SkipsEmptyAndClosedMinutes(t *testing.T) {
	bld, s := newBuilder(t)
	ctx := context.Background()

	open := wed.Add(10 * time.Hour)
	sat := time.Date(2025, 2, 15, 12, 0, 0, 0, time.UTC)
	_, err := s.InsertTicks(ctx, []model.Tick{
		{Symbol: "EURUSD", Price: 1.08, Volume: 1, TS: open.Add(5 * time.Second)},
		// Minute open+1m has no ticks at all.
		{Symbol: "EURUSD", Price: 1.09, Volume: 1, TS: open.Add(2*time.Minute + 5*time.Second)},
		// Saturday tick: market closed, no candle.
		{Symbol: "EURUSD", Price: 1.10, Volume: 1, TS: sat},
	})
	require.NoError(t, err)

	n, err := bld.BuildM1FromTicks(ctx, "EURUSD", open, sat.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	got, err := s.ReadRange(ctx, "EURUSD", timeframe.M1, open, sat.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, open, got[0].TS)
	require.Equal(t, open.Add(2*time.Minute), got[1].TS)
}

func seedHourOfM1(t *testing.T, s *sqlite.Store, start time.Time) {
	t.Helper()
	for i := 0; i < 60; i++ {
		// Close rises linearly 1.10 → 1.16 across the hour.
		closeP := 1.10 + 0.06*float64(i)/59
		openP := closeP - 0.0005
		err := s.UpsertCandle(context.Background(), model.Candle{
			Symbol:    "EURUSD",
			Timeframe: timeframe.M1,
			TS:        start.Add(time.Duration(i) * time.Minute),
			Open:      openP,
			High:      closeP + 0.0002,
			Low:       openP - 0.0002,
			Close:     closeP,
			Volume:    2,
		})
		require.NoError(t, err)
	}
}

func TestRebuildCandleH1(t *testing.T) {
	bld, s := newBuilder(t)
	ctx := context.Background()

	start := wed.Add(9 * time.Hour)
	seedHourOfM1(t, s, start)

	c, err := bld.RebuildCandle(ctx, "EURUSD", timeframe.H1, start)
	require.NoError(t, err)
	require.NotNil(t, c)

	require.Equal(t, start, c.TS)
	require.Equal(t, timeframe.H1, c.Timeframe)
	require.InDelta(t, 1.0995, c.Open, 1e-9, "open of the first M1")
	require.InDelta(t, 1.1602, c.High, 1e-9, "max high")
	require.InDelta(t, 1.0993, c.Low, 1e-9, "min low")
	require.InDelta(t, 1.16, c.Close, 1e-9, "close of the last M1")
	require.Equal(t, 120.0, c.Volume, "summed volume")
}

func TestRebuildCandleEmptySpan(t *testing.T) {
	bld, _ := newBuilder(t)
	c, err := bld.RebuildCandle(context.Background(), "EURUSD", timeframe.H1, wed.Add(9*time.Hour))
	require.NoError(t, err)
	require.Nil(t, c)
}

func TestRebuildRoundTripIsFixedPoint(t *testing.T) {
	bld, s := newBuilder(t)
	ctx := context.Background()

	start := wed.Add(9 * time.Hour)
	seedHourOfM1(t, s, start)

	first, err := bld.RebuildCandle(ctx, "EURUSD", timeframe.H1, start)
	require.NoError(t, err)
	second, err := bld.RebuildCandle(ctx, "EURUSD", timeframe.H1, start)
	require.NoError(t, err)
	require.Equal(t, first, second)

	stored, err := s.ReadRange(ctx, "EURUSD", timeframe.H1, start, start.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.True(t, stored[0].Equal(*first))
}

func TestRebuildHigherTimeframes(t *testing.T) {
	bld, s := newBuilder(t)
	ctx := context.Background()

	start := wed.Add(8 * time.Hour)
	seedHourOfM1(t, s, start)

	require.NoError(t, bld.RebuildHigherTimeframes(ctx, "EURUSD", start, start.Add(time.Hour)))

	for _, tf := range []timeframe.Timeframe{timeframe.M5, timeframe.M15, timeframe.H1} {
		got, err := s.ReadRange(ctx, "EURUSD", tf, start, start.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, got, int(time.Hour/tf.Duration()), "tf=%s", tf)
	}

	// H4 and D1 buckets containing the hour exist too.
	h4, err := s.ReadRange(ctx, "EURUSD", timeframe.H4, timeframe.H4.Align(start), timeframe.H4.Align(start).Add(4*time.Hour))
	require.NoError(t, err)
	require.Len(t, h4, 1)
	require.Equal(t, 120.0, h4[0].Volume)
}

func TestRebuildAboveSkipsLowerTimeframes(t *testing.T) {
	bld, s := newBuilder(t)
	ctx := context.Background()

	start := wed.Add(9 * time.Hour)
	seedHourOfM1(t, s, start)

	require.NoError(t, bld.RebuildAbove(ctx, "EURUSD", timeframe.H1, start, start.Add(time.Hour)))

	// Nothing below H1's span was produced.
	m5, err := s.ReadRange(ctx, "EURUSD", timeframe.M5, start, start.Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, m5)

	h4, err := s.ReadRange(ctx, "EURUSD", timeframe.H4, timeframe.H4.Align(start), timeframe.H4.Align(start).Add(4*time.Hour))
	require.NoError(t, err)
	require.Len(t, h4, 1)
}
