package sqlite

import (
	"context"
	"testing"
	"time"

	"fxpipeline/internal/model"
	"fxpipeline/internal/timeframe"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func candle(symbol string, tf timeframe.Timeframe, ts time.Time, o, h, l, c, v float64) model.Candle {
	return model.Candle{
		Symbol: symbol, Timeframe: tf, TS: ts,
		Open: o, High: h, Low: l, Close: c, Volume: v,
	}
}

var t0 = time.Date(2025, 2, 12, 10, 0, 0, 0, time.UTC)

func TestUpsertCandleInsertAndRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := candle("EURUSD", timeframe.M1, t0, 1.08, 1.081, 1.079, 1.0805, 10)
	require.NoError(t, s.UpsertCandle(ctx, c))

	got, err := s.ReadRange(ctx, "EURUSD", timeframe.M1, t0, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, c, got[0])
}

func TestUpsertCandleMergeRules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := candle("EURUSD", timeframe.M1, t0, 1.0800, 1.0810, 1.0790, 1.0805, 10)
	require.NoError(t, s.UpsertCandle(ctx, first))

	// Second write: open kept, high widened, low narrowed, close
	// overwritten, volume summed.
	second := candle("EURUSD", timeframe.M1, t0, 1.0900, 1.0920, 1.0795, 1.0815, 5)
	require.NoError(t, s.UpsertCandle(ctx, second))

	got, err := s.ReadRange(ctx, "EURUSD", timeframe.M1, t0, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)

	merged := got[0]
	require.Equal(t, 1.0800, merged.Open, "open kept")
	require.Equal(t, 1.0920, merged.High, "high widened")
	require.Equal(t, 1.0790, merged.Low, "low narrowed")
	require.Equal(t, 1.0815, merged.Close, "close overwritten")
	require.Equal(t, 15.0, merged.Volume, "volume summed")
}

func TestUpsertCandleIdenticalRewriteIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := candle("EURUSD", timeframe.M1, t0, 1.08, 1.081, 1.079, 1.0805, 10)
	require.NoError(t, s.UpsertCandle(ctx, c))
	require.NoError(t, s.UpsertCandle(ctx, c))

	got, err := s.ReadRange(ctx, "EURUSD", timeframe.M1, t0, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	// Volume must not double on an identical rewrite.
	require.Equal(t, 10.0, got[0].Volume)
}

func TestUpsertCandleReplacesDegenerate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	deg := candle("GBPUSD", timeframe.M1, t0, 1.25, 1.25, 1.25, 1.25, 0)
	require.NoError(t, s.UpsertCandle(ctx, deg))

	real := candle("GBPUSD", timeframe.M1, t0, 1.2490, 1.2520, 1.2480, 1.2510, 30)
	require.NoError(t, s.UpsertCandle(ctx, real))

	got, err := s.ReadRange(ctx, "GBPUSD", timeframe.M1, t0, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	// Full replacement, not a merge: open and volume are the new values.
	require.Equal(t, real, got[0])
}

func TestUpsertCandleRejectsInvariantViolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bad := candle("EURUSD", timeframe.M1, t0, 1.08, 1.07, 1.09, 1.08, 1) // low > high
	err := s.UpsertCandle(ctx, bad)
	require.Error(t, err)
	require.Equal(t, model.KindInvariant, model.KindOf(err))

	got, err := s.ReadRange(ctx, "EURUSD", timeframe.M1, t0, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestUpsertCandlesDropsInvalidKeepsRest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batch := []model.Candle{
		candle("EURUSD", timeframe.M1, t0, 1.08, 1.081, 1.079, 1.0805, 1),
		candle("EURUSD", timeframe.M1, t0.Add(time.Minute), 1.08, 1.07, 1.09, 1.08, 1), // invalid
		candle("EURUSD", timeframe.M1, t0.Add(2*time.Minute), 1.081, 1.082, 1.080, 1.0815, 2),
	}
	n, err := s.UpsertCandles(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	got, err := s.ReadRange(ctx, "EURUSD", timeframe.M1, t0, t0.Add(3*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestLatestTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LatestTimestamp(ctx, "EURUSD", timeframe.M1)
	require.NoError(t, err)
	require.False(t, ok)

	for i := 0; i < 3; i++ {
		ts := t0.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.UpsertCandle(ctx, candle("EURUSD", timeframe.M1, ts, 1, 1, 1, 1, 0)))
	}
	latest, ok, err := s.LatestTimestamp(ctx, "EURUSD", timeframe.M1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, t0.Add(2*time.Minute), latest)
}

func TestFindDegenerate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertCandle(ctx, candle("EURUSD", timeframe.M1, t0, 1.08, 1.08, 1.08, 1.08, 0)))
	require.NoError(t, s.UpsertCandle(ctx, candle("EURUSD", timeframe.M1, t0.Add(time.Minute), 1.08, 1.081, 1.079, 1.0805, 1)))

	deg, err := s.FindDegenerate(ctx, "EURUSD", timeframe.M1, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, deg, 1)
	require.Equal(t, t0, deg[0].TS)

	n, err := s.CountDegenerate(ctx, "EURUSD", timeframe.M1, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestInsertTicksIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ticks := []model.Tick{
		{Symbol: "EURUSD", Price: 1.0800, Volume: 1, TS: t0.Add(10 * time.Second)},
		{Symbol: "EURUSD", Price: 1.0810, Volume: 1, TS: t0.Add(30 * time.Second)},
	}
	n, err := s.InsertTicks(ctx, ticks)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// Re-inserting the same batch inserts nothing.
	n, err = s.InsertTicks(ctx, ticks)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	got, err := s.ReadTicks(ctx, "EURUSD", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, 1.0800, got[0].Price)
}

func TestTickMillisecondKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Two ticks within the same second stay distinct.
	ticks := []model.Tick{
		{Symbol: "EURUSD", Price: 1.0800, TS: t0.Add(100 * time.Millisecond)},
		{Symbol: "EURUSD", Price: 1.0801, TS: t0.Add(700 * time.Millisecond)},
	}
	n, err := s.InsertTicks(ctx, ticks)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestPruneTicks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertTicks(ctx, []model.Tick{
		{Symbol: "EURUSD", Price: 1.08, TS: t0},
		{Symbol: "EURUSD", Price: 1.09, TS: t0.Add(time.Hour)},
	})
	require.NoError(t, err)

	deleted, err := s.PruneTicks(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	left, err := s.ReadTicks(ctx, "EURUSD", t0, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, left, 1)
	require.Equal(t, 1.09, left[0].Price)
}

func TestCountTicksSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertTicks(ctx, []model.Tick{
		{Symbol: "EURUSD", Price: 1.08, TS: t0},
		{Symbol: "EURUSD", Price: 1.09, TS: t0.Add(4 * time.Minute)},
		{Symbol: "GBPUSD", Price: 1.25, TS: t0.Add(4 * time.Minute)},
	})
	require.NoError(t, err)

	n, err := s.CountTicksSince(ctx, "EURUSD", t0.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestIntegrityRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := model.IntegrityRecord{
		Symbol: "EURUSD", Timeframe: timeframe.M1, Date: "2025-02-12",
		Expected: 1440, Actual: 1435, Missing: 5,
		LastChecked: t0, Status: model.IntegrityGaps,
	}
	require.NoError(t, s.UpsertIntegrity(ctx, rec))

	got, err := s.ReadIntegrity(ctx, "EURUSD", "M1", "2025-02-12")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, 5, got.Missing)
	require.Equal(t, model.IntegrityGaps, got.Status)

	// Re-check overwrites the same (symbol, timeframe, date) row.
	rec.Missing, rec.Actual, rec.Status = 0, 1440, model.IntegrityOK
	require.NoError(t, s.UpsertIntegrity(ctx, rec))
	got, err = s.ReadIntegrity(ctx, "EURUSD", "M1", "2025-02-12")
	require.NoError(t, err)
	require.Equal(t, model.IntegrityOK, got.Status)

	missing, err := s.ReadIntegrity(ctx, "EURUSD", "M1", "1999-01-01")
	require.NoError(t, err)
	require.Nil(t, missing)
}
