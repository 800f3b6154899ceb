package health

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

func newMonitor(t *testing.T, symbols []string) (*Monitor, *sqlite.Store) {
	t.Helper()
	s, err := sqlite.New(sqlite.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, calendar.New(), symbols, DefaultThresholds()), s
}

// A Wednesday mid-session instant keeps the market-open checks active.
var probeNow = time.Date(2025, 2, 12, 10, 10, 0, 0, time.UTC)

func TestCollectHealthyInstrument(t *testing.T) {
	m, s := newMonitor(t, []string{"EURUSD"})
	m.Now = func() time.Time { return probeNow }
	ctx := context.Background()

	// Fresh M1 data and a live tick rate.
	for i := 0; i < 1440; i++ {
		ts := probeNow.Add(-time.Duration(i+1) * time.Minute)
		require.NoError(t, s.UpsertCandle(ctx, model.Candle{
			Symbol: "EURUSD", Timeframe: timeframe.M1, TS: timeframe.M1.Align(ts),
			Open: 1.08, High: 1.081, Low: 1.079, Close: 1.0805, Volume: 1,
		}))
	}
	var ticks []model.Tick
	for i := 0; i < 60; i++ {
		ticks = append(ticks, model.Tick{
			Symbol: "EURUSD", Price: 1.08,
			TS: probeNow.Add(-time.Duration(i) * 4 * time.Second),
		})
	}
	_, err := s.InsertTicks(ctx, ticks)
	require.NoError(t, err)

	snap, err := m.Collect(ctx)
	require.NoError(t, err)
	require.Equal(t, "healthy", snap.Status)
	require.Empty(t, snap.Alerts)

	require.Len(t, snap.Instruments, 1)
	ih := snap.Instruments[0]
	require.True(t, ih.MarketOpen)
	require.InDelta(t, 60.0, ih.DataAgeSec, 1)
	require.GreaterOrEqual(t, ih.TickRate, 10.0)
	require.Same(t, snap, m.Latest())
}

func TestCollectStaleDataAlerts(t *testing.T) {
	m, s := newMonitor(t, []string{"EURUSD"})
	m.Now = func() time.Time { return probeNow }
	ctx := context.Background()

	// Latest M1 is half an hour old; no ticks at all.
	require.NoError(t, s.UpsertCandle(ctx, model.Candle{
		Symbol: "EURUSD", Timeframe: timeframe.M1,
		TS:   probeNow.Add(-30 * time.Minute),
		Open: 1.08, High: 1.081, Low: 1.079, Close: 1.0805, Volume: 1,
	}))

	snap, err := m.Collect(ctx)
	require.NoError(t, err)
	require.Equal(t, "degraded", snap.Status)
	require.NotEmpty(t, snap.Alerts)
}

func TestCollectNoAlertsWhileMarketClosed(t *testing.T) {
	m, _ := newMonitor(t, []string{"EURUSD"})
	// Saturday noon: stale data is expected, not alertable.
	m.Now = func() time.Time { return time.Date(2025, 2, 15, 12, 0, 0, 0, time.UTC) }

	snap, err := m.Collect(context.Background())
	require.NoError(t, err)
	require.False(t, snap.Instruments[0].MarketOpen)
	require.Equal(t, calendar.Forex, snap.Instruments[0].Class)
	require.Equal(t, time.Date(2025, 2, 16, 22, 0, 0, 0, time.UTC), snap.Instruments[0].NextOpen)

	for _, alert := range snap.Alerts {
		require.NotContains(t, alert, "tick rate")
		require.NotContains(t, alert, "latest M1")
	}
}

func TestCollectQueueAlerts(t *testing.T) {
	m, s := newMonitor(t, nil)
	m.Now = func() time.Time { return probeNow }
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		start := probeNow.Add(time.Duration(i*2) * time.Hour)
		_, err := s.Enqueue(ctx, model.BackfillJob{
			Symbol:    "EURUSD",
			Timeframe: timeframe.M1,
			GapStart:  start,
			GapEnd:    start.Add(time.Hour),
		})
		require.NoError(t, err)
	}

	snap, err := m.Collect(ctx)
	require.NoError(t, err)
	require.Equal(t, "degraded", snap.Status)
	require.Equal(t, 60, snap.Queue[model.JobPending])
	require.Contains(t, snap.Alerts[0], "pending")
}
