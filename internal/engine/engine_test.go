package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fxpipeline/internal/builder"
	"fxpipeline/internal/calendar"
	"fxpipeline/internal/gapdetect"
	"fxpipeline/internal/model"
	"fxpipeline/internal/store/sqlite"
	"fxpipeline/internal/timeframe"

	"github.com/stretchr/testify/require"
)

// scriptedProvider fails the first `failures` calls with a transient
// rate-limit error, then returns its candles.
type scriptedProvider struct {
	mu       sync.Mutex
	failures int
	calls    int
	candles  []model.Candle
}

func (p *scriptedProvider) Fetch(ctx context.Context, symbol string, tf timeframe.Timeframe, from, to time.Time) ([]model.Candle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failures {
		return nil, &model.Error{Kind: model.KindTransient, Err: errors.New("provider rate limited (429)")}
	}
	return p.candles, nil
}

func newEngine(t *testing.T, prov model.HistoricalProvider) (*Engine, *sqlite.Store) {
	t.Helper()
	s, err := sqlite.New(sqlite.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	// No backoff delay so retries are leaseable immediately.
	s.Backoff = func(int, time.Duration) time.Duration { return 0 }

	cal := calendar.New()
	eng := New(Config{WorkerCount: 1}, s, prov, gapdetect.New(s, cal), builder.New(s, cal))
	return eng, s
}

func m1Candles(symbol string, start time.Time, n int) []model.Candle {
	candles := make([]model.Candle, 0, n)
	for i := 0; i < n; i++ {
		price := 1.08 + float64(i)*0.0001
		candles = append(candles, model.Candle{
			Symbol:    symbol,
			Timeframe: timeframe.M1,
			TS:        start.Add(time.Duration(i) * time.Minute),
			Open:      price,
			High:      price + 0.0003,
			Low:       price - 0.0003,
			Close:     price + 0.0001,
			Volume:    5,
		})
	}
	return candles
}

// 2025-02-12 is a Wednesday.
var gapStart = time.Date(2025, 2, 12, 10, 0, 0, 0, time.UTC)

func drain(t *testing.T, eng *Engine) int {
	t.Helper()
	processed := 0
	for {
		ok, err := eng.ProcessNext(context.Background(), "test-worker")
		require.NoError(t, err)
		if !ok {
			return processed
		}
		processed++
	}
}

func TestBackfillRetriesThenCompletes(t *testing.T) {
	prov := &scriptedProvider{
		failures: 3,
		candles:  m1Candles("EURUSD", gapStart, 5),
	}
	eng, s := newEngine(t, prov)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, model.BackfillJob{
		Symbol:    "EURUSD",
		Timeframe: timeframe.M1,
		GapStart:  gapStart,
		GapEnd:    gapStart.Add(5 * time.Minute),
		Priority:  PrioritySweep,
	})
	require.NoError(t, err)

	attempts := drain(t, eng)
	require.Equal(t, 4, attempts, "three 429s then success")

	final, err := s.Job(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, final.Status)
	require.Equal(t, 4, final.Attempts)

	stored, err := s.ReadRange(ctx, "EURUSD", timeframe.M1, gapStart, gapStart.Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, stored, 5)
}

func TestBackfillExhaustsAttempts(t *testing.T) {
	prov := &scriptedProvider{failures: 100}
	eng, s := newEngine(t, prov)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, model.BackfillJob{
		Symbol:    "EURUSD",
		Timeframe: timeframe.M1,
		GapStart:  gapStart,
		GapEnd:    gapStart.Add(5 * time.Minute),
	})
	require.NoError(t, err)

	attempts := drain(t, eng)
	require.Equal(t, s.MaxAttempts, attempts)

	final, err := s.Job(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, final.Status)
}

func TestBackfillPermanentFailureStopsImmediately(t *testing.T) {
	prov := &permanentProvider{}
	eng, s := newEngine(t, prov)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, model.BackfillJob{
		Symbol:    "EURUSD",
		Timeframe: timeframe.M1,
		GapStart:  gapStart,
		GapEnd:    gapStart.Add(5 * time.Minute),
	})
	require.NoError(t, err)

	attempts := drain(t, eng)
	require.Equal(t, 1, attempts)

	final, err := s.Job(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, final.Status)
	require.Contains(t, final.LastError, "404")
}

type permanentProvider struct{}

func (permanentProvider) Fetch(context.Context, string, timeframe.Timeframe, time.Time, time.Time) ([]model.Candle, error) {
	return nil, model.Permanent(errors.New("provider 404: unknown symbol"))
}

func TestBackfillRebuildsHigherTimeframes(t *testing.T) {
	prov := &scriptedProvider{candles: m1Candles("EURUSD", gapStart, 60)}
	eng, s := newEngine(t, prov)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, model.BackfillJob{
		Symbol:    "EURUSD",
		Timeframe: timeframe.M1,
		GapStart:  gapStart,
		GapEnd:    gapStart.Add(time.Hour),
	})
	require.NoError(t, err)
	drain(t, eng)

	h1, err := s.ReadRange(ctx, "EURUSD", timeframe.H1, gapStart, gapStart.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, h1, 1)
	require.Equal(t, 300.0, h1[0].Volume)

	m5, err := s.ReadRange(ctx, "EURUSD", timeframe.M5, gapStart, gapStart.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, m5, 12)
}

func TestDegenerateRepairEndToEnd(t *testing.T) {
	// Degenerate candles inside the trailing-day window the repair scans.
	base := timeframe.M1.Align(time.Now().UTC().Add(-2 * time.Hour))

	real := m1Candles("GBPUSD", base, 10)
	prov := &scriptedProvider{candles: real}
	eng, s := newEngine(t, prov)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, s.UpsertCandle(ctx, model.Candle{
			Symbol:    "GBPUSD",
			Timeframe: timeframe.M1,
			TS:        base.Add(time.Duration(i) * time.Minute),
			Open:      1.25, High: 1.25, Low: 1.25, Close: 1.25,
		}))
	}

	repair, err := eng.detector.DegenerateRepairJob(ctx, "GBPUSD", timeframe.M1, 1)
	require.NoError(t, err)
	require.NotNil(t, repair)
	require.Equal(t, base, repair.GapStart)
	require.Equal(t, base.Add(10*time.Minute), repair.GapEnd)

	_, err = s.Enqueue(ctx, *repair)
	require.NoError(t, err)
	drain(t, eng)

	deg, err := s.FindDegenerate(ctx, "GBPUSD", timeframe.M1, base, base.Add(10*time.Minute))
	require.NoError(t, err)
	require.Empty(t, deg, "repair replaced every degenerate candle")

	stored, err := s.ReadRange(ctx, "GBPUSD", timeframe.M1, base, base.Add(10*time.Minute))
	require.NoError(t, err)
	require.Len(t, stored, 10)
	require.False(t, stored[0].Degenerate())
}

func TestDeepCheckRepairsDerivedTimeframes(t *testing.T) {
	s, err := sqlite.New(sqlite.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	s.Backoff = func(int, time.Duration) time.Duration { return 0 }

	cal := calendar.New()
	eng := New(Config{WorkerCount: 1, Symbols: []string{"EURUSD"}},
		s, &scriptedProvider{}, gapdetect.New(s, cal), builder.New(s, cal))
	ctx := context.Background()

	// A fully-stored M1 hour inside the deep-check window, topped by a
	// flat H1 bar left behind by an earlier partial rebuild.
	base := timeframe.H1.Align(time.Now().UTC().Add(-3 * time.Hour))
	for _, c := range m1Candles("EURUSD", base, 60) {
		require.NoError(t, s.UpsertCandle(ctx, c))
	}
	require.NoError(t, s.UpsertCandle(ctx, model.Candle{
		Symbol:    "EURUSD",
		Timeframe: timeframe.H1,
		TS:        base,
		Open:      1.08, High: 1.08, Low: 1.08, Close: 1.08,
	}))

	eng.DeepCheck(ctx)

	h1, err := s.ReadRange(ctx, "EURUSD", timeframe.H1, base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, h1, 1)
	require.False(t, h1[0].Degenerate(), "flat H1 bar rebuilt from M1")
	require.Equal(t, 300.0, h1[0].Volume)

	// The derived timeframe was integrity-checked and recorded too.
	date := time.Now().UTC().Format("2006-01-02")
	rec, err := s.ReadIntegrity(ctx, "EURUSD", string(timeframe.H1), date)
	require.NoError(t, err)
	require.NotNil(t, rec)
}

func TestProcessNextOnEmptyQueue(t *testing.T) {
	eng, _ := newEngine(t, &scriptedProvider{})
	ok, err := eng.ProcessNext(context.Background(), "w1")
	require.NoError(t, err)
	require.False(t, ok)
}
