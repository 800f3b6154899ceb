package model

import (
	"context"
	"time"

	"fxpipeline/internal/timeframe"
)

// ── Port Interfaces ──
// These interfaces decouple the integrity engine from concrete
// implementations (SQLite store, HTTP provider). Each implementation
// satisfies one or more of these.

// CandleStore provides idempotent candle upserts and range reads.
type CandleStore interface {
	// UpsertCandle writes one candle atomically. On key conflict the
	// stored candle is merged: high widened, low narrowed, open kept,
	// close overwritten, volume summed; a fully-formed incoming candle
	// replaces a stored degenerate one outright. Candles violating the
	// stored-candle invariants are rejected with an InvariantViolation.
	UpsertCandle(ctx context.Context, c Candle) error

	// UpsertCandles writes a batch, dropping (and counting) invalid
	// candles instead of aborting. Returns the number written.
	UpsertCandles(ctx context.Context, candles []Candle) (int, error)

	// ReadRange returns candles in [from, to) ordered by timestamp.
	ReadRange(ctx context.Context, symbol string, tf timeframe.Timeframe, from, to time.Time) ([]Candle, error)

	// LatestTimestamp returns the newest stored bucket start, or ok=false
	// when no candles exist.
	LatestTimestamp(ctx context.Context, symbol string, tf timeframe.Timeframe) (ts time.Time, ok bool, err error)

	// FindDegenerate returns candles in [from, to) with open=high=low=close.
	FindDegenerate(ctx context.Context, symbol string, tf timeframe.Timeframe, from, to time.Time) ([]Candle, error)

	// CountCandles counts stored candles in [from, to).
	CountCandles(ctx context.Context, symbol string, tf timeframe.Timeframe, from, to time.Time) (int, error)
}

// TickStore provides insert-only tick persistence with retention pruning.
type TickStore interface {
	// InsertTicks inserts a batch idempotently (duplicate keys ignored).
	// Returns the number of newly inserted rows.
	InsertTicks(ctx context.Context, ticks []Tick) (int, error)

	// ReadTicks returns ticks in [from, to) ordered by timestamp.
	ReadTicks(ctx context.Context, symbol string, from, to time.Time) ([]Tick, error)

	// PruneTicks deletes ticks older than before. Returns rows deleted.
	PruneTicks(ctx context.Context, before time.Time) (int64, error)
}

// JobQueue is the durable FIFO-with-priority backfill queue.
type JobQueue interface {
	// Enqueue inserts a job, or merges it into an existing non-terminal
	// job for the same symbol/timeframe with an overlapping window
	// (raising priority, extending the window). Returns the stored job.
	Enqueue(ctx context.Context, job BackfillJob) (BackfillJob, error)

	// LeaseNext atomically claims the highest-priority ready job
	// (tie-break oldest created_at), marks it processing, sets its lease
	// and increments attempts. Returns nil when no job is ready.
	LeaseNext(ctx context.Context, workerID string, ttl time.Duration) (*BackfillJob, error)

	// Complete marks a job completed.
	Complete(ctx context.Context, id string) error

	// Fail records jobErr against the job. Transient failures under the
	// attempt limit re-queue with exponential full-jitter backoff;
	// permanent failures and exhausted attempts mark the job failed.
	Fail(ctx context.Context, id string, jobErr error) error

	// Reap returns expired leases to pending. Returns jobs reclaimed.
	Reap(ctx context.Context) (int, error)

	// StatusCounts returns the number of jobs per status.
	StatusCounts(ctx context.Context) (map[JobStatus]int, error)
}

// HistoricalProvider fetches OHLCV candles from the external source.
type HistoricalProvider interface {
	// Fetch returns candles for [from, to) aligned to tf. May return
	// fewer candles than expected when the provider has gaps of its own;
	// an empty result is not an error.
	Fetch(ctx context.Context, symbol string, tf timeframe.Timeframe, from, to time.Time) ([]Candle, error)
}

// IntegrityStore persists integrity check outcomes and health metrics.
type IntegrityStore interface {
	// UpsertIntegrity writes the record keyed by (symbol, timeframe, date).
	UpsertIntegrity(ctx context.Context, rec IntegrityRecord) error

	// InsertHealthMetrics appends points to the health series.
	InsertHealthMetrics(ctx context.Context, metrics []HealthMetric) error
}
