// Package sqlite implements the relational store behind the pipeline:
// candles, ticks, the durable backfill queue, integrity records and the
// health metric series. A single Store value satisfies all the port
// interfaces in internal/model.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"fxpipeline/internal/model"
	"fxpipeline/internal/timeframe"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// Config configures the SQLite store.
type Config struct {
	Path string // path to the database file, e.g. "data/market.db"
}

// Store is the SQLite-backed market data store. Connections are capped at
// one so every write is serialized; per-candle upserts run in their own
// transaction, which gives the atomic-per-key guarantee.
type Store struct {
	db *sql.DB

	// MaxAttempts bounds job retries before a job is marked failed.
	MaxAttempts int

	// Backoff computes the retry delay after a failed attempt.
	// Overridable for tests; defaults to exponential with full jitter
	// capped at 60s.
	Backoff func(attempt int, retryAfter time.Duration) time.Duration
}

// DB returns the underlying sql.DB for health probes.
func (s *Store) DB() *sql.DB { return s.db }

// New opens (creating if necessary) the database with WAL mode and the
// pipeline schema.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.Path)
	return &Store{
		db:          db,
		MaxAttempts: 5,
		Backoff:     fullJitterBackoff,
	}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS market_data (
			symbol    TEXT    NOT NULL,
			timeframe TEXT    NOT NULL,
			timestamp INTEGER NOT NULL,
			open      REAL    NOT NULL,
			high      REAL    NOT NULL,
			low       REAL    NOT NULL,
			close     REAL    NOT NULL,
			volume    REAL    NOT NULL DEFAULT 0,
			spread    REAL,
			PRIMARY KEY (symbol, timeframe, timestamp)
		);

		CREATE TABLE IF NOT EXISTS ticks (
			symbol    TEXT    NOT NULL,
			timestamp INTEGER NOT NULL,
			price     REAL    NOT NULL,
			volume    REAL    NOT NULL DEFAULT 0,
			PRIMARY KEY (symbol, timestamp)
		);

		CREATE TABLE IF NOT EXISTS backfill_queue (
			id            TEXT PRIMARY KEY,
			symbol        TEXT    NOT NULL,
			timeframe     TEXT    NOT NULL,
			gap_start     INTEGER NOT NULL,
			gap_end       INTEGER NOT NULL,
			priority      INTEGER NOT NULL DEFAULT 0,
			status        TEXT    NOT NULL DEFAULT 'pending',
			attempts      INTEGER NOT NULL DEFAULT 0,
			error_message TEXT    NOT NULL DEFAULT '',
			created_at    INTEGER NOT NULL,
			leased_until  INTEGER,
			not_before    INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_backfill_ready
			ON backfill_queue (status, priority DESC, created_at);

		CREATE TABLE IF NOT EXISTS data_integrity (
			symbol             TEXT    NOT NULL,
			timeframe          TEXT    NOT NULL,
			date               TEXT    NOT NULL,
			expected_candles   INTEGER NOT NULL,
			actual_candles     INTEGER NOT NULL,
			missing_candles    INTEGER NOT NULL,
			incomplete_candles INTEGER NOT NULL,
			last_checked       INTEGER NOT NULL,
			status             TEXT    NOT NULL,
			PRIMARY KEY (symbol, timeframe, date)
		);

		CREATE TABLE IF NOT EXISTS health_metrics (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			metric_name  TEXT NOT NULL,
			metric_value REAL NOT NULL,
			symbol       TEXT,
			timeframe    TEXT,
			recorded_at  INTEGER NOT NULL
		);
	`)
	return err
}

// ── Candles ──

// UpsertCandle writes one candle atomically, applying the merge rules on
// key conflict: keep open, widen high, narrow low, overwrite close, sum
// volume. A fully-formed candle replaces a stored degenerate one outright,
// and re-writing an identical candle is a no-op (rebuilds stay idempotent).
func (s *Store) UpsertCandle(ctx context.Context, c model.Candle) error {
	if err := c.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	if err := upsertCandleTx(ctx, tx, c); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func upsertCandleTx(ctx context.Context, tx *sql.Tx, c model.Candle) error {
	old := model.Candle{Symbol: c.Symbol, Timeframe: c.Timeframe, TS: c.TS}
	var spread sql.NullFloat64
	err := tx.QueryRowContext(ctx, `
		SELECT open, high, low, close, volume, spread
		FROM market_data
		WHERE symbol = ? AND timeframe = ? AND timestamp = ?
	`, c.Symbol, string(c.Timeframe), c.TS.Unix()).
		Scan(&old.Open, &old.High, &old.Low, &old.Close, &old.Volume, &spread)

	merged := c
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// First write for this key.
	case err != nil:
		return fmt.Errorf("sqlite select candle: %w", err)
	default:
		old.Spread = spread.Float64
		if c.Equal(old) {
			return nil
		}
		if old.Degenerate() && !c.Degenerate() {
			// Fully-formed candle repairs a degenerate one: replace all fields.
		} else {
			merged.Open = old.Open
			if old.High > merged.High {
				merged.High = old.High
			}
			if old.Low < merged.Low {
				merged.Low = old.Low
			}
			merged.Close = c.Close
			merged.Volume = old.Volume + c.Volume
			if merged.Spread == 0 {
				merged.Spread = old.Spread
			}
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO market_data
			(symbol, timeframe, timestamp, open, high, low, close, volume, spread)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, merged.Symbol, string(merged.Timeframe), merged.TS.Unix(),
		merged.Open, merged.High, merged.Low, merged.Close, merged.Volume, merged.Spread)
	if err != nil {
		return fmt.Errorf("sqlite upsert candle: %w", err)
	}
	return nil
}

// UpsertCandles writes a batch in one transaction. Candles violating the
// stored-candle invariants are dropped and logged; the rest of the batch
// continues. Returns the number of candles written.
func (s *Store) UpsertCandles(ctx context.Context, candles []model.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite begin: %w", err)
	}

	written := 0
	for _, c := range candles {
		if err := c.Validate(); err != nil {
			log.Printf("[sqlite] dropping invalid candle: %v", err)
			continue
		}
		if err := upsertCandleTx(ctx, tx, c); err != nil {
			tx.Rollback()
			return 0, err
		}
		written++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return written, nil
}

// ReadRange returns candles for [from, to) ordered by timestamp ascending.
func (s *Store) ReadRange(ctx context.Context, symbol string, tf timeframe.Timeframe, from, to time.Time) ([]model.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, timeframe, timestamp, open, high, low, close, volume, spread
		FROM market_data
		WHERE symbol = ? AND timeframe = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp ASC
	`, symbol, string(tf), from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("sqlite query candles: %w", err)
	}
	defer rows.Close()
	return scanCandles(rows)
}

// FindDegenerate returns candles in [from, to) with open=high=low=close.
func (s *Store) FindDegenerate(ctx context.Context, symbol string, tf timeframe.Timeframe, from, to time.Time) ([]model.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, timeframe, timestamp, open, high, low, close, volume, spread
		FROM market_data
		WHERE symbol = ? AND timeframe = ? AND timestamp >= ? AND timestamp < ?
		  AND open = high AND high = low AND low = close
		ORDER BY timestamp ASC
	`, symbol, string(tf), from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("sqlite query degenerate: %w", err)
	}
	defer rows.Close()
	return scanCandles(rows)
}

func scanCandles(rows *sql.Rows) ([]model.Candle, error) {
	var candles []model.Candle
	for rows.Next() {
		var (
			c      model.Candle
			tfName string
			tsUnix int64
			spread sql.NullFloat64
		)
		if err := rows.Scan(&c.Symbol, &tfName, &tsUnix, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &spread); err != nil {
			return nil, fmt.Errorf("sqlite scan candle: %w", err)
		}
		c.Timeframe = timeframe.Timeframe(tfName)
		c.TS = time.Unix(tsUnix, 0).UTC()
		c.Spread = spread.Float64
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// LatestTimestamp returns the newest stored bucket start for the key,
// ok=false when no candles exist.
func (s *Store) LatestTimestamp(ctx context.Context, symbol string, tf timeframe.Timeframe) (time.Time, bool, error) {
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(timestamp) FROM market_data WHERE symbol = ? AND timeframe = ?
	`, symbol, string(tf)).Scan(&ts)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("sqlite latest timestamp: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(ts.Int64, 0).UTC(), true, nil
}

// CountCandles counts stored candles in [from, to).
func (s *Store) CountCandles(ctx context.Context, symbol string, tf timeframe.Timeframe, from, to time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM market_data
		WHERE symbol = ? AND timeframe = ? AND timestamp >= ? AND timestamp < ?
	`, symbol, string(tf), from.Unix(), to.Unix()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite count candles: %w", err)
	}
	return n, nil
}

// CountDegenerate counts degenerate candles in [from, to).
func (s *Store) CountDegenerate(ctx context.Context, symbol string, tf timeframe.Timeframe, from, to time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM market_data
		WHERE symbol = ? AND timeframe = ? AND timestamp >= ? AND timestamp < ?
		  AND open = high AND high = low AND low = close
	`, symbol, string(tf), from.Unix(), to.Unix()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite count degenerate: %w", err)
	}
	return n, nil
}

// ── Ticks ──
// Tick timestamps are stored in Unix milliseconds so multiple ticks within
// one second keep distinct keys.

// InsertTicks inserts a batch idempotently; duplicate (symbol, timestamp)
// keys are ignored. Returns the number of newly inserted rows.
func (s *Store) InsertTicks(ctx context.Context, ticks []model.Tick) (int, error) {
	if len(ticks) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO ticks (symbol, timestamp, price, volume)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("sqlite prepare ticks: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, t := range ticks {
		res, err := stmt.ExecContext(ctx, t.Symbol, t.TS.UnixMilli(), t.Price, t.Volume)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("sqlite insert tick: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// ReadTicks returns ticks for [from, to) ordered by timestamp ascending.
func (s *Store) ReadTicks(ctx context.Context, symbol string, from, to time.Time) ([]model.Tick, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, timestamp, price, volume
		FROM ticks
		WHERE symbol = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp ASC
	`, symbol, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("sqlite query ticks: %w", err)
	}
	defer rows.Close()

	var ticks []model.Tick
	for rows.Next() {
		var (
			t  model.Tick
			ms int64
		)
		if err := rows.Scan(&t.Symbol, &ms, &t.Price, &t.Volume); err != nil {
			return nil, fmt.Errorf("sqlite scan tick: %w", err)
		}
		t.TS = time.UnixMilli(ms).UTC()
		ticks = append(ticks, t)
	}
	return ticks, rows.Err()
}

// CountTicksSince counts ticks for symbol newer than since.
func (s *Store) CountTicksSince(ctx context.Context, symbol string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ticks WHERE symbol = ? AND timestamp >= ?
	`, symbol, since.UnixMilli()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite count ticks: %w", err)
	}
	return n, nil
}

// PruneTicks deletes ticks older than before. Returns rows deleted.
func (s *Store) PruneTicks(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ticks WHERE timestamp < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sqlite prune ticks: %w", err)
	}
	return res.RowsAffected()
}

// ── Live write path ──

// RunCandleWriter reads candles from candleCh and upserts them in batched
// transactions, flushing every defaultBatchSize candles or every
// defaultFlushDelay, whichever comes first. Blocks until ctx is cancelled
// or candleCh is closed; the final batch is flushed on exit.
func (s *Store) RunCandleWriter(ctx context.Context, candleCh <-chan model.Candle) {
	batch := make([]model.Candle, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Fresh context so the final flush survives pipeline cancellation.
		fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		start := time.Now()
		n, err := s.UpsertCandles(fctx, batch)
		cancel()
		if err != nil {
			log.Printf("[sqlite] batch upsert error: %v", err)
		} else {
			log.Printf("[sqlite] committed %d candles in %v", n, time.Since(start))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case c, ok := <-candleCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, c)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}
		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// Latency times a trivial round-trip to the database.
func (s *Store) Latency(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	err := s.db.PingContext(ctx)
	return time.Since(start), err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
