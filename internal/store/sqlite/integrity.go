package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fxpipeline/internal/model"
	"fxpipeline/internal/timeframe"
)

// UpsertIntegrity writes the integrity record keyed by
// (symbol, timeframe, date), replacing any previous check for that day.
func (s *Store) UpsertIntegrity(ctx context.Context, rec model.IntegrityRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO data_integrity
			(symbol, timeframe, date, expected_candles, actual_candles,
			 missing_candles, incomplete_candles, last_checked, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Symbol, string(rec.Timeframe), rec.Date, rec.Expected, rec.Actual,
		rec.Missing, rec.Incomplete, rec.LastChecked.Unix(), string(rec.Status))
	if err != nil {
		return fmt.Errorf("sqlite upsert integrity: %w", err)
	}
	return nil
}

// ReadIntegrity returns the record for (symbol, timeframe, date), nil when
// no check has run for that day.
func (s *Store) ReadIntegrity(ctx context.Context, symbol, tf, date string) (*model.IntegrityRecord, error) {
	var (
		rec      model.IntegrityRecord
		tfName   string
		status   string
		checkedU int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT symbol, timeframe, date, expected_candles, actual_candles,
		       missing_candles, incomplete_candles, last_checked, status
		FROM data_integrity
		WHERE symbol = ? AND timeframe = ? AND date = ?
	`, symbol, tf, date).Scan(&rec.Symbol, &tfName, &rec.Date, &rec.Expected,
		&rec.Actual, &rec.Missing, &rec.Incomplete, &checkedU, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite read integrity: %w", err)
	}
	rec.Timeframe = timeframe.Timeframe(tfName)
	rec.Status = model.IntegrityStatus(status)
	rec.LastChecked = time.Unix(checkedU, 0).UTC()
	return &rec, nil
}

// InsertHealthMetrics appends points to the health series in one
// transaction.
func (s *Store) InsertHealthMetrics(ctx context.Context, metrics []model.HealthMetric) error {
	if len(metrics) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO health_metrics (metric_name, metric_value, symbol, timeframe, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite prepare health metrics: %w", err)
	}
	defer stmt.Close()

	for _, m := range metrics {
		if _, err := stmt.ExecContext(ctx, m.Name, m.Value, m.Symbol, m.Timeframe, m.RecordedAt.Unix()); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite insert health metric: %w", err)
		}
	}
	return tx.Commit()
}
