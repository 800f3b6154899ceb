package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"fxpipeline/internal/model"
	"fxpipeline/internal/timeframe"

	"github.com/google/uuid"
)

const (
	backoffBase = 2 * time.Second
	backoffCap  = 60 * time.Second
)

// fullJitterBackoff returns a uniform random delay in
// [0, min(cap, base·2^(attempt−1))]. A server-advised Retry-After acts as
// a floor so we never come back earlier than the provider asked.
func fullJitterBackoff(attempt int, retryAfter time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	max := backoffBase << uint(attempt-1)
	if max > backoffCap {
		max = backoffCap
	}
	d := time.Duration(rand.Int63n(int64(max) + 1))
	if retryAfter > d {
		d = retryAfter
	}
	return d
}

// Enqueue inserts a backfill job, or merges it into an existing
// non-terminal job for the same (symbol, timeframe) with an overlapping
// window: the window is extended to the union and the priority raised to
// the max of the two. This preserves the at-most-one-non-terminal-job
// uniqueness per (symbol, timeframe, gap_start, gap_end). Returns the
// stored job.
func (s *Store) Enqueue(ctx context.Context, job model.BackfillJob) (model.BackfillJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.BackfillJob{}, fmt.Errorf("sqlite begin: %w", err)
	}
	defer tx.Rollback()

	var existing model.BackfillJob
	var (
		startU, endU, createdU int64
		leasedU, notBeforeU    sql.NullInt64
		tfName, status         string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, symbol, timeframe, gap_start, gap_end, priority, status,
		       attempts, error_message, created_at, leased_until, not_before
		FROM backfill_queue
		WHERE symbol = ? AND timeframe = ?
		  AND status IN ('pending', 'processing')
		  AND gap_start <= ? AND gap_end >= ?
		ORDER BY created_at ASC
		LIMIT 1
	`, job.Symbol, string(job.Timeframe), job.GapEnd.Unix(), job.GapStart.Unix()).
		Scan(&existing.ID, &existing.Symbol, &tfName, &startU, &endU, &existing.Priority,
			&status, &existing.Attempts, &existing.LastError, &createdU, &leasedU, &notBeforeU)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		job.ID = uuid.NewString()
		job.Status = model.JobPending
		job.CreatedAt = time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO backfill_queue
				(id, symbol, timeframe, gap_start, gap_end, priority, status, attempts, error_message, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', ?)
		`, job.ID, job.Symbol, string(job.Timeframe), job.GapStart.Unix(), job.GapEnd.Unix(),
			job.Priority, string(job.Status), job.CreatedAt.Unix())
		if err != nil {
			return model.BackfillJob{}, fmt.Errorf("sqlite insert job: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return model.BackfillJob{}, err
		}
		return job, nil

	case err != nil:
		return model.BackfillJob{}, fmt.Errorf("sqlite select job: %w", err)
	}

	existing.Timeframe = timeframe.Timeframe(tfName)
	existing.Status = model.JobStatus(status)
	existing.GapStart = minTime(time.Unix(startU, 0).UTC(), job.GapStart)
	existing.GapEnd = maxTime(time.Unix(endU, 0).UTC(), job.GapEnd)
	existing.CreatedAt = time.Unix(createdU, 0).UTC()
	if job.Priority > existing.Priority {
		existing.Priority = job.Priority
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE backfill_queue
		SET gap_start = ?, gap_end = ?, priority = ?
		WHERE id = ?
	`, existing.GapStart.Unix(), existing.GapEnd.Unix(), existing.Priority, existing.ID)
	if err != nil {
		return model.BackfillJob{}, fmt.Errorf("sqlite merge job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.BackfillJob{}, err
	}
	return existing, nil
}

// LeaseNext atomically claims the highest-priority ready job (tie-break:
// oldest created_at): marks it processing, sets leased_until = now+ttl and
// increments attempts. Returns nil when no job is ready. workerID is for
// logging only; the lease itself is the ownership record.
func (s *Store) LeaseNext(ctx context.Context, workerID string, ttl time.Duration) (*model.BackfillJob, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite begin: %w", err)
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, `
		SELECT id, symbol, timeframe, gap_start, gap_end, priority, status,
		       attempts, error_message, created_at, leased_until, not_before
		FROM backfill_queue
		WHERE status = 'pending' AND (not_before IS NULL OR not_before <= ?)
		ORDER BY priority DESC, created_at ASC
		LIMIT 1
	`, now.Unix()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	job.Status = model.JobProcessing
	job.Attempts++
	job.LeasedUntil = now.Add(ttl)

	_, err = tx.ExecContext(ctx, `
		UPDATE backfill_queue
		SET status = 'processing', attempts = ?, leased_until = ?
		WHERE id = ?
	`, job.Attempts, job.LeasedUntil.Unix(), job.ID)
	if err != nil {
		return nil, fmt.Errorf("sqlite lease job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	log.Printf("[queue] worker %s leased job %s (%s %s %s→%s attempt %d)",
		workerID, job.ID, job.Symbol, job.Timeframe,
		job.GapStart.Format(time.RFC3339), job.GapEnd.Format(time.RFC3339), job.Attempts)
	return job, nil
}

// Complete marks a job completed and clears its lease.
func (s *Store) Complete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE backfill_queue
		SET status = 'completed', leased_until = NULL, error_message = ''
		WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("sqlite complete job: %w", err)
	}
	return nil
}

// Fail records jobErr against the job. Permanent errors mark the job
// failed immediately; transient errors re-queue it as pending with an
// exponential full-jitter backoff (via not_before) until MaxAttempts is
// exhausted.
func (s *Store) Fail(ctx context.Context, id string, jobErr error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	defer tx.Rollback()

	var attempts int
	if err := tx.QueryRowContext(ctx, `
		SELECT attempts FROM backfill_queue WHERE id = ?
	`, id).Scan(&attempts); err != nil {
		return fmt.Errorf("sqlite select attempts: %w", err)
	}

	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}

	if model.KindOf(jobErr) == model.KindPermanent || attempts >= s.MaxAttempts {
		_, err = tx.ExecContext(ctx, `
			UPDATE backfill_queue
			SET status = 'failed', leased_until = NULL, error_message = ?
			WHERE id = ?
		`, msg, id)
		if err != nil {
			return fmt.Errorf("sqlite fail job: %w", err)
		}
		return tx.Commit()
	}

	delay := s.Backoff(attempts, model.RetryAfterOf(jobErr))
	notBefore := time.Now().UTC().Add(delay)
	_, err = tx.ExecContext(ctx, `
		UPDATE backfill_queue
		SET status = 'pending', leased_until = NULL, error_message = ?, not_before = ?
		WHERE id = ?
	`, msg, notBefore.Unix(), id)
	if err != nil {
		return fmt.Errorf("sqlite requeue job: %w", err)
	}
	return tx.Commit()
}

// Reap returns expired leases to pending so crashed workers cannot strand
// jobs. Returns the number of jobs reclaimed.
func (s *Store) Reap(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE backfill_queue
		SET status = 'pending', leased_until = NULL
		WHERE status = 'processing' AND leased_until < ?
	`, time.Now().UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("sqlite reap: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Printf("[queue] reaped %d expired leases", n)
	}
	return int(n), nil
}

// StatusCounts returns the number of jobs per status.
func (s *Store) StatusCounts(ctx context.Context) (map[model.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM backfill_queue GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("sqlite status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.JobStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("sqlite scan status count: %w", err)
		}
		counts[model.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

// Job returns a single job by id, nil when absent.
func (s *Store) Job(ctx context.Context, id string) (*model.BackfillJob, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `
		SELECT id, symbol, timeframe, gap_start, gap_end, priority, status,
		       attempts, error_message, created_at, leased_until, not_before
		FROM backfill_queue
		WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.BackfillJob, error) {
	var (
		job                    model.BackfillJob
		tfName, status         string
		startU, endU, createdU int64
		leasedU, notBeforeU    sql.NullInt64
	)
	err := row.Scan(&job.ID, &job.Symbol, &tfName, &startU, &endU, &job.Priority,
		&status, &job.Attempts, &job.LastError, &createdU, &leasedU, &notBeforeU)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("sqlite scan job: %w", err)
	}
	job.Timeframe = timeframe.Timeframe(tfName)
	job.Status = model.JobStatus(status)
	job.GapStart = time.Unix(startU, 0).UTC()
	job.GapEnd = time.Unix(endU, 0).UTC()
	job.CreatedAt = time.Unix(createdU, 0).UTC()
	if leasedU.Valid {
		job.LeasedUntil = time.Unix(leasedU.Int64, 0).UTC()
	}
	if notBeforeU.Valid {
		job.NotBefore = time.Unix(notBeforeU.Int64, 0).UTC()
	}
	return &job, nil
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
