package model

import (
	"time"

	"fxpipeline/internal/timeframe"
)

// JobStatus is the lifecycle state of a backfill job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the status is final (completed or failed).
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// BackfillJob is a durable work item describing a gap the system intends
// to fill. At most one non-terminal job exists per
// (symbol, timeframe, gap_start, gap_end).
type BackfillJob struct {
	ID          string              `json:"id"`
	Symbol      string              `json:"symbol"`
	Timeframe   timeframe.Timeframe `json:"timeframe"`
	GapStart    time.Time           `json:"gap_start"`
	GapEnd      time.Time           `json:"gap_end"`
	Priority    int                 `json:"priority"`
	Status      JobStatus           `json:"status"`
	Attempts    int                 `json:"attempts"`
	LastError   string              `json:"last_error,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	LeasedUntil time.Time           `json:"leased_until,omitempty"` // zero while unleased
	NotBefore   time.Time           `json:"not_before,omitempty"`   // retry backoff gate
}
