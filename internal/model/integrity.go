package model

import (
	"time"

	"fxpipeline/internal/timeframe"
)

// IntegrityStatus summarizes an integrity check result.
type IntegrityStatus string

const (
	IntegrityOK   IntegrityStatus = "ok"
	IntegrityGaps IntegrityStatus = "gaps"
)

// IntegrityRecord stores the outcome of an integrity check for one
// (symbol, timeframe, calendar date).
type IntegrityRecord struct {
	Symbol      string              `json:"symbol"`
	Timeframe   timeframe.Timeframe `json:"timeframe"`
	Date        string              `json:"date"` // "2006-01-02", UTC
	Expected    int                 `json:"expected_candles"`
	Actual      int                 `json:"actual_candles"`
	Missing     int                 `json:"missing_candles"`
	Incomplete  int                 `json:"incomplete_candles"`
	LastChecked time.Time           `json:"last_checked"`
	Status      IntegrityStatus     `json:"status"`
}

// HealthMetric is one time-stamped point in the append-only health series.
// Symbol and Timeframe are optional and empty for pipeline-wide metrics.
type HealthMetric struct {
	Name       string    `json:"metric_name"`
	Value      float64   `json:"metric_value"`
	Symbol     string    `json:"symbol,omitempty"`
	Timeframe  string    `json:"timeframe,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}
