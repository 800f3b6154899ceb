package model

import (
	"context"
	"errors"
	"time"
)

// Kind classifies an error for retry/propagation decisions.
type Kind int

const (
	// KindTransient errors (provider 429/5xx, timeouts, store deadlocks)
	// are retried with backoff; invisible to callers when retries succeed.
	KindTransient Kind = iota
	// KindPermanent errors (provider 4xx other than 429, schema violations
	// in responses) are propagated and mark the owning job failed.
	KindPermanent
	// KindInvariant errors flag a record violating candle invariants; the
	// record is dropped and logged, processing of the batch continues.
	KindInvariant
	// KindCancelled is clean shutdown surfaced through an error path.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindInvariant:
		return "invariant"
	case KindCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Error wraps an underlying error with a Kind and an optional server-advised
// retry delay (from a 429 Retry-After header).
type Error struct {
	Kind       Kind
	Err        error
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable error.
func Transient(err error) error {
	return &Error{Kind: KindTransient, Err: err}
}

// Permanent wraps err as a non-retryable error.
func Permanent(err error) error {
	return &Error{Kind: KindPermanent, Err: err}
}

// Invariant wraps err as a candle-invariant violation.
func Invariant(err error) error {
	return &Error{Kind: KindInvariant, Err: err}
}

// KindOf classifies an arbitrary error. Context cancellation maps to
// KindCancelled, deadline expiry to KindTransient, unclassified errors
// default to KindTransient so they get retried rather than dropped.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindTransient
}

// IsCancelled reports whether err represents clean shutdown.
func IsCancelled(err error) bool {
	return err != nil && KindOf(err) == KindCancelled
}

// RetryAfterOf extracts a server-advised retry delay, zero if none.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
