package idempotency

import (
	"context"
	"time"
)

// BeginOutcome describes what Begin decided about a key.
type BeginOutcome uint8

const (
	// BeginStarted means the placeholder was inserted and the caller must
	// run the operation, then Complete or Abort the record.
	BeginStarted BeginOutcome = iota + 1

	// BeginReplayed means a completed record exists; the caller returns its
	// stored result without executing.
	BeginReplayed

	// BeginInFlight means a live placeholder exists; an identical operation
	// is executing somewhere right now.
	BeginInFlight
)

// String implements fmt.Stringer.
func (outcome BeginOutcome) String() string {
	switch outcome {
	case BeginStarted:
		return "started"
	case BeginReplayed:
		return "replayed"
	case BeginInFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// Store persists idempotency records.
//
// Begin is the concurrency gate and must be atomic: of any number of
// concurrent calls for the same key, exactly one observes BeginStarted.
// Expired records, completed or abandoned placeholders alike, are taken over
// atomically so a reused key executes afresh.
type Store interface {
	// Begin claims the key for the duration of the ttl. The record returned
	// with BeginReplayed carries the stored result; with BeginInFlight it
	// carries the live placeholder.
	Begin(ctx context.Context, key string, ttl time.Duration) (BeginOutcome, *Record, error)

	// Complete stores the operation result against the running placeholder.
	// Completing a record that already holds a result is ErrAlreadyCompleted.
	Complete(ctx context.Context, key string, result []byte) error

	// Abort removes the running placeholder after an operation failure so
	// the next identical request may execute. Aborting a missing record is
	// not an error; aborting a completed one is ErrAlreadyCompleted.
	Abort(ctx context.Context, key string) error

	// Get loads the record for a key. Returns ErrRecordNotFound when none
	// exists.
	Get(ctx context.Context, key string) (*Record, error)
}
