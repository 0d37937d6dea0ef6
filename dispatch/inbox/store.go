package inbox

import (
	"context"
	"time"
)

// ClaimOutcome describes what TryClaim decided about a delivery.
type ClaimOutcome uint8

const (
	// ClaimAccepted means the caller now owns the message and must process
	// it. Covers first deliveries and reclaims of retryable or expired rows.
	ClaimAccepted ClaimOutcome = iota + 1

	// ClaimDuplicate means the message was already resolved, either
	// processed or terminally failed. The caller should acknowledge the
	// delivery without running the handler.
	ClaimDuplicate

	// ClaimInFlight means another consumer holds a live claim on the
	// message. The caller should requeue the delivery and try again later.
	ClaimInFlight
)

// String implements fmt.Stringer.
func (outcome ClaimOutcome) String() string {
	switch outcome {
	case ClaimAccepted:
		return "accepted"
	case ClaimDuplicate:
		return "duplicate"
	case ClaimInFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// Store persists inbox messages and arbitrates claims between consumers.
//
// Implementations must make TryClaim atomic with respect to concurrent
// callers: exactly one consumer wins a claimable message, and redeliveries
// of resolved messages never win.
type Store interface {
	// TryClaim attempts to take ownership of the message for the duration
	// of the lease. On ClaimAccepted the store updates the message in place
	// with the persisted attempt count and claim state.
	TryClaim(ctx context.Context, message *Message, lease time.Duration) (ClaimOutcome, error)

	// MarkProcessed finalizes a claimed message as successfully handled.
	// Returns ErrStateConflict when the row is not in StatusProcessing.
	MarkProcessed(ctx context.Context, messageID string) error

	// MarkFailed records a failed attempt on a claimed message. The row
	// returns to StatusReceived while attempts remain within maxAttempts
	// and parks in StatusFailed once the budget is spent. The resulting
	// status is returned so callers can react to exhaustion.
	MarkFailed(ctx context.Context, messageID, cause string, maxAttempts int) (Status, error)

	// Discard parks a claimed message in StatusFailed immediately,
	// regardless of remaining attempts. Used for unprocessable messages
	// where retrying cannot help.
	Discard(ctx context.Context, messageID, cause string) error

	// GetByID loads a message by its id. Returns ErrMessageNotFound when
	// no row exists.
	GetByID(ctx context.Context, messageID string) (*Message, error)
}
