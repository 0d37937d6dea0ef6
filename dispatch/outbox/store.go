package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Store persists outbox messages and drives their lifecycle.
//
// Append runs in the caller's transaction so messages commit atomically with
// the state change that produced them. ClaimBatch must move each returned
// message to PROCESSING and stamp the lease in the same statement that
// selects it, so two publishers never claim the same row. Expired leases are
// claimable regardless of their recorded status.
type Store interface {
	// Append inserts messages within tx.
	Append(ctx context.Context, tx *sql.Tx, messages ...*Message) error

	// ClaimBatch atomically claims up to limit dispatchable messages for
	// claimedBy, holding them under a lease of the given duration. It returns
	// the claimed messages with their updated status and lease fields.
	ClaimBatch(ctx context.Context, claimedBy string, limit int, lease time.Duration) ([]*Message, error)

	// MarkPublished finalizes a delivered message. The row must still be
	// PROCESSING; a reclaimed row reports ErrStateConflict.
	MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error

	// MarkFailed records a failed attempt with its sanitized cause. The row
	// returns to PENDING while attempts remain and becomes FAILED once the
	// budget maxAttempts is exhausted; the resulting status is returned.
	MarkFailed(ctx context.Context, id uuid.UUID, cause string, maxAttempts int) (Status, error)

	// MarkDiscarded parks a poison message as FAILED immediately, without
	// consuming the remaining attempt budget.
	MarkDiscarded(ctx context.Context, id uuid.UUID, cause string) error

	// CountByStatus reports how many messages sit in each lifecycle state.
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}
