package idempotency

import (
	"fmt"
	"time"
)

// Status represents the lifecycle state of an idempotency record.
type Status string

const (
	// StatusRunning marks a placeholder whose operation is executing. A
	// running record past its expiry is treated as abandoned and can be
	// taken over by a new Begin.
	StatusRunning Status = "RUNNING"

	// StatusCompleted marks a record holding the operation result. The
	// result is immutable for the rest of the record's life.
	StatusCompleted Status = "COMPLETED"
)

// ParseStatus converts a raw string into a Status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)
	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}

	return status, nil
}

// IsValid reports whether the status is one of the known states.
func (status Status) IsValid() bool {
	return status == StatusRunning || status == StatusCompleted
}

// Record is one idempotency entry. Key identifies the operation instance;
// Result carries the stored outcome once completed.
type Record struct {
	Key       string
	Status    Status
	Result    []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// NewPlaceholder builds the running record a Begin inserts.
func NewPlaceholder(key string, now time.Time, ttl time.Duration) *Record {
	return &Record{
		Key:       key,
		Status:    StatusRunning,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// Expired reports whether the record's TTL has lapsed at the given instant.
func (record *Record) Expired(now time.Time) bool {
	return !record.ExpiresAt.After(now)
}
