package outbox

import "fmt"

// Status represents a valid outbox message lifecycle state.
type Status string

const (
	// StatusPending marks a message waiting to be claimed.
	StatusPending Status = "PENDING"
	// StatusProcessing marks a message claimed by a publisher under a lease.
	StatusProcessing Status = "PROCESSING"
	// StatusPublished marks a message confirmed delivered to the transport.
	StatusPublished Status = "PUBLISHED"
	// StatusFailed marks a message that exhausted its attempt budget or was
	// discarded as poison. Terminal; leaving it requires operator action.
	StatusFailed Status = "FAILED"
)

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the outbox lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusProcessing, StatusPublished, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status accepts no further transitions.
func (status Status) IsTerminal() bool {
	return status == StatusPublished || status == StatusFailed
}

// CanTransitionTo reports whether a transition from status to next is allowed.
// A claimed message goes back to PENDING when its publish fails with attempts
// remaining, or when another worker reclaims an expired lease.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusPending || next == StatusPublished || next == StatusFailed
	case StatusPublished, StatusFailed:
		return false
	default:
		return false
	}
}

// ValidateTransition validates a status transition using typed lifecycle rules.
func ValidateTransition(fromRaw, toRaw string) error {
	from, err := ParseStatus(fromRaw)
	if err != nil {
		return fmt.Errorf("from status: %w", err)
	}

	to, err := ParseStatus(toRaw)
	if err != nil {
		return fmt.Errorf("to status: %w", err)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, from, to)
	}

	return nil
}

func (status Status) String() string {
	return string(status)
}
