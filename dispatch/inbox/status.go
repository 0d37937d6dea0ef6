package inbox

import "fmt"

// Status represents the lifecycle state of an inbox message.
type Status string

const (
	// StatusReceived marks a message that is recorded and waiting for a
	// consumer, either because it was never claimed or because a failed
	// attempt returned it for retry.
	StatusReceived Status = "RECEIVED"

	// StatusProcessing marks a message currently claimed by a consumer.
	StatusProcessing Status = "PROCESSING"

	// StatusProcessed marks a message whose handler completed. Terminal.
	StatusProcessed Status = "PROCESSED"

	// StatusFailed marks a message that exhausted its attempts or was
	// discarded as unprocessable. Terminal.
	StatusFailed Status = "FAILED"
)

// ParseStatus converts a raw string into a Status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)
	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}

	return status, nil
}

// IsValid reports whether the status is one of the known lifecycle states.
func (status Status) IsValid() bool {
	switch status {
	case StatusReceived, StatusProcessing, StatusProcessed, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status admits no further transitions.
func (status Status) IsTerminal() bool {
	return status == StatusProcessed || status == StatusFailed
}

// CanTransitionTo reports whether the lifecycle permits moving from the
// current status to the target status.
func (status Status) CanTransitionTo(target Status) bool {
	switch status {
	case StatusReceived:
		return target == StatusProcessing
	case StatusProcessing:
		return target == StatusReceived || target == StatusProcessed || target == StatusFailed
	default:
		return false
	}
}

// ValidateTransition checks that both statuses are valid and that the
// lifecycle permits the change.
func ValidateTransition(fromRaw, toRaw string) error {
	from, err := ParseStatus(fromRaw)
	if err != nil {
		return err
	}

	to, err := ParseStatus(toRaw)
	if err != nil {
		return err
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, from, to)
	}

	return nil
}
