package trace

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned by ValidateTransition for moves the
// lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid trace status transition")

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusStreaming, StatusSuccess, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusCancelled
}

// Live reports whether the trace is still in flight.
func (s Status) Live() bool {
	return s == StatusPending || s == StatusStreaming
}

// LiveStatuses are the statuses from which a trace may still move.
func LiveStatuses() []Status {
	return []Status{StatusPending, StatusStreaming}
}

// ValidateTransition is the single authority over status moves:
//
//	pending   -> streaming | success | error | cancelled
//	streaming -> success | error | cancelled
//
// Staying in the same live status is allowed. Terminal statuses are absorbing.
func ValidateTransition(from, to Status) error {
	if !from.Valid() {
		return fmt.Errorf("%w: unknown current status %q", ErrInvalidTransition, from)
	}
	if !to.Valid() {
		return fmt.Errorf("%w: unknown target status %q", ErrInvalidTransition, to)
	}
	if from.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}
	switch {
	case from == to:
		return nil
	case from == StatusPending:
		return nil
	case from == StatusStreaming && to.Terminal():
		return nil
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
}
