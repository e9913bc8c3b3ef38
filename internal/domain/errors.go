package domain

import (
	"errors"
	"fmt"
)

var (
	ErrBookingNotFound     = errors.New("booking not found")
	ErrSessionTypeNotFound = errors.New("session type not found")
	ErrSessionTypeInactive = errors.New("session type is not active")
	ErrVersionConflict     = errors.New("booking version conflict")
	ErrDuplicateEvent      = errors.New("provider event already applied")
	ErrEventIDBound        = errors.New("external event id already bound to another booking")
	ErrNotParticipant      = errors.New("principal is not a participant of this booking")
)

// TransitionRejectedError reports that no transition rule matched the current
// booking state for the given event. This is an expected outcome for
// duplicate and out-of-order webhooks, handled by callers as a loggable no-op
// rather than a failure.
type TransitionRejectedError struct {
	CurrentState  BookingState
	PaymentStatus PaymentStatus
	EventKind     EventKind
	Reason        string
}

func (e *TransitionRejectedError) Error() string {
	return fmt.Sprintf("transition rejected: %s in state %s: %s", e.EventKind, e.CurrentState, e.Reason)
}

// IsTransitionRejected reports whether err (or anything it wraps) is a
// state-machine rejection.
func IsTransitionRejected(err error) bool {
	var rejected *TransitionRejectedError
	return errors.As(err, &rejected)
}
