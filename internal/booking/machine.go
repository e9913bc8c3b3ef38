/**
 * @description
 * This file implements the booking lifecycle state machine. Given the current
 * booking snapshot and one normalized domain event it computes the next
 * lifecycle state and payment status, or rejects the transition. It is the
 * only component in the service that decides booking status changes.
 *
 * The machine is a pure function: no I/O, no randomness, no wall-clock reads.
 * Guards that need the record store (external event id bound to another
 * booking, session type active) are enforced by the coordinator and flow
 * service before the event is built; everything decidable from the snapshot
 * is enforced here.
 *
 * @dependencies
 * - internal/domain: states, payment statuses, event union, rejection error.
 */

package booking

import (
	"github.com/builderhub/booking-service/internal/domain"
)

// Snapshot is the slice of booking state the machine transitions over.
type Snapshot struct {
	State           domain.BookingState
	PaymentStatus   domain.PaymentStatus
	PaymentRetries  int
	CalendlyEventID string // empty until scheduling confirms
}

// Outcome is the accepted result of a transition.
type Outcome struct {
	NextState               domain.BookingState
	NextPaymentStatus       domain.PaymentStatus
	IncrementPaymentRetries bool
}

// Machine evaluates lifecycle transitions. MaxPaymentRetries bounds how many
// times a failed payment may be re-initiated.
type Machine struct {
	MaxPaymentRetries int
}

// DefaultMaxPaymentRetries applies when the configured limit is not positive.
const DefaultMaxPaymentRetries = 3

func NewMachine(maxPaymentRetries int) Machine {
	if maxPaymentRetries <= 0 {
		maxPaymentRetries = DefaultMaxPaymentRetries
	}
	return Machine{MaxPaymentRetries: maxPaymentRetries}
}

// Transition computes the next lifecycle state for the event, or returns a
// *domain.TransitionRejectedError. A rejection is an expected outcome for
// duplicate and out-of-order webhooks, not a failure to recover from.
func (m Machine) Transition(cur Snapshot, ev domain.Event) (Outcome, error) {
	// Cancellation rules apply uniformly from every non-terminal state.
	switch ev.Kind {
	case domain.EventCancelled, domain.EventUserCancel:
		if cur.State.Terminal() {
			return Outcome{}, reject(cur, ev, "booking is terminal")
		}
		return Outcome{NextState: domain.StateCancelled, NextPaymentStatus: cur.PaymentStatus}, nil

	case domain.EventExpire:
		// Stale-flow cleanup never claws back a successful payment.
		if cur.State.Terminal() || cur.State == domain.StatePaymentSucceeded {
			return Outcome{}, reject(cur, ev, "booking is not expirable")
		}
		return Outcome{NextState: domain.StateCancelled, NextPaymentStatus: cur.PaymentStatus}, nil
	}

	switch cur.State {
	case domain.StateIdle:
		if ev.Kind == domain.EventSelectSessionType {
			return Outcome{NextState: domain.StateSessionTypeSelected, NextPaymentStatus: domain.PaymentStatusNone}, nil
		}

	case domain.StateSessionTypeSelected:
		if ev.Kind == domain.EventInitiateScheduling {
			return Outcome{NextState: domain.StateSchedulingInitiated, NextPaymentStatus: cur.PaymentStatus}, nil
		}

	case domain.StateSchedulingInitiated:
		if ev.Kind == domain.EventScheduled {
			// Once bound, the scheduling event id is immutable. A reschedule is
			// an explicit cancel followed by a fresh scheduling flow, never an
			// in-place overwrite.
			if cur.CalendlyEventID != "" && cur.CalendlyEventID != ev.CalendlyEventID {
				return Outcome{}, reject(cur, ev, "scheduling event id already bound")
			}
			return Outcome{NextState: domain.StateEventScheduled, NextPaymentStatus: cur.PaymentStatus}, nil
		}

	case domain.StateEventScheduled:
		switch ev.Kind {
		case domain.EventInitiatePayment:
			return Outcome{NextState: domain.StatePaymentPending, NextPaymentStatus: domain.PaymentStatusPending}, nil
		case domain.EventPaymentSucceeded:
			// The checkout webhook can land before our own initiation record
			// does. Scheduling has confirmed by this point, so accepting the
			// payment here keeps the PAID-after-scheduling ordering intact.
			return Outcome{NextState: domain.StatePaymentSucceeded, NextPaymentStatus: domain.PaymentStatusPaid}, nil
		}

	case domain.StatePaymentPending:
		switch ev.Kind {
		case domain.EventPaymentSucceeded:
			// Payment can only land PAID here, which the flow guarantees is
			// after EVENT_SCHEDULED: payment is never accepted for a session
			// that was never put on a calendar.
			return Outcome{NextState: domain.StatePaymentSucceeded, NextPaymentStatus: domain.PaymentStatusPaid}, nil
		case domain.EventPaymentFailed:
			return Outcome{NextState: domain.StatePaymentFailed, NextPaymentStatus: domain.PaymentStatusFailed}, nil
		}

	case domain.StatePaymentFailed:
		if ev.Kind == domain.EventInitiatePayment {
			if cur.PaymentRetries >= m.MaxPaymentRetries {
				return Outcome{}, reject(cur, ev, "payment retry limit reached")
			}
			return Outcome{
				NextState:               domain.StatePaymentPending,
				NextPaymentStatus:       domain.PaymentStatusPending,
				IncrementPaymentRetries: true,
			}, nil
		}

	case domain.StatePaymentSucceeded:
		if ev.Kind == domain.EventFinalize {
			if cur.CalendlyEventID == "" {
				return Outcome{}, reject(cur, ev, "no scheduling event bound")
			}
			return Outcome{NextState: domain.StateBookingConfirmed, NextPaymentStatus: cur.PaymentStatus}, nil
		}
	}

	return Outcome{}, reject(cur, ev, "no matching rule")
}

func reject(cur Snapshot, ev domain.Event, reason string) *domain.TransitionRejectedError {
	return &domain.TransitionRejectedError{
		CurrentState:  cur.State,
		PaymentStatus: cur.PaymentStatus,
		EventKind:     ev.Kind,
		Reason:        reason,
	}
}
