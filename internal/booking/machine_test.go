package booking

import (
	"errors"
	"testing"

	"github.com/builderhub/booking-service/internal/domain"
)

func TestTransition_HappyPath(t *testing.T) {
	m := NewMachine(3)

	steps := []struct {
		cur         Snapshot
		event       domain.Event
		wantState   domain.BookingState
		wantPayment domain.PaymentStatus
	}{
		{
			cur:         Snapshot{State: domain.StateIdle, PaymentStatus: domain.PaymentStatusNone},
			event:       domain.Event{Kind: domain.EventSelectSessionType},
			wantState:   domain.StateSessionTypeSelected,
			wantPayment: domain.PaymentStatusNone,
		},
		{
			cur:         Snapshot{State: domain.StateSessionTypeSelected, PaymentStatus: domain.PaymentStatusNone},
			event:       domain.Event{Kind: domain.EventInitiateScheduling},
			wantState:   domain.StateSchedulingInitiated,
			wantPayment: domain.PaymentStatusNone,
		},
		{
			cur:         Snapshot{State: domain.StateSchedulingInitiated, PaymentStatus: domain.PaymentStatusNone},
			event:       domain.Event{Kind: domain.EventScheduled, CalendlyEventID: "cal_evt_1"},
			wantState:   domain.StateEventScheduled,
			wantPayment: domain.PaymentStatusNone,
		},
		{
			cur:         Snapshot{State: domain.StateEventScheduled, PaymentStatus: domain.PaymentStatusNone, CalendlyEventID: "cal_evt_1"},
			event:       domain.Event{Kind: domain.EventInitiatePayment},
			wantState:   domain.StatePaymentPending,
			wantPayment: domain.PaymentStatusPending,
		},
		{
			cur:         Snapshot{State: domain.StatePaymentPending, PaymentStatus: domain.PaymentStatusPending, CalendlyEventID: "cal_evt_1"},
			event:       domain.Event{Kind: domain.EventPaymentSucceeded},
			wantState:   domain.StatePaymentSucceeded,
			wantPayment: domain.PaymentStatusPaid,
		},
		{
			cur:         Snapshot{State: domain.StatePaymentSucceeded, PaymentStatus: domain.PaymentStatusPaid, CalendlyEventID: "cal_evt_1"},
			event:       domain.Event{Kind: domain.EventFinalize},
			wantState:   domain.StateBookingConfirmed,
			wantPayment: domain.PaymentStatusPaid,
		},
	}

	for i, step := range steps {
		out, err := m.Transition(step.cur, step.event)
		if err != nil {
			t.Fatalf("step %d (%s): unexpected rejection: %v", i, step.event.Kind, err)
		}
		if out.NextState != step.wantState {
			t.Fatalf("step %d (%s): next state = %s, want %s", i, step.event.Kind, out.NextState, step.wantState)
		}
		if out.NextPaymentStatus != step.wantPayment {
			t.Fatalf("step %d (%s): payment status = %s, want %s", i, step.event.Kind, out.NextPaymentStatus, step.wantPayment)
		}
	}
}

func TestTransition_PaymentBeforeSchedulingNeverConfirms(t *testing.T) {
	m := NewMachine(3)

	// A PaymentSucceeded webhook arriving while scheduling has not confirmed
	// must be rejected, never applied.
	for _, state := range []domain.BookingState{
		domain.StateIdle,
		domain.StateSessionTypeSelected,
		domain.StateSchedulingInitiated,
	} {
		_, err := m.Transition(Snapshot{State: state, PaymentStatus: domain.PaymentStatusNone}, domain.Event{Kind: domain.EventPaymentSucceeded})
		if !domain.IsTransitionRejected(err) {
			t.Fatalf("PaymentSucceeded in %s: want rejection, got %v", state, err)
		}
	}

	// Once scheduling has confirmed, a payment webhook beating the initiation
	// record is accepted and lands PAID.
	out, err := m.Transition(Snapshot{State: domain.StateEventScheduled, CalendlyEventID: "cal_evt_1"}, domain.Event{Kind: domain.EventPaymentSucceeded})
	if err != nil {
		t.Fatalf("PaymentSucceeded in EVENT_SCHEDULED: %v", err)
	}
	if out.NextState != domain.StatePaymentSucceeded || out.NextPaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("PaymentSucceeded in EVENT_SCHEDULED: got %+v", out)
	}
}

func TestTransition_CancelFromAnyNonTerminal(t *testing.T) {
	m := NewMachine(3)

	nonTerminal := []domain.BookingState{
		domain.StateIdle,
		domain.StateSessionTypeSelected,
		domain.StateSchedulingInitiated,
		domain.StateEventScheduled,
		domain.StatePaymentPending,
		domain.StatePaymentSucceeded,
		domain.StatePaymentFailed,
	}
	for _, state := range nonTerminal {
		for _, kind := range []domain.EventKind{domain.EventCancelled, domain.EventUserCancel} {
			out, err := m.Transition(Snapshot{State: state, PaymentStatus: domain.PaymentStatusPending}, domain.Event{Kind: kind})
			if err != nil {
				t.Fatalf("%s in %s: unexpected rejection: %v", kind, state, err)
			}
			if out.NextState != domain.StateCancelled {
				t.Fatalf("%s in %s: next state = %s, want CANCELLED", kind, state, out.NextState)
			}
		}
	}

	for _, state := range []domain.BookingState{domain.StateBookingConfirmed, domain.StateCancelled, domain.StateCompleted} {
		_, err := m.Transition(Snapshot{State: state}, domain.Event{Kind: domain.EventCancelled})
		if !domain.IsTransitionRejected(err) {
			t.Fatalf("EventCancelled in terminal %s: want rejection, got %v", state, err)
		}
	}
}

func TestTransition_ExpireSkipsPaidBookings(t *testing.T) {
	m := NewMachine(3)

	out, err := m.Transition(Snapshot{State: domain.StatePaymentPending, PaymentStatus: domain.PaymentStatusPending}, domain.Event{Kind: domain.EventExpire})
	if err != nil {
		t.Fatalf("expire pending booking: %v", err)
	}
	if out.NextState != domain.StateCancelled {
		t.Fatalf("expire pending booking: next state = %s, want CANCELLED", out.NextState)
	}

	_, err = m.Transition(Snapshot{State: domain.StatePaymentSucceeded, PaymentStatus: domain.PaymentStatusPaid}, domain.Event{Kind: domain.EventExpire})
	if !domain.IsTransitionRejected(err) {
		t.Fatalf("expire paid booking: want rejection, got %v", err)
	}
}

func TestTransition_ReschedulingCannotOverwriteEventID(t *testing.T) {
	m := NewMachine(3)

	cur := Snapshot{State: domain.StateSchedulingInitiated, CalendlyEventID: "cal_evt_1"}
	_, err := m.Transition(cur, domain.Event{Kind: domain.EventScheduled, CalendlyEventID: "cal_evt_2"})
	if !domain.IsTransitionRejected(err) {
		t.Fatalf("want rejection for conflicting event id, got %v", err)
	}

	// The same event id re-applying is acceptable to the machine; the ledger
	// suppresses true duplicates before it gets here.
	if _, err := m.Transition(cur, domain.Event{Kind: domain.EventScheduled, CalendlyEventID: "cal_evt_1"}); err != nil {
		t.Fatalf("same event id should pass the immutability guard: %v", err)
	}
}

func TestTransition_PaymentRetryLimit(t *testing.T) {
	m := NewMachine(2)

	out, err := m.Transition(Snapshot{State: domain.StatePaymentFailed, PaymentStatus: domain.PaymentStatusFailed, PaymentRetries: 1}, domain.Event{Kind: domain.EventInitiatePayment})
	if err != nil {
		t.Fatalf("retry under limit: %v", err)
	}
	if out.NextState != domain.StatePaymentPending || !out.IncrementPaymentRetries {
		t.Fatalf("retry under limit: got %+v", out)
	}

	_, err = m.Transition(Snapshot{State: domain.StatePaymentFailed, PaymentStatus: domain.PaymentStatusFailed, PaymentRetries: 2}, domain.Event{Kind: domain.EventInitiatePayment})
	if !domain.IsTransitionRejected(err) {
		t.Fatalf("retry at limit: want rejection, got %v", err)
	}
}

func TestTransition_FinalizeRequiresSchedulingEvent(t *testing.T) {
	m := NewMachine(3)

	_, err := m.Transition(Snapshot{State: domain.StatePaymentSucceeded, PaymentStatus: domain.PaymentStatusPaid}, domain.Event{Kind: domain.EventFinalize})
	if !domain.IsTransitionRejected(err) {
		t.Fatalf("finalize without scheduling event: want rejection, got %v", err)
	}
}

func TestTransition_NoRuleMeansRejection(t *testing.T) {
	m := NewMachine(3)

	// A sweep over pairs absent from the table; every one must reject and
	// carry the machine's context for the caller's no-op log line.
	cases := []struct {
		state domain.BookingState
		kind  domain.EventKind
	}{
		{domain.StateIdle, domain.EventInitiatePayment},
		{domain.StateIdle, domain.EventFinalize},
		{domain.StateSessionTypeSelected, domain.EventScheduled},
		{domain.StateSchedulingInitiated, domain.EventPaymentSucceeded},
		{domain.StateEventScheduled, domain.EventSelectSessionType},
		{domain.StateEventScheduled, domain.EventPaymentFailed},
		{domain.StatePaymentPending, domain.EventScheduled},
		{domain.StatePaymentPending, domain.EventFinalize},
		{domain.StatePaymentSucceeded, domain.EventPaymentSucceeded},
		{domain.StatePaymentFailed, domain.EventPaymentFailed},
		{domain.StateCancelled, domain.EventPaymentSucceeded},
		{domain.StateBookingConfirmed, domain.EventScheduled},
		{domain.StateCompleted, domain.EventInitiatePayment},
	}

	for _, tc := range cases {
		_, err := m.Transition(Snapshot{State: tc.state, PaymentStatus: domain.PaymentStatusNone}, domain.Event{Kind: tc.kind})
		var rejected *domain.TransitionRejectedError
		if !errors.As(err, &rejected) {
			t.Fatalf("%s in %s: want TransitionRejectedError, got %v", tc.kind, tc.state, err)
		}
		if rejected.CurrentState != tc.state || rejected.EventKind != tc.kind {
			t.Fatalf("%s in %s: rejection context = %+v", tc.kind, tc.state, rejected)
		}
	}
}

func TestNewMachine_DefaultsRetryLimit(t *testing.T) {
	if m := NewMachine(0); m.MaxPaymentRetries != DefaultMaxPaymentRetries {
		t.Fatalf("MaxPaymentRetries = %d, want %d", m.MaxPaymentRetries, DefaultMaxPaymentRetries)
	}
}
