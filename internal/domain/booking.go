/**
 * @description
 * This file defines the core domain models for the booking-service: the Booking
 * aggregate, its lifecycle states, the secondary payment status, and the session
 * type snapshot a booking is priced against.
 *
 * @notes
 * - Prices are stored as `int64` in the smallest currency unit (cents) to avoid
 *   floating-point inaccuracies with money.
 * - Provider correlation fields (Calendly event id/URI, Stripe session and
 *   payment intent ids) are pointers: they stay NULL until the corresponding
 *   external step has actually happened.
 * - `Version` is the optimistic-concurrency counter. Every applied transition
 *   increments it; a write against a stale version is rejected, never retried
 *   silently by the store.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// BookingState is the lifecycle status of a booking. It is the single source
// of truth for "where is this booking" and only ever changes through the
// state machine's transition rules.
type BookingState string

const (
	StateIdle                BookingState = "IDLE"
	StateSessionTypeSelected BookingState = "SESSION_TYPE_SELECTED"
	StateSchedulingInitiated BookingState = "SCHEDULING_INITIATED"
	StateEventScheduled      BookingState = "EVENT_SCHEDULED"
	StatePaymentPending      BookingState = "PAYMENT_PENDING"
	StatePaymentSucceeded    BookingState = "PAYMENT_SUCCEEDED"
	StateBookingConfirmed    BookingState = "BOOKING_CONFIRMED"
	StatePaymentFailed       BookingState = "PAYMENT_FAILED"
	StateCancelled           BookingState = "CANCELLED"

	// StateCompleted is terminal and owned by the post-confirmation lifecycle
	// process; no transition in this service produces it.
	StateCompleted BookingState = "COMPLETED"
)

// Terminal reports whether no further lifecycle transitions apply to the state.
func (s BookingState) Terminal() bool {
	switch s {
	case StateBookingConfirmed, StateCancelled, StateCompleted:
		return true
	default:
		return false
	}
}

// PaymentStatus tracks the payment sub-lifecycle independently of the booking
// state, because payment and scheduling fail and retry on their own schedules.
type PaymentStatus string

const (
	PaymentStatusNone    PaymentStatus = "NONE"
	PaymentStatusPending PaymentStatus = "PENDING"
	PaymentStatusPaid    PaymentStatus = "PAID"
	PaymentStatusFailed  PaymentStatus = "FAILED"
)

// Booking is the aggregate record representing one client-builder session from
// selection through confirmation or cancellation. It maps to the `bookings` table.
type Booking struct {
	ID        uuid.UUID `json:"id"`
	BuilderID uuid.UUID `json:"builder_id"`
	ClientID  uuid.UUID `json:"client_id"`

	// Commercial terms are snapshotted at selection time and immutable after,
	// so a session-type price change mid-flow cannot alter an open booking.
	SessionTypeID uuid.UUID `json:"session_type_id"`
	PriceCents    int64     `json:"price_cents"`
	Currency      string    `json:"currency"`

	StartTime       *time.Time `json:"start_time,omitempty"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	ClientTimezone  string     `json:"client_timezone,omitempty"`
	BuilderTimezone string     `json:"builder_timezone,omitempty"`

	State         BookingState  `json:"state"`
	PaymentStatus PaymentStatus `json:"payment_status"`

	CalendlyEventID       *string `json:"calendly_event_id,omitempty"`
	CalendlyEventURI      *string `json:"calendly_event_uri,omitempty"`
	StripeSessionID       *string `json:"stripe_session_id,omitempty"`
	StripePaymentIntentID *string `json:"stripe_payment_intent_id,omitempty"`
	PaymentFailureReason  *string `json:"payment_failure_reason,omitempty"`
	PaymentRetries        int     `json:"payment_retries"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// Participant reports whether the given principal is the booking's client or builder.
func (b *Booking) Participant(principalID uuid.UUID) bool {
	return b.ClientID == principalID || b.BuilderID == principalID
}

// SessionType is a builder's bookable offering. Bookings snapshot its price and
// currency at selection time; only active session types can be selected.
type SessionType struct {
	ID              uuid.UUID `json:"id"`
	BuilderID       uuid.UUID `json:"builder_id"`
	Title           string    `json:"title"`
	DurationMinutes int       `json:"duration_minutes"`
	PriceCents      int64     `json:"price_cents"`
	Currency        string    `json:"currency"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
}

// LedgerEntry is one row of the idempotency ledger: a provider webhook event id
// that has already been through the coordinator, with the outcome it produced.
// Entries are append-only and never deleted, so at-least-once redelivery of the
// same event id is always a fast no-op.
type LedgerEntry struct {
	ProviderEventID string    `json:"provider_event_id"`
	BookingID       uuid.UUID `json:"booking_id"`
	Outcome         string    `json:"outcome"` // "applied" or "rejected"
	AppliedAt       time.Time `json:"applied_at"`
}

const (
	LedgerOutcomeApplied  = "applied"
	LedgerOutcomeRejected = "rejected"
)
