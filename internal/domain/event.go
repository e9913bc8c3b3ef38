/**
 * @description
 * This file defines the normalized domain event consumed by the booking state
 * machine. Provider webhooks (Calendly, Stripe) and internal flow commands are
 * all mapped into this one tagged union before they reach the machine, so the
 * machine and coordinator never see provider-specific payload shapes.
 *
 * @notes
 * - Events are transient: they are never persisted beyond the idempotency
 *   ledger entry keyed by ProviderEventID.
 * - ProviderEventID is empty for internal commands (select, initiate, cancel,
 *   finalize, expire); those bypass the ledger and rely on state-machine
 *   rejection for duplicate suppression.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventKind discriminates the domain event union.
type EventKind string

const (
	// Internal flow commands.
	EventSelectSessionType  EventKind = "SelectSessionType"
	EventInitiateScheduling EventKind = "InitiateScheduling"
	EventInitiatePayment    EventKind = "InitiatePayment"
	EventFinalize           EventKind = "Finalize"
	EventUserCancel         EventKind = "UserCancel"
	EventExpire             EventKind = "Expire"

	// Scheduling provider signals.
	EventScheduled      EventKind = "EventScheduled"
	EventCancelled      EventKind = "EventCancelled"

	// Payment provider signals.
	EventPaymentSucceeded EventKind = "PaymentSucceeded"
	EventPaymentFailed    EventKind = "PaymentFailed"
)

// Event is a provider-agnostic lifecycle signal for one booking. Only the
// fields relevant to the Kind are populated.
type Event struct {
	Kind            EventKind
	BookingID       uuid.UUID
	ProviderEventID string
	OccurredAt      time.Time

	// EventScheduled / EventCancelled.
	CalendlyEventID  string
	CalendlyEventURI string
	StartTime        *time.Time
	EndTime          *time.Time

	// PaymentSucceeded.
	StripeSessionID       string
	StripePaymentIntentID string

	// PaymentFailed / EventCancelled / Expire.
	Reason string
}
