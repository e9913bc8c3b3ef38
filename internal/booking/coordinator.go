/**
 * @description
 * This file implements the transition coordinator: the single write path for
 * booking lifecycle changes. It wraps every state-machine invocation in a
 * concurrency-safe read-modify-write cycle against the record store:
 *
 *   1. Duplicate provider events short-circuit on the idempotency ledger.
 *   2. The booking is loaded with its current optimistic version.
 *   3. The pure state machine computes the next state (or rejects).
 *   4. Accepted transitions persist atomically with their ledger entry,
 *      conditioned on the loaded version; a conflict retries from step 2 up
 *      to a small bound.
 *   5. Rejected provider events are also ledgered, so redelivery of a known
 *      no-op stays cheap.
 *
 * Applied transitions into confirmed/cancelled/payment-failed publish a
 * lifecycle event for notification fan-out; publish failures are logged and
 * never fail the transition.
 *
 * @dependencies
 * - internal/store: Repository contract.
 * - internal/clock: injected time source.
 * - pkg/rabbitmq: lifecycle event payloads.
 */

package booking

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/builderhub/booking-service/internal/clock"
	"github.com/builderhub/booking-service/internal/domain"
	"github.com/builderhub/booking-service/internal/store"
	"github.com/builderhub/booking-service/pkg/rabbitmq"
)

// ErrConflictRetriesExhausted reports that concurrent transitions kept winning
// the optimistic-version race for the whole retry budget. Callers surface this
// as a transient failure so the provider redelivers.
var ErrConflictRetriesExhausted = errors.New("transition conflict retries exhausted")

const defaultConflictRetries = 3

// LifecyclePublisher publishes booking lifecycle events after applied transitions.
type LifecyclePublisher interface {
	PublishBookingLifecycleEvent(ctx context.Context, event rabbitmq.BookingLifecycleEvent) error
}

// ApplyResult is the outcome of one coordinator invocation.
type ApplyResult struct {
	// Applied is true when the booking row was mutated by this call.
	Applied bool
	// Duplicate is true when the provider event id was already in the ledger;
	// Outcome then carries the previously recorded result.
	Duplicate bool
	// Rejected is true when the state machine had no rule for the event.
	Rejected bool
	// RejectionReason explains a rejection for the caller's log line.
	RejectionReason string
	// Outcome is the ledger outcome string for this event id, when known.
	Outcome string
	// Booking is the booking after the call, when it was loaded.
	Booking *domain.Booking
}

// Coordinator serializes lifecycle transitions per booking. It is the only
// component permitted to perform persistent writes to booking lifecycle state.
type Coordinator struct {
	repo        store.Repository
	machine     Machine
	clock       clock.Clock
	publisher   LifecyclePublisher
	maxAttempts int
}

func NewCoordinator(repo store.Repository, machine Machine, clk clock.Clock, publisher LifecyclePublisher) *Coordinator {
	return &Coordinator{
		repo:        repo,
		machine:     machine,
		clock:       clk,
		publisher:   publisher,
		maxAttempts: defaultConflictRetries,
	}
}

// Apply runs one domain event through the state machine against the booking it
// references. It is safe to call concurrently for the same booking: exactly
// one concurrent caller wins each version, the rest retry against the fresh row.
func (c *Coordinator) Apply(ctx context.Context, ev domain.Event) (ApplyResult, error) {
	if ev.ProviderEventID != "" {
		entry, err := c.repo.GetLedgerEntry(ctx, ev.ProviderEventID)
		if err != nil {
			return ApplyResult{}, fmt.Errorf("ledger lookup: %w", err)
		}
		if entry != nil {
			return ApplyResult{Duplicate: true, Outcome: entry.Outcome}, nil
		}
	}

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		booking, err := c.repo.GetBooking(ctx, ev.BookingID)
		if err != nil {
			return ApplyResult{}, err
		}

		// Store-backed guard: a scheduling event id already bound to a
		// different booking can never bind here too.
		if ev.Kind == domain.EventScheduled && ev.CalendlyEventID != "" {
			other, err := c.repo.FindBookingByCalendlyEventID(ctx, ev.CalendlyEventID)
			if err != nil && !errors.Is(err, domain.ErrBookingNotFound) {
				return ApplyResult{}, fmt.Errorf("event id binding check: %w", err)
			}
			if other != nil && other.ID != booking.ID {
				return c.recordRejection(ctx, booking, ev, domain.ErrEventIDBound.Error())
			}
		}

		outcome, err := c.machine.Transition(snapshotOf(booking), ev)
		if err != nil {
			var rejected *domain.TransitionRejectedError
			if errors.As(err, &rejected) {
				return c.recordRejection(ctx, booking, ev, rejected.Reason)
			}
			return ApplyResult{}, err
		}

		updated := *booking
		applyOutcome(&updated, outcome, ev)
		updated.UpdatedAt = c.clock.Now()

		var entry *domain.LedgerEntry
		if ev.ProviderEventID != "" {
			entry = &domain.LedgerEntry{
				ProviderEventID: ev.ProviderEventID,
				BookingID:       booking.ID,
				Outcome:         domain.LedgerOutcomeApplied,
				AppliedAt:       updated.UpdatedAt,
			}
		}

		err = c.repo.ApplyTransition(ctx, &updated, booking.Version, entry)
		switch {
		case err == nil:
			c.publishLifecycle(ctx, &updated, ev)
			return ApplyResult{Applied: true, Outcome: domain.LedgerOutcomeApplied, Booking: &updated}, nil

		case errors.Is(err, domain.ErrVersionConflict):
			// Another transition won this version; reload and re-evaluate.
			continue

		case errors.Is(err, domain.ErrDuplicateEvent):
			// The same provider event raced us through another request and
			// landed first. Report its recorded outcome.
			prior, lookupErr := c.repo.GetLedgerEntry(ctx, ev.ProviderEventID)
			if lookupErr != nil || prior == nil {
				return ApplyResult{Duplicate: true, Outcome: domain.LedgerOutcomeApplied}, nil
			}
			return ApplyResult{Duplicate: true, Outcome: prior.Outcome}, nil

		default:
			return ApplyResult{}, fmt.Errorf("persist transition: %w", err)
		}
	}

	return ApplyResult{}, ErrConflictRetriesExhausted
}

// recordRejection ledgers a rejected provider event so redelivery stays a fast
// no-op, then reports the rejection as a normal outcome.
func (c *Coordinator) recordRejection(ctx context.Context, booking *domain.Booking, ev domain.Event, reason string) (ApplyResult, error) {
	if ev.ProviderEventID != "" {
		entry := domain.LedgerEntry{
			ProviderEventID: ev.ProviderEventID,
			BookingID:       booking.ID,
			Outcome:         domain.LedgerOutcomeRejected,
			AppliedAt:       c.clock.Now(),
		}
		if err := c.repo.InsertLedgerEntry(ctx, entry); err != nil {
			log.Printf("level=warn component=coordinator msg=\"ledgering rejected event failed\" provider_event_id=%s err=%v", ev.ProviderEventID, err)
		}
	}
	return ApplyResult{
		Rejected:        true,
		RejectionReason: reason,
		Outcome:         domain.LedgerOutcomeRejected,
		Booking:         booking,
	}, nil
}

func snapshotOf(b *domain.Booking) Snapshot {
	snapshot := Snapshot{
		State:          b.State,
		PaymentStatus:  b.PaymentStatus,
		PaymentRetries: b.PaymentRetries,
	}
	if b.CalendlyEventID != nil {
		snapshot.CalendlyEventID = *b.CalendlyEventID
	}
	return snapshot
}

// applyOutcome folds the machine outcome and the event's correlation fields
// into the booking copy about to be persisted.
func applyOutcome(b *domain.Booking, outcome Outcome, ev domain.Event) {
	b.State = outcome.NextState
	b.PaymentStatus = outcome.NextPaymentStatus
	if outcome.IncrementPaymentRetries {
		b.PaymentRetries++
	}

	switch ev.Kind {
	case domain.EventScheduled:
		if b.CalendlyEventID == nil {
			eventID := ev.CalendlyEventID
			b.CalendlyEventID = &eventID
		}
		if b.CalendlyEventURI == nil && ev.CalendlyEventURI != "" {
			eventURI := ev.CalendlyEventURI
			b.CalendlyEventURI = &eventURI
		}
		if ev.StartTime != nil {
			b.StartTime = ev.StartTime
		}
		if ev.EndTime != nil {
			b.EndTime = ev.EndTime
		}

	case domain.EventPaymentSucceeded:
		if ev.StripeSessionID != "" {
			sessionID := ev.StripeSessionID
			b.StripeSessionID = &sessionID
		}
		if ev.StripePaymentIntentID != "" {
			intentID := ev.StripePaymentIntentID
			b.StripePaymentIntentID = &intentID
		}
		b.PaymentFailureReason = nil

	case domain.EventPaymentFailed:
		if ev.StripePaymentIntentID != "" {
			intentID := ev.StripePaymentIntentID
			b.StripePaymentIntentID = &intentID
		}
		reason := ev.Reason
		if reason == "" {
			reason = "payment failed"
		}
		b.PaymentFailureReason = &reason
	}
}

func (c *Coordinator) publishLifecycle(ctx context.Context, b *domain.Booking, ev domain.Event) {
	if c.publisher == nil {
		return
	}

	var routingKey string
	switch b.State {
	case domain.StateBookingConfirmed:
		routingKey = "booking.confirmed"
	case domain.StateCancelled:
		routingKey = "booking.cancelled"
	case domain.StatePaymentFailed:
		routingKey = "booking.payment.failed"
	default:
		return
	}

	event := rabbitmq.BookingLifecycleEvent{
		BookingID:  b.ID,
		BuilderID:  b.BuilderID,
		ClientID:   b.ClientID,
		State:      string(b.State),
		RoutingKey: routingKey,
		Trigger:    string(ev.Kind),
		OccurredAt: b.UpdatedAt,
	}
	if err := c.publisher.PublishBookingLifecycleEvent(ctx, event); err != nil {
		log.Printf("level=warn component=coordinator msg=\"lifecycle publish failed\" booking_id=%s routing_key=%s err=%v", b.ID, routingKey, err)
	}
}
