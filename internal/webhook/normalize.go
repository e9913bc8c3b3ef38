/**
 * @description
 * This file maps raw provider webhook payloads into normalized domain events.
 * Calendly (scheduling) and Stripe (payments) have very different payload
 * shapes; everything downstream of this file only ever sees the
 * `domain.Event` tagged union.
 *
 * The booking id is recovered from tracking metadata this service embedded
 * when it redirected the client out to the provider (Calendly's
 * `tracking.utm_content`, Stripe's `client_reference_id` / `metadata`),
 * because neither provider has a native concept of our booking id.
 *
 * @notes
 * - Unrecognized event types and payloads with unrecoverable booking ids
 *   normalize to nil. That is a data-quality outcome, not an error: the
 *   HTTP layer must still acknowledge receipt so the provider stops retrying
 *   events we intentionally ignore.
 */

package webhook

import (
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/builderhub/booking-service/internal/domain"
	"github.com/google/uuid"
)

// ProviderKind names an inbound webhook source.
type ProviderKind string

const (
	ProviderCalendly ProviderKind = "calendly"
	ProviderStripe   ProviderKind = "stripe"
)

// Normalize maps a raw webhook payload to a domain event, or nil when the
// payload is not an event this service acts on.
func Normalize(provider ProviderKind, rawPayload []byte) *domain.Event {
	switch provider {
	case ProviderCalendly:
		return normalizeCalendly(rawPayload)
	case ProviderStripe:
		return normalizeStripe(rawPayload)
	default:
		log.Printf("level=warn component=normalizer msg=\"unknown provider\" provider=%s", provider)
		return nil
	}
}

type calendlyEnvelope struct {
	Event     string    `json:"event"`
	CreatedAt time.Time `json:"created_at"`
	Payload   struct {
		URI            string `json:"uri"`
		Timezone       string `json:"timezone"`
		ScheduledEvent struct {
			URI       string     `json:"uri"`
			StartTime *time.Time `json:"start_time"`
			EndTime   *time.Time `json:"end_time"`
		} `json:"scheduled_event"`
		Tracking struct {
			UTMContent string `json:"utm_content"`
		} `json:"tracking"`
		Cancellation struct {
			Reason string `json:"reason"`
		} `json:"cancellation"`
	} `json:"payload"`
}

func normalizeCalendly(rawPayload []byte) *domain.Event {
	var envelope calendlyEnvelope
	if err := json.Unmarshal(rawPayload, &envelope); err != nil {
		log.Printf("level=warn component=normalizer provider=calendly msg=\"payload decode failed\" err=%v", err)
		return nil
	}

	var kind domain.EventKind
	switch envelope.Event {
	case "invitee.created":
		kind = domain.EventScheduled
	case "invitee.canceled":
		kind = domain.EventCancelled
	default:
		// Calendly sends other lifecycle notifications we do not subscribe to
		// in spirit; acknowledge and ignore.
		return nil
	}

	bookingID, ok := parseBookingID(envelope.Payload.Tracking.UTMContent)
	if !ok {
		log.Printf("level=warn component=normalizer provider=calendly msg=\"booking id missing from tracking metadata\" event=%s", envelope.Event)
		return nil
	}

	eventURI := envelope.Payload.ScheduledEvent.URI
	inviteeURI := envelope.Payload.URI
	if inviteeURI == "" {
		log.Printf("level=warn component=normalizer provider=calendly msg=\"invitee uri missing\" event=%s booking_id=%s", envelope.Event, bookingID)
		return nil
	}

	ev := &domain.Event{
		Kind:      kind,
		BookingID: bookingID,
		// The invitee URI is stable across redeliveries of the same webhook;
		// the suffix keeps created/canceled ledger entries distinct.
		ProviderEventID:  inviteeURI + "#" + envelope.Event,
		OccurredAt:       envelope.CreatedAt,
		CalendlyEventID:  lastPathSegment(eventURI),
		CalendlyEventURI: eventURI,
		Reason:           envelope.Payload.Cancellation.Reason,
	}
	if kind == domain.EventScheduled {
		ev.StartTime = envelope.Payload.ScheduledEvent.StartTime
		ev.EndTime = envelope.Payload.ScheduledEvent.EndTime
	}
	return ev
}

type stripeEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			ID                string            `json:"id"`
			PaymentIntent     string            `json:"payment_intent"`
			ClientReferenceID string            `json:"client_reference_id"`
			Metadata          map[string]string `json:"metadata"`
			LastPaymentError  struct {
				Message string `json:"message"`
			} `json:"last_payment_error"`
		} `json:"object"`
	} `json:"data"`
}

func normalizeStripe(rawPayload []byte) *domain.Event {
	var envelope stripeEnvelope
	if err := json.Unmarshal(rawPayload, &envelope); err != nil {
		log.Printf("level=warn component=normalizer provider=stripe msg=\"payload decode failed\" err=%v", err)
		return nil
	}
	if envelope.ID == "" {
		log.Printf("level=warn component=normalizer provider=stripe msg=\"event id missing\" type=%s", envelope.Type)
		return nil
	}

	object := envelope.Data.Object
	reference := object.ClientReferenceID
	if reference == "" {
		reference = object.Metadata["booking_id"]
	}

	switch envelope.Type {
	case "checkout.session.completed":
		bookingID, ok := parseBookingID(reference)
		if !ok {
			log.Printf("level=warn component=normalizer provider=stripe msg=\"booking id missing from session metadata\" event_id=%s", envelope.ID)
			return nil
		}
		return &domain.Event{
			Kind:                  domain.EventPaymentSucceeded,
			BookingID:             bookingID,
			ProviderEventID:       envelope.ID,
			OccurredAt:            time.Unix(envelope.Created, 0).UTC(),
			StripeSessionID:       object.ID,
			StripePaymentIntentID: object.PaymentIntent,
		}

	case "payment_intent.payment_failed":
		bookingID, ok := parseBookingID(reference)
		if !ok {
			log.Printf("level=warn component=normalizer provider=stripe msg=\"booking id missing from intent metadata\" event_id=%s", envelope.ID)
			return nil
		}
		reason := object.LastPaymentError.Message
		if reason == "" {
			reason = "payment failed"
		}
		return &domain.Event{
			Kind:                  domain.EventPaymentFailed,
			BookingID:             bookingID,
			ProviderEventID:       envelope.ID,
			OccurredAt:            time.Unix(envelope.Created, 0).UTC(),
			StripePaymentIntentID: object.ID,
			Reason:                reason,
		}

	default:
		return nil
	}
}

func parseBookingID(value string) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func lastPathSegment(uri string) string {
	uri = strings.TrimSuffix(uri, "/")
	if idx := strings.LastIndex(uri, "/"); idx >= 0 {
		return uri[idx+1:]
	}
	return uri
}
