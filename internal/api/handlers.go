/**
 * @description
 * This file contains the HTTP handlers for the booking-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the flow service or coordinator, and writing the HTTP response. They
 * act as the bridge between the web layer and the business logic layer.
 *
 * Webhook handlers acknowledge with 200 for everything the service understood,
 * including events it chose to ignore or reject: providers retry anything else,
 * and a permanent no-op must not be retried forever. Only transient conditions
 * (storage down, lost optimistic races) return 5xx so redelivery happens.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/booking, internal/domain, internal/token, internal/webhook: service
 *   logic, models, and webhook plumbing.
 * - internal/ratelimit: distributed request throttling.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/builderhub/booking-service/internal/booking"
	"github.com/builderhub/booking-service/internal/clock"
	"github.com/builderhub/booking-service/internal/domain"
	"github.com/builderhub/booking-service/internal/ratelimit"
	"github.com/builderhub/booking-service/internal/token"
	"github.com/builderhub/booking-service/internal/webhook"
)

const maxWebhookBodyBytes = 1 << 20

// BookingHandlers holds the collaborators the HTTP layer needs.
type BookingHandlers struct {
	service     *booking.Service
	coordinator *booking.Coordinator
	limiter     *ratelimit.RedisLimiter
	clock       clock.Clock

	calendlySignature webhook.SignatureConfig
	stripeSignature   webhook.SignatureConfig
	allowUnverified   bool
	webhookRateLimit  int
	resumeRateLimit   int
}

// HandlerOptions carries the webhook security and throttling settings.
type HandlerOptions struct {
	CalendlySignature webhook.SignatureConfig
	StripeSignature   webhook.SignatureConfig
	AllowUnverified   bool
	WebhookRateLimit  int
	ResumeRateLimit   int
}

// NewBookingHandlers creates a new instance of BookingHandlers.
func NewBookingHandlers(service *booking.Service, coordinator *booking.Coordinator, limiter *ratelimit.RedisLimiter, clk clock.Clock, opts HandlerOptions) *BookingHandlers {
	return &BookingHandlers{
		service:           service,
		coordinator:       coordinator,
		limiter:           limiter,
		clock:             clk,
		calendlySignature: opts.CalendlySignature,
		stripeSignature:   opts.StripeSignature,
		allowUnverified:   opts.AllowUnverified,
		webhookRateLimit:  opts.WebhookRateLimit,
		resumeRateLimit:   opts.ResumeRateLimit,
	}
}

// CalendlyWebhookHandler receives scheduling webhooks.
func (h *BookingHandlers) CalendlyWebhookHandler(w http.ResponseWriter, r *http.Request) {
	h.handleWebhook(w, r, webhook.ProviderCalendly, r.Header.Get("Calendly-Webhook-Signature"), h.calendlySignature)
}

// StripeWebhookHandler receives payment webhooks.
func (h *BookingHandlers) StripeWebhookHandler(w http.ResponseWriter, r *http.Request) {
	h.handleWebhook(w, r, webhook.ProviderStripe, r.Header.Get("Stripe-Signature"), h.stripeSignature)
}

func (h *BookingHandlers) handleWebhook(w http.ResponseWriter, r *http.Request, provider webhook.ProviderKind, signatureHeader string, sigCfg webhook.SignatureConfig) {
	// Throttle before touching the body so oversized floods are shed too.
	if !h.allowRequest(r, "webhook:"+string(provider), clientIP(r), h.webhookRateLimit, w) {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		h.writeError(w, http.StatusBadRequest, "Cannot read request body")
		return
	}

	if err := h.verifyWebhook(body, signatureHeader, sigCfg, provider); err != nil {
		switch {
		case errors.Is(err, webhook.ErrNoSigningKey):
			log.Printf("level=error component=api provider=%s msg=\"webhook signing key not configured\"", provider)
			h.writeError(w, http.StatusInternalServerError, "Webhook verification is not configured")
		case errors.Is(err, webhook.ErrMissingSignature):
			h.writeError(w, http.StatusUnauthorized, "Signature header required")
		default:
			log.Printf("level=warn component=api provider=%s msg=\"webhook signature verification failed\" err=%v", provider, err)
			h.writeError(w, http.StatusUnauthorized, "Invalid signature")
		}
		return
	}

	ev := webhook.Normalize(provider, body)
	if ev == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	res, err := h.coordinator.Apply(r.Context(), *ev)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrBookingNotFound):
			// The metadata referenced a booking this service does not know.
			// Acknowledge so the provider stops redelivering an unprocessable event.
			log.Printf("level=warn component=api provider=%s msg=\"webhook references unknown booking\" booking_id=%s provider_event_id=%s", provider, ev.BookingID, ev.ProviderEventID)
			h.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		case errors.Is(err, booking.ErrConflictRetriesExhausted):
			h.writeError(w, http.StatusServiceUnavailable, "Booking is contended, retry later")
		default:
			// Infrastructure failure: answer 5xx so the provider redelivers.
			log.Printf("level=error component=api provider=%s msg=\"webhook processing failed\" provider_event_id=%s err=%v", provider, ev.ProviderEventID, err)
			h.writeError(w, http.StatusServiceUnavailable, "Webhook processing failed")
		}
		return
	}

	switch {
	case res.Duplicate:
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate", "outcome": res.Outcome})
	case res.Rejected:
		log.Printf("level=info component=api provider=%s outcome=no-op reason=%q booking_id=%s provider_event_id=%s", provider, res.RejectionReason, ev.BookingID, ev.ProviderEventID)
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "no-op", "reason": res.RejectionReason})
	default:
		finalState := res.Booking.State
		if ev.Kind == domain.EventPaymentSucceeded && res.Booking.State == domain.StatePaymentSucceeded {
			// A recorded payment confirms the booking in the same delivery.
			// If the follow-up loses a race the sweeper re-applies it; the
			// payment itself is already persisted either way.
			confirmed, finErr := h.service.Finalize(r.Context(), res.Booking.ID)
			if finErr != nil {
				log.Printf("level=warn component=api provider=%s msg=\"confirmation after payment deferred\" booking_id=%s err=%v", provider, res.Booking.ID, finErr)
			} else {
				finalState = confirmed.State
			}
		}
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "applied", "state": string(finalState)})
	}
}

func (h *BookingHandlers) verifyWebhook(body []byte, header string, cfg webhook.SignatureConfig, provider webhook.ProviderKind) error {
	if cfg.PrimaryKey == "" && cfg.SecondaryKey == "" && h.allowUnverified {
		log.Printf("level=warn component=api provider=%s msg=\"accepting unverified webhook\"", provider)
		return nil
	}
	return webhook.VerifySignature(body, header, cfg, h.clock.Now())
}

// CreateBookingHandler opens a booking for the authenticated client.
func (h *BookingHandlers) CreateBookingHandler(w http.ResponseWriter, r *http.Request) {
	principalID, ok := GetPrincipalID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get principal ID from context")
		return
	}

	var req struct {
		SessionTypeID  string `json:"session_type_id"`
		ClientTimezone string `json:"client_timezone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	sessionTypeID, err := uuid.Parse(req.SessionTypeID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "session_type_id must be a UUID")
		return
	}

	b, err := h.service.CreateBooking(r.Context(), principalID, sessionTypeID, req.ClientTimezone)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, b)
}

// ListBookingsHandler lists the principal's bookings.
func (h *BookingHandlers) ListBookingsHandler(w http.ResponseWriter, r *http.Request) {
	principalID, ok := GetPrincipalID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get principal ID from context")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	bookings, err := h.service.ListBookings(r.Context(), principalID, limit, offset)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if bookings == nil {
		bookings = []domain.Booking{}
	}
	h.writeJSON(w, http.StatusOK, bookings)
}

// GetBookingHandler fetches one booking the principal participates in.
func (h *BookingHandlers) GetBookingHandler(w http.ResponseWriter, r *http.Request) {
	principalID, ok := GetPrincipalID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get principal ID from context")
		return
	}
	bookingID, err := uuid.Parse(chi.URLParam(r, "bookingID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid booking ID")
		return
	}

	b, err := h.service.GetBooking(r.Context(), principalID, bookingID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, b)
}

// InitiateSchedulingHandler starts the external scheduling step.
func (h *BookingHandlers) InitiateSchedulingHandler(w http.ResponseWriter, r *http.Request) {
	principalID, ok := GetPrincipalID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get principal ID from context")
		return
	}
	bookingID, err := uuid.Parse(chi.URLParam(r, "bookingID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid booking ID")
		return
	}

	session, err := h.service.InitiateScheduling(r.Context(), principalID, bookingID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, session)
}

// InitiatePaymentHandler starts the external checkout step.
func (h *BookingHandlers) InitiatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	principalID, ok := GetPrincipalID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get principal ID from context")
		return
	}
	bookingID, err := uuid.Parse(chi.URLParam(r, "bookingID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid booking ID")
		return
	}

	checkout, err := h.service.InitiatePayment(r.Context(), principalID, bookingID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, checkout)
}

// CancelBookingHandler cancels a booking on the principal's behalf.
func (h *BookingHandlers) CancelBookingHandler(w http.ResponseWriter, r *http.Request) {
	principalID, ok := GetPrincipalID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get principal ID from context")
		return
	}
	bookingID, err := uuid.Parse(chi.URLParam(r, "bookingID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid booking ID")
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	// The body is optional; a bare cancel is fine.
	_ = json.NewDecoder(r.Body).Decode(&req)

	b, err := h.service.Cancel(r.Context(), principalID, bookingID, req.Reason)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, b)
}

// ResumeFlowHandler verifies a recovery token and reports where the flow stands.
// The token is the credential here: a client that lost its session on a
// provider redirect has nothing else to present. A bearer token, when sent,
// additionally unlocks the full booking payload after the membership check.
func (h *BookingHandlers) ResumeFlowHandler(w http.ResponseWriter, r *http.Request) {
	principalID, authenticated := GetPrincipalID(r.Context())

	subject := clientIP(r)
	if authenticated {
		subject = principalID.String()
	}
	if !h.allowRequest(r, "resume", subject, h.resumeRateLimit, w) {
		return
	}

	var req struct {
		RecoveryToken string `json:"recovery_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RecoveryToken == "" {
		h.writeError(w, http.StatusBadRequest, "recovery_token is required")
		return
	}

	res, err := h.service.Resume(r.Context(), principalID, req.RecoveryToken)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// allowRequest consumes one rate-limit slot and writes a 429 when the caller is
// over budget. Limiter errors fail open: throttling is protection, not a gate.
func (h *BookingHandlers) allowRequest(r *http.Request, scope, subject string, limit int, w http.ResponseWriter) bool {
	if h.limiter == nil || limit <= 0 {
		return true
	}
	count, retryAfter, err := h.limiter.Consume(r.Context(), scope, subject, time.Minute)
	if err != nil {
		log.Printf("level=warn component=api msg=\"rate limiter unavailable; allowing request\" scope=%s err=%v", scope, err)
		return true
	}
	if count > limit {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.writeError(w, http.StatusTooManyRequests, "Too many requests")
		return false
	}
	return true
}

func (h *BookingHandlers) writeServiceError(w http.ResponseWriter, err error) {
	var rejected *domain.TransitionRejectedError
	switch {
	case errors.Is(err, domain.ErrBookingNotFound), errors.Is(err, domain.ErrSessionTypeNotFound):
		h.writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, domain.ErrNotParticipant):
		h.writeError(w, http.StatusForbidden, "You are not a participant of this booking")
	case errors.Is(err, domain.ErrSessionTypeInactive):
		h.writeError(w, http.StatusConflict, "Session type is no longer available")
	case errors.As(err, &rejected):
		h.writeError(w, http.StatusConflict, fmt.Sprintf("Booking is in state %s: %s", rejected.CurrentState, rejected.Reason))
	case errors.Is(err, token.ErrExpired):
		h.writeError(w, http.StatusUnauthorized, "Recovery token has expired")
	case errors.Is(err, token.ErrInvalidSignature), errors.Is(err, token.ErrMalformed):
		h.writeError(w, http.StatusUnauthorized, "Recovery token is invalid")
	case errors.Is(err, booking.ErrConflictRetriesExhausted):
		h.writeError(w, http.StatusServiceUnavailable, "Booking is contended, retry later")
	default:
		log.Printf("level=error component=api msg=\"request failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// writeJSON is a helper for writing JSON responses.
func (h *BookingHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *BookingHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
