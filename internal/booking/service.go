/**
 * @description
 * This file implements the booking flow service: the command-side API the HTTP
 * handlers call for client-driven steps (create, start scheduling, start
 * payment, cancel, resume). Each command performs authorization and store
 * lookups, builds the corresponding domain event, and hands it to the
 * coordinator. The flow service never mutates booking state directly.
 *
 * Redirect-bound commands (scheduling, payment) also mint a recovery token so
 * a client that loses its session on an external provider page can resume the
 * flow at the right step when it comes back.
 *
 * @dependencies
 * - internal/store: booking and session type reads, booking creation.
 * - internal/token: recovery token codec.
 * - internal/clock: injected time source.
 */

package booking

import (
	"context"
	"fmt"
	"net/url"

	"github.com/builderhub/booking-service/internal/clock"
	"github.com/builderhub/booking-service/internal/domain"
	"github.com/builderhub/booking-service/internal/store"
	"github.com/builderhub/booking-service/internal/token"
	"github.com/google/uuid"
)

// Service drives the client-facing booking flow on top of the coordinator.
type Service struct {
	repo            store.Repository
	coordinator     *Coordinator
	codec           *token.RecoveryCodec
	clock           clock.Clock
	calendlyBaseURL string
}

func NewService(repo store.Repository, coordinator *Coordinator, codec *token.RecoveryCodec, clk clock.Clock, calendlyBaseURL string) *Service {
	return &Service{
		repo:            repo,
		coordinator:     coordinator,
		codec:           codec,
		clock:           clk,
		calendlyBaseURL: calendlyBaseURL,
	}
}

// SchedulingSession is the response to an initiate-scheduling command: where to
// send the client, and the token that lets it resume if the redirect is lost.
type SchedulingSession struct {
	Booking       *domain.Booking `json:"booking"`
	SchedulingURL string          `json:"scheduling_url"`
	RecoveryToken string          `json:"recovery_token"`
}

// CheckoutSession is the response to an initiate-payment command. The client
// reference id is what the payment provider echoes back in its webhooks.
type CheckoutSession struct {
	Booking           *domain.Booking `json:"booking"`
	ClientReferenceID string          `json:"client_reference_id"`
	AmountCents       int64           `json:"amount_cents"`
	Currency          string          `json:"currency"`
	RecoveryToken     string          `json:"recovery_token"`
}

// ResumeResult reports where a recovered flow actually stands. StateMatches is
// false when the booking moved past (or off) the state the token was minted
// for, in which case the client re-syncs from the booking itself. Booking is
// only populated for callers that proved participation; an anonymous resume
// gets the flow position and nothing else.
type ResumeResult struct {
	BookingID     uuid.UUID           `json:"booking_id"`
	CurrentState  domain.BookingState `json:"current_state"`
	ExpectedState domain.BookingState `json:"expected_state"`
	StateMatches  bool                `json:"state_matches"`
	Booking       *domain.Booking     `json:"booking,omitempty"`
}

// CreateBooking opens a new booking for the caller against an active session
// type, snapshotting its commercial terms, and immediately advances it to
// SESSION_TYPE_SELECTED.
func (s *Service) CreateBooking(ctx context.Context, clientID, sessionTypeID uuid.UUID, clientTimezone string) (*domain.Booking, error) {
	sessionType, err := s.repo.GetSessionType(ctx, sessionTypeID)
	if err != nil {
		return nil, err
	}
	if !sessionType.Active {
		return nil, domain.ErrSessionTypeInactive
	}

	now := s.clock.Now()
	booking := &domain.Booking{
		ID:             uuid.New(),
		BuilderID:      sessionType.BuilderID,
		ClientID:       clientID,
		SessionTypeID:  sessionType.ID,
		PriceCents:     sessionType.PriceCents,
		Currency:       sessionType.Currency,
		ClientTimezone: clientTimezone,
		State:          domain.StateIdle,
		PaymentStatus:  domain.PaymentStatusNone,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
	if err := s.repo.CreateBooking(ctx, booking); err != nil {
		return nil, fmt.Errorf("create booking: %w", err)
	}

	res, err := s.coordinator.Apply(ctx, domain.Event{
		Kind:      domain.EventSelectSessionType,
		BookingID: booking.ID,
	})
	if err != nil {
		return nil, err
	}
	return res.Booking, nil
}

// InitiateScheduling moves the booking into SCHEDULING_INITIATED and returns
// the provider scheduling link carrying the booking id as tracking metadata,
// which is how the scheduled webhook finds its way back to this booking.
func (s *Service) InitiateScheduling(ctx context.Context, principalID, bookingID uuid.UUID) (*SchedulingSession, error) {
	booking, err := s.authorizedBooking(ctx, principalID, bookingID)
	if err != nil {
		return nil, err
	}

	res, err := s.coordinator.Apply(ctx, domain.Event{
		Kind:      domain.EventInitiateScheduling,
		BookingID: booking.ID,
	})
	if err != nil {
		return nil, err
	}
	if res.Rejected {
		return nil, rejectionError(res)
	}

	recoveryToken, err := s.codec.Mint(booking.ID, domain.StateSchedulingInitiated)
	if err != nil {
		return nil, fmt.Errorf("mint recovery token: %w", err)
	}

	return &SchedulingSession{
		Booking:       res.Booking,
		SchedulingURL: s.schedulingURL(booking.ID),
		RecoveryToken: recoveryToken,
	}, nil
}

// InitiatePayment moves the booking into PAYMENT_PENDING and returns the
// checkout reference the payment provider must carry through its webhooks.
func (s *Service) InitiatePayment(ctx context.Context, principalID, bookingID uuid.UUID) (*CheckoutSession, error) {
	booking, err := s.authorizedBooking(ctx, principalID, bookingID)
	if err != nil {
		return nil, err
	}

	res, err := s.coordinator.Apply(ctx, domain.Event{
		Kind:      domain.EventInitiatePayment,
		BookingID: booking.ID,
	})
	if err != nil {
		return nil, err
	}
	if res.Rejected {
		return nil, rejectionError(res)
	}

	recoveryToken, err := s.codec.Mint(booking.ID, domain.StatePaymentPending)
	if err != nil {
		return nil, fmt.Errorf("mint recovery token: %w", err)
	}

	return &CheckoutSession{
		Booking:           res.Booking,
		ClientReferenceID: booking.ID.String(),
		AmountCents:       booking.PriceCents,
		Currency:          booking.Currency,
		RecoveryToken:     recoveryToken,
	}, nil
}

// Cancel applies a user-initiated cancellation.
func (s *Service) Cancel(ctx context.Context, principalID, bookingID uuid.UUID, reason string) (*domain.Booking, error) {
	booking, err := s.authorizedBooking(ctx, principalID, bookingID)
	if err != nil {
		return nil, err
	}

	res, err := s.coordinator.Apply(ctx, domain.Event{
		Kind:      domain.EventUserCancel,
		BookingID: booking.ID,
		Reason:    reason,
	})
	if err != nil {
		return nil, err
	}
	if res.Rejected {
		return nil, rejectionError(res)
	}
	return res.Booking, nil
}

// Finalize confirms a fully paid, scheduled booking. The payment webhook
// chains it right after a recorded payment; the sweeper re-applies it for
// bookings left in PAYMENT_SUCCEEDED when that follow-up was lost.
func (s *Service) Finalize(ctx context.Context, bookingID uuid.UUID) (*domain.Booking, error) {
	res, err := s.coordinator.Apply(ctx, domain.Event{
		Kind:      domain.EventFinalize,
		BookingID: bookingID,
	})
	if err != nil {
		return nil, err
	}
	if res.Rejected {
		return nil, rejectionError(res)
	}
	return res.Booking, nil
}

// Resume verifies a recovery token and reports whether the booking is still in
// the state the flow left it in. The token works without a session, since the
// client presenting it typically just lost one on a provider redirect. It does
// not bypass authorization though: only a caller that also proved it is a
// participant gets the booking itself; pass uuid.Nil for anonymous callers,
// who get the flow position only.
func (s *Service) Resume(ctx context.Context, principalID uuid.UUID, recoveryToken string) (*ResumeResult, error) {
	bookingID, expectedState, err := s.codec.Verify(recoveryToken)
	if err != nil {
		return nil, err
	}

	booking, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	res := &ResumeResult{
		BookingID:     booking.ID,
		CurrentState:  booking.State,
		ExpectedState: expectedState,
		StateMatches:  booking.State == expectedState,
	}
	if principalID == uuid.Nil {
		return res, nil
	}
	if !booking.Participant(principalID) {
		return nil, domain.ErrNotParticipant
	}
	res.Booking = booking
	return res, nil
}

// GetBooking returns the booking if the principal participates in it.
func (s *Service) GetBooking(ctx context.Context, principalID, bookingID uuid.UUID) (*domain.Booking, error) {
	return s.authorizedBooking(ctx, principalID, bookingID)
}

// ListBookings returns the principal's bookings, newest first.
func (s *Service) ListBookings(ctx context.Context, principalID uuid.UUID, limit, offset int) ([]domain.Booking, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListBookingsForParticipant(ctx, principalID, limit, offset)
}

func (s *Service) authorizedBooking(ctx context.Context, principalID, bookingID uuid.UUID) (*domain.Booking, error) {
	booking, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !booking.Participant(principalID) {
		return nil, domain.ErrNotParticipant
	}
	return booking, nil
}

// schedulingURL builds the provider scheduling link with the booking id as
// utm_content, the tracking field the invitee webhook echoes back.
func (s *Service) schedulingURL(bookingID uuid.UUID) string {
	query := url.Values{}
	query.Set("utm_source", "booking-service")
	query.Set("utm_content", bookingID.String())
	return fmt.Sprintf("%s?%s", s.calendlyBaseURL, query.Encode())
}

func rejectionError(res ApplyResult) error {
	return &domain.TransitionRejectedError{
		CurrentState:  res.Booking.State,
		PaymentStatus: res.Booking.PaymentStatus,
		Reason:        res.RejectionReason,
	}
}
