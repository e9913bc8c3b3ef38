/**
 * @description
 * This file defines the `Repository` interface: the contract for all data
 * access the booking-service needs. The interface keeps the coordinator and
 * flow service decoupled from PostgreSQL, which is what makes the transition
 * logic testable with in-memory stubs.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: id handling.
 * - internal/domain: domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/builderhub/booking-service/internal/domain"
	"github.com/google/uuid"
)

// Repository defines the set of methods for interacting with the database.
//
// ApplyTransition is the only write path for booking lifecycle fields: it
// performs the conditional write-with-version-check and, when a ledger entry
// is supplied, inserts it in the same transaction so a booking mutation and
// its idempotency record can never be persisted separately.
type Repository interface {
	// Booking reads.
	GetBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error)
	FindBookingByCalendlyEventID(ctx context.Context, calendlyEventID string) (*domain.Booking, error)
	ListBookingsForParticipant(ctx context.Context, principalID uuid.UUID, limit, offset int) ([]domain.Booking, error)
	ListStaleBookings(ctx context.Context, updatedBefore time.Time, states []domain.BookingState) ([]domain.Booking, error)

	// Booking writes.
	CreateBooking(ctx context.Context, booking *domain.Booking) error
	ApplyTransition(ctx context.Context, booking *domain.Booking, expectedVersion int64, entry *domain.LedgerEntry) error

	// Idempotency ledger.
	GetLedgerEntry(ctx context.Context, providerEventID string) (*domain.LedgerEntry, error)
	InsertLedgerEntry(ctx context.Context, entry domain.LedgerEntry) error

	// Session types.
	GetSessionType(ctx context.Context, id uuid.UUID) (*domain.SessionType, error)
}
