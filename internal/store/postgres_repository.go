/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains the SQL for the bookings table, the append-only
 * webhook_events idempotency ledger, and session types.
 *
 * The lifecycle write (`ApplyTransition`) is a single transaction that
 * performs a conditional UPDATE guarded by the optimistic version counter and
 * inserts the ledger entry. A version mismatch surfaces as
 * domain.ErrVersionConflict; a ledger unique-constraint hit surfaces as
 * domain.ErrDuplicateEvent, and the whole transaction rolls back either way.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver, pool, and error inspection.
 * - internal/domain: domain models and sentinel errors.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/builderhub/booking-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolationCode = "23505"

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const bookingColumns = `
	id, builder_id, client_id, session_type_id, price_cents, currency,
	start_time, end_time, client_timezone, builder_timezone,
	state, payment_status,
	calendly_event_id, calendly_event_uri, stripe_session_id, stripe_payment_intent_id,
	payment_failure_reason, payment_retries,
	created_at, updated_at, version`

func scanBooking(row pgx.Row) (*domain.Booking, error) {
	var b domain.Booking
	err := row.Scan(
		&b.ID, &b.BuilderID, &b.ClientID, &b.SessionTypeID, &b.PriceCents, &b.Currency,
		&b.StartTime, &b.EndTime, &b.ClientTimezone, &b.BuilderTimezone,
		&b.State, &b.PaymentStatus,
		&b.CalendlyEventID, &b.CalendlyEventURI, &b.StripeSessionID, &b.StripePaymentIntentID,
		&b.PaymentFailureReason, &b.PaymentRetries,
		&b.CreatedAt, &b.UpdatedAt, &b.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrBookingNotFound
		}
		return nil, err
	}
	return &b, nil
}

// GetBooking retrieves a booking by id.
func (r *PostgresRepository) GetBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1`
	return scanBooking(r.db.QueryRow(ctx, query, id))
}

// FindBookingByCalendlyEventID retrieves the booking a scheduling event id is bound to.
func (r *PostgresRepository) FindBookingByCalendlyEventID(ctx context.Context, calendlyEventID string) (*domain.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE calendly_event_id = $1`
	return scanBooking(r.db.QueryRow(ctx, query, calendlyEventID))
}

// ListBookingsForParticipant lists bookings where the principal is the client or the builder.
func (r *PostgresRepository) ListBookingsForParticipant(ctx context.Context, principalID uuid.UUID, limit, offset int) ([]domain.Booking, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + bookingColumns + `
		FROM bookings
		WHERE client_id = $1 OR builder_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`
	rows, err := r.db.Query(ctx, query, principalID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bookings := make([]domain.Booking, 0, limit)
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, *b)
	}
	return bookings, rows.Err()
}

// ListStaleBookings returns bookings sitting in one of the given states with no
// update since the cutoff. Used by the stale-flow sweeper.
func (r *PostgresRepository) ListStaleBookings(ctx context.Context, updatedBefore time.Time, states []domain.BookingState) ([]domain.Booking, error) {
	if len(states) == 0 {
		return nil, nil
	}
	stateValues := make([]string, len(states))
	for i, s := range states {
		stateValues[i] = string(s)
	}
	query := `SELECT ` + bookingColumns + `
		FROM bookings
		WHERE state = ANY($1) AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT 200`
	rows, err := r.db.Query(ctx, query, stateValues, updatedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bookings []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, *b)
	}
	return bookings, rows.Err()
}

// CreateBooking inserts a new booking row.
func (r *PostgresRepository) CreateBooking(ctx context.Context, b *domain.Booking) error {
	query := `
		INSERT INTO bookings (
			id, builder_id, client_id, session_type_id, price_cents, currency,
			start_time, end_time, client_timezone, builder_timezone,
			state, payment_status,
			calendly_event_id, calendly_event_uri, stripe_session_id, stripe_payment_intent_id,
			payment_failure_reason, payment_retries,
			created_at, updated_at, version
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21
		)`
	_, err := r.db.Exec(ctx, query,
		b.ID, b.BuilderID, b.ClientID, b.SessionTypeID, b.PriceCents, b.Currency,
		b.StartTime, b.EndTime, b.ClientTimezone, b.BuilderTimezone,
		b.State, b.PaymentStatus,
		b.CalendlyEventID, b.CalendlyEventURI, b.StripeSessionID, b.StripePaymentIntentID,
		b.PaymentFailureReason, b.PaymentRetries,
		b.CreatedAt, b.UpdatedAt, b.Version,
	)
	return err
}

// ApplyTransition persists a computed transition. The UPDATE is conditioned on
// the version read at load time; zero rows affected means another transition
// got there first. The ledger entry, when present, rides the same transaction.
func (r *PostgresRepository) ApplyTransition(ctx context.Context, b *domain.Booking, expectedVersion int64, entry *domain.LedgerEntry) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE bookings SET
			state = $1, payment_status = $2,
			start_time = $3, end_time = $4,
			calendly_event_id = $5, calendly_event_uri = $6,
			stripe_session_id = $7, stripe_payment_intent_id = $8,
			payment_failure_reason = $9, payment_retries = $10,
			updated_at = $11, version = version + 1
		WHERE id = $12 AND version = $13`
	tag, err := tx.Exec(ctx, query,
		b.State, b.PaymentStatus,
		b.StartTime, b.EndTime,
		b.CalendlyEventID, b.CalendlyEventURI,
		b.StripeSessionID, b.StripePaymentIntentID,
		b.PaymentFailureReason, b.PaymentRetries,
		b.UpdatedAt,
		b.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update booking: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a vanished booking from a concurrent transition.
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bookings WHERE id = $1)`, b.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check booking existence: %w", err)
		}
		if !exists {
			return domain.ErrBookingNotFound
		}
		return domain.ErrVersionConflict
	}

	if entry != nil {
		if err := insertLedgerEntry(ctx, tx, *entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transition tx: %w", err)
	}
	b.Version = expectedVersion + 1
	return nil
}

// GetLedgerEntry looks up an already-applied provider event id.
func (r *PostgresRepository) GetLedgerEntry(ctx context.Context, providerEventID string) (*domain.LedgerEntry, error) {
	var entry domain.LedgerEntry
	query := `SELECT provider_event_id, booking_id, outcome, applied_at FROM webhook_events WHERE provider_event_id = $1`
	err := r.db.QueryRow(ctx, query, providerEventID).Scan(&entry.ProviderEventID, &entry.BookingID, &entry.Outcome, &entry.AppliedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// InsertLedgerEntry records a provider event outside a booking mutation (used
// for rejected no-op transitions). A duplicate insert attempt means the event
// was already recorded, which is fine.
func (r *PostgresRepository) InsertLedgerEntry(ctx context.Context, entry domain.LedgerEntry) error {
	err := insertLedgerEntry(ctx, r.db, entry)
	if errors.Is(err, domain.ErrDuplicateEvent) {
		return nil
	}
	return err
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertLedgerEntry(ctx context.Context, db execer, entry domain.LedgerEntry) error {
	query := `INSERT INTO webhook_events (provider_event_id, booking_id, outcome, applied_at) VALUES ($1,$2,$3,$4)`
	_, err := db.Exec(ctx, query, entry.ProviderEventID, entry.BookingID, entry.Outcome, entry.AppliedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return domain.ErrDuplicateEvent
		}
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// GetSessionType retrieves a session type by id.
func (r *PostgresRepository) GetSessionType(ctx context.Context, id uuid.UUID) (*domain.SessionType, error) {
	var st domain.SessionType
	query := `SELECT id, builder_id, title, duration_minutes, price_cents, currency, active, created_at
		FROM session_types WHERE id = $1`
	err := r.db.QueryRow(ctx, query, id).Scan(
		&st.ID, &st.BuilderID, &st.Title, &st.DurationMinutes,
		&st.PriceCents, &st.Currency, &st.Active, &st.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSessionTypeNotFound
		}
		return nil, err
	}
	return &st, nil
}
