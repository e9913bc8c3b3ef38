package booking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/builderhub/booking-service/internal/clock"
	"github.com/builderhub/booking-service/internal/domain"
	"github.com/builderhub/booking-service/pkg/rabbitmq"
	"github.com/google/uuid"
)

// memRepo is an in-memory Repository used to exercise the coordinator's
// read-modify-write cycle, including injected version conflicts.
type memRepo struct {
	bookings     map[uuid.UUID]*domain.Booking
	ledger       map[string]domain.LedgerEntry
	sessionTypes map[uuid.UUID]*domain.SessionType

	applyCalls       int
	conflictsToServe int
}

func newMemRepo() *memRepo {
	return &memRepo{
		bookings:     make(map[uuid.UUID]*domain.Booking),
		ledger:       make(map[string]domain.LedgerEntry),
		sessionTypes: make(map[uuid.UUID]*domain.SessionType),
	}
}

func (m *memRepo) GetBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	b, ok := m.bookings[id]
	if !ok {
		return nil, domain.ErrBookingNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *memRepo) FindBookingByCalendlyEventID(ctx context.Context, calendlyEventID string) (*domain.Booking, error) {
	for _, b := range m.bookings {
		if b.CalendlyEventID != nil && *b.CalendlyEventID == calendlyEventID {
			cp := *b
			return &cp, nil
		}
	}
	return nil, domain.ErrBookingNotFound
}

func (m *memRepo) ListBookingsForParticipant(ctx context.Context, principalID uuid.UUID, limit, offset int) ([]domain.Booking, error) {
	var out []domain.Booking
	for _, b := range m.bookings {
		if b.Participant(principalID) {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (m *memRepo) ListStaleBookings(ctx context.Context, updatedBefore time.Time, states []domain.BookingState) ([]domain.Booking, error) {
	var out []domain.Booking
	for _, b := range m.bookings {
		for _, s := range states {
			if b.State == s && b.UpdatedAt.Before(updatedBefore) {
				out = append(out, *b)
			}
		}
	}
	return out, nil
}

func (m *memRepo) CreateBooking(ctx context.Context, b *domain.Booking) error {
	cp := *b
	m.bookings[b.ID] = &cp
	return nil
}

func (m *memRepo) ApplyTransition(ctx context.Context, b *domain.Booking, expectedVersion int64, entry *domain.LedgerEntry) error {
	m.applyCalls++
	if m.conflictsToServe > 0 {
		m.conflictsToServe--
		// Simulate the concurrent winner: bump the stored version.
		if stored, ok := m.bookings[b.ID]; ok {
			stored.Version++
		}
		return domain.ErrVersionConflict
	}
	stored, ok := m.bookings[b.ID]
	if !ok {
		return domain.ErrBookingNotFound
	}
	if stored.Version != expectedVersion {
		return domain.ErrVersionConflict
	}
	if entry != nil {
		if _, exists := m.ledger[entry.ProviderEventID]; exists {
			return domain.ErrDuplicateEvent
		}
		m.ledger[entry.ProviderEventID] = *entry
	}
	cp := *b
	cp.Version = expectedVersion + 1
	m.bookings[b.ID] = &cp
	b.Version = cp.Version
	return nil
}

func (m *memRepo) GetLedgerEntry(ctx context.Context, providerEventID string) (*domain.LedgerEntry, error) {
	if entry, ok := m.ledger[providerEventID]; ok {
		cp := entry
		return &cp, nil
	}
	return nil, nil
}

func (m *memRepo) InsertLedgerEntry(ctx context.Context, entry domain.LedgerEntry) error {
	if _, exists := m.ledger[entry.ProviderEventID]; exists {
		return nil
	}
	m.ledger[entry.ProviderEventID] = entry
	return nil
}

func (m *memRepo) GetSessionType(ctx context.Context, id uuid.UUID) (*domain.SessionType, error) {
	st, ok := m.sessionTypes[id]
	if !ok {
		return nil, domain.ErrSessionTypeNotFound
	}
	cp := *st
	return &cp, nil
}

type publisherStub struct {
	events []rabbitmq.BookingLifecycleEvent
	err    error
}

func (p *publisherStub) PublishBookingLifecycleEvent(ctx context.Context, event rabbitmq.BookingLifecycleEvent) error {
	p.events = append(p.events, event)
	return p.err
}

func testCoordinator(repo *memRepo) (*Coordinator, *publisherStub) {
	pub := &publisherStub{}
	clk := clock.NewFixed(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewCoordinator(repo, NewMachine(3), clk, pub), pub
}

func seedBooking(repo *memRepo, state domain.BookingState, payment domain.PaymentStatus, calendlyEventID string) *domain.Booking {
	b := &domain.Booking{
		ID:            uuid.New(),
		BuilderID:     uuid.New(),
		ClientID:      uuid.New(),
		SessionTypeID: uuid.New(),
		PriceCents:    15000,
		Currency:      "usd",
		State:         state,
		PaymentStatus: payment,
		Version:       3,
	}
	if calendlyEventID != "" {
		b.CalendlyEventID = &calendlyEventID
	}
	repo.bookings[b.ID] = b
	return b
}

func TestApply_PaymentFinalizeAndReplay(t *testing.T) {
	repo := newMemRepo()
	coord, pub := testCoordinator(repo)
	b1 := seedBooking(repo, domain.StateEventScheduled, domain.PaymentStatusNone, "cal_evt_1")

	payment := domain.Event{
		Kind:                  domain.EventPaymentSucceeded,
		BookingID:             b1.ID,
		ProviderEventID:       "evt_1",
		StripeSessionID:       "cs_1",
		StripePaymentIntentID: "pi_1",
	}
	res, err := coord.Apply(context.Background(), payment)
	if err != nil {
		t.Fatalf("apply payment: %v", err)
	}
	if !res.Applied || res.Booking.State != domain.StatePaymentSucceeded {
		t.Fatalf("apply payment: result %+v", res)
	}
	if res.Booking.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("payment status = %s, want PAID", res.Booking.PaymentStatus)
	}
	if res.Booking.StripeSessionID == nil || *res.Booking.StripeSessionID != "cs_1" {
		t.Fatal("stripe session id not recorded")
	}
	if res.Booking.Version != 4 {
		t.Fatalf("version = %d, want 4", res.Booking.Version)
	}

	res, err = coord.Apply(context.Background(), domain.Event{Kind: domain.EventFinalize, BookingID: b1.ID})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if !res.Applied || res.Booking.State != domain.StateBookingConfirmed {
		t.Fatalf("finalize: result %+v", res)
	}

	// Replaying evt_1 must be a fast no-op: no machine invocation, no write,
	// no second ledger row.
	callsBefore := repo.applyCalls
	res, err = coord.Apply(context.Background(), payment)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !res.Duplicate || res.Outcome != domain.LedgerOutcomeApplied {
		t.Fatalf("replay: result %+v", res)
	}
	if repo.applyCalls != callsBefore {
		t.Fatal("replay reached the store write path")
	}
	if repo.bookings[b1.ID].State != domain.StateBookingConfirmed {
		t.Fatalf("replay mutated state to %s", repo.bookings[b1.ID].State)
	}
	if len(repo.ledger) != 1 {
		t.Fatalf("ledger has %d entries, want 1", len(repo.ledger))
	}

	if len(pub.events) != 1 || pub.events[0].RoutingKey != "booking.confirmed" {
		t.Fatalf("published events = %+v", pub.events)
	}
}

func TestApply_CancellationWinsOverLatePayment(t *testing.T) {
	repo := newMemRepo()
	coord, _ := testCoordinator(repo)
	b2 := seedBooking(repo, domain.StateSchedulingInitiated, domain.PaymentStatusNone, "")

	res, err := coord.Apply(context.Background(), domain.Event{
		Kind:            domain.EventCancelled,
		BookingID:       b2.ID,
		ProviderEventID: "cal_invitee_1#invitee.canceled",
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !res.Applied || res.Booking.State != domain.StateCancelled {
		t.Fatalf("cancel: result %+v", res)
	}

	versionAfterCancel := repo.bookings[b2.ID].Version
	res, err = coord.Apply(context.Background(), domain.Event{
		Kind:            domain.EventPaymentSucceeded,
		BookingID:       b2.ID,
		ProviderEventID: "evt_9",
	})
	if err != nil {
		t.Fatalf("late payment: %v", err)
	}
	if !res.Rejected {
		t.Fatalf("late payment: result %+v", res)
	}
	if repo.bookings[b2.ID].State != domain.StateCancelled {
		t.Fatalf("late payment mutated state to %s", repo.bookings[b2.ID].State)
	}
	if repo.bookings[b2.ID].Version != versionAfterCancel {
		t.Fatal("rejected transition incremented the version")
	}

	// The rejection itself is ledgered, so redelivery of evt_9 short-circuits.
	entry, ok := repo.ledger["evt_9"]
	if !ok || entry.Outcome != domain.LedgerOutcomeRejected {
		t.Fatalf("rejected event not ledgered: %+v", repo.ledger)
	}
	res, err = coord.Apply(context.Background(), domain.Event{
		Kind:            domain.EventPaymentSucceeded,
		BookingID:       b2.ID,
		ProviderEventID: "evt_9",
	})
	if err != nil {
		t.Fatalf("redelivered rejected event: %v", err)
	}
	if !res.Duplicate || res.Outcome != domain.LedgerOutcomeRejected {
		t.Fatalf("redelivered rejected event: result %+v", res)
	}
}

func TestApply_RetriesVersionConflicts(t *testing.T) {
	repo := newMemRepo()
	coord, _ := testCoordinator(repo)
	b := seedBooking(repo, domain.StateEventScheduled, domain.PaymentStatusNone, "cal_evt_1")

	repo.conflictsToServe = 2
	res, err := coord.Apply(context.Background(), domain.Event{Kind: domain.EventInitiatePayment, BookingID: b.ID})
	if err != nil {
		t.Fatalf("apply with conflicts: %v", err)
	}
	if !res.Applied || res.Booking.State != domain.StatePaymentPending {
		t.Fatalf("apply with conflicts: result %+v", res)
	}
	if repo.applyCalls != 3 {
		t.Fatalf("apply calls = %d, want 3", repo.applyCalls)
	}
}

func TestApply_ConflictBudgetExhausted(t *testing.T) {
	repo := newMemRepo()
	coord, _ := testCoordinator(repo)
	b := seedBooking(repo, domain.StateEventScheduled, domain.PaymentStatusNone, "cal_evt_1")

	repo.conflictsToServe = 10
	_, err := coord.Apply(context.Background(), domain.Event{Kind: domain.EventInitiatePayment, BookingID: b.ID})
	if !errors.Is(err, ErrConflictRetriesExhausted) {
		t.Fatalf("want ErrConflictRetriesExhausted, got %v", err)
	}
}

func TestApply_EventIDBoundToAnotherBooking(t *testing.T) {
	repo := newMemRepo()
	coord, _ := testCoordinator(repo)
	seedBooking(repo, domain.StateEventScheduled, domain.PaymentStatusNone, "cal_evt_shared")
	victim := seedBooking(repo, domain.StateSchedulingInitiated, domain.PaymentStatusNone, "")

	res, err := coord.Apply(context.Background(), domain.Event{
		Kind:            domain.EventScheduled,
		BookingID:       victim.ID,
		ProviderEventID: "cal_invitee_7#invitee.created",
		CalendlyEventID: "cal_evt_shared",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Rejected {
		t.Fatalf("want rejection for cross-booking event id, got %+v", res)
	}
	if repo.bookings[victim.ID].State != domain.StateSchedulingInitiated {
		t.Fatal("guard failure mutated the booking")
	}
}

func TestApply_BookingNotFound(t *testing.T) {
	repo := newMemRepo()
	coord, _ := testCoordinator(repo)

	_, err := coord.Apply(context.Background(), domain.Event{Kind: domain.EventUserCancel, BookingID: uuid.New()})
	if !errors.Is(err, domain.ErrBookingNotFound) {
		t.Fatalf("want ErrBookingNotFound, got %v", err)
	}
}

func TestApply_PublishFailureDoesNotFailTransition(t *testing.T) {
	repo := newMemRepo()
	pub := &publisherStub{err: errors.New("broker down")}
	clk := clock.NewFixed(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	coord := NewCoordinator(repo, NewMachine(3), clk, pub)
	b := seedBooking(repo, domain.StatePaymentPending, domain.PaymentStatusPending, "cal_evt_1")

	res, err := coord.Apply(context.Background(), domain.Event{
		Kind:      domain.EventPaymentFailed,
		BookingID: b.ID,
		Reason:    "card declined",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Applied || res.Booking.State != domain.StatePaymentFailed {
		t.Fatalf("apply: result %+v", res)
	}
	if res.Booking.PaymentFailureReason == nil || *res.Booking.PaymentFailureReason != "card declined" {
		t.Fatal("failure reason not recorded")
	}
}
