package booking

import (
	"testing"
	"time"

	"github.com/builderhub/booking-service/internal/clock"
	"github.com/builderhub/booking-service/internal/domain"
)

func TestRunSweep_ExpiresAbandonedAndFinalizesStuckPaid(t *testing.T) {
	repo := newMemRepo()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFixed(now)
	coord := NewCoordinator(repo, NewMachine(3), clk, &publisherStub{})
	sweeper := NewSweeper(repo, coord, clk, time.Hour, "@every 5m")

	abandoned := seedBooking(repo, domain.StateSchedulingInitiated, domain.PaymentStatusNone, "")
	repo.bookings[abandoned.ID].UpdatedAt = now.Add(-2 * time.Hour)

	fresh := seedBooking(repo, domain.StateSchedulingInitiated, domain.PaymentStatusNone, "")
	repo.bookings[fresh.ID].UpdatedAt = now.Add(-10 * time.Minute)

	stuckPaid := seedBooking(repo, domain.StatePaymentSucceeded, domain.PaymentStatusPaid, "cal_evt_1")
	repo.bookings[stuckPaid.ID].UpdatedAt = now.Add(-2 * time.Hour)

	sweeper.RunSweep()

	if got := repo.bookings[abandoned.ID].State; got != domain.StateCancelled {
		t.Fatalf("abandoned booking state = %s, want CANCELLED", got)
	}
	if got := repo.bookings[fresh.ID].State; got != domain.StateSchedulingInitiated {
		t.Fatalf("fresh booking state = %s, want untouched", got)
	}
	if got := repo.bookings[stuckPaid.ID].State; got != domain.StateBookingConfirmed {
		t.Fatalf("stuck paid booking state = %s, want BOOKING_CONFIRMED", got)
	}
}

func TestRunSweep_NeverExpiresPaidBookings(t *testing.T) {
	for _, state := range expirableStates {
		if state == domain.StatePaymentSucceeded || state.Terminal() {
			t.Fatalf("%s must not be expirable", state)
		}
	}
}
