/**
 * @description
 * This file implements the stale-flow sweeper: a cron-driven background job
 * that cleans up bookings abandoned mid-flow. Two classes of stragglers exist:
 *
 *   - Pre-payment bookings (IDLE through PAYMENT_PENDING, plus PAYMENT_FAILED)
 *     that have not moved within the configured TTL are expired. The expire
 *     event runs through the coordinator like any other, so a booking that
 *     races to a paid state between the listing and the write is left alone.
 *   - Bookings stuck in PAYMENT_SUCCEEDED, meaning the confirmation step was
 *     missed (a crash between the payment webhook and finalization), are
 *     finalized rather than expired. Money was taken; the session happens.
 *
 * @dependencies
 * - github.com/robfig/cron/v3: job scheduling.
 * - internal/store: stale booking listing.
 * - internal/clock: injected time source so cutoffs are testable.
 */

package booking

import (
	"context"
	"log"
	"time"

	"github.com/builderhub/booking-service/internal/clock"
	"github.com/builderhub/booking-service/internal/domain"
	"github.com/builderhub/booking-service/internal/store"
	"github.com/robfig/cron/v3"
)

// expirableStates are the lifecycle states the sweeper may expire. Paid and
// terminal states are never listed.
var expirableStates = []domain.BookingState{
	domain.StateIdle,
	domain.StateSessionTypeSelected,
	domain.StateSchedulingInitiated,
	domain.StateEventScheduled,
	domain.StatePaymentPending,
	domain.StatePaymentFailed,
}

// Sweeper expires abandoned bookings and finalizes stuck paid ones on a
// cron schedule.
type Sweeper struct {
	repo        store.Repository
	coordinator *Coordinator
	clock       clock.Clock
	staleTTL    time.Duration
	schedule    string
	cron        *cron.Cron
}

func NewSweeper(repo store.Repository, coordinator *Coordinator, clk clock.Clock, staleTTL time.Duration, schedule string) *Sweeper {
	return &Sweeper{
		repo:        repo,
		coordinator: coordinator,
		clock:       clk,
		staleTTL:    staleTTL,
		schedule:    schedule,
		cron:        cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger))),
	}
}

// Start registers the sweep job and starts the cron runner.
func (s *Sweeper) Start() {
	if _, err := s.cron.AddFunc(s.schedule, s.RunSweep); err != nil {
		log.Printf("level=error component=sweeper msg=\"failed to schedule sweep job\" schedule=%q err=%v", s.schedule, err)
		return
	}
	log.Printf("level=info component=sweeper msg=\"scheduled stale booking sweep\" schedule=%q stale_ttl=%s", s.schedule, s.staleTTL)
	s.cron.Start()
}

// Stop stops the cron runner and returns a context that completes when any
// in-flight sweep finishes.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

// RunSweep performs one sweep pass. It is exported so an operator endpoint or
// test can trigger it outside the schedule.
func (s *Sweeper) RunSweep() {
	ctx := context.Background()
	cutoff := s.clock.Now().Add(-s.staleTTL)

	s.expireAbandoned(ctx, cutoff)
	s.finalizeStuckPaid(ctx, cutoff)
}

func (s *Sweeper) expireAbandoned(ctx context.Context, cutoff time.Time) {
	stale, err := s.repo.ListStaleBookings(ctx, cutoff, expirableStates)
	if err != nil {
		log.Printf("level=error component=sweeper msg=\"listing stale bookings failed\" err=%v", err)
		return
	}

	expired := 0
	for _, b := range stale {
		res, err := s.coordinator.Apply(ctx, domain.Event{
			Kind:      domain.EventExpire,
			BookingID: b.ID,
			Reason:    "booking flow abandoned",
		})
		if err != nil {
			log.Printf("level=warn component=sweeper msg=\"expire failed\" booking_id=%s err=%v", b.ID, err)
			continue
		}
		if res.Applied {
			expired++
		}
	}

	if len(stale) > 0 {
		log.Printf("level=info component=sweeper msg=\"expired abandoned bookings\" candidates=%d expired=%d cutoff=%s", len(stale), expired, cutoff.Format(time.RFC3339))
	}
}

func (s *Sweeper) finalizeStuckPaid(ctx context.Context, cutoff time.Time) {
	stuck, err := s.repo.ListStaleBookings(ctx, cutoff, []domain.BookingState{domain.StatePaymentSucceeded})
	if err != nil {
		log.Printf("level=error component=sweeper msg=\"listing stuck paid bookings failed\" err=%v", err)
		return
	}

	for _, b := range stuck {
		res, err := s.coordinator.Apply(ctx, domain.Event{
			Kind:      domain.EventFinalize,
			BookingID: b.ID,
		})
		if err != nil {
			log.Printf("level=warn component=sweeper msg=\"finalize failed\" booking_id=%s err=%v", b.ID, err)
			continue
		}
		if res.Applied {
			log.Printf("level=info component=sweeper msg=\"finalized stuck paid booking\" booking_id=%s", b.ID)
		}
	}
}
