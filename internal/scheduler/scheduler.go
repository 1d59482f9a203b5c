// Package scheduler drives scheduled digest deliveries: a single-leader tick
// loop claims due subscriptions and fans the build-and-send jobs out over a
// bounded worker group.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/crmsync/internal/store"
)

// Deliverer builds and dispatches one digest. Implemented by the dispatch
// package; faked in tests.
type Deliverer interface {
	Deliver(ctx context.Context, sub store.Subscription, anchor time.Time) error
}

// Scheduler wakes on every tick, claims due subscriptions, and hands each to
// the Deliverer. Claiming nulls next_delivery_at atomically, so a competing
// instance that slips past the lease cannot double-deliver.
type Scheduler struct {
	Store     *store.Store
	Deliverer Deliverer

	// Concurrency bounds the number of in-flight delivery jobs per tick.
	Concurrency int

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Scheduler.
func New(st *store.Store, d Deliverer, concurrency int) *Scheduler {
	if concurrency < 1 {
		concurrency = 4
	}
	return &Scheduler{Store: st, Deliverer: d, Concurrency: concurrency, now: time.Now}
}

// Tick runs one scheduling pass. Called from the leader loop.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now().UTC()

	due, err := s.Store.ClaimDueSubscriptions(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("due subscription claim failed")
		return
	}
	if len(due) == 0 {
		return
	}

	log.Info().Int("due", len(due)).Msg("claimed due subscriptions")

	sem := make(chan struct{}, s.Concurrency)
	var wg sync.WaitGroup

	for _, d := range due {
		wg.Add(1)
		sem <- struct{}{}
		go func(d store.DueSubscription) {
			defer wg.Done()
			defer func() { <-sem }()
			// Deliver against the scheduled anchor, not the tick time:
			// delivery identity is (subscription, anchor), and two leaders
			// claiming around the same instant must compute the same key.
			s.runJob(ctx, d.Subscription, d.Anchor.UTC())
		}(d)
	}
	wg.Wait()
}

// runJob executes one build-and-send job and writes the recomputed anchor
// back regardless of delivery outcome: a failed delivery is retried by
// operator action, not by stalling the cadence.
func (s *Scheduler) runJob(ctx context.Context, sub store.Subscription, anchor time.Time) {
	logger := log.With().
		Stringer("subscription_id", sub.ID).
		Str("cadence", string(sub.Cadence)).
		Logger()

	deliverErr := s.Deliverer.Deliver(ctx, sub, anchor)

	next, err := NextAnchor(sub.Cadence, s.now(), sub.Timezone)
	if err != nil {
		// Bad timezone should have been rejected at the boundary; fall back
		// to UTC rather than dropping the subscription off the schedule.
		logger.Error().Err(err).Msg("anchor recompute failed, using UTC")
		next, _ = NextAnchor(sub.Cadence, s.now(), "UTC")
	}

	var deliveredAt *time.Time
	if deliverErr == nil {
		t := s.now().UTC()
		deliveredAt = &t
	} else {
		logger.Error().Err(deliverErr).Msg("digest delivery failed")
	}

	if err := s.Store.FinishSubscriptionDelivery(ctx, sub.ID, deliveredAt, next); err != nil {
		logger.Error().Err(err).Msg("subscription reschedule failed")
		return
	}
	logger.Info().Time("next_delivery", next).Bool("delivered", deliverErr == nil).
		Msg("subscription rescheduled")
}
