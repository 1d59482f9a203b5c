// Package maintenance runs the periodic housekeeping pass: retention
// cleanup, stuck-event recovery, and counter resets.
package maintenance

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/crmsync/internal/bus"
	"github.com/erauner12/crmsync/internal/metrics"
	"github.com/erauner12/crmsync/internal/store"
)

// Reaper bundles the housekeeping tasks into one loop body. It runs under
// the same leader lease as the poller so cleanup happens exactly once per
// deployment.
type Reaper struct {
	Store *store.Store
	Bus   *bus.Bus

	// EventRetention bounds how long successful webhook_log rows are kept.
	EventRetention time.Duration

	// MemoryRetention bounds cold conversation memory.
	MemoryRetention time.Duration

	// StuckAge marks pending events older than this as orphaned; they are
	// re-enqueued (a receiver that crashed between the log insert and the
	// queue publish leaves such rows behind).
	StuckAge time.Duration

	lastCounterReset time.Time
}

const (
	defaultEventRetention = 30 * 24 * time.Hour
	clarificationGrace    = 24 * time.Hour
	stuckBatch            = 100
)

// Run executes one housekeeping pass.
func (r *Reaper) Run(ctx context.Context) {
	retention := r.EventRetention
	if retention == 0 {
		retention = defaultEventRetention
	}

	if n, err := r.Store.DeleteOldSuccessEvents(ctx, retention); err != nil {
		log.Error().Err(err).Msg("webhook log cleanup failed")
	} else if n > 0 {
		log.Info().Int64("deleted", n).Msg("old webhook events removed")
	}

	if n, err := r.Store.DeleteOldTurns(ctx, r.MemoryRetention); err != nil {
		log.Error().Err(err).Msg("conversation memory cleanup failed")
	} else if n > 0 {
		log.Info().Int64("deleted", n).Msg("old conversation turns removed")
	}

	if n, err := r.Store.ReapExpiredClarifications(ctx, clarificationGrace); err != nil {
		log.Error().Err(err).Msg("clarification cleanup failed")
	} else if n > 0 {
		log.Info().Int64("deleted", n).Msg("expired clarification sessions removed")
	}

	r.requeueStuck(ctx)
	r.resetCountersDaily(ctx)

	if depth, err := r.Bus.Depth(ctx); err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}
}

// requeueStuck re-publishes pending events whose queue message was lost.
func (r *Reaper) requeueStuck(ctx context.Context) {
	age := r.StuckAge
	if age == 0 {
		age = 10 * time.Minute
	}

	stuck, err := r.Store.StuckPendingEvents(ctx, age, stuckBatch)
	if err != nil {
		log.Error().Err(err).Msg("stuck event scan failed")
		return
	}

	for _, ev := range stuck {
		ptr := bus.EventPointer{
			EventID:    ev.EventID,
			Module:     string(ev.Module),
			ExternalID: ev.ExternalID,
			EnqueuedAt: time.Now().UTC(),
		}
		if err := r.Bus.Enqueue(ctx, ptr, ev.EventID.String(), map[string]string{"requeued": "true"}); err != nil {
			log.Error().Err(err).Stringer("event_id", ev.EventID).Msg("stuck event requeue failed")
			continue
		}
		log.Warn().Stringer("event_id", ev.EventID).Str("module", string(ev.Module)).
			Msg("orphaned pending event re-enqueued")
	}
}

// resetCountersDaily zeroes the per-module counters once per day. The
// counters approximate "last 24 hours" as a reset-to-reset window, not a
// sliding one; a status read shortly after a reset reports a short window.
func (r *Reaper) resetCountersDaily(ctx context.Context) {
	now := time.Now().UTC()
	if now.Sub(r.lastCounterReset) < 24*time.Hour {
		return
	}
	if err := r.Store.ResetCounters(ctx); err != nil {
		log.Error().Err(err).Msg("counter reset failed")
		return
	}
	r.lastCounterReset = now
	log.Info().Msg("rolling sync counters reset")
}
