// Package syncworker consumes event pointers from the bus and applies
// last-write-wins updates to the mirrored tables under optimistic
// concurrency.
package syncworker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/crmsync/internal/bus"
	"github.com/erauner12/crmsync/internal/metrics"
	"github.com/erauner12/crmsync/internal/store"
)

// Pool runs a fixed number of queue consumers. Consumers run on their own
// goroutines, separate from the HTTP handler pool, so ingestion latency is
// unaffected by sync backpressure.
type Pool struct {
	DB      *pgxpool.Pool
	Store   *store.Store
	Bus     *bus.Bus
	Applier *Applier
	Workers int

	// IdleSleep is how long a consumer sleeps when the queue is empty.
	IdleSleep time.Duration
}

// Run starts the consumers and blocks until ctx is cancelled and all
// consumers have drained their in-flight message.
func (p *Pool) Run(ctx context.Context) {
	if p.IdleSleep == 0 {
		p.IdleSleep = time.Second
	}

	var wg sync.WaitGroup
	for i := 0; i < p.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.consume(ctx, id)
		}(i)
	}

	log.Info().Int("workers", p.Workers).Msg("sync worker pool started")
	wg.Wait()
	log.Info().Msg("sync worker pool stopped")
}

func (p *Pool) consume(ctx context.Context, id int) {
	logger := log.With().Int("worker", id).Logger()

	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := p.Bus.Receive(ctx)
		if err != nil {
			if errors.Is(err, bus.ErrEmpty) {
				select {
				case <-ctx.Done():
					return
				case <-time.After(p.IdleSleep):
				}
				continue
			}
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("queue receive failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.IdleSleep):
			}
			continue
		}

		p.handle(ctx, logger, msg)
	}
}

// handle processes one claimed message end to end: load the event under a
// row lock, apply the record write, set the terminal event state, commit,
// then ack. A failed commit leaves the claim to lapse and the message is
// redelivered (at-least-once).
func (p *Pool) handle(ctx context.Context, logger zerolog.Logger, msg *bus.Message) {
	ptr, err := msg.Pointer()
	if err != nil {
		// Unparseable pointer can never succeed
		if dlErr := p.Bus.DeadLetter(ctx, msg, "malformed pointer: "+err.Error()); dlErr != nil {
			logger.Error().Err(dlErr).Int64("message_id", msg.ID).Msg("dead-letter failed")
			return
		}
		metrics.DeadLetters.Inc()
		return
	}

	logger = logger.With().
		Stringer("event_id", ptr.EventID).
		Str("module", ptr.Module).
		Str("external_id", ptr.ExternalID).
		Str("correlation_id", msg.CorrelationID).
		Logger()

	outcome, err := p.processEvent(ctx, ptr)
	switch {
	case err == nil:
		if ackErr := p.Bus.Ack(ctx, msg); ackErr != nil {
			logger.Error().Err(ackErr).Msg("ack failed; message will be redelivered")
			return
		}
		if outcome != "" {
			logger.Info().Str("outcome", string(outcome)).Msg("event processed")
		}

	case errors.Is(err, ErrPoisoned):
		// Structural validation failed: no blind retries
		if p.failEvent(ctx, ptr, err) {
			if dlErr := p.Bus.DeadLetter(ctx, msg, err.Error()); dlErr != nil {
				logger.Error().Err(dlErr).Msg("dead-letter failed")
				return
			}
			metrics.DeadLetters.Inc()
			logger.Warn().Err(err).Msg("poisoned payload dead-lettered")
		}

	default:
		// Transient: nack with backoff, DLQ after the retry budget
		logger.Warn().Err(err).Int("attempts", msg.Attempts).Msg("event processing failed, will retry")
		if nackErr := p.Bus.Nack(ctx, msg, err.Error()); nackErr != nil {
			logger.Error().Err(nackErr).Msg("nack failed")
		}
	}
}

// processEvent runs the per-message algorithm inside one transaction.
// Returns an empty outcome when the event was already terminal (dedup after
// at-least-once redelivery).
func (p *Pool) processEvent(ctx context.Context, ptr bus.EventPointer) (Outcome, error) {
	tx, err := p.DB.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	ev, alreadyDone, err := p.Store.ClaimWebhookEvent(ctx, tx, ptr.EventID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Audit row GC'd or never written; nothing to do
			return "", nil
		}
		return "", fmt.Errorf("claim event: %w", err)
	}
	if alreadyDone {
		return "", tx.Commit(ctx)
	}

	outcome, err := p.Applier.Apply(ctx, tx, ev.Module, ev.Kind, ev.Payload)
	if err != nil {
		return "", err
	}

	if err := p.Store.FinishWebhookEvent(ctx, tx, ev.EventID, outcome.Terminal(), ""); err != nil {
		return "", fmt.Errorf("finish event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}

	if outcome.Terminal() == store.EventConflict {
		if err := p.Store.IncrCounter(ctx, ev.Module, store.CounterConflicts); err != nil {
			log.Warn().Err(err).Msg("conflict counter update failed")
		}
	}
	return outcome, nil
}

// failEvent marks the audit row failed with the poison reason. Reports
// whether the terminal state was recorded (the DLQ move waits for it).
func (p *Pool) failEvent(ctx context.Context, ptr bus.EventPointer, cause error) bool {
	tx, err := p.DB.Begin(ctx)
	if err != nil {
		return false
	}
	defer tx.Rollback(ctx)

	if err := p.Store.FinishWebhookEvent(ctx, tx, ptr.EventID, store.EventFailed, cause.Error()); err != nil {
		return false
	}
	return tx.Commit(ctx) == nil
}
