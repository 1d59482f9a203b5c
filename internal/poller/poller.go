// Package poller periodically sweeps the vendor for records modified after
// each module's cursor, healing webhook gaps (missed events, lost retries,
// dead-lettered messages).
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/crmsync/internal/crm"
	"github.com/erauner12/crmsync/internal/store"
	"github.com/erauner12/crmsync/internal/syncworker"
)

// Client is the slice of the vendor API the poller needs.
type Client interface {
	ModifiedSince(ctx context.Context, module crm.Module, cursor time.Time) ([]map[string]any, error)
}

// Poller sweeps all four modules on a fixed interval. It runs under the
// poller lease; only one instance sweeps at a time.
type Poller struct {
	DB      *pgxpool.Pool
	Store   *store.Store
	Client  Client
	Applier *syncworker.Applier

	Interval time.Duration
}

// SweepAll runs one sweep across every module. Called from the leader loop;
// each module's cursor advances only when its sweep fully succeeds.
func (p *Poller) SweepAll(ctx context.Context) {
	for _, module := range crm.Modules {
		if ctx.Err() != nil {
			return
		}
		if err := p.sweep(ctx, module); err != nil {
			log.Error().Err(err).Str("module", string(module)).Msg("reconciliation sweep failed")
			if markErr := p.Store.MarkSyncError(ctx, module, err.Error()); markErr != nil {
				log.Error().Err(markErr).Str("module", string(module)).Msg("sync error mark failed")
			}
		}
	}
}

func (p *Poller) sweep(ctx context.Context, module crm.Module) error {
	cursor, err := p.Store.SyncCursor(ctx, module)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	if cursor.IsZero() {
		// First sweep backfills a bounded window rather than full history
		cursor = time.Now().UTC().Add(-24 * time.Hour)
	}

	records, err := p.Client.ModifiedSince(ctx, module, cursor)
	if err != nil {
		return fmt.Errorf("vendor query: %w", err)
	}

	applied, skipped := 0, 0
	maxModified := cursor

	for _, payload := range records {
		outcome, err := p.applyOne(ctx, module, payload)
		if err != nil {
			// One bad record does not advance the cursor past it; the next
			// sweep retries from the last good position.
			return fmt.Errorf("apply record: %w", err)
		}
		switch outcome {
		case syncworker.OutcomeNoop, syncworker.OutcomeStale:
			skipped++
		default:
			applied++
		}
		if ext, extErr := crm.Extract(payload); extErr == nil && ext.ModifiedAt.After(maxModified) {
			maxModified = ext.ModifiedAt
		}
	}

	next := time.Now().UTC().Add(p.Interval)
	if err := p.Store.AdvanceCursor(ctx, module, maxModified, next); err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}

	if len(records) > 0 {
		log.Info().Str("module", string(module)).
			Int("fetched", len(records)).Int("applied", applied).Int("skipped", skipped).
			Time("cursor", maxModified).
			Msg("reconciliation sweep complete")
	}
	return nil
}

// applyOne funnels a polled record through the same apply path as the sync
// worker. Poller writes do not create webhook_log rows.
func (p *Poller) applyOne(ctx context.Context, module crm.Module, payload map[string]any) (syncworker.Outcome, error) {
	tx, err := p.DB.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	kind := crm.EventUpdate
	if del, ok := payload["deleted"].(bool); ok && del {
		kind = crm.EventDelete
	}

	outcome, err := p.Applier.Apply(ctx, tx, module, kind, payload)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return outcome, nil
}
