package syncworker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/crmsync/internal/crm"
	"github.com/erauner12/crmsync/internal/metrics"
	"github.com/erauner12/crmsync/internal/store"
)

// Outcome classifies how an apply attempt ended.
type Outcome string

const (
	OutcomeCreated    Outcome = "created"
	OutcomeUpdated    Outcome = "updated"
	OutcomeTombstoned Outcome = "tombstoned"
	OutcomeNoop       Outcome = "noop" // already mirrored at this modified time
	OutcomeStale      Outcome = "stale"    // stale_update conflict recorded
	OutcomeConflict   Outcome = "conflict" // concurrent_write loser after retry
	OutcomeMissing    Outcome = "missing"  // missing_record conflict recorded
)

// Terminal returns the webhook event state for this outcome.
func (o Outcome) Terminal() store.EventState {
	switch o {
	case OutcomeCreated, OutcomeUpdated, OutcomeTombstoned, OutcomeNoop:
		return store.EventSuccess
	default:
		return store.EventConflict
	}
}

// ErrPoisoned marks a payload that fails structural validation; it goes
// straight to the DLQ with no retries.
var ErrPoisoned = errors.New("syncworker: poisoned payload")

// Applier implements last-write-wins upserts under the optimistic version
// check. Both the sync worker and the reconciliation poller funnel writes
// through here so conflict handling is identical on both paths.
type Applier struct {
	Store  *store.Store
	Source string // "webhook" or "poller", for metrics only

	// SkipEqual treats an incoming modified time equal to the mirrored one
	// as a no-op instead of a stale_update conflict. The poller sets this:
	// its sweep re-observes records the webhook path already applied, and
	// those are not contention.
	SkipEqual bool
}

// Apply writes one record event inside tx. The caller commits.
func (a *Applier) Apply(ctx context.Context, tx pgx.Tx, module crm.Module, kind crm.EventKind, payload map[string]any) (Outcome, error) {
	ext, err := crm.Extract(payload)
	if err != nil {
		if ext.ExternalID == "" {
			// Without an id there is nothing to key a conflict row on
			return "", fmt.Errorf("%w: %v", ErrPoisoned, err)
		}
		// Known id but structurally incomplete: audit as missing_record
		if recErr := a.Store.RecordConflict(ctx, tx, &store.Conflict{
			Module:          module,
			ExternalID:      ext.ExternalID,
			Kind:            store.ConflictMissingRecord,
			IncomingPayload: payload,
			Strategy:        store.ResolveManualReview,
		}); recErr != nil {
			return "", recErr
		}
		metrics.ConflictsDetected.WithLabelValues(string(module), string(store.ConflictMissingRecord)).Inc()
		return OutcomeMissing, nil
	}

	if kind == crm.EventDelete {
		return a.applyDelete(ctx, tx, module, ext, payload)
	}
	return a.applyUpsert(ctx, tx, module, ext, payload)
}

func (a *Applier) applyUpsert(ctx context.Context, tx pgx.Tx, module crm.Module, ext crm.Extracted, payload map[string]any) (Outcome, error) {
	existing, err := a.Store.GetRecordTx(ctx, tx, module, ext.ExternalID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	if existing == nil {
		err := a.Store.InsertRecord(ctx, tx, module, ext, payload)
		if err == nil {
			metrics.RecordsUpserted.WithLabelValues(string(module), a.Source).Inc()
			return OutcomeCreated, nil
		}
		if !errors.Is(err, store.ErrRecordExists) {
			return "", err
		}
		// Lost the insert race; reload and fall through to the update path
		if existing, err = a.Store.GetRecordTx(ctx, tx, module, ext.ExternalID); err != nil {
			return "", err
		}
	}

	if !ext.ModifiedAt.After(existing.ModifiedAt) {
		if a.SkipEqual && ext.ModifiedAt.Equal(existing.ModifiedAt) {
			return OutcomeNoop, nil
		}
		if err := a.recordStale(ctx, tx, module, ext, payload, existing); err != nil {
			return "", err
		}
		return OutcomeStale, nil
	}

	ok, err := a.Store.UpdateRecordCAS(ctx, tx, module, ext, payload, existing.SyncVersion)
	if err != nil {
		return "", err
	}
	if ok {
		metrics.RecordsUpserted.WithLabelValues(string(module), a.Source).Inc()
		return OutcomeUpdated, nil
	}

	// Optimistic check lost: another writer bumped sync_version. Retry once
	// against the fresh row; a second loss is audited as concurrent_write.
	log.Debug().Str("module", string(module)).Str("external_id", ext.ExternalID).
		Msg("optimistic version check lost, retrying once")

	fresh, err := a.Store.GetRecordTx(ctx, tx, module, ext.ExternalID)
	if err != nil {
		return "", err
	}

	if !ext.ModifiedAt.After(fresh.ModifiedAt) {
		if a.SkipEqual && ext.ModifiedAt.Equal(fresh.ModifiedAt) {
			return OutcomeNoop, nil
		}
		if err := a.recordStale(ctx, tx, module, ext, payload, fresh); err != nil {
			return "", err
		}
		return OutcomeStale, nil
	}

	ok, err = a.Store.UpdateRecordCAS(ctx, tx, module, ext, payload, fresh.SyncVersion)
	if err != nil {
		return "", err
	}
	if ok {
		metrics.RecordsUpserted.WithLabelValues(string(module), a.Source).Inc()
		return OutcomeUpdated, nil
	}

	if err := a.Store.RecordConflict(ctx, tx, &store.Conflict{
		Module:             module,
		ExternalID:         ext.ExternalID,
		Kind:               store.ConflictConcurrentWrite,
		IncomingModifiedAt: &ext.ModifiedAt,
		ExistingModifiedAt: &fresh.ModifiedAt,
		PreviousState:      fresh.Payload,
		IncomingPayload:    payload,
	}); err != nil {
		return "", err
	}
	metrics.ConflictsDetected.WithLabelValues(string(module), string(store.ConflictConcurrentWrite)).Inc()
	return OutcomeConflict, nil
}

func (a *Applier) applyDelete(ctx context.Context, tx pgx.Tx, module crm.Module, ext crm.Extracted, payload map[string]any) (Outcome, error) {
	now := time.Now().UTC()
	existing, err := a.Store.GetRecordTx(ctx, tx, module, ext.ExternalID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
		// Delete for an unmirrored record: persist the tombstone so a later
		// out-of-order create cannot resurrect it silently.
		tomb := crm.Tombstone(payload, now)
		tombExt := ext
		tombExt.ModifiedAt = now
		tombExt.Deleted = true
		if err := a.Store.InsertRecord(ctx, tx, module, tombExt, tomb); err != nil {
			return "", err
		}
		return OutcomeTombstoned, nil
	}

	tomb := crm.Tombstone(existing.Payload, now)
	tombExt := crm.Extracted{
		ExternalID: ext.ExternalID,
		OwnerEmail: existing.OwnerEmail,
		OwnerName:  existing.OwnerName,
		CreatedAt:  existing.CreatedAt,
		ModifiedAt: now,
		Deleted:    true,
	}
	ok, err := a.Store.UpdateRecordCAS(ctx, tx, module, tombExt, tomb, existing.SyncVersion)
	if err != nil {
		return "", err
	}
	if !ok {
		// Row moved under us; the redelivered event will tombstone the
		// fresh version.
		return "", fmt.Errorf("tombstone version check lost for %s/%s", module, ext.ExternalID)
	}
	metrics.RecordsUpserted.WithLabelValues(string(module), a.Source).Inc()
	return OutcomeTombstoned, nil
}

func (a *Applier) recordStale(ctx context.Context, tx pgx.Tx, module crm.Module, ext crm.Extracted, payload map[string]any, existing *store.Record) error {
	if err := a.Store.RecordConflict(ctx, tx, &store.Conflict{
		Module:             module,
		ExternalID:         ext.ExternalID,
		Kind:               store.ConflictStaleUpdate,
		IncomingModifiedAt: &ext.ModifiedAt,
		ExistingModifiedAt: &existing.ModifiedAt,
		PreviousState:      existing.Payload,
		IncomingPayload:    payload,
	}); err != nil {
		return err
	}
	metrics.ConflictsDetected.WithLabelValues(string(module), string(store.ConflictStaleUpdate)).Inc()
	return nil
}
