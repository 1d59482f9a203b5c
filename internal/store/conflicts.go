package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/erauner12/crmsync/internal/crm"
)

// ConflictKind classifies why a write was not applied cleanly.
type ConflictKind string

const (
	ConflictStaleUpdate     ConflictKind = "stale_update"
	ConflictConcurrentWrite ConflictKind = "concurrent_write"
	ConflictMissingRecord   ConflictKind = "missing_record"
)

// ResolutionStrategy is how an operator (or the default policy) settled a
// conflict.
type ResolutionStrategy string

const (
	ResolveLastWriteWins ResolutionStrategy = "last_write_wins"
	ResolveManualReview  ResolutionStrategy = "manual_review"
	ResolveDiscard       ResolutionStrategy = "discard"
)

// Conflict is the durable audit of one contended write.
type Conflict struct {
	ID                 int64
	Module             crm.Module
	ExternalID         string
	Kind               ConflictKind
	IncomingModifiedAt *time.Time
	ExistingModifiedAt *time.Time
	PreviousState      map[string]any
	IncomingPayload    map[string]any
	Strategy           ResolutionStrategy
	DetectedAt         time.Time
	ResolvedAt         *time.Time
	ResolvedBy         *string
	Notes              *string
}

// RecordConflict inserts a conflict row inside the worker's transaction so
// the audit commits atomically with the event state change.
func (s *Store) RecordConflict(ctx context.Context, tx pgx.Tx, c *Conflict) error {
	prevJSON, err := marshalNullable(c.PreviousState)
	if err != nil {
		return err
	}
	incJSON, err := marshalNullable(c.IncomingPayload)
	if err != nil {
		return err
	}

	strategy := c.Strategy
	if strategy == "" {
		strategy = ResolveLastWriteWins
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sync_conflicts (module, external_id, conflict_kind,
			incoming_modified_at, existing_modified_at, previous_state,
			incoming_payload, resolution_strategy)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, c.Module, c.ExternalID, c.Kind, c.IncomingModifiedAt, c.ExistingModifiedAt,
		prevJSON, incJSON, strategy)
	return err
}

func marshalNullable(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal conflict payload: %w", err)
	}
	return b, nil
}

// ListConflicts returns conflicts for the admin surface, newest first.
// module filters when non-empty; unresolvedOnly hides settled rows.
func (s *Store) ListConflicts(ctx context.Context, module string, unresolvedOnly bool, limit, offset int) ([]Conflict, error) {
	query := `
		SELECT id, module, external_id, conflict_kind, incoming_modified_at,
		       existing_modified_at, previous_state, incoming_payload,
		       resolution_strategy, detected_at, resolved_at, resolved_by, notes
		FROM sync_conflicts
		WHERE ($1 = '' OR module = $1)
	`
	if unresolvedOnly {
		query += ` AND resolved_at IS NULL`
	}
	query += ` ORDER BY detected_at DESC LIMIT $2 OFFSET $3`

	rows, err := s.DB.Query(ctx, query, module, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conflict
	for rows.Next() {
		var c Conflict
		var mod, kind, strategy string
		if err := rows.Scan(&c.ID, &mod, &c.ExternalID, &kind, &c.IncomingModifiedAt,
			&c.ExistingModifiedAt, &c.PreviousState, &c.IncomingPayload,
			&strategy, &c.DetectedAt, &c.ResolvedAt, &c.ResolvedBy, &c.Notes); err != nil {
			return nil, err
		}
		c.Module = crm.Module(mod)
		c.Kind = ConflictKind(kind)
		c.Strategy = ResolutionStrategy(strategy)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ResolveConflict marks a conflict settled. Returns ErrNotFound if the id is
// unknown or already resolved.
func (s *Store) ResolveConflict(ctx context.Context, id int64, strategy ResolutionStrategy, resolvedBy, notes string) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE sync_conflicts SET
			resolution_strategy = $2,
			resolved_at = now(),
			resolved_by = $3,
			notes = $4
		WHERE id = $1 AND resolved_at IS NULL
	`, id, strategy, resolvedBy, notes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
