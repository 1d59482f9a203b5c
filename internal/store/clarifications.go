package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// AmbiguityKind enumerates why a query could not be answered directly.
type AmbiguityKind string

const (
	AmbiguityMissingTimeframe AmbiguityKind = "missing_timeframe"
	AmbiguityMissingEntity    AmbiguityKind = "missing_entity"
	AmbiguityVagueSearch      AmbiguityKind = "vague_search"
	AmbiguityMultipleMatches  AmbiguityKind = "multiple_matches"
	AmbiguityAmbiguousQuery   AmbiguityKind = "ambiguous_query"
	AmbiguityMultipleIntents  AmbiguityKind = "multiple_intents"
)

// ClarificationSession is a short-lived pending question to the user.
type ClarificationSession struct {
	ID            uuid.UUID
	UserID        string
	OriginalQuery string
	Kind          AmbiguityKind
	Options       []string
	PartialIntent map[string]any
	CreatedAt     time.Time
	ExpiresAt     time.Time
	ResolvedAt    *time.Time
	Resolution    *string
}

// Expired reports whether the session lifetime has elapsed at t.
func (c *ClarificationSession) Expired(t time.Time) bool {
	return !t.Before(c.ExpiresAt)
}

// CreateClarification persists a new session.
func (s *Store) CreateClarification(ctx context.Context, c *ClarificationSession) error {
	optionsJSON, err := json.Marshal(c.Options)
	if err != nil {
		return err
	}
	intentJSON, err := json.Marshal(orEmpty(c.PartialIntent))
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO clarification_sessions (id, user_id, original_query,
			ambiguity_kind, options, partial_intent, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, c.ID, c.UserID, c.OriginalQuery, c.Kind, optionsJSON, intentJSON, c.ExpiresAt)
	return err
}

// ActiveClarification returns the user's newest unresolved session, whether
// expired or not; the conversation layer decides how to treat expiry.
func (s *Store) ActiveClarification(ctx context.Context, userID string) (*ClarificationSession, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, user_id, original_query, ambiguity_kind, options, partial_intent,
		       created_at, expires_at, resolved_at, resolution
		FROM clarification_sessions
		WHERE user_id = $1 AND resolved_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1
	`, userID)

	var c ClarificationSession
	var kind string
	var optionsJSON []byte
	err := row.Scan(&c.ID, &c.UserID, &c.OriginalQuery, &kind, &optionsJSON,
		&c.PartialIntent, &c.CreatedAt, &c.ExpiresAt, &c.ResolvedAt, &c.Resolution)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.Kind = AmbiguityKind(kind)
	if err := json.Unmarshal(optionsJSON, &c.Options); err != nil {
		c.Options = nil
	}
	return &c, nil
}

// ResolveClarification marks a session resolved with the user's answer.
// The table CHECK constraint keeps resolved_at inside [created_at, expires_at],
// so resolving an expired session fails loudly rather than silently.
func (s *Store) ResolveClarification(ctx context.Context, id uuid.UUID, resolution string) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE clarification_sessions SET resolved_at = now(), resolution = $2
		WHERE id = $1 AND resolved_at IS NULL AND expires_at > now()
	`, id, resolution)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelClarification abandons a session without a resolution.
func (s *Store) CancelClarification(ctx context.Context, id uuid.UUID) error {
	_, err := s.DB.Exec(ctx, `
		DELETE FROM clarification_sessions WHERE id = $1 AND resolved_at IS NULL
	`, id)
	return err
}

// ReapExpiredClarifications removes expired-unresolved sessions older than
// the grace window (24h after expiry per policy).
func (s *Store) ReapExpiredClarifications(ctx context.Context, grace time.Duration) (int64, error) {
	tag, err := s.DB.Exec(ctx, `
		DELETE FROM clarification_sessions
		WHERE resolved_at IS NULL AND expires_at < now() - $1::interval
	`, grace.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
