package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Cadence is a delivery schedule.
type Cadence string

const (
	CadenceDaily    Cadence = "daily"
	CadenceWeekly   Cadence = "weekly"
	CadenceBiweekly Cadence = "biweekly"
	CadenceMonthly  Cadence = "monthly"
)

// ParseCadence validates a cadence from the wire.
func ParseCadence(s string) (Cadence, error) {
	switch Cadence(s) {
	case CadenceDaily, CadenceWeekly, CadenceBiweekly, CadenceMonthly:
		return Cadence(s), nil
	}
	return "", fmt.Errorf("unknown cadence %q", s)
}

// Subscription is a recipient's digest preference set.
type Subscription struct {
	ID             uuid.UUID
	UserID         string
	Recipient      string
	Audience       string
	Cadence        Cadence
	MaxItems       int
	Timezone       string
	Active         bool
	Filters        map[string]any
	LastDeliveryAt *time.Time
	NextDeliveryAt *time.Time
	LastAttemptAt  *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const subscriptionColumns = `
	id, user_id, recipient, audience, cadence, max_items, timezone, active,
	filters, last_delivery_at, next_delivery_at, last_attempt_at, created_at, updated_at`

func scanSubscription(row rowScanner) (*Subscription, error) {
	var sub Subscription
	var cadence string
	err := row.Scan(&sub.ID, &sub.UserID, &sub.Recipient, &sub.Audience, &cadence,
		&sub.MaxItems, &sub.Timezone, &sub.Active, &sub.Filters,
		&sub.LastDeliveryAt, &sub.NextDeliveryAt, &sub.LastAttemptAt,
		&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	sub.Cadence = Cadence(cadence)
	return &sub, nil
}

// CreateSubscription inserts a new subscription. NextDeliveryAt must already
// be the cadence anchor (computed by the scheduler package) when Active.
func (s *Store) CreateSubscription(ctx context.Context, sub *Subscription) error {
	filtersJSON, err := json.Marshal(orEmpty(sub.Filters))
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO subscriptions (id, user_id, recipient, audience, cadence,
			max_items, timezone, active, filters, next_delivery_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, sub.ID, sub.UserID, sub.Recipient, sub.Audience, sub.Cadence,
		sub.MaxItems, sub.Timezone, sub.Active, filtersJSON, sub.NextDeliveryAt)
	return err
}

// UpdateSubscription rewrites the mutable fields of a subscription.
func (s *Store) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	filtersJSON, err := json.Marshal(orEmpty(sub.Filters))
	if err != nil {
		return err
	}
	tag, err := s.DB.Exec(ctx, `
		UPDATE subscriptions SET
			recipient = $2, audience = $3, cadence = $4, max_items = $5,
			timezone = $6, active = $7, filters = $8, next_delivery_at = $9,
			updated_at = now()
		WHERE id = $1
	`, sub.ID, sub.Recipient, sub.Audience, sub.Cadence, sub.MaxItems,
		sub.Timezone, sub.Active, filtersJSON, sub.NextDeliveryAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// GetSubscription loads one subscription.
func (s *Store) GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return scanSubscription(s.DB.QueryRow(ctx,
		`SELECT`+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
}

// ListSubscriptions returns all subscriptions, newest first.
func (s *Store) ListSubscriptions(ctx context.Context, limit, offset int) ([]Subscription, error) {
	rows, err := s.DB.Query(ctx,
		`SELECT`+subscriptionColumns+` FROM subscriptions ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

// DueSubscription pairs a claimed subscription with the anchor it was
// scheduled for. Delivery identity is (subscription, scheduled anchor); the
// claim nulls next_delivery_at, so the pre-claim value has to ride along or
// the idempotency index loses its key.
type DueSubscription struct {
	Subscription
	Anchor time.Time
}

// ClaimDueSubscriptions atomically claims every active subscription whose
// next delivery has elapsed. The claim nulls next_delivery_at so a second
// scheduler tick (or a second leader during failover) cannot double-claim;
// the scheduler writes the recomputed anchor back after the job finishes.
func (s *Store) ClaimDueSubscriptions(ctx context.Context, now time.Time) ([]DueSubscription, error) {
	rows, err := s.DB.Query(ctx, `
		WITH due AS (
			SELECT id, next_delivery_at AS anchor
			FROM subscriptions
			WHERE active AND next_delivery_at IS NOT NULL AND next_delivery_at <= $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE subscriptions AS sub SET
			next_delivery_at = NULL,
			last_attempt_at  = $1
		FROM due
		WHERE sub.id = due.id
		RETURNING sub.id, sub.user_id, sub.recipient, sub.audience, sub.cadence,
			sub.max_items, sub.timezone, sub.active, sub.filters,
			sub.last_delivery_at, sub.next_delivery_at, sub.last_attempt_at,
			sub.created_at, sub.updated_at, due.anchor
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DueSubscription
	for rows.Next() {
		var d DueSubscription
		var cadence string
		if err := rows.Scan(&d.ID, &d.UserID, &d.Recipient, &d.Audience, &cadence,
			&d.MaxItems, &d.Timezone, &d.Active, &d.Filters,
			&d.LastDeliveryAt, &d.NextDeliveryAt, &d.LastAttemptAt,
			&d.CreatedAt, &d.UpdatedAt, &d.Anchor); err != nil {
			return nil, err
		}
		d.Cadence = Cadence(cadence)
		out = append(out, d)
	}
	return out, rows.Err()
}

// FinishSubscriptionDelivery writes back the recomputed next anchor and,
// when the delivery succeeded, the delivery time.
func (s *Store) FinishSubscriptionDelivery(ctx context.Context, id uuid.UUID, deliveredAt *time.Time, next time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE subscriptions SET
			last_delivery_at = coalesce($2, last_delivery_at),
			next_delivery_at = $3,
			updated_at = now()
		WHERE id = $1
	`, id, deliveredAt, next)
	return err
}
