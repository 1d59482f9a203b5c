package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// DeliveryState tracks a digest dispatch through its lifecycle.
type DeliveryState string

const (
	DeliveryScheduled  DeliveryState = "scheduled"
	DeliveryInProgress DeliveryState = "in_progress"
	DeliverySent       DeliveryState = "sent"
	DeliveryFailed     DeliveryState = "failed"
)

// Delivery is one digest dispatch attempt chain for a (subscription, anchor).
type Delivery struct {
	ID             uuid.UUID
	SubscriptionID uuid.UUID
	AnchorAt       time.Time
	Params         map[string]any
	State          DeliveryState
	ItemCount      int
	MessageID      *string
	ErrorMsg       *string
	StartedAt      *time.Time
	FinishedAt     *time.Time
	Artifact       *string
	CreatedAt      time.Time
}

// ErrAlreadySent signals the (subscription, anchor) idempotency invariant:
// a successful delivery already exists for this anchor.
var ErrAlreadySent = errors.New("store: delivery already sent for anchor")

// CreateDelivery inserts a delivery row in state=scheduled with a snapshot
// of the parameters that will produce the artifact.
func (s *Store) CreateDelivery(ctx context.Context, d *Delivery) error {
	paramsJSON, err := json.Marshal(orEmpty(d.Params))
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO deliveries (id, subscription_id, anchor_at, params)
		VALUES ($1, $2, $3, $4)
	`, d.ID, d.SubscriptionID, d.AnchorAt, paramsJSON)
	return err
}

// StartDelivery transitions scheduled → in_progress.
func (s *Store) StartDelivery(ctx context.Context, id uuid.UUID) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE deliveries SET state = 'in_progress', started_at = now() WHERE id = $1
	`, id)
	return err
}

// MarkDeliverySent records success. The partial unique index on
// (subscription_id, anchor_at) WHERE state='sent' enforces at most one
// success per anchor; a violation surfaces as ErrAlreadySent.
func (s *Store) MarkDeliverySent(ctx context.Context, id uuid.UUID, messageID string, itemCount int, artifact string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE deliveries SET
			state = 'sent', message_id = $2, item_count = $3, artifact = $4,
			finished_at = now(), error_message = NULL
		WHERE id = $1
	`, id, messageID, itemCount, artifact)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadySent
		}
		return err
	}
	return nil
}

// MarkDeliveryFailed records terminal failure. Failed deliveries are only
// retried by explicit operator action.
func (s *Store) MarkDeliveryFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE deliveries SET state = 'failed', error_message = $2, finished_at = now()
		WHERE id = $1
	`, id, errMsg)
	return err
}

// HasSentDelivery reports whether a successful delivery exists for the
// (subscription, anchor) pair.
func (s *Store) HasSentDelivery(ctx context.Context, subscriptionID uuid.UUID, anchor time.Time) (bool, error) {
	var exists bool
	err := s.DB.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM deliveries
			WHERE subscription_id = $1 AND anchor_at = $2 AND state = 'sent'
		)
	`, subscriptionID, anchor).Scan(&exists)
	return exists, err
}

// ListDeliveries returns delivery history for a subscription, newest first.
func (s *Store) ListDeliveries(ctx context.Context, subscriptionID uuid.UUID, limit int) ([]Delivery, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, subscription_id, anchor_at, params, state, item_count,
		       message_id, error_message, started_at, finished_at, created_at
		FROM deliveries
		WHERE subscription_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, subscriptionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		var state string
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.AnchorAt, &d.Params, &state,
			&d.ItemCount, &d.MessageID, &d.ErrorMsg, &d.StartedAt, &d.FinishedAt,
			&d.CreatedAt); err != nil {
			return nil, err
		}
		d.State = DeliveryState(state)
		out = append(out, d)
	}
	return out, rows.Err()
}
