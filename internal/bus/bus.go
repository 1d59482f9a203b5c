// Package bus implements a durable FIFO queue on Postgres with at-least-once
// delivery, a visibility timeout, a per-message retry budget, and a
// dead-letter table for operator review.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// ErrEmpty is returned by Receive when no message is currently visible.
var ErrEmpty = errors.New("bus: queue empty")

// Bus is a handle on one named queue.
type Bus struct {
	db          *pgxpool.Pool
	queue       string
	maxAttempts int
	visibility  time.Duration
	messageTTL  time.Duration
}

// Option configures a Bus.
type Option func(*Bus)

// WithVisibility overrides the claim visibility timeout (default 2m).
func WithVisibility(d time.Duration) Option {
	return func(b *Bus) { b.visibility = d }
}

// New creates a Bus for the named queue. maxAttempts is the retry budget
// before a message moves to the dead-letter table; messageTTL bounds a
// message's total lifetime (zero = no expiry).
func New(db *pgxpool.Pool, queue string, maxAttempts int, messageTTL time.Duration, opts ...Option) *Bus {
	b := &Bus{
		db:          db,
		queue:       queue,
		maxAttempts: maxAttempts,
		visibility:  2 * time.Minute,
		messageTTL:  messageTTL,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Enqueue appends a pointer message to the queue.
func (b *Bus) Enqueue(ctx context.Context, ptr EventPointer, correlationID string, props map[string]string) error {
	body, err := json.Marshal(ptr)
	if err != nil {
		return fmt.Errorf("marshal pointer: %w", err)
	}
	if props == nil {
		props = map[string]string{}
	}
	propsJSON, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("marshal properties: %w", err)
	}

	var expires *time.Time
	if b.messageTTL > 0 {
		t := time.Now().UTC().Add(b.messageTTL)
		expires = &t
	}

	_, err = b.db.Exec(ctx, `
		INSERT INTO queue_messages (queue, body, correlation_id, properties, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, b.queue, body, correlationID, propsJSON, expires)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Receive claims the oldest visible message. The claim holds for the
// visibility timeout; a worker that crashes without acking releases the
// message back to the queue implicitly. Expired messages are moved to the
// dead-letter table instead of being delivered.
func (b *Bus) Receive(ctx context.Context) (*Message, error) {
	for {
		msg, err := b.claimOne(ctx)
		if err != nil {
			return nil, err
		}
		if msg.ExpiresAt != nil && msg.ExpiresAt.Before(time.Now()) {
			if err := b.deadLetter(ctx, msg, "message ttl expired"); err != nil {
				return nil, err
			}
			continue
		}
		return msg, nil
	}
}

func (b *Bus) claimOne(ctx context.Context) (*Message, error) {
	row := b.db.QueryRow(ctx, `
		UPDATE queue_messages SET
			visible_at = now() + $2::interval,
			attempts   = attempts + 1
		WHERE id = (
			SELECT id FROM queue_messages
			WHERE queue = $1 AND visible_at <= now()
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, body, correlation_id, properties, enqueued_at, expires_at, attempts
	`, b.queue, b.visibility.String())

	msg := &Message{Queue: b.queue}
	var propsJSON []byte
	err := row.Scan(&msg.ID, &msg.Body, &msg.CorrelationID, &propsJSON,
		&msg.EnqueuedAt, &msg.ExpiresAt, &msg.Attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("claim: %w", err)
	}
	if err := json.Unmarshal(propsJSON, &msg.Properties); err != nil {
		msg.Properties = map[string]string{}
	}
	return msg, nil
}

// Ack removes a successfully processed message.
func (b *Bus) Ack(ctx context.Context, msg *Message) error {
	_, err := b.db.Exec(ctx, `DELETE FROM queue_messages WHERE id = $1`, msg.ID)
	return err
}

// Nack releases a message for redelivery with jittered exponential backoff,
// or moves it to the dead-letter table once the retry budget is spent.
func (b *Bus) Nack(ctx context.Context, msg *Message, reason string) error {
	if msg.Attempts >= b.maxAttempts {
		return b.deadLetter(ctx, msg, reason)
	}

	delay := retryDelay(msg.Attempts)
	_, err := b.db.Exec(ctx, `
		UPDATE queue_messages SET visible_at = now() + $2::interval WHERE id = $1
	`, msg.ID, delay.String())
	return err
}

// retryDelay is 2^attempts seconds capped at 5 minutes, scaled by a random
// factor in [0.5, 1.0) so a burst of correlated failures does not retry in
// lockstep.
func retryDelay(attempts int) time.Duration {
	base := math.Min(math.Pow(2, float64(attempts)), 300)
	return time.Duration(base * (0.5 + rand.Float64()/2) * float64(time.Second))
}

// DeadLetter moves a message straight to the dead-letter table, bypassing
// remaining retries. Used for poisoned payloads.
func (b *Bus) DeadLetter(ctx context.Context, msg *Message, reason string) error {
	return b.deadLetter(ctx, msg, reason)
}

func (b *Bus) deadLetter(ctx context.Context, msg *Message, reason string) error {
	propsJSON, _ := json.Marshal(msg.Properties)

	tx, err := b.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO dead_letters (queue, body, correlation_id, properties, enqueued_at, attempts, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, msg.Queue, msg.Body, msg.CorrelationID, propsJSON, msg.EnqueuedAt, msg.Attempts, reason); err != nil {
		return fmt.Errorf("dead-letter insert: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM queue_messages WHERE id = $1`, msg.ID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Warn().Int64("message_id", msg.ID).Str("queue", msg.Queue).
		Str("correlation_id", msg.CorrelationID).Int("attempts", msg.Attempts).
		Str("reason", reason).Msg("message dead-lettered")
	return nil
}

// Depth returns the number of messages waiting or in flight.
func (b *Bus) Depth(ctx context.Context) (int64, error) {
	var n int64
	err := b.db.QueryRow(ctx,
		`SELECT count(*) FROM queue_messages WHERE queue = $1`, b.queue).Scan(&n)
	return n, err
}

// ListDead returns dead letters for the queue, newest first.
func (b *Bus) ListDead(ctx context.Context, limit, offset int) ([]DeadLetter, error) {
	rows, err := b.db.Query(ctx, `
		SELECT id, queue, body, correlation_id, properties, enqueued_at, dead_at, attempts, reason
		FROM dead_letters
		WHERE queue = $1
		ORDER BY dead_at DESC
		LIMIT $2 OFFSET $3
	`, b.queue, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		var propsJSON []byte
		if err := rows.Scan(&dl.ID, &dl.Queue, &dl.Body, &dl.CorrelationID, &propsJSON,
			&dl.EnqueuedAt, &dl.DeadAt, &dl.Attempts, &dl.Reason); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(propsJSON, &dl.Properties); err != nil {
			dl.Properties = map[string]string{}
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// Replay moves a dead letter back onto the active queue. Body bytes,
// correlation id, and application properties are preserved; the attempt
// counter resets and the TTL is refreshed.
func (b *Bus) Replay(ctx context.Context, deadLetterID int64) error {
	tx, err := b.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var expires *time.Time
	if b.messageTTL > 0 {
		t := time.Now().UTC().Add(b.messageTTL)
		expires = &t
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO queue_messages (queue, body, correlation_id, properties, expires_at)
		SELECT queue, body, correlation_id, properties, $2
		FROM dead_letters WHERE id = $1
	`, deadLetterID, expires)
	if err != nil {
		return fmt.Errorf("replay insert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dead letter %d not found", deadLetterID)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM dead_letters WHERE id = $1`, deadLetterID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// PurgeDead deletes up to limit dead letters, oldest first, and returns how
// many were removed.
func (b *Bus) PurgeDead(ctx context.Context, limit int) (int64, error) {
	tag, err := b.db.Exec(ctx, `
		DELETE FROM dead_letters
		WHERE id IN (
			SELECT id FROM dead_letters WHERE queue = $1 ORDER BY dead_at LIMIT $2
		)
	`, b.queue, limit)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
