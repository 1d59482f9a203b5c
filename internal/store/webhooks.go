package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/erauner12/crmsync/internal/crm"
)

// EventState is the processing state of a webhook event.
type EventState string

const (
	EventPending    EventState = "pending"
	EventProcessing EventState = "processing"
	EventSuccess    EventState = "success"
	EventFailed     EventState = "failed"
	EventConflict   EventState = "conflict"
)

// WebhookEvent is the durable audit row for one received webhook.
type WebhookEvent struct {
	EventID     uuid.UUID
	Module      crm.Module
	Kind        crm.EventKind
	ExternalID  string
	Payload     map[string]any
	Fingerprint string
	ReceivedAt  time.Time
	ProcessedAt *time.Time
	State       EventState
	RetryCount  int
	ErrorMsg    *string
	Wrapper     map[string]any
}

// ErrDuplicateEvent signals the (module, external_id, fingerprint) triple
// already exists: a dedup hit, not a failure.
var ErrDuplicateEvent = errors.New("store: duplicate webhook event")

// InsertWebhookEvent persists a new event in state=pending.
func (s *Store) InsertWebhookEvent(ctx context.Context, ev *WebhookEvent) error {
	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	var wrapperJSON []byte
	if ev.Wrapper != nil {
		if wrapperJSON, err = json.Marshal(ev.Wrapper); err != nil {
			return fmt.Errorf("marshal wrapper: %w", err)
		}
	}

	_, err = s.DB.Exec(ctx, `
		INSERT INTO webhook_log (event_id, module, event_kind, external_id,
		                         payload_json, fingerprint, wrapper_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.EventID, ev.Module, ev.Kind, ev.ExternalID, payloadJSON, ev.Fingerprint, wrapperJSON)
	if err != nil {
		var pgErr *pgconn.PgError
		// 23505 = unique_violation on (module, external_id, fingerprint)
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateEvent
		}
		return err
	}
	return nil
}

// GetWebhookEvent loads one event by id.
func (s *Store) GetWebhookEvent(ctx context.Context, eventID uuid.UUID) (*WebhookEvent, error) {
	return scanEvent(s.DB.QueryRow(ctx, `
		SELECT event_id, module, event_kind, external_id, payload_json, fingerprint,
		       received_at, processed_at, state, retry_count, error_message
		FROM webhook_log WHERE event_id = $1
	`, eventID))
}

// ClaimWebhookEvent transitions pending → processing under a row lock within
// the caller's transaction. Returns ErrNotFound for unknown ids and the
// terminal state via alreadyDone when the event was already handled (dedup
// after at-least-once redelivery).
func (s *Store) ClaimWebhookEvent(ctx context.Context, tx pgx.Tx, eventID uuid.UUID) (ev *WebhookEvent, alreadyDone bool, err error) {
	ev, err = scanEvent(tx.QueryRow(ctx, `
		SELECT event_id, module, event_kind, external_id, payload_json, fingerprint,
		       received_at, processed_at, state, retry_count, error_message
		FROM webhook_log WHERE event_id = $1
		FOR UPDATE
	`, eventID))
	if err != nil {
		return nil, false, err
	}

	switch ev.State {
	case EventSuccess, EventConflict, EventFailed:
		return ev, true, nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE webhook_log SET state = 'processing', retry_count = retry_count + 1
		WHERE event_id = $1
	`, eventID)
	if err != nil {
		return nil, false, err
	}
	return ev, false, nil
}

// FinishWebhookEvent records the terminal state of an event.
func (s *Store) FinishWebhookEvent(ctx context.Context, tx pgx.Tx, eventID uuid.UUID, state EventState, errMsg string) error {
	var msg *string
	if errMsg != "" {
		msg = &errMsg
	}
	_, err := tx.Exec(ctx, `
		UPDATE webhook_log SET state = $2, processed_at = now(), error_message = $3
		WHERE event_id = $1
	`, eventID, state, msg)
	return err
}

// StuckPendingEvents returns pending events older than age. These are rows
// whose enqueue failed after insert; the reaper re-enqueues them.
func (s *Store) StuckPendingEvents(ctx context.Context, age time.Duration, limit int) ([]WebhookEvent, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT event_id, module, event_kind, external_id, payload_json, fingerprint,
		       received_at, processed_at, state, retry_count, error_message
		FROM webhook_log
		WHERE state = 'pending' AND received_at < now() - $1::interval
		ORDER BY received_at
		LIMIT $2
	`, age.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WebhookEvent
	for rows.Next() {
		ev, err := scanEventRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// DeleteOldSuccessEvents garbage-collects success rows older than the
// retention window. Returns the number of rows removed.
func (s *Store) DeleteOldSuccessEvents(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.DB.Exec(ctx, `
		DELETE FROM webhook_log
		WHERE state = 'success' AND processed_at < now() - $1::interval
	`, retention.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*WebhookEvent, error) {
	var ev WebhookEvent
	var module, kind string
	err := row.Scan(&ev.EventID, &module, &kind, &ev.ExternalID, &ev.Payload,
		&ev.Fingerprint, &ev.ReceivedAt, &ev.ProcessedAt, &ev.State,
		&ev.RetryCount, &ev.ErrorMsg)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	ev.Module = crm.Module(module)
	ev.Kind = crm.EventKind(kind)
	return &ev, nil
}

func scanEventRows(rows pgx.Rows) (*WebhookEvent, error) {
	return scanEvent(rows)
}
