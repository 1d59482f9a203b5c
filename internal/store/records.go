package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/erauner12/crmsync/internal/crm"
)

// Record is a mirrored CRM record. Payload stays an opaque document; the
// typed columns exist only because the core reads them.
type Record struct {
	ExternalID   string
	OwnerEmail   string
	OwnerName    string
	CreatedAt    time.Time
	ModifiedAt   time.Time
	LastSyncedAt time.Time
	SyncVersion  int
	Payload      map[string]any
}

// Module tables are fixed at migration time; Table() values are safe to
// interpolate because Module is a closed enum.
func recordTable(module crm.Module) string { return module.Table() }

// GetRecord loads one mirrored record.
func (s *Store) GetRecord(ctx context.Context, module crm.Module, externalID string) (*Record, error) {
	return s.getRecord(ctx, s.DB, module, externalID)
}

// GetRecordTx loads one mirrored record inside a worker transaction.
func (s *Store) GetRecordTx(ctx context.Context, tx pgx.Tx, module crm.Module, externalID string) (*Record, error) {
	return s.getRecord(ctx, tx, module, externalID)
}

func (s *Store) getRecord(ctx context.Context, q Querier, module crm.Module, externalID string) (*Record, error) {
	row := q.QueryRow(ctx, fmt.Sprintf(`
		SELECT external_id, owner_email, owner_name, created_at, modified_at,
		       last_synced_at, sync_version, payload_json
		FROM %s WHERE external_id = $1
	`, recordTable(module)), externalID)

	var r Record
	if err := row.Scan(&r.ExternalID, &r.OwnerEmail, &r.OwnerName, &r.CreatedAt,
		&r.ModifiedAt, &r.LastSyncedAt, &r.SyncVersion, &r.Payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

// InsertRecord creates a record at sync_version=1. Returns ErrRecordExists
// if a concurrent writer got there first; the caller reloads and retries the
// update path.
func (s *Store) InsertRecord(ctx context.Context, tx pgx.Tx, module crm.Module, ext crm.Extracted, payload map[string]any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	tag, err := tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (external_id, owner_email, owner_name, created_at, modified_at,
		                last_synced_at, sync_version, payload_json)
		VALUES ($1, $2, $3, $4, $5, now(), 1, $6)
		ON CONFLICT (external_id) DO NOTHING
	`, recordTable(module)), ext.ExternalID, ext.OwnerEmail, ext.OwnerName,
		ext.CreatedAt, ext.ModifiedAt, payloadJSON)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordExists
	}
	return nil
}

// ErrRecordExists signals a lost insert race.
var ErrRecordExists = errors.New("store: record already exists")

// UpdateRecordCAS applies an update guarded by the optimistic version check.
// Returns false when zero rows matched, meaning another writer bumped
// sync_version between our read and this write.
func (s *Store) UpdateRecordCAS(ctx context.Context, tx pgx.Tx, module crm.Module, ext crm.Extracted, payload map[string]any, expectedVersion int) (bool, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal payload: %w", err)
	}

	tag, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET
			owner_email    = $2,
			owner_name     = $3,
			modified_at    = $4,
			last_synced_at = now(),
			sync_version   = sync_version + 1,
			payload_json   = $5
		WHERE external_id = $1 AND sync_version = $6
	`, recordTable(module)), ext.ExternalID, ext.OwnerEmail, ext.OwnerName,
		ext.ModifiedAt, payloadJSON, expectedVersion)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListRecordsModifiedSince returns records with modified_at within the
// window, oldest first, excluding tombstones. Used by the digest builder
// and the assistant; both are read-only consumers.
func (s *Store) ListRecordsModifiedSince(ctx context.Context, module crm.Module, since time.Time, limit int) ([]Record, error) {
	rows, err := s.DB.Query(ctx, fmt.Sprintf(`
		SELECT external_id, owner_email, owner_name, created_at, modified_at,
		       last_synced_at, sync_version, payload_json
		FROM %s
		WHERE modified_at >= $1
		  AND NOT coalesce((payload_json->>'deleted')::boolean, false)
		ORDER BY modified_at, external_id
		LIMIT $2
	`, recordTable(module)), since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ExternalID, &r.OwnerEmail, &r.OwnerName, &r.CreatedAt,
			&r.ModifiedAt, &r.LastSyncedAt, &r.SyncVersion, &r.Payload); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SearchRecordsByName finds records whose display name contains the query,
// case-insensitively, excluding tombstones. Backs the assistant's lookup
// path; matches order by modified_at descending so the freshest record leads
// the option list.
func (s *Store) SearchRecordsByName(ctx context.Context, module crm.Module, query string, limit int) ([]Record, error) {
	rows, err := s.DB.Query(ctx, fmt.Sprintf(`
		SELECT external_id, owner_email, owner_name, created_at, modified_at,
		       last_synced_at, sync_version, payload_json
		FROM %s
		WHERE coalesce(payload_json->>'Full_Name',
		               payload_json->>'Deal_Name',
		               payload_json->>'Account_Name', '') ILIKE '%%' || $1 || '%%'
		  AND NOT coalesce((payload_json->>'deleted')::boolean, false)
		ORDER BY modified_at DESC, external_id
		LIMIT $2
	`, recordTable(module)), query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ExternalID, &r.OwnerEmail, &r.OwnerName, &r.CreatedAt,
			&r.ModifiedAt, &r.LastSyncedAt, &r.SyncVersion, &r.Payload); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountRecords returns the mirrored row count for a module.
func (s *Store) CountRecords(ctx context.Context, module crm.Module) (int64, error) {
	var n int64
	err := s.DB.QueryRow(ctx,
		fmt.Sprintf(`SELECT count(*) FROM %s`, recordTable(module))).Scan(&n)
	return n, err
}
