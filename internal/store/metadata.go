package store

import (
	"context"
	"fmt"
	"time"

	"github.com/erauner12/crmsync/internal/crm"
)

// ModuleStatus is the per-module sync metadata row.
type ModuleStatus struct {
	Module            crm.Module
	LastSyncAt        *time.Time
	NextSweepAt       *time.Time
	Status            string
	WebhooksReceived  int
	ConflictsDetected int
	DedupHits         int
	LastError         *string
}

// Counter names map 1:1 to sync_metadata columns.
const (
	CounterWebhooks  = "webhooks_received"
	CounterConflicts = "conflicts_detected"
	CounterDedup     = "dedup_hits"
)

var counterColumns = map[string]bool{
	CounterWebhooks:  true,
	CounterConflicts: true,
	CounterDedup:     true,
}

// IncrCounter bumps one of the rolling counters for a module. The counters
// are zeroed daily by the maintenance reaper, giving a 24-hour window.
func (s *Store) IncrCounter(ctx context.Context, module crm.Module, counter string) error {
	if !counterColumns[counter] {
		return fmt.Errorf("unknown counter %q", counter)
	}
	_, err := s.DB.Exec(ctx, fmt.Sprintf(
		`UPDATE sync_metadata SET %s = %s + 1 WHERE module = $1`, counter, counter), module)
	return err
}

// ResetCounters zeroes the rolling counters for all modules.
func (s *Store) ResetCounters(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE sync_metadata SET webhooks_received = 0, conflicts_detected = 0, dedup_hits = 0
	`)
	return err
}

// SyncCursor returns the Modified_Time cursor for a module's poll sweep.
// Zero time when the module has never completed a sweep.
func (s *Store) SyncCursor(ctx context.Context, module crm.Module) (time.Time, error) {
	var last *time.Time
	err := s.DB.QueryRow(ctx,
		`SELECT last_sync_at FROM sync_metadata WHERE module = $1`, module).Scan(&last)
	if err != nil {
		return time.Time{}, err
	}
	if last == nil {
		return time.Time{}, nil
	}
	return *last, nil
}

// AdvanceCursor moves the sweep cursor forward after a successful sweep and
// schedules the next one.
func (s *Store) AdvanceCursor(ctx context.Context, module crm.Module, cursor, nextSweep time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE sync_metadata SET
			last_sync_at = $2, next_sweep_at = $3, status = 'ok', last_error = NULL
		WHERE module = $1
	`, module, cursor, nextSweep)
	return err
}

// MarkSyncError records a failed sweep without moving the cursor.
func (s *Store) MarkSyncError(ctx context.Context, module crm.Module, errMsg string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE sync_metadata SET status = 'error', last_error = $2 WHERE module = $1
	`, module, errMsg)
	return err
}

// AllModuleStatus returns the metadata rows for the admin sync-status view.
func (s *Store) AllModuleStatus(ctx context.Context) ([]ModuleStatus, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT module, last_sync_at, next_sweep_at, status,
		       webhooks_received, conflicts_detected, dedup_hits, last_error
		FROM sync_metadata
		ORDER BY module
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ModuleStatus
	for rows.Next() {
		var ms ModuleStatus
		var module string
		if err := rows.Scan(&module, &ms.LastSyncAt, &ms.NextSweepAt, &ms.Status,
			&ms.WebhooksReceived, &ms.ConflictsDetected, &ms.DedupHits, &ms.LastError); err != nil {
			return nil, err
		}
		ms.Module = crm.Module(module)
		out = append(out, ms)
	}
	return out, rows.Err()
}
