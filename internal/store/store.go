// Package store owns every persisted row. Other packages go through its
// methods; nothing else writes SQL against the mirrored tables.
package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting record
// reads run either standalone or inside a worker transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store wraps the connection pool with typed queries.
type Store struct {
	DB *pgxpool.Pool
}

// New creates a Store over an open pool.
func New(db *pgxpool.Pool) *Store {
	return &Store{DB: db}
}
