// Package leader provides single-writer coordination for the scheduler and
// poller loops via Postgres advisory locks.
package leader

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Lease is a session-scoped advisory lock. The holder pins one pooled
// connection; losing the connection loses the lease, which is exactly the
// failover behavior we want.
type Lease struct {
	db   *pgxpool.Pool
	key  int64
	name string

	conn *pgxpool.Conn
}

// New creates a lease identified by key. Each single-leader loop uses a
// distinct key.
func New(db *pgxpool.Pool, key int64, name string) *Lease {
	return &Lease{db: db, key: key, name: name}
}

// TryAcquire attempts to take the lease without blocking. Safe to call when
// already held; the held state is re-verified against the pinned connection.
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	if l.conn != nil {
		// Verify the pinned connection is still alive; a dead connection
		// means the lock was released server-side.
		if err := l.conn.Ping(ctx); err == nil {
			return true, nil
		}
		l.release()
	}

	conn, err := l.db.Acquire(ctx)
	if err != nil {
		return false, err
	}

	var got bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&got); err != nil {
		conn.Release()
		return false, err
	}
	if !got {
		conn.Release()
		return false, nil
	}

	l.conn = conn
	log.Info().Str("lease", l.name).Msg("leadership acquired")
	return true, nil
}

// Release gives up the lease.
func (l *Lease) Release(ctx context.Context) {
	if l.conn == nil {
		return
	}
	_, _ = l.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, l.key)
	l.release()
	log.Info().Str("lease", l.name).Msg("leadership released")
}

func (l *Lease) release() {
	if l.conn != nil {
		l.conn.Release()
		l.conn = nil
	}
}

// Run executes loop on interval while holding the lease, pausing (and
// re-trying acquisition) whenever the lease is lost. The first iteration
// runs immediately so a fresh leader does not idle through a full interval.
// Blocks until ctx ends.
func (l *Lease) Run(ctx context.Context, interval time.Duration, loop func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer l.Release(context.Background())

	for {
		if ctx.Err() != nil {
			return
		}

		held, err := l.TryAcquire(ctx)
		if err != nil {
			log.Error().Err(err).Str("lease", l.name).Msg("lease acquisition failed")
		} else if held {
			loop(ctx)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
