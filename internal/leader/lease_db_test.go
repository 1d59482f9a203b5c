package leader

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Needs a real Postgres; set TEST_DATABASE_URL to run.

const testLeaseKey int64 = 0x637273796e6354

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), url)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestLeaseIsExclusive(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	first := New(pool, testLeaseKey, "first")
	held, err := first.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if !held {
		t.Fatal("first lease not acquired")
	}
	defer first.Release(ctx)

	second := New(pool, testLeaseKey, "second")
	held, err = second.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if held {
		t.Error("second holder acquired a held lease")
	}

	first.Release(ctx)
	held, err = second.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("TryAcquire after release: %v", err)
	}
	if !held {
		t.Error("lease not acquirable after release")
	}
	second.Release(ctx)
}

func TestLeaseRunStartsImmediately(t *testing.T) {
	pool := testPool(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lease := New(pool, testLeaseKey+1, "immediate")
	ran := make(chan struct{})

	go lease.Run(ctx, time.Hour, func(context.Context) {
		close(ran)
		cancel()
	})

	// With an hour-long interval, only an immediate first iteration can
	// fire within the deadline.
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("leader loop did not run before the first interval elapsed")
	}
}
