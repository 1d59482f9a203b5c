package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/erauner12/crmsync/internal/db"
)

// Needs a real Postgres; set TEST_DATABASE_URL to run.

func testStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	if err := db.Migrate(url); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	pool, err := db.Open(context.Background(), url, db.Options{MaxConns: 4})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(pool.Close)
	return &Store{DB: pool}
}

func TestClaimDueSubscriptionsPreservesScheduledAnchor(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	anchor := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Second)
	sub := &Subscription{
		ID:             uuid.New(),
		UserID:         "claim-test-" + uuid.NewString(),
		Recipient:      "#digests",
		Audience:       "recruiting",
		Cadence:        CadenceDaily,
		MaxItems:       10,
		Timezone:       "UTC",
		Active:         true,
		NextDeliveryAt: &anchor,
	}
	if err := st.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	due, err := st.ClaimDueSubscriptions(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("ClaimDueSubscriptions: %v", err)
	}

	var claimed *DueSubscription
	for i := range due {
		if due[i].ID == sub.ID {
			claimed = &due[i]
			break
		}
	}
	if claimed == nil {
		t.Fatal("due subscription was not claimed")
	}

	// The anchor must be the scheduled next_delivery_at, not the claim
	// time: it is the delivery's idempotency key.
	if !claimed.Anchor.UTC().Equal(anchor) {
		t.Errorf("claimed anchor = %v, want the scheduled %v", claimed.Anchor.UTC(), anchor)
	}
	if claimed.NextDeliveryAt != nil {
		t.Error("claim did not null next_delivery_at on the returned row")
	}

	// A second claim pass must not see the same subscription.
	again, err := st.ClaimDueSubscriptions(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	for _, d := range again {
		if d.ID == sub.ID {
			t.Error("subscription claimed twice")
		}
	}
}
