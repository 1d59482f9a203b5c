// Package dedup provides the short-TTL keyed cache the receiver uses for
// webhook fingerprint dedup and the conversation layer uses for its hot
// window of recent turns.
package dedup

import (
	"context"
	"fmt"
	"time"
)

// Cache is the minimal surface the engine needs. Single-key operations only;
// no compound transactions.
type Cache interface {
	// Seen reports whether key is currently marked, without marking it.
	// The receiver probes before the durable insert and marks after, so a
	// failed insert never leaves a phantom mark.
	Seen(ctx context.Context, key string) (bool, error)

	// MarkSeen records key with a TTL and reports whether it was already
	// present. Set-if-not-exists semantics: concurrent callers see exactly
	// one false.
	MarkSeen(ctx context.Context, key string, ttl time.Duration) (alreadySeen bool, err error)

	// PushTurn prepends a serialized conversation turn to the user's hot
	// window, trimming to max entries.
	PushTurn(ctx context.Context, userID string, turn []byte, max int) error

	// RecentTurns returns up to n most recent turns, newest first.
	RecentTurns(ctx context.Context, userID string, n int) ([][]byte, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
}

// SeenKey builds the dedup key for a webhook fingerprint.
func SeenKey(module, externalID, fingerprint string) string {
	return fmt.Sprintf("seen:%s:%s:%s", module, externalID, fingerprint)
}

// IdempotencyKey builds the key guarding a delivery attempt.
func IdempotencyKey(subscriptionID string, anchor time.Time) string {
	return fmt.Sprintf("deliver:%s:%d", subscriptionID, anchor.UTC().Unix())
}

func hotWindowKey(userID string) string {
	return "convo:" + userID
}
