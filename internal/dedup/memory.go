package dedup

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryCache is the in-process fallback used when REDIS_ADDR is not set
// (single-instance deploys, local dev, tests). Dedup state does not survive
// restarts; the webhook_log unique constraint still catches replays.
type MemoryCache struct {
	seen *gocache.Cache

	mu    sync.Mutex
	turns map[string][][]byte
}

// NewMemoryCache builds an in-process cache with the given default TTL.
func NewMemoryCache(defaultTTL time.Duration) *MemoryCache {
	return &MemoryCache{
		seen:  gocache.New(defaultTTL, 5*time.Minute),
		turns: make(map[string][][]byte),
	}
}

func (c *MemoryCache) Seen(_ context.Context, key string) (bool, error) {
	_, found := c.seen.Get(key)
	return found, nil
}

func (c *MemoryCache) MarkSeen(_ context.Context, key string, ttl time.Duration) (bool, error) {
	// Add fails when the key is already present, which is exactly the
	// set-if-not-exists answer we need.
	if err := c.seen.Add(key, struct{}{}, ttl); err != nil {
		return true, nil
	}
	return false, nil
}

func (c *MemoryCache) PushTurn(_ context.Context, userID string, turn []byte, max int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	window := append([][]byte{turn}, c.turns[userID]...)
	if len(window) > max {
		window = window[:max]
	}
	c.turns[userID] = window
	return nil
}

func (c *MemoryCache) RecentTurns(_ context.Context, userID string, n int) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	window := c.turns[userID]
	if len(window) > n {
		window = window[:n]
	}
	out := make([][]byte, len(window))
	copy(out, window)
	return out, nil
}

func (c *MemoryCache) Ping(context.Context) error { return nil }
