package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisCache backs the dedup cache with Redis. This is the production
// implementation; multiple receiver instances share one dedup view.
type RedisCache struct {
	rdb *redis.Client
}

// NewRedisCache connects to Redis and verifies connectivity.
func NewRedisCache(ctx context.Context, addr string) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	log.Info().Str("addr", addr).Msg("redis dedup cache connected")
	return &RedisCache{rdb: rdb}, nil
}

func (c *RedisCache) Seen(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisCache) MarkSeen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	set, err := c.rdb.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}

func (c *RedisCache) PushTurn(ctx context.Context, userID string, turn []byte, max int) error {
	key := hotWindowKey(userID)
	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, key, turn)
	pipe.LTrim(ctx, key, 0, int64(max-1))
	pipe.Expire(ctx, key, 24*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) RecentTurns(ctx context.Context, userID string, n int) ([][]byte, error) {
	vals, err := c.rdb.LRange(ctx, hotWindowKey(userID), 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(vals))
	for _, v := range vals {
		out = append(out, []byte(v))
	}
	return out, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
