package avatar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache shares downloaded avatars between server instances.
type RedisCache struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
}

func NewRedisCache(client *redis.Client, namespace string, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, namespace: namespace, ttl: ttl}
}

func createAvatarKey(namespace, userID string) string {
	return fmt.Sprintf("%s:avatar:%s", namespace, userID)
}

func (c *RedisCache) Get(ctx context.Context, userID string) ([]byte, bool) {
	data, _, ok := c.GetWithTTL(ctx, userID)
	return data, ok
}

// GetWithTTL reads the avatar together with the lifetime redis has left for it.
func (c *RedisCache) GetWithTTL(ctx context.Context, userID string) ([]byte, time.Duration, bool) {
	key := createAvatarKey(c.namespace, userID)
	var (
		get  *redis.StringCmd
		pttl *redis.DurationCmd
	)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.Get(ctx, key)
		pttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("Failed to read avatar from redis", "user_id", userID, "error", err)
		}
		return nil, 0, false
	}

	data, err := get.Bytes()
	if err != nil {
		return nil, 0, false
	}
	ttl := pttl.Val()
	switch {
	case ttl == -1:
		// key without expiry, written by something other than Set
		ttl = c.ttl
	case ttl <= 0:
		return nil, 0, false
	}
	return data, ttl, true
}

func (c *RedisCache) Set(ctx context.Context, userID string, data []byte) {
	c.SetWithTTL(ctx, userID, data, c.ttl)
}

func (c *RedisCache) SetWithTTL(ctx context.Context, userID string, data []byte, ttl time.Duration) {
	if ttl <= 0 {
		c.Delete(ctx, userID)
		return
	}
	if err := c.client.Set(ctx, createAvatarKey(c.namespace, userID), data, min(ttl, c.ttl)).Err(); err != nil {
		slog.Warn("Failed to store avatar in redis", "user_id", userID, "error", err)
	}
}

func (c *RedisCache) Delete(ctx context.Context, userID string) {
	if err := c.client.Del(ctx, createAvatarKey(c.namespace, userID)).Err(); err != nil {
		slog.Warn("Failed to delete avatar from redis", "user_id", userID, "error", err)
	}
}

// TieredCache reads the local tier first and fills it from the shared tier.
// A backfilled entry keeps the lifetime it has left in the shared tier.
type TieredCache struct {
	Local  ExpiringCache
	Shared ExpiringCache
}

func (c *TieredCache) Get(ctx context.Context, userID string) ([]byte, bool) {
	if data, ok := c.Local.Get(ctx, userID); ok {
		return data, true
	}
	data, ttl, ok := c.Shared.GetWithTTL(ctx, userID)
	if ok {
		c.Local.SetWithTTL(ctx, userID, data, ttl)
	}
	return data, ok
}

func (c *TieredCache) Set(ctx context.Context, userID string, data []byte) {
	c.Local.Set(ctx, userID, data)
	c.Shared.Set(ctx, userID, data)
}

func (c *TieredCache) Delete(ctx context.Context, userID string) {
	c.Local.Delete(ctx, userID)
	c.Shared.Delete(ctx, userID)
}
