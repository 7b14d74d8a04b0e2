package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/accessctl"
)

// RedisCache stores encoded decisions in Redis. Keys keep the engine's
// "perm:{user}:..." layout so invalidation can SCAN by pattern.
type RedisCache struct {
	client    redis.UniversalClient
	scanCount int64
}

var _ accessctl.Cache = (*RedisCache)(nil)

func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client, scanCount: 100}
}

// NewRedisCacheFromURL parses a redis:// URL and pings the server.
func NewRedisCacheFromURL(ctx context.Context, url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisCache(client), nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) DeletePattern(ctx context.Context, pattern string) error {
	// deleting while the cursor is open can make SCAN skip keys
	var keys []string
	iter := c.client.Scan(ctx, 0, pattern, c.scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", pattern, err)
	}
	step := int(c.scanCount)
	for start := 0; start < len(keys); start += step {
		end := min(start+step, len(keys))
		if err := c.client.Del(ctx, keys[start:end]...).Err(); err != nil {
			return fmt.Errorf("delete %s: %w", pattern, err)
		}
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
