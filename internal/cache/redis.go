package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dandantas/quantflow/internal/model"
	"github.com/redis/go-redis/v9"
)

// RedisCache is a ResultCache shared by every server instance.
// Entries expire natively so Sweep has nothing to do.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache wraps an existing client
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

// ConnectRedis opens a client and verifies it with PING
func ConnectRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// Lookup reads key from redis
func (c *RedisCache) Lookup(ctx context.Context, key string) (*model.BacktestResult, bool, error) {
	b, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache entry: %w", err)
	}
	v, err := decode(b)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Store writes with SET NX and compares against the winner on conflict
func (c *RedisCache) Store(ctx context.Context, key string, value *model.BacktestResult) error {
	b, err := encode(value)
	if err != nil {
		return err
	}

	// the second pass covers an entry that expired between SETNX and GET
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := c.client.SetNX(ctx, c.prefix+key, b, c.ttl).Result()
		if err != nil {
			return fmt.Errorf("failed to write cache entry: %w", err)
		}
		if ok {
			return nil
		}

		cur, err := c.client.Get(ctx, c.prefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read cache entry: %w", err)
		}
		if bytes.Equal(cur, b) {
			return nil
		}
		return &model.CachePoisoningError{Key: key}
	}
	return nil
}

// Sweep is a no-op; redis expires keys itself
func (c *RedisCache) Sweep(ctx context.Context) (int, error) {
	return 0, nil
}

// Ping reports whether redis is reachable
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
