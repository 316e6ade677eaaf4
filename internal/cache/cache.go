// Package cache is a JSON get/setex adapter over an optional Redis
// backend. Without a backend every get is a miss and every set is a
// no-op, so callers never need to branch on cache availability.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aeris-io/aeris/internal/metrics"
)

type Cache struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects to Redis at addr. An empty addr returns a no-op cache.
func New(ctx context.Context, addr, password string, db int, logger *zap.Logger) (*Cache, error) {
	if addr == "" {
		logger.Info("cache backend not configured, running without cache")
		return &Cache{logger: logger}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Cache{rdb: rdb, logger: logger}, nil
}

// NewWithClient wraps an existing client; used by tests.
func NewWithClient(rdb *redis.Client, logger *zap.Logger) *Cache {
	return &Cache{rdb: rdb, logger: logger}
}

func (c *Cache) Enabled() bool { return c.rdb != nil }

// GetJSON unmarshals the value at key into dst, reporting whether the
// key was present.
func (c *Cache) GetJSON(ctx context.Context, family, key string, dst any) (bool, error) {
	if c.rdb == nil {
		metrics.CacheOpsTotal.WithLabelValues(family, "miss").Inc()
		return false, nil
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.CacheOpsTotal.WithLabelValues(family, "miss").Inc()
		return false, nil
	}
	if err != nil {
		metrics.CacheOpsTotal.WithLabelValues(family, "error").Inc()
		return false, fmt.Errorf("redis GET %q: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		metrics.CacheOpsTotal.WithLabelValues(family, "error").Inc()
		return false, fmt.Errorf("unmarshaling cached value %q: %w", key, err)
	}
	metrics.CacheOpsTotal.WithLabelValues(family, "hit").Inc()
	return true, nil
}

// SetJSON stores v under key with the given TTL.
func (c *Cache) SetJSON(ctx context.Context, family, key string, ttl time.Duration, v any) error {
	if c.rdb == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling value for %q: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		metrics.CacheOpsTotal.WithLabelValues(family, "error").Inc()
		return fmt.Errorf("redis SET %q: %w", key, err)
	}
	metrics.CacheOpsTotal.WithLabelValues(family, "set").Inc()
	return nil
}

// SetMarker stores a plain string marker (last-update timestamps).
func (c *Cache) SetMarker(ctx context.Context, key, value string, ttl time.Duration) error {
	if c.rdb == nil {
		return nil
	}
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		metrics.CacheOpsTotal.WithLabelValues("marker", "error").Inc()
		return fmt.Errorf("redis SET %q: %w", key, err)
	}
	metrics.CacheOpsTotal.WithLabelValues("marker", "set").Inc()
	return nil
}

// GetMarker returns a marker value, or "" when absent.
func (c *Cache) GetMarker(ctx context.Context, key string) (string, error) {
	if c.rdb == nil {
		return "", nil
	}
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis GET %q: %w", key, err)
	}
	return v, nil
}

func (c *Cache) Close() error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
