package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the shared Cache backend for multi-replica deployments. Every
// key is namespaced under a prefix so Clear only touches this cache's
// entries, never the rest of the database.
type Redis[V any] struct {
	client     redis.UniversalClient
	marshaler  Marshaler[V]
	prefix     string
	defaultTTL time.Duration
}

// RedisOption configures a Redis cache.
type RedisOption func(*redisConfig)

type redisConfig struct {
	prefix     string
	defaultTTL time.Duration
}

// WithPrefix namespaces this cache's keys. Default: "cache:".
func WithPrefix(prefix string) RedisOption {
	return func(c *redisConfig) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithRedisDefaultTTL sets the TTL applied when Set is called with zero.
// Default: 24 hours -- a remote cache without expiry grows forever.
func WithRedisDefaultTTL(d time.Duration) RedisOption {
	return func(c *redisConfig) {
		if d > 0 {
			c.defaultTTL = d
		}
	}
}

// NewRedis builds a Redis-backed cache. A nil marshaler falls back to JSON.
func NewRedis[V any](client redis.UniversalClient, m Marshaler[V], opts ...RedisOption) *Redis[V] {
	cfg := &redisConfig{prefix: "cache:", defaultTTL: 24 * time.Hour}
	for _, opt := range opts {
		opt(cfg)
	}
	if m == nil {
		m = jsonMarshaler[V]{}
	}
	return &Redis[V]{
		client:     client,
		marshaler:  m,
		prefix:     cfg.prefix,
		defaultTTL: cfg.defaultTTL,
	}
}

func (r *Redis[V]) key(k string) string { return r.prefix + k }

// Get returns the value for key, or ErrNotFound.
func (r *Redis[V]) Get(ctx context.Context, key string) (V, error) {
	var zero V
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, ErrNotFound
		}
		return zero, err
	}
	return r.marshaler.Unmarshal(data)
}

// Set stores value under key.
func (r *Redis[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	data, err := r.marshaler.Marshal(value)
	if err != nil {
		return err
	}
	if ttl == 0 {
		ttl = r.defaultTTL
	}
	if ttl < 0 {
		ttl = 0 // redis: zero expiration means no expiry
	}
	return r.client.Set(ctx, r.key(key), data, ttl).Err()
}

// Delete removes key.
func (r *Redis[V]) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

// Has reports whether key exists.
func (r *Redis[V]) Has(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Clear removes every key under this cache's prefix, scanning in batches
// so a large cache doesn't block the server.
func (r *Redis[V]) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 256).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 256 {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return r.client.Del(ctx, batch...).Err()
	}
	return nil
}

// Close is a no-op: the client is shared and owned by the caller.
func (r *Redis[V]) Close() error { return nil }
