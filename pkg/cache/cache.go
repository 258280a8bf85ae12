// Package cache is the small generic key-value cache the entity resolver
// keeps its Sink page-id lookups in. The in-memory backend is the default;
// the Redis backend lets horizontally scaled workers share one resolver
// cache so a page created by one replica is visible to the rest without a
// second Sink query.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache is a generic key-value cache with per-entry TTL.
//
// TTL semantics for Set: positive expires after that duration, zero uses
// the backend's default, negative never expires.
type Cache[V any] interface {
	// Get returns the value for key, or ErrNotFound if absent or expired.
	Get(ctx context.Context, key string) (V, error)

	// Set stores value under key with the given TTL.
	Set(ctx context.Context, key string, value V, ttl time.Duration) error

	// Delete removes key.
	Delete(ctx context.Context, key string) error

	// Has reports whether key exists and has not expired.
	Has(ctx context.Context, key string) (bool, error)

	// Clear removes every entry this cache owns.
	Clear(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Marshaler converts values to and from the byte form a remote backend
// stores.
type Marshaler[V any] interface {
	Marshal(v V) ([]byte, error)
	Unmarshal(data []byte) (V, error)
}

type jsonMarshaler[V any] struct{}

func (jsonMarshaler[V]) Marshal(v V) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Join(ErrMarshal, err)
	}
	return data, nil
}

func (jsonMarshaler[V]) Unmarshal(data []byte) (V, error) {
	var v V
	if err := json.Unmarshal(data, &v); err != nil {
		return v, errors.Join(ErrUnmarshal, err)
	}
	return v, nil
}

var sfGroup singleflight.Group

type computed[V any] struct {
	val V
	ttl time.Duration
}

// GetOrSet returns the cached value for key, computing and storing it via
// fn on a miss. Concurrent misses on the same key collapse into a single
// fn call through singleflight, so a burst of resolutions for a brand-new
// page id costs one Sink query instead of many.
func GetOrSet[V any](ctx context.Context, c Cache[V], key string, fn func(ctx context.Context) (V, time.Duration, error)) (V, error) {
	if v, err := c.Get(ctx, key); err == nil {
		return v, nil
	}

	v, err, _ := sfGroup.Do(key, func() (any, error) {
		val, ttl, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return computed[V]{val: val, ttl: ttl}, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}

	r := v.(computed[V])
	_ = c.Set(ctx, key, r.val, r.ttl)
	return r.val, nil
}
