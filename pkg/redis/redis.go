// Package redis opens the optional Redis connection backing the shared
// resolver caches. Redis is never required: without a redis_url the
// service runs on in-process caches and loses nothing but cross-replica
// cache sharing.
package redis

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrParseURL: the connection URL did not parse.
	ErrParseURL = errors.New("redis: parse url failed")

	// ErrConnect: the server never answered a ping within the retry budget.
	ErrConnect = errors.New("redis: connect failed")

	// ErrHealthcheckFailed wraps ping failures from the readiness check.
	ErrHealthcheckFailed = errors.New("redis: healthcheck failed")
)

// Option configures the connection.
type Option func(*options)

type options struct {
	poolSize      int
	minIdleConns  int
	retryAttempts int
	retryInterval time.Duration
}

func defaultOptions() *options {
	return &options{
		poolSize:      10,
		minIdleConns:  2,
		retryAttempts: 3,
		retryInterval: 2 * time.Second,
	}
}

// WithPoolSize sets the connection pool size. Default 10.
func WithPoolSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.poolSize = n
		}
	}
}

// WithRetry configures startup connection retries.
func WithRetry(attempts int, interval time.Duration) Option {
	return func(o *options) {
		if attempts > 0 {
			o.retryAttempts = attempts
		}
		if interval > 0 {
			o.retryInterval = interval
		}
	}
}

// Open connects to the Redis URL and verifies it answers a ping, retrying
// with linearly growing intervals.
func Open(ctx context.Context, url string, opts ...Option) (redis.UniversalClient, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	cfg, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Join(ErrParseURL, err)
	}
	cfg.PoolSize = o.poolSize
	cfg.MinIdleConns = o.minIdleConns

	var lastErr error
	for i := range max(o.retryAttempts, 1) {
		client := redis.NewClient(cfg)
		err := client.Ping(ctx).Err()
		if err == nil {
			return client, nil
		}
		lastErr = err
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrConnect, ctx.Err())
		case <-time.After(time.Duration(i+1) * o.retryInterval):
		}
	}
	return nil, errors.Join(ErrConnect, lastErr)
}

// Healthcheck returns a readiness check that pings the server.
func Healthcheck(client redis.UniversalClient) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			return errors.Join(ErrHealthcheckFailed, err)
		}
		return nil
	}
}

// Shutdown returns a hook-shaped closer for the process runtime.
func Shutdown(client io.Closer) func(ctx context.Context) error {
	return func(context.Context) error {
		return client.Close()
	}
}
