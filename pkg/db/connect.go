package db

import (
	"context"
	"embed"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Option configures the connection pool.
type Option func(*options)

type options struct {
	migrations      *embed.FS
	logger          *slog.Logger
	maxConns        int32
	minConns        int32
	maxConnIdleTime time.Duration
	maxConnLifetime time.Duration
	retryAttempts   int
	retryInterval   time.Duration
}

func defaultOptions() *options {
	return &options{
		maxConns:        10,
		minConns:        2,
		maxConnIdleTime: 10 * time.Minute,
		maxConnLifetime: 30 * time.Minute,
		retryAttempts:   3,
		retryInterval:   5 * time.Second,
	}
}

// WithMigrations applies the embedded goose migrations after connecting.
func WithMigrations(fs embed.FS) Option {
	return func(o *options) { o.migrations = &fs }
}

// WithLogger sets the logger for migration output.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.logger = log }
}

// WithMaxConns caps the pool size. Default 10.
func WithMaxConns(n int32) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConns = n
		}
	}
}

// WithMinConns sets how many connections stay warm. Default 2.
func WithMinConns(n int32) Option {
	return func(o *options) {
		if n >= 0 {
			o.minConns = n
		}
	}
}

// WithRetry configures startup connection retries. Intervals grow linearly
// per attempt.
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

// Open builds the pool, verifies connectivity, and runs any configured
// migrations. The returned pool is shared between the store and the job
// queue.
func Open(ctx context.Context, connString string, opts ...Option) (*pgxpool.Pool, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Join(ErrParseConfig, err)
	}
	cfg.MaxConns = o.maxConns
	cfg.MinConns = o.minConns
	cfg.MaxConnIdleTime = o.maxConnIdleTime
	cfg.MaxConnLifetime = o.maxConnLifetime

	pool, err := connect(ctx, cfg, o.retryAttempts, o.retryInterval)
	if err != nil {
		return nil, err
	}

	if o.migrations != nil {
		if err := Migrate(ctx, pool, *o.migrations, o.logger); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return pool, nil
}

func connect(ctx context.Context, cfg *pgxpool.Config, attempts int, interval time.Duration) (*pgxpool.Pool, error) {
	attempts = max(attempts, 1)

	var lastErr error
	for i := range attempts {
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				return pool, nil
			}
			pool.Close()
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrConnect, ctx.Err())
		case <-time.After(time.Duration(i+1) * interval):
		}
	}
	return nil, errors.Join(ErrConnect, lastErr)
}
