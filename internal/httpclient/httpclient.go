// Package httpclient is the shared transport both internal/sourceapi and
// internal/sinkapi build their typed adapters on. It owns the retry
// policy: capped exponential backoff (default multiplier 1.0s, cap 10s, 3
// attempts), retrying network errors, 5xx, and 429; treating any other
// 4xx as terminal. Each call carries the configured request timeout and
// respects context cancellation.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/capsync/syncagent/internal/apierr"
)

// Config controls retry/backoff/timeout behavior, fed from the
// max_retries / retry_multiplier_seconds / request_timeout_seconds
// options.
type Config struct {
	Logger         *slog.Logger
	RequestTimeout time.Duration
	MaxRetries     int
	Multiplier     time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns the standard retry/timeout defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 30 * time.Second,
		MaxRetries:     3,
		Multiplier:     1 * time.Second,
		MaxBackoff:     10 * time.Second,
	}
}

// Client wraps *http.Client with the retry/classification policy.
type Client struct {
	http   *http.Client
	logger *slog.Logger
	cfg    Config
}

// New builds a Client. A nil/empty Config falls back to DefaultConfig.
func New(cfg Config) *Client {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = DefaultConfig().Multiplier
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = DefaultConfig().MaxBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		http:   &http.Client{Timeout: cfg.RequestTimeout},
		logger: cfg.Logger,
		cfg:    cfg,
	}
}

// Do executes req with retry/backoff. newReq rebuilds the request for each
// attempt (http.Request bodies are single-use), so callers pass a factory
// rather than a built *http.Request.
func (c *Client) Do(ctx context.Context, op string, newReq func(ctx context.Context) (*http.Request, error)) (*http.Response, []byte, error) {
	var lastErr error

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := min(c.cfg.Multiplier*time.Duration(1<<uint(attempt-1)), c.cfg.MaxBackoff)
			c.logger.WarnContext(ctx, "retrying remote call",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoff),
				slog.Any("error", lastErr),
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, nil, apierr.New(op, apierr.TransientRemote, ctx.Err())
			}
		}

		req, err := newReq(ctx)
		if err != nil {
			return nil, nil, apierr.New(op, apierr.Contract, err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		switch classify(resp.StatusCode) {
		case kindOK:
			return resp, body, nil
		case kindNotFound:
			return resp, body, apierr.New(op, apierr.NotFound, fmt.Errorf("status %d", resp.StatusCode))
		case kindPermanent:
			return resp, body, apierr.New(op, apierr.PermanentRemote, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body)))
		case kindTransient:
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body))
			continue
		}
	}

	return nil, nil, apierr.New(op, apierr.TransientRemote, errors.Join(errRetriesExhausted, lastErr))
}

var errRetriesExhausted = errors.New("retries exhausted")

type statusKind int

const (
	kindOK statusKind = iota
	kindTransient
	kindPermanent
	kindNotFound
)

func classify(status int) statusKind {
	switch {
	case status >= 200 && status < 300:
		return kindOK
	case status == 404:
		return kindNotFound
	case status == 429:
		return kindTransient
	case status >= 500:
		return kindTransient
	case status >= 400:
		return kindPermanent
	default:
		return kindOK
	}
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
