// Package runtime owns the process lifecycle: a signal-aware context, the
// HTTP server, start hooks for background components (the job manager),
// and shutdown hooks run in order under a bounded grace period. Undrained
// queue jobs survive the grace period in Postgres and redeliver after
// restart.
package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Default server timeouts.
const (
	defaultReadTimeout       = 15 * time.Second
	defaultWriteTimeout      = 60 * time.Second
	defaultIdleTimeout       = 120 * time.Second
	defaultReadHeaderTimeout = 5 * time.Second
	defaultShutdownTimeout   = 30 * time.Second
)

// Hook is a lifecycle callback. Start hooks run before the server begins
// accepting traffic; shutdown hooks run after it stops, in registration
// order.
type Hook func(ctx context.Context) error

// App orchestrates the service lifecycle. Immutable after New.
type App struct {
	server          *http.Server
	logger          *slog.Logger
	startHooks      []Hook
	shutdownHooks   []Hook
	shutdownTimeout time.Duration
	done            chan struct{}
}

// Option configures an App.
type Option func(*App)

// WithStartHook registers a callback run before the server starts serving.
func WithStartHook(h Hook) Option {
	return func(a *App) { a.startHooks = append(a.startHooks, h) }
}

// WithShutdownHook registers a callback run during graceful shutdown.
func WithShutdownHook(h Hook) Option {
	return func(a *App) { a.shutdownHooks = append(a.shutdownHooks, h) }
}

// WithShutdownTimeout bounds the graceful-shutdown grace period.
func WithShutdownTimeout(d time.Duration) Option {
	return func(a *App) {
		if d > 0 {
			a.shutdownTimeout = d
		}
	}
}

// New builds an App serving handler on addr.
func New(addr string, handler http.Handler, logger *slog.Logger, opts ...Option) *App {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadTimeout:       defaultReadTimeout,
			WriteTimeout:      defaultWriteTimeout,
			IdleTimeout:       defaultIdleTimeout,
			ReadHeaderTimeout: defaultReadHeaderTimeout,
		},
		logger:          logger,
		shutdownTimeout: defaultShutdownTimeout,
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run starts the service and blocks until SIGINT/SIGTERM, Stop, or a server
// failure. Returns nil on clean shutdown.
func (a *App) Run(baseCtx context.Context) error {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(baseCtx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	for _, hook := range a.startHooks {
		if err := hook(ctx); err != nil {
			return err
		}
	}

	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", slog.String("address", ln.Addr().String()))
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	case <-a.done:
	}

	a.logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer shutdownCancel()

	var errs []error
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	for _, hook := range a.shutdownHooks {
		if err := hook(shutdownCtx); err != nil {
			errs = append(errs, err)
			a.logger.Error("shutdown hook failed", slog.Any("error", err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	a.logger.Info("shutdown completed")
	return nil
}

// Stop triggers graceful shutdown programmatically.
func (a *App) Stop() {
	select {
	case <-a.done:
	default:
		close(a.done)
	}
}
