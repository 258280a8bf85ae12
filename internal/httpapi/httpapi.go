// Package httpapi wires the service's HTTP surface: health probes,
// service metadata, the webhook ingest endpoint, and the authenticated
// reconcile trigger.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/capsync/syncagent/internal/ingest"
	"github.com/capsync/syncagent/internal/logging"
	"github.com/capsync/syncagent/internal/reconcile"
	"github.com/capsync/syncagent/pkg/health"
)

// Version is reported by the metadata endpoint.
const Version = "1.0.0"

// Reconciler triggers a sweep; implemented by *reconcile.Reconciler.
type Reconciler interface {
	Run(ctx context.Context) (reconcile.Summary, error)
}

// Config carries the router's slice of the service configuration.
type Config struct {
	// ReconcileBearer authorizes POST /internal/reconcile. Empty disables
	// the endpoint entirely rather than leaving it open.
	ReconcileBearer string
	Environment     string
}

// New builds the service router.
func New(ing *ingest.Ingester, rec Reconciler, readiness health.Checks, cfg Config, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestIDToContext)
	r.Use(middleware.Recoverer)

	r.Get("/health", health.LivenessHandler())
	r.Get("/health/live", health.LivenessHandler())
	r.Get("/health/ready", health.ReadinessHandler(readiness, health.WithLogger(logger)))

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"service":     "syncagent",
			"version":     Version,
			"status":      "running",
			"environment": cfg.Environment,
		})
	})

	r.Post("/webhooks/source", ing.Handler())

	r.Post("/internal/reconcile", reconcileHandler(rec, cfg.ReconcileBearer, logger))

	return r
}

// requestIDToContext copies chi's request id into the logging context so
// every log line inside a request carries it.
func requestIDToContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(logging.WithRequestID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

func reconcileHandler(rec Reconciler, bearer string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r.Header.Get("Authorization"), bearer) {
			logger.WarnContext(r.Context(), "unauthorized reconcile attempt")
			writeJSON(w, http.StatusUnauthorized, map[string]string{"status": "unauthorized"})
			return
		}

		summary, err := rec.Run(r.Context())
		if err != nil {
			logger.ErrorContext(r.Context(), "reconcile sweep failed", slog.Any("error", err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error"})
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

// authorized accepts "Bearer <token>" compared in constant time. An empty
// configured token rejects everything.
func authorized(header, bearer string) bool {
	if bearer == "" {
		return false
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(bearer)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
