// Package ingest validates and classifies signed Source webhook events and
// turns them into queued sync jobs. The handler does no sync
// work itself: it verifies the MAC, classifies the event, enqueues, and
// returns, so the upstream webhook sender is never kept waiting on
// downstream API calls.
package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/capsync/syncagent/internal/worker"
)

// SignatureHeader carries the base64-encoded HMAC-SHA256 of the raw request
// body, keyed with the shared webhook secret.
const SignatureHeader = "X-Source-Hmac-SHA256"

// Enqueuer is the slice of the queue the ingester needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, j worker.Job) error
}

// envelope is the signed event wrapper the Source posts.
type envelope struct {
	EventName string          `json:"event_name"`
	EventData json.RawMessage `json:"event_data"`
	UserID    string          `json:"user_id,omitempty"`
	Version   string          `json:"version,omitempty"`
}

// Ingester handles inbound webhook deliveries.
type Ingester struct {
	queue  Enqueuer
	secret []byte
	logger *slog.Logger

	warnNoSecret sync.Once
}

// New builds an Ingester. An empty secret disables signature verification,
// intended for local development only; the first unverified request is
// logged at WARNING.
func New(queue Enqueuer, secret string, logger *slog.Logger) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	var key []byte
	if secret != "" {
		key = []byte(secret)
	}
	return &Ingester{queue: queue, secret: key, logger: logger}
}

// VerifySignature checks the keyed MAC of the raw body in constant time.
func (i *Ingester) VerifySignature(body []byte, header string) bool {
	if len(i.secret) == 0 {
		i.warnNoSecret.Do(func() {
			i.logger.Warn("webhook signature verification disabled: no secret configured")
		})
		return true
	}
	if header == "" {
		return false
	}
	mac := hmac.New(sha256.New, i.secret)
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header))
}

// Classify maps an event name onto a sync action. Zero action means the
// event is irrelevant and acknowledged without enqueueing.
func Classify(eventName string) (worker.Action, bool) {
	switch eventName {
	case "item:added", "item:updated", "item:completed", "item:uncompleted",
		"note:added", "note:updated":
		return worker.ActionUpsert, true
	case "item:deleted":
		return worker.ActionArchive, true
	default:
		return "", false
	}
}

// Result is the JSON body returned to the webhook sender.
type Result struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	TaskID string `json:"task_id,omitempty"`
	Action string `json:"action,omitempty"`
}

// Handle processes one delivery: verify, classify, enqueue.
func (i *Ingester) Handle(ctx context.Context, body []byte, signature string) (Result, int) {
	if !i.VerifySignature(body, signature) {
		i.logger.WarnContext(ctx, "webhook signature mismatch")
		return Result{Status: "unauthorized"}, http.StatusUnauthorized
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		i.logger.WarnContext(ctx, "malformed webhook envelope", slog.Any("error", err))
		return Result{Status: "ignored", Reason: "malformed_envelope"}, http.StatusOK
	}

	action, relevant := Classify(env.EventName)
	if !relevant {
		return Result{Status: "ignored", Reason: "irrelevant_event"}, http.StatusOK
	}

	var ref struct {
		ID string `json:"id"`
	}
	if len(env.EventData) > 0 {
		_ = json.Unmarshal(env.EventData, &ref)
	}
	if ref.ID == "" {
		i.logger.WarnContext(ctx, "webhook event missing task id", slog.String("event", env.EventName))
		return Result{Status: "ignored", Reason: "no_task_id"}, http.StatusOK
	}

	j := worker.Job{
		Action:       action,
		SourceTaskID: ref.ID,
		Snapshot:     env.EventData,
	}
	if err := i.queue.Enqueue(ctx, j); err != nil {
		i.logger.ErrorContext(ctx, "enqueue failed", slog.Any("error", err))
		return Result{Status: "error"}, http.StatusInternalServerError
	}

	i.logger.InfoContext(ctx, "sync job queued",
		slog.String("task_id", ref.ID),
		slog.String("action", string(action)),
		slog.String("event", env.EventName),
	)
	return Result{Status: "queued", TaskID: ref.ID, Action: string(action)}, http.StatusOK
}

// Handler adapts Handle to net/http.
func (i *Ingester) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		res, status := i.Handle(r.Context(), body, r.Header.Get(SignatureHeader))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(res)
	}
}
