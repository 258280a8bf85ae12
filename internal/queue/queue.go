// Package queue is the durable at-least-once job channel between the
// webhook ingester and the sync worker, built on River over
// Postgres via pkg/job. Per-key serialization comes from sharded queues:
// every Source task id hashes to one of shardCount single-worker River
// queues, so jobs for the same task are never processed concurrently and
// drain in enqueue order. The in-process key lock inside the worker covers
// the remaining gap, where the reconciler bypasses the queue entirely.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/riverqueue/river"

	"github.com/capsync/syncagent/internal/apierr"
	"github.com/capsync/syncagent/internal/keylock"
	"github.com/capsync/syncagent/internal/logging"
	"github.com/capsync/syncagent/internal/model"
	"github.com/capsync/syncagent/internal/worker"
	"github.com/capsync/syncagent/pkg/job"
)

const taskName = "sync_task"

// ShardQueue returns the River queue name a task id serializes on.
func ShardQueue(sourceTaskID string, shardCount int) string {
	return fmt.Sprintf("sync-shard-%02d", keylock.ShardFor(sourceTaskID, shardCount))
}

// ShardOptions returns the pkg/job options declaring every shard queue with
// exactly one worker, plus the sync task handler registration. Passed to
// job.NewManager at startup.
func ShardOptions(w *worker.Worker, shardCount int, logger *slog.Logger) []job.Option {
	if shardCount <= 0 {
		shardCount = 1
	}
	opts := []job.Option{
		job.WithTask(&syncTask{worker: w}),
		job.WithLogger(logger),
	}
	for i := 0; i < shardCount; i++ {
		opts = append(opts, job.WithQueue(fmt.Sprintf("sync-shard-%02d", i), 1))
	}
	return opts
}

// Queue enqueues sync jobs onto the sharded River queues.
type Queue struct {
	mgr         *job.Manager
	shardCount  int
	maxAttempts int
}

// New wraps a started (or starting) job manager.
func New(mgr *job.Manager, shardCount, maxAttempts int) *Queue {
	if shardCount <= 0 {
		shardCount = 1
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Queue{mgr: mgr, shardCount: shardCount, maxAttempts: maxAttempts}
}

// Enqueue publishes a job onto the shard owning its task id.
func (q *Queue) Enqueue(ctx context.Context, j worker.Job) error {
	if j.SourceTaskID == "" {
		return apierr.New("queue.enqueue", apierr.Contract, errors.New("job missing source_task_id"))
	}
	return q.mgr.Enqueue(ctx, taskName, j,
		job.InQueue(ShardQueue(j.SourceTaskID, q.shardCount)),
		job.MaxAttempts(q.maxAttempts),
	)
}

// syncTask is the registered queue handler: it hands each decoded job to
// the worker and translates terminal failures into River cancellations so
// they are not redelivered. Everything else fails normally and retries with
// River's backoff.
type syncTask struct {
	worker *worker.Worker
}

func (t *syncTask) Name() string { return taskName }

func (t *syncTask) Handle(ctx context.Context, j worker.Job) error {
	ctx = logging.WithTaskID(ctx, j.SourceTaskID)

	err := t.worker.ProcessJob(ctx, j, model.OriginEvent)
	if err == nil {
		return nil
	}
	if apierr.IsContract(err) || apierr.IsPermanent(err) {
		return river.JobCancel(err)
	}
	return err
}
