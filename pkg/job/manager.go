package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/robfig/cron/v3"
)

const (
	defaultMaxWorkers = 100
	defaultQueue      = river.QueueDefault
)

// Manager processes background jobs through River on a shared Postgres
// pool. Jobs can be enqueued before Start; they sit in the job table until
// workers come up.
type Manager struct {
	pool     *pgxpool.Pool
	client   *river.Client[pgx.Tx]
	registry *taskRegistry
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
}

// Migrate applies River's own schema (job + leader tables) to the pool.
// Run once at startup before NewManager's client starts polling.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("job: build migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("job: migrate queue schema: %w", err)
	}
	return nil
}

// NewManager builds a manager from the given options. The River client
// exists immediately so enqueueing works before Start.
func NewManager(pool *pgxpool.Pool, opts ...Option) (*Manager, error) {
	if pool == nil {
		return nil, ErrPoolRequired
	}

	cfg := newConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.maxWorkers == 0 {
		cfg.maxWorkers = defaultMaxWorkers
	}

	queues := map[string]river.QueueConfig{
		defaultQueue: {MaxWorkers: cfg.maxWorkers},
	}
	for name, workers := range cfg.queues {
		queues[name] = river.QueueConfig{MaxWorkers: workers}
	}

	var periodicJobs []*river.PeriodicJob
	for _, sched := range cfg.schedules {
		cronSchedule, err := parseCronSchedule(sched.schedule)
		if err != nil {
			return nil, fmt.Errorf("job: invalid cron schedule %q: %w", sched.schedule, err)
		}
		periodicJobs = append(periodicJobs, river.NewPeriodicJob(
			cronSchedule,
			func() (river.JobArgs, *river.InsertOpts) {
				return &taskArgs{TaskName: sched.name}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: false},
		))
		cfg.registry.register(sched.name, scheduledExecutor(sched.handler))
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &taskWorker{
		registry: cfg.registry,
		logger:   cfg.logger,
	})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:       queues,
		Workers:      workers,
		PeriodicJobs: periodicJobs,
		Logger:       cfg.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("job: create client: %w", err)
	}

	return &Manager{
		pool:     pool,
		client:   client,
		registry: cfg.registry,
		logger:   cfg.logger,
	}, nil
}

// Start begins processing jobs.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrAlreadyStarted
	}
	if err := m.client.Start(ctx); err != nil {
		return fmt.Errorf("job: start client: %w", err)
	}
	m.started = true
	m.logger.Info("job manager started", slog.Int("tasks", len(m.registry.names())))
	return nil
}

// Stop drains in-flight jobs and shuts the workers down. Jobs that don't
// finish within ctx's deadline stay in the table and redeliver after
// restart.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return ErrNotStarted
	}
	if err := m.client.Stop(ctx); err != nil {
		return fmt.Errorf("job: stop client: %w", err)
	}
	m.started = false
	m.logger.Info("job manager stopped")
	return nil
}

// Enqueue inserts a job for a registered task.
func (m *Manager) Enqueue(ctx context.Context, name string, payload any, opts ...EnqueueOption) error {
	if _, ok := m.registry.get(name); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}

	args, insertOpts, err := buildJobArgs(name, payload, opts...)
	if err != nil {
		return err
	}
	if _, err := m.client.Insert(ctx, args, insertOpts); err != nil {
		return fmt.Errorf("job: enqueue: %w", err)
	}
	return nil
}

func buildJobArgs(name string, payload any, opts ...EnqueueOption) (*taskArgs, *river.InsertOpts, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		var err error
		payloadBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("job: marshal payload: %w", err)
		}
	}

	args := &taskArgs{TaskName: name, Payload: payloadBytes}

	enqCfg := &enqueueConfig{}
	for _, opt := range opts {
		opt(enqCfg)
	}

	insertOpts := &river.InsertOpts{}
	if enqCfg.queue != "" {
		insertOpts.Queue = enqCfg.queue
	}
	if enqCfg.scheduledAt != nil {
		insertOpts.ScheduledAt = *enqCfg.scheduledAt
	}
	if enqCfg.maxAttempts > 0 {
		insertOpts.MaxAttempts = enqCfg.maxAttempts
	}
	if enqCfg.uniqueFor > 0 {
		insertOpts.UniqueOpts = river.UniqueOpts{ByPeriod: enqCfg.uniqueFor}
		if enqCfg.uniqueKey != "" {
			args.UniqueKey = enqCfg.uniqueKey
		}
	}

	return args, insertOpts, nil
}

// taskArgs is the single River job-args shape every task shares: a task
// name resolved through the registry plus an opaque JSON payload.
type taskArgs struct {
	TaskName  string          `json:"task_name"`
	UniqueKey string          `json:"unique_key,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (taskArgs) Kind() string { return "syncagent:job" }

// taskWorker dispatches every job to its registered executor. A payload
// that fails to decode is cancelled rather than retried: redelivering a
// malformed message can never succeed.
type taskWorker struct {
	river.WorkerDefaults[taskArgs]
	registry *taskRegistry
	logger   *slog.Logger
}

func (w *taskWorker) Work(ctx context.Context, j *river.Job[taskArgs]) error {
	executor, ok := w.registry.get(j.Args.TaskName)
	if !ok || executor == nil {
		return river.JobCancel(fmt.Errorf("%w: %s", ErrUnknownTask, j.Args.TaskName))
	}

	w.logger.DebugContext(ctx, "executing task",
		slog.String("task", j.Args.TaskName),
		slog.Int64("job_id", j.ID),
		slog.Int("attempt", j.Attempt),
	)

	if err := executor.Execute(ctx, j.Args.Payload); err != nil {
		if errors.Is(err, ErrInvalidPayload) {
			w.logger.ErrorContext(ctx, "task payload malformed, cancelling",
				slog.String("task", j.Args.TaskName),
				slog.Int64("job_id", j.ID),
				slog.Any("error", err),
			)
			return river.JobCancel(err)
		}
		w.logger.ErrorContext(ctx, "task failed",
			slog.String("task", j.Args.TaskName),
			slog.Int64("job_id", j.ID),
			slog.Int("attempt", j.Attempt),
			slog.Any("error", err),
		)
		return err
	}
	return nil
}

// scheduledExecutor adapts a no-payload scheduled handler to the executor
// interface.
type scheduledExecutor func(ctx context.Context) error

func (e scheduledExecutor) Execute(ctx context.Context, _ json.RawMessage) error {
	return e(ctx)
}

// cronScheduleAdapter bridges robfig/cron parsing to River's
// PeriodicSchedule.
type cronScheduleAdapter struct {
	schedule cron.Schedule
}

func (a *cronScheduleAdapter) Next(current time.Time) time.Time {
	return a.schedule.Next(current)
}

func parseCronSchedule(expr string) (river.PeriodicSchedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, err
	}
	return &cronScheduleAdapter{schedule: schedule}, nil
}

// Shutdown returns a hook-shaped stop function.
func (m *Manager) Shutdown() func(context.Context) error {
	return m.Stop
}

// StartFunc returns a hook-shaped start function.
func (m *Manager) StartFunc() func(context.Context) error {
	return m.Start
}
