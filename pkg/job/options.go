package job

import (
	"context"
	"log/slog"
)

// config accumulates manager options.
type config struct {
	registry   *taskRegistry
	queues     map[string]int
	logger     *slog.Logger
	schedules  []scheduleConfig
	maxWorkers int
}

func newConfig() *config {
	return &config{
		registry: newTaskRegistry(),
		queues:   make(map[string]int),
	}
}

// scheduleConfig holds one periodic task registration.
type scheduleConfig struct {
	handler  func(context.Context) error
	name     string
	schedule string
}

// Option configures the job manager.
type Option func(*config)

// WithTask registers a task handler. The task provides its own name and a
// typed Handle method; the payload type is inferred from the handler
// signature and decoded from the job's JSON payload.
func WithTask[P any, T interface {
	Name() string
	Handle(context.Context, P) error
}](task T) Option {
	return func(c *config) {
		c.registry.register(task.Name(), newTaskWrapper[P](task))
	}
}

// WithScheduledTask registers a periodic task. Schedule returns a standard
// five-field cron expression evaluated by River's leader, so the schedule
// fires once per deployment rather than once per replica.
func WithScheduledTask[T interface {
	Name() string
	Schedule() string
	Handle(context.Context) error
}](task T) Option {
	return func(c *config) {
		c.schedules = append(c.schedules, scheduleConfig{
			name:     task.Name(),
			schedule: task.Schedule(),
			handler:  task.Handle,
		})
	}
}

// WithQueue declares a named queue with a fixed worker count. A queue with
// one worker processes its jobs strictly sequentially, which is how the
// sync engine serializes work per task-id shard.
func WithQueue(name string, workers int) Option {
	return func(c *config) {
		if workers > 0 {
			c.queues[name] = workers
		}
	}
}

// WithLogger sets the logger for job processing. Defaults to a no-op.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMaxWorkers sets the default queue's worker count.
func WithMaxWorkers(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxWorkers = n
		}
	}
}
