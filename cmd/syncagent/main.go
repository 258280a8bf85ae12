// Command syncagent runs the bidirectional Source/Sink synchronization
// service: webhook ingest, the durable job queue and sync worker, the
// periodic reconciler, and the HTTP surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/capsync/syncagent/internal/config"
	"github.com/capsync/syncagent/internal/httpapi"
	"github.com/capsync/syncagent/internal/httpclient"
	"github.com/capsync/syncagent/internal/ingest"
	"github.com/capsync/syncagent/internal/keylock"
	"github.com/capsync/syncagent/internal/logging"
	"github.com/capsync/syncagent/internal/queue"
	"github.com/capsync/syncagent/internal/reconcile"
	"github.com/capsync/syncagent/internal/runtime"
	"github.com/capsync/syncagent/internal/sinkapi"
	"github.com/capsync/syncagent/internal/sourceapi"
	"github.com/capsync/syncagent/internal/store"
	"github.com/capsync/syncagent/internal/worker"
	"github.com/capsync/syncagent/pkg/cache"
	"github.com/capsync/syncagent/pkg/health"
	"github.com/capsync/syncagent/pkg/job"
	"github.com/capsync/syncagent/pkg/redis"
)

func main() {
	if err := run(); err != nil {
		slog.Error("syncagent exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "optional YAML config overlay")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.SentryDSN, cfg.Environment)
	slog.SetDefault(logger)

	ctx := context.Background()

	st, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	if err := job.Migrate(ctx, st.Pool()); err != nil {
		return fmt.Errorf("queue schema: %w", err)
	}

	httpCfg := httpclient.Config{
		Logger:         logger,
		RequestTimeout: cfg.RequestTimeout,
		MaxRetries:     cfg.MaxRetries,
		Multiplier:     time.Duration(cfg.RetryMultiplierSeconds * float64(time.Second)),
	}
	source := sourceapi.New(cfg.SourceAPIBaseURL, cfg.SourceAPIToken, httpCfg)
	sink := sinkapi.New(cfg.SinkAPIBaseURL, cfg.SinkAPIToken, httpCfg)

	readiness := health.Checks{"postgres": st.Healthcheck}

	var shutdownHooks []runtime.Hook
	var areaCache, personCache cache.Cache[string]
	if cfg.RedisURL != "" {
		rdb, err := redis.Open(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		readiness["redis"] = redis.Healthcheck(rdb)
		shutdownHooks = append(shutdownHooks, redis.Shutdown(rdb))
		areaCache = cache.NewRedis[string](rdb, nil, cache.WithPrefix("resolver:area:"))
		personCache = cache.NewRedis[string](rdb, nil, cache.WithPrefix("resolver:person:"))
	} else {
		areaCache = cache.NewMemory[string]()
		personCache = cache.NewMemory[string]()
	}

	resolver := store.NewResolver(sink, st,
		cfg.ProjectsCollectionID, cfg.AreasCollectionID, cfg.PeopleCollectionID,
		cfg.InboxProjectName, areaCache, personCache)

	locks := keylock.New(cfg.ShardCount)
	w := worker.New(source, sink, st, resolver, locks, worker.Config{
		SyncTag:             cfg.NormalizedSyncTag(),
		TasksCollectionID:   cfg.TasksCollectionID,
		AreaLabels:          cfg.AreaLabels,
		PersonTagMarker:     cfg.PersonTagMarker,
		AddBacklinkToSource: cfg.AddBacklinkToSource,
		SinkPublicHost:      cfg.SinkPublicHost,
	}, logger)

	rec := reconcile.New(source, sink, st, w, reconcile.Config{
		SyncTag:              cfg.NormalizedSyncTag(),
		InboxProjectName:     cfg.InboxProjectName,
		TasksCollectionID:    cfg.TasksCollectionID,
		ProjectsCollectionID: cfg.ProjectsCollectionID,
		AutoLabelTasks:       cfg.AutoLabelTasks,
		EnableReversePull:    cfg.EnableReversePull,
		EnableReverseCreate:  cfg.EnableReverseCreate,
	}, logger)

	jobOpts := queue.ShardOptions(w, cfg.ShardCount, logger)
	if cfg.ReconcileCronSchedule != "" {
		jobOpts = append(jobOpts, job.WithScheduledTask(&reconcileCron{rec: rec, schedule: cfg.ReconcileCronSchedule}))
	}
	mgr, err := job.NewManager(st.Pool(), jobOpts...)
	if err != nil {
		return fmt.Errorf("build job manager: %w", err)
	}
	readiness["jobs"] = job.Healthcheck(mgr)

	q := queue.New(mgr, cfg.ShardCount, cfg.MaxRetries)
	ing := ingest.New(q, cfg.SourceWebhookSecret, logger)

	handler := httpapi.New(ing, rec, readiness, httpapi.Config{
		ReconcileBearer: cfg.ReconcileBearer,
		Environment:     cfg.Environment,
	}, logger)

	opts := []runtime.Option{
		runtime.WithStartHook(mgr.StartFunc()),
		runtime.WithShutdownHook(mgr.Shutdown()),
	}
	for _, hook := range shutdownHooks {
		opts = append(opts, runtime.WithShutdownHook(hook))
	}
	opts = append(opts, runtime.WithShutdownHook(func(context.Context) error {
		st.Close()
		return nil
	}))

	app := runtime.New(cfg.HTTPAddr, handler, logger, opts...)
	return app.Run(ctx)
}

// reconcileCron runs the sweep on an in-process schedule for deployments
// without an external cron caller.
type reconcileCron struct {
	rec      *reconcile.Reconciler
	schedule string
}

func (t *reconcileCron) Name() string     { return "reconcile_sweep" }
func (t *reconcileCron) Schedule() string { return t.schedule }

func (t *reconcileCron) Handle(ctx context.Context) error {
	_, err := t.rec.Run(ctx)
	return err
}
