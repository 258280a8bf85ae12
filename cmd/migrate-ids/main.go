// Command migrate-ids runs the one-time ID-migration batch: re-pair Sink
// task pages with current Source task ids by exact title match, archive
// duplicate pages, and rebuild the record set. Dry-run by default; pass
// -apply to execute.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/capsync/syncagent/internal/config"
	"github.com/capsync/syncagent/internal/httpclient"
	"github.com/capsync/syncagent/internal/keylock"
	"github.com/capsync/syncagent/internal/logging"
	"github.com/capsync/syncagent/internal/migration"
	"github.com/capsync/syncagent/internal/sinkapi"
	"github.com/capsync/syncagent/internal/sourceapi"
	"github.com/capsync/syncagent/internal/store"
	"github.com/capsync/syncagent/internal/worker"
	"github.com/capsync/syncagent/pkg/cache"
)

func main() {
	if err := run(); err != nil {
		slog.Error("migrate-ids failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "optional YAML config overlay")
	apply := flag.Bool("apply", false, "execute the migration instead of printing the plan")
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
	defer st.Close()

	httpCfg := httpclient.Config{
		Logger:         logger,
		RequestTimeout: cfg.RequestTimeout,
		MaxRetries:     cfg.MaxRetries,
		Multiplier:     time.Duration(cfg.RetryMultiplierSeconds * float64(time.Second)),
	}
	source := sourceapi.New(cfg.SourceAPIBaseURL, cfg.SourceAPIToken, httpCfg)
	sink := sinkapi.New(cfg.SinkAPIBaseURL, cfg.SinkAPIToken, httpCfg)

	resolver := store.NewResolver(sink, st,
		cfg.ProjectsCollectionID, cfg.AreasCollectionID, cfg.PeopleCollectionID,
		cfg.InboxProjectName, cache.NewMemory[string](), cache.NewMemory[string]())

	w := worker.New(source, sink, st, resolver, keylock.New(cfg.ShardCount), worker.Config{
		SyncTag:           cfg.NormalizedSyncTag(),
		TasksCollectionID: cfg.TasksCollectionID,
		AreaLabels:        cfg.AreaLabels,
		PersonTagMarker:   cfg.PersonTagMarker,
		SinkPublicHost:    cfg.SinkPublicHost,
	}, logger)

	m := migration.New(source, sink, st, w, migration.Config{
		SyncTag:           cfg.NormalizedSyncTag(),
		TasksCollectionID: cfg.TasksCollectionID,
	}, logger)

	plan, err := m.Run(ctx, !*apply)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(plan)
}
