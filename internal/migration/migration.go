// Package migration implements the offline ID-migration procedure:
// after the Source changes its id scheme, re-pair every Sink task
// page with its current Source task by exact title match, repoint the
// pages' task-id properties, archive duplicate pages left behind by an
// earlier migration pass, and rebuild the record set from scratch. The
// whole batch is idempotent; dry-run mode returns the plan without
// writing anything.
package migration

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/capsync/syncagent/internal/fingerprint"
	"github.com/capsync/syncagent/internal/model"
	"github.com/capsync/syncagent/internal/sinkapi"
	"github.com/capsync/syncagent/internal/worker"
)

// SourceAPI is the slice of the Source client the migrator consumes.
type SourceAPI interface {
	ListTasks(ctx context.Context, filterExpr string) ([]model.Task, error)
}

// SinkAPI is the slice of the Sink client the migrator consumes.
type SinkAPI interface {
	QueryCollection(ctx context.Context, collectionID string, filter sinkapi.QueryFilter) ([]model.Page, error)
	UpdatePage(ctx context.Context, id string, properties map[string]model.PropertyValue, archived *bool) error
}

// Store is the slice of the persistence layer the migrator consumes.
// ReplaceAllTaskRecords must swap the record set atomically so a crash
// mid-rebuild cannot leave it half-empty.
type Store interface {
	ReplaceAllTaskRecords(ctx context.Context, records []model.TaskSyncRecord) (removed int64, err error)
}

// PayloadComposer renders a task's canonical forward payload; implemented
// by *worker.Worker.
type PayloadComposer interface {
	ForwardPayload(ctx context.Context, task model.Task) (fingerprint.ForwardPayload, error)
}

// Config carries the migrator's slice of the service configuration.
type Config struct {
	SyncTag           string
	TasksCollectionID string
}

// Match pairs one Sink page with its current Source task.
type Match struct {
	PageID    string `json:"page_id"`
	Title     string `json:"title"`
	OldTaskID string `json:"old_task_id,omitempty"`
	NewTaskID string `json:"new_task_id"`
	Ambiguous bool   `json:"ambiguous,omitempty"`
}

// Plan is what a migration run would (or did) change.
type Plan struct {
	BatchID           string   `json:"batch_id"`
	DryRun            bool     `json:"dry_run"`
	SourceTasks       int      `json:"source_tasks"`
	SinkPages         int      `json:"sink_pages"`
	Matches           []Match  `json:"matches"`
	DuplicatePages    []string `json:"duplicate_pages"`
	UnmatchedPages    []string `json:"unmatched_pages"`
	PagesUpdated      int      `json:"pages_updated"`
	DuplicatesRemoved int      `json:"duplicates_removed"`
	RecordsCleared    int64    `json:"records_cleared"`
	RecordsRebuilt    int      `json:"records_rebuilt"`
}

// Migrator runs the batch.
type Migrator struct {
	source   SourceAPI
	sink     SinkAPI
	store    Store
	composer PayloadComposer
	cfg      Config
	logger   *slog.Logger

	now func() time.Time
}

// New builds a Migrator.
func New(source SourceAPI, sink SinkAPI, st Store, composer PayloadComposer, cfg Config, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{
		source:   source,
		sink:     sink,
		store:    st,
		composer: composer,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Run builds the migration plan and, unless dryRun, executes it.
func (m *Migrator) Run(ctx context.Context, dryRun bool) (Plan, error) {
	plan := Plan{BatchID: uuid.NewString(), DryRun: dryRun}
	logger := m.logger.With(slog.String("batch_id", plan.BatchID))

	tasks, err := m.source.ListTasks(ctx, "@"+m.cfg.SyncTag)
	if err != nil {
		return plan, fmt.Errorf("migration: list tagged tasks: %w", err)
	}
	plan.SourceTasks = len(tasks)

	pages, err := m.sink.QueryCollection(ctx, m.cfg.TasksCollectionID, sinkapi.QueryFilter{})
	if err != nil {
		return plan, fmt.Errorf("migration: list sink pages: %w", err)
	}
	plan.SinkPages = len(pages)

	m.buildPlan(tasks, pages, &plan)
	logger.Info("migration plan built",
		slog.Int("matches", len(plan.Matches)),
		slog.Int("duplicates", len(plan.DuplicatePages)),
		slog.Int("unmatched", len(plan.UnmatchedPages)),
	)

	if dryRun {
		return plan, nil
	}
	if err := m.execute(ctx, tasks, &plan, logger); err != nil {
		return plan, err
	}
	return plan, nil
}

// buildPlan matches pages to tasks by exact (whitespace-trimmed,
// case-preserving) title. A page already carrying the task's current id is
// archived as a duplicate when a stale page was matched to the same task,
// and otherwise kept as that task's page; titles with multiple
// task candidates are matched to the first and flagged ambiguous.
func (m *Migrator) buildPlan(tasks []model.Task, pages []model.Page, plan *Plan) {
	tasksByTitle := make(map[string][]model.Task, len(tasks))
	currentIDs := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		title := strings.TrimSpace(t.Title)
		tasksByTitle[title] = append(tasksByTitle[title], t)
		currentIDs[t.ID] = true
	}

	matchedPageByTask := make(map[string]string)
	for _, page := range pages {
		if page.Archived {
			continue
		}
		title := strings.TrimSpace(page.TextProp(worker.PropTitle))
		pageTaskID := page.TextProp(worker.PropTaskID)

		// Pages already pointing at a current id are either the canonical
		// page for that task or a duplicate of a matched stale page;
		// decided below once all stale pages are matched.
		if currentIDs[pageTaskID] {
			continue
		}

		candidates := tasksByTitle[title]
		if len(candidates) == 0 {
			plan.UnmatchedPages = append(plan.UnmatchedPages, page.ID)
			continue
		}
		task := candidates[0]
		if _, taken := matchedPageByTask[task.ID]; taken {
			// A second stale page for the same task; archive it.
			plan.DuplicatePages = append(plan.DuplicatePages, page.ID)
			continue
		}
		matchedPageByTask[task.ID] = page.ID
		plan.Matches = append(plan.Matches, Match{
			PageID:    page.ID,
			Title:     title,
			OldTaskID: pageTaskID,
			NewTaskID: task.ID,
			Ambiguous: len(candidates) > 1,
		})
	}

	// Current-id pages duplicating a matched stale page were created by a
	// reconcile pass that ran before this migration; the stale page keeps
	// the user's edits, so the newer duplicate is the one to archive.
	for _, page := range pages {
		if page.Archived {
			continue
		}
		pageTaskID := page.TextProp(worker.PropTaskID)
		if !currentIDs[pageTaskID] {
			continue
		}
		if keptPage, ok := matchedPageByTask[pageTaskID]; ok && keptPage != page.ID {
			plan.DuplicatePages = append(plan.DuplicatePages, page.ID)
		} else if !ok {
			// Genuinely current page; carries forward into the rebuilt
			// record set as-is.
			matchedPageByTask[pageTaskID] = page.ID
			plan.Matches = append(plan.Matches, Match{
				PageID:    page.ID,
				Title:     strings.TrimSpace(page.TextProp(worker.PropTitle)),
				OldTaskID: pageTaskID,
				NewTaskID: pageTaskID,
			})
		}
	}
}

func (m *Migrator) execute(ctx context.Context, tasks []model.Task, plan *Plan, logger *slog.Logger) error {
	tasksByID := make(map[string]model.Task, len(tasks))
	for _, t := range tasks {
		tasksByID[t.ID] = t
	}

	// Repoint matched pages at their current task ids.
	for _, match := range plan.Matches {
		if match.OldTaskID == match.NewTaskID {
			continue
		}
		task := tasksByID[match.NewTaskID]
		props := map[string]model.PropertyValue{
			worker.PropTaskID:    {Text: match.NewTaskID},
			worker.PropSourceURL: {Text: task.URL},
		}
		if err := m.sink.UpdatePage(ctx, match.PageID, props, nil); err != nil {
			logger.Warn("page repoint failed", slog.String("page_id", match.PageID), slog.Any("error", err))
			continue
		}
		plan.PagesUpdated++
	}

	// Archive duplicates.
	archived := true
	for _, pageID := range plan.DuplicatePages {
		if err := m.sink.UpdatePage(ctx, pageID, nil, &archived); err != nil {
			logger.Warn("duplicate archive failed", slog.String("page_id", pageID), slog.Any("error", err))
			continue
		}
		plan.DuplicatesRemoved++
	}

	// Rebuild the record set from scratch: compose every record first (the
	// payload composition does remote fetches), then swap the whole set in
	// one transaction.
	records := make([]model.TaskSyncRecord, 0, len(plan.Matches))
	for _, match := range plan.Matches {
		task, ok := tasksByID[match.NewTaskID]
		if !ok {
			continue
		}
		payload, err := m.composer.ForwardPayload(ctx, task)
		if err != nil {
			logger.Warn("payload compose failed during rebuild", slog.String("task_id", task.ID), slog.Any("error", err))
			continue
		}
		records = append(records, model.TaskSyncRecord{
			SourceTaskID:       task.ID,
			SinkPageID:         match.PageID,
			ForwardFingerprint: fingerprint.Forward(payload),
			ReverseFingerprint: fingerprint.Reverse(worker.ReverseSubsetFromTask(task)),
			Status:             model.StatusOK,
			Origin:             model.OriginMigration,
			LastSyncedAt:       m.now().UTC(),
		})
	}

	cleared, err := m.store.ReplaceAllTaskRecords(ctx, records)
	if err != nil {
		return fmt.Errorf("migration: rebuild records: %w", err)
	}
	plan.RecordsCleared = cleared
	plan.RecordsRebuilt = len(records)

	logger.Info("migration executed",
		slog.Int("pages_updated", plan.PagesUpdated),
		slog.Int("duplicates_removed", plan.DuplicatesRemoved),
		slog.Int64("records_cleared", plan.RecordsCleared),
		slog.Int("records_rebuilt", plan.RecordsRebuilt),
	)
	return nil
}
