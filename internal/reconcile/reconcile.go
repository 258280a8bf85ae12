// Package reconcile implements the periodic full sweep:
// auto-tag maintenance, project reconciliation, the Source→Sink forward
// sweep, the Sink→Source reverse sweep, create-from-Sink, and archive
// drift. Steps run strictly in order -- the forward sweep refreshes the
// reverse fingerprints the reverse sweep's echo suppression depends on, so
// reordering them silently turns the engine's own writes into phantom user
// edits.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/capsync/syncagent/internal/fingerprint"
	"github.com/capsync/syncagent/internal/model"
	"github.com/capsync/syncagent/internal/sinkapi"
	"github.com/capsync/syncagent/internal/sourceapi"
	"github.com/capsync/syncagent/internal/store"
	"github.com/capsync/syncagent/internal/worker"
)

// SourceAPI is the slice of the Source client the reconciler consumes.
type SourceAPI interface {
	InvalidateProjectCache()
	ListProjects(ctx context.Context) ([]model.Project, error)
	ListTasks(ctx context.Context, filterExpr string) ([]model.Task, error)
	ListCompletedTasks(ctx context.Context, filterExpr string) ([]model.Task, error)
	GetTask(ctx context.Context, id string) (model.Task, error)
	AddLabel(ctx context.Context, id, label string) error
	RemoveLabel(ctx context.Context, id, label string) error
	UpdateTask(ctx context.Context, id string, fields sourceapi.UpdateTaskFields) error
	CompleteTask(ctx context.Context, id string) error
	ReopenTask(ctx context.Context, id string) error
	CreateTask(ctx context.Context, title, description, projectID string, labels []string) (model.Task, error)
	UpdateProjectName(ctx context.Context, id, name string) error
}

// SinkAPI is the slice of the Sink client the reconciler consumes.
type SinkAPI interface {
	QueryCollection(ctx context.Context, collectionID string, filter sinkapi.QueryFilter) ([]model.Page, error)
	UpdatePage(ctx context.Context, id string, properties map[string]model.PropertyValue, archived *bool) error
}

// Store is the slice of the persistence layer the reconciler consumes.
type Store interface {
	GetTaskRecord(ctx context.Context, sourceTaskID string) (model.TaskSyncRecord, error)
	SaveTaskRecord(ctx context.Context, r model.TaskSyncRecord) error
	ForEachTaskRecord(ctx context.Context, fn func(model.TaskSyncRecord) error) error
	GetProjectRecordBySinkID(ctx context.Context, sinkPageID string) (model.ProjectSyncRecord, error)
	GetReconcileCursor(ctx context.Context) (model.ReconcileCursor, error)
	SetReconcileCursor(ctx context.Context, cursor model.ReconcileCursor) error
}

// SyncWorker is the slice of the worker the reconciler drives directly,
// bypassing the queue.
type SyncWorker interface {
	Upsert(ctx context.Context, task model.Task, origin model.Origin) error
	Archive(ctx context.Context, sourceTaskID string, origin model.Origin) error
	ForwardPayload(ctx context.Context, task model.Task) (fingerprint.ForwardPayload, error)
}

// Config carries the reconciler's slice of the service configuration.
type Config struct {
	SyncTag              string
	InboxProjectName     string
	TasksCollectionID    string
	ProjectsCollectionID string
	AutoLabelTasks       bool
	EnableReversePull    bool
	EnableReverseCreate  bool
	// Concurrency bounds the forward-sweep and archive-drift fan-out
	// across distinct tasks. Within one task the worker's key lock still
	// serializes.
	Concurrency int
}

// Summary is the counter set returned to the reconcile trigger.
type Summary struct {
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at"`
	AutoTagged         int       `json:"auto_tagged"`
	TagsRemoved        int       `json:"tags_removed"`
	ProjectsReconciled int       `json:"projects_reconciled"`
	Upserted           int       `json:"upserted"`
	UpsertErrors       int       `json:"upsert_errors"`
	ReversePulled      int       `json:"reverse_pulled"`
	ReverseSkipped     int       `json:"reverse_skipped"`
	CreatedFromSink    int       `json:"created_from_sink"`
	Archived           int       `json:"archived"`
	ArchiveErrors      int       `json:"archive_errors"`
}

// Reconciler runs the sweep.
type Reconciler struct {
	source SourceAPI
	sink   SinkAPI
	store  Store
	worker SyncWorker
	cfg    Config
	logger *slog.Logger

	now func() time.Time
}

// New builds a Reconciler.
func New(source SourceAPI, sink SinkAPI, st Store, w SyncWorker, cfg Config, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Reconciler{
		source: source,
		sink:   sink,
		store:  st,
		worker: w,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Run executes one full sweep. Per-item failures are counted and logged;
// only infrastructure failures (listing tasks, cursor access) abort the
// sweep with an error.
func (r *Reconciler) Run(ctx context.Context) (Summary, error) {
	sweepStart := r.now().UTC()
	summary := Summary{StartedAt: sweepStart}
	r.logger.InfoContext(ctx, "reconcile sweep starting")

	// Step 1: drop per-invocation caches so the sweep sees fresh state.
	r.source.InvalidateProjectCache()

	projects, err := r.source.ListProjects(ctx)
	if err != nil {
		return summary, fmt.Errorf("reconcile: list projects: %w", err)
	}
	inboxIDs := r.inboxProjectIDs(projects)

	// Step 2: auto-tag maintenance.
	if r.cfg.AutoLabelTasks {
		if err := r.autoTag(ctx, inboxIDs, &summary); err != nil {
			return summary, err
		}
	}

	// Step 3: project reconciliation.
	r.reconcileProjects(ctx, projects, &summary)

	// Step 4: forward sweep, Source → Sink.
	fetchedIDs, err := r.forwardSweep(ctx, &summary)
	if err != nil {
		return summary, err
	}

	// Step 5: reverse sweep, Sink → Source.
	if r.cfg.EnableReversePull {
		if err := r.reverseSweep(ctx, sweepStart, &summary); err != nil {
			return summary, err
		}
	}

	// Step 6: create-from-Sink.
	if r.cfg.EnableReverseCreate {
		r.createFromSink(ctx, &summary)
	}

	// Step 7: archive drift.
	if err := r.archiveDrift(ctx, fetchedIDs, &summary); err != nil {
		return summary, err
	}

	// Step 8: advance the cursor to the start-of-sweep timestamp, so edits
	// made during the sweep are picked up next time.
	if err := r.store.SetReconcileCursor(ctx, model.ReconcileCursor{LastReversePollAt: sweepStart, Set: true}); err != nil {
		return summary, fmt.Errorf("reconcile: advance cursor: %w", err)
	}

	summary.FinishedAt = r.now().UTC()
	r.logger.InfoContext(ctx, "reconcile sweep finished",
		slog.Int("upserted", summary.Upserted),
		slog.Int("archived", summary.Archived),
		slog.Int("reverse_pulled", summary.ReversePulled),
		slog.Int("created_from_sink", summary.CreatedFromSink),
	)
	return summary, nil
}

func (r *Reconciler) inboxProjectIDs(projects []model.Project) map[string]bool {
	ids := make(map[string]bool)
	for _, p := range projects {
		if strings.EqualFold(strings.TrimSpace(p.Name), strings.TrimSpace(r.cfg.InboxProjectName)) {
			ids[p.ID] = true
		}
	}
	return ids
}

// autoTag adds the sync tag to every eligible task and removes it from
// every ineligible one. Eligible = not completed, not in the Inbox, not
// recurring.
func (r *Reconciler) autoTag(ctx context.Context, inboxIDs map[string]bool, summary *Summary) error {
	tasks, err := r.source.ListTasks(ctx, "")
	if err != nil {
		return fmt.Errorf("reconcile: list tasks for auto-tag: %w", err)
	}

	for _, task := range tasks {
		eligible := !task.IsCompleted && !inboxIDs[task.ProjectID] && !task.Due.Recurring
		hasTag := task.HasTag(r.cfg.SyncTag)

		switch {
		case eligible && !hasTag:
			if err := r.source.AddLabel(ctx, task.ID, r.cfg.SyncTag); err != nil {
				r.logger.WarnContext(ctx, "auto-tag add failed", slog.String("task_id", task.ID), slog.Any("error", err))
				continue
			}
			summary.AutoTagged++
		case !eligible && hasTag:
			if err := r.source.RemoveLabel(ctx, task.ID, r.cfg.SyncTag); err != nil {
				r.logger.WarnContext(ctx, "auto-tag remove failed", slog.String("task_id", task.ID), slog.Any("error", err))
				continue
			}
			summary.TagsRemoved++
		}
	}
	return nil
}

// reconcileProjects mirrors each project's archived flag to its page's
// Status property and pulls page-side name edits back to the Source (the
// name is bidirectional; the Sink wins post-creation).
func (r *Reconciler) reconcileProjects(ctx context.Context, projects []model.Project, summary *Summary) {
	for _, project := range projects {
		pages, err := r.sink.QueryCollection(ctx, r.cfg.ProjectsCollectionID, sinkapi.QueryFilter{"project_id": project.ID})
		if err != nil {
			r.logger.WarnContext(ctx, "project page query failed", slog.String("project_id", project.ID), slog.Any("error", err))
			continue
		}
		if len(pages) == 0 {
			continue
		}
		page := pages[0]

		wantStatus := "Active"
		if project.Archived {
			wantStatus = "Archived"
		}
		if page.TextProp("Status") != wantStatus {
			props := map[string]model.PropertyValue{"Status": {Text: wantStatus}}
			if err := r.sink.UpdatePage(ctx, page.ID, props, nil); err != nil {
				r.logger.WarnContext(ctx, "project status mirror failed", slog.String("project_id", project.ID), slog.Any("error", err))
				continue
			}
		}

		if name := strings.TrimSpace(page.TextProp("Name")); name != "" && name != project.Name {
			if err := r.source.UpdateProjectName(ctx, project.ID, name); err != nil {
				r.logger.WarnContext(ctx, "project name pull failed", slog.String("project_id", project.ID), slog.Any("error", err))
				continue
			}
			r.logger.InfoContext(ctx, "project renamed from sink", slog.String("project_id", project.ID), slog.String("name", name))
		}
		summary.ProjectsReconciled++
	}
}

// forwardSweep upserts every sync-tagged task (active plus completed,
// fetched through separate filtered queries) via the worker, passing the
// already-fetched task as a snapshot. Returns the set of fetched task ids
// for the archive-drift step.
func (r *Reconciler) forwardSweep(ctx context.Context, summary *Summary) (map[string]bool, error) {
	filter := "@" + r.cfg.SyncTag

	active, err := r.source.ListTasks(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list tagged tasks: %w", err)
	}
	completed, err := r.source.ListCompletedTasks(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list completed tagged tasks: %w", err)
	}

	all := append(append([]model.Task(nil), active...), completed...)
	fetched := make(map[string]bool, len(all))
	for _, t := range all {
		fetched[t.ID] = true
	}

	var upserted, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, task := range all {
		g.Go(func() error {
			if err := r.worker.Upsert(gctx, task, model.OriginReconcile); err != nil {
				failed.Add(1)
				r.logger.WarnContext(gctx, "forward sweep upsert failed", slog.String("task_id", task.ID), slog.Any("error", err))
				return nil
			}
			upserted.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	summary.Upserted = int(upserted.Load())
	summary.UpsertErrors = int(failed.Load())
	return fetched, nil
}

// reverseSweep pulls user edits from the Sink back into the Source, using
// the reverse fingerprint to suppress the engine's own echoes. On the very
// first run there is no cursor: it is initialized to now and the backlog is
// skipped.
func (r *Reconciler) reverseSweep(ctx context.Context, sweepStart time.Time, summary *Summary) error {
	cursor, err := r.store.GetReconcileCursor(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: load cursor: %w", err)
	}
	if !cursor.Set {
		r.logger.InfoContext(ctx, "no reverse cursor yet, initializing and skipping reverse sweep")
		return r.store.SetReconcileCursor(ctx, model.ReconcileCursor{LastReversePollAt: sweepStart, Set: true})
	}

	pages, err := r.sink.QueryCollection(ctx, r.cfg.TasksCollectionID, sinkapi.QueryFilter{
		"last_edited_after": cursor.LastReversePollAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("reconcile: query edited pages: %w", err)
	}

	for _, page := range pages {
		if err := r.reversePullPage(ctx, page, summary); err != nil {
			r.logger.WarnContext(ctx, "reverse pull failed",
				slog.String("page_id", page.ID), slog.Any("error", err))
		}
	}
	return nil
}

func (r *Reconciler) reversePullPage(ctx context.Context, page model.Page, summary *Summary) error {
	taskID := page.TextProp(worker.PropTaskID)
	if taskID == "" {
		// Pages without a task id belong to the create-from-Sink step.
		return nil
	}

	subset := worker.ReverseSubsetFromPage(page)
	currentHash := fingerprint.Reverse(subset)

	rec, err := r.store.GetTaskRecord(ctx, taskID)
	if err != nil {
		// No record means this page was never written by us; leave it for
		// the forward sweep or the migration tool to sort out.
		return nil
	}
	if rec.ReverseFingerprint == currentHash {
		summary.ReverseSkipped++
		return nil
	}

	task, err := r.source.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	diff := diffAgainstTask(subset, task)
	if diff.empty() {
		// Drift in the fingerprint without a field diff (e.g. a property we
		// don't control was edited). Record the current hash and move on.
		rec.ReverseFingerprint = currentHash
		return r.store.SaveTaskRecord(ctx, rec)
	}

	if err := r.applyDiff(ctx, taskID, task, diff); err != nil {
		return err
	}

	// Re-fetch and re-render so both fingerprints reflect the server's
	// post-write view.
	refreshed, err := r.source.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	payload, err := r.worker.ForwardPayload(ctx, refreshed)
	if err != nil {
		return err
	}

	rec.ForwardFingerprint = fingerprint.Forward(payload)
	rec.ReverseFingerprint = currentHash
	rec.Status = model.StatusOK
	rec.ErrorNote = ""
	rec.Origin = model.OriginReversePull
	rec.LastSyncedAt = r.now().UTC()
	if err := r.store.SaveTaskRecord(ctx, rec); err != nil {
		return err
	}

	summary.ReversePulled++
	r.logger.InfoContext(ctx, "pulled sink edits into source", slog.String("task_id", taskID))
	return nil
}

// fieldDiff captures the per-field differences between a page's
// sync-relevant subset and the current Source task.
type fieldDiff struct {
	title      *string
	priority   *int
	dueDate    *string
	completion *bool
}

func (d fieldDiff) empty() bool {
	return d.title == nil && d.priority == nil && d.dueDate == nil && d.completion == nil
}

func diffAgainstTask(subset fingerprint.ReverseSubset, task model.Task) fieldDiff {
	var d fieldDiff
	if subset.Title != "" && subset.Title != task.Title {
		d.title = &subset.Title
	}
	if subset.Priority != int(task.Priority) {
		d.priority = &subset.Priority
	}
	if subset.DueDate != task.Due.Date && (subset.DueDate != "" || task.Due.Date != "") {
		d.dueDate = &subset.DueDate
	}
	if subset.Completed != task.IsCompleted {
		d.completion = &subset.Completed
	}
	return d
}

// applyDiff writes the changed fields to the Source. Completion toggles go
// through the dedicated endpoints; everything else through task-update.
func (r *Reconciler) applyDiff(ctx context.Context, taskID string, task model.Task, d fieldDiff) error {
	if d.title != nil || d.priority != nil || d.dueDate != nil {
		fields := sourceapi.UpdateTaskFields{
			Content:  d.title,
			Priority: d.priority,
			DueDate:  d.dueDate,
		}
		if err := r.source.UpdateTask(ctx, taskID, fields); err != nil {
			return err
		}
	}
	if d.completion != nil {
		if *d.completion {
			if err := r.source.CompleteTask(ctx, taskID); err != nil {
				return err
			}
		} else {
			if err := r.source.ReopenTask(ctx, taskID); err != nil {
				return err
			}
		}
	}
	return nil
}

// createFromSink turns task pages that carry no task id into new Source
// tasks, writing the new id and URL back to the page and building a fresh
// record with both fingerprints.
func (r *Reconciler) createFromSink(ctx context.Context, summary *Summary) {
	pages, err := r.sink.QueryCollection(ctx, r.cfg.TasksCollectionID, sinkapi.QueryFilter{worker.PropTaskID: ""})
	if err != nil {
		r.logger.WarnContext(ctx, "query pages without task id failed", slog.Any("error", err))
		return
	}

	for _, page := range pages {
		if page.Archived {
			continue
		}
		if err := r.createTaskFromPage(ctx, page, summary); err != nil {
			r.logger.WarnContext(ctx, "create-from-sink failed", slog.String("page_id", page.ID), slog.Any("error", err))
		}
	}
}

func (r *Reconciler) createTaskFromPage(ctx context.Context, page model.Page, summary *Summary) error {
	title := strings.TrimSpace(page.TextProp(worker.PropTitle))
	if title == "" {
		return nil
	}

	relation := page.Prop(worker.PropProject).Relation
	if len(relation) == 0 {
		return nil
	}
	projRec, err := r.store.GetProjectRecordBySinkID(ctx, relation[0])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// No mapping back to a Source project; skip.
			return nil
		}
		return err
	}

	task, err := r.source.CreateTask(ctx, title, "", projRec.SourceProjectID, []string{r.cfg.SyncTag})
	if err != nil {
		return err
	}

	props := map[string]model.PropertyValue{
		worker.PropTaskID:    {Text: task.ID},
		worker.PropSourceURL: {Text: task.URL},
	}
	if err := r.sink.UpdatePage(ctx, page.ID, props, nil); err != nil {
		return err
	}

	payload, err := r.worker.ForwardPayload(ctx, task)
	if err != nil {
		return err
	}

	rec := model.TaskSyncRecord{
		SourceTaskID:       task.ID,
		SinkPageID:         page.ID,
		ForwardFingerprint: fingerprint.Forward(payload),
		ReverseFingerprint: fingerprint.Reverse(worker.ReverseSubsetFromTask(task)),
		Status:             model.StatusOK,
		Origin:             model.OriginReverseCreate,
		LastSyncedAt:       r.now().UTC(),
	}
	if err := r.store.SaveTaskRecord(ctx, rec); err != nil {
		return err
	}

	summary.CreatedFromSink++
	r.logger.InfoContext(ctx, "created source task from sink page",
		slog.String("task_id", task.ID), slog.String("page_id", page.ID))
	return nil
}

// archiveDrift archives every stored, non-archived record whose task no
// longer appeared in the forward sweep's fetched set.
func (r *Reconciler) archiveDrift(ctx context.Context, fetchedIDs map[string]bool, summary *Summary) error {
	var stale []string
	err := r.store.ForEachTaskRecord(ctx, func(rec model.TaskSyncRecord) error {
		if rec.Status != model.StatusArchived && !fetchedIDs[rec.SourceTaskID] {
			stale = append(stale, rec.SourceTaskID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reconcile: list records for archive drift: %w", err)
	}

	var archived, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, id := range stale {
		g.Go(func() error {
			if err := r.worker.Archive(gctx, id, model.OriginReconcile); err != nil {
				failed.Add(1)
				r.logger.WarnContext(gctx, "archive drift failed", slog.String("task_id", id), slog.Any("error", err))
				return nil
			}
			archived.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	summary.Archived = int(archived.Load())
	summary.ArchiveErrors = int(failed.Load())
	return nil
}
