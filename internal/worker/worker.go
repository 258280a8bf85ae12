// Package worker runs the per-task sync state machine: gate, fetch,
// fingerprint, diff, apply, persist. It is invoked by the queue for
// webhook-driven jobs and directly by the reconciler for sweep-driven ones;
// either way it holds the per-task key lock for the duration of the
// operation, so at most one state machine runs per Source task id.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/capsync/syncagent/internal/apierr"
	"github.com/capsync/syncagent/internal/fingerprint"
	"github.com/capsync/syncagent/internal/keylock"
	"github.com/capsync/syncagent/internal/logging"
	"github.com/capsync/syncagent/internal/markdown"
	"github.com/capsync/syncagent/internal/model"
	"github.com/capsync/syncagent/internal/sinkapi"
	"github.com/capsync/syncagent/internal/sourceapi"
	"github.com/capsync/syncagent/internal/store"
)

// SourceAPI is the slice of the Source client the worker consumes.
type SourceAPI interface {
	GetTask(ctx context.Context, id string) (model.Task, error)
	GetProject(ctx context.Context, id string) (model.Project, error)
	GetSection(ctx context.Context, id string) (model.Section, error)
	ListComments(ctx context.Context, taskID string) ([]model.Comment, error)
	AddLabel(ctx context.Context, id, label string) error
	UpdateTask(ctx context.Context, id string, fields sourceapi.UpdateTaskFields) error
}

// SinkAPI is the slice of the Sink client the worker consumes.
type SinkAPI interface {
	QueryCollection(ctx context.Context, collectionID string, filter sinkapi.QueryFilter) ([]model.Page, error)
	CreatePage(ctx context.Context, parentID string, properties map[string]model.PropertyValue, blocks []model.Block) (model.Page, error)
	UpdatePage(ctx context.Context, id string, properties map[string]model.PropertyValue, archived *bool) error
}

// RecordStore is the slice of the store the worker consumes.
type RecordStore interface {
	GetTaskRecord(ctx context.Context, sourceTaskID string) (model.TaskSyncRecord, error)
	SaveTaskRecord(ctx context.Context, r model.TaskSyncRecord) error
}

// ProjectResolver maps Source-side identities to Sink page ids.
// ResolveProject must perform the Inbox check before any Sink call so an
// out-of-scope task causes no write anywhere.
type ProjectResolver interface {
	ResolveProject(ctx context.Context, project model.Project, areaLabels []string) (pageID string, ok bool, err error)
	ResolveArea(ctx context.Context, label string) (string, error)
	ResolvePerson(ctx context.Context, name string) (pageID string, ok bool, err error)
}

// Config carries the worker's slice of the service configuration.
type Config struct {
	SyncTag             string
	TasksCollectionID   string
	AreaLabels          []string
	PersonTagMarker     string
	AddBacklinkToSource bool
	SinkPublicHost      string
}

// Worker executes sync jobs against the Source/Sink pair.
type Worker struct {
	source   SourceAPI
	sink     SinkAPI
	store    RecordStore
	resolver ProjectResolver
	locks    *keylock.Table
	cfg      Config
	logger   *slog.Logger

	now func() time.Time
}

// New builds a Worker. locks must be the same table the reconciler uses so
// queue-driven and sweep-driven operations exclude each other per task id.
func New(source SourceAPI, sink SinkAPI, st RecordStore, resolver ProjectResolver, locks *keylock.Table, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		source:   source,
		sink:     sink,
		store:    st,
		resolver: resolver,
		locks:    locks,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// ProcessJob runs one queued job. The snapshot is tried first; a snapshot
// that fails to parse falls back to a live fetch rather than failing the
// job. Errors out of here drive the queue's retry policy: permanent and
// contract failures are surfaced as such via the apierr kinds so the queue
// layer can cancel instead of redeliver.
func (w *Worker) ProcessJob(ctx context.Context, j Job, origin model.Origin) error {
	if j.SourceTaskID == "" {
		return apierr.New("worker.process", apierr.Contract, errors.New("job missing source_task_id"))
	}
	if !j.Action.Valid() {
		return apierr.New("worker.process", apierr.Contract, fmt.Errorf("unknown action %q", j.Action))
	}

	ctx = logging.WithTaskID(ctx, j.SourceTaskID)

	switch j.Action {
	case ActionArchive:
		return w.Archive(ctx, j.SourceTaskID, origin)
	default:
		task, ok := w.taskFromSnapshot(ctx, j)
		if !ok {
			var err error
			task, err = w.source.GetTask(ctx, j.SourceTaskID)
			if err != nil {
				if apierr.IsNotFound(err) {
					// The task vanished between event and processing;
					// archive whatever page it left behind.
					return w.Archive(ctx, j.SourceTaskID, origin)
				}
				return w.fail(ctx, j.SourceTaskID, origin, err)
			}
		}
		return w.Upsert(ctx, task, origin)
	}
}

func (w *Worker) taskFromSnapshot(ctx context.Context, j Job) (model.Task, bool) {
	if len(j.Snapshot) == 0 {
		return model.Task{}, false
	}
	task, err := sourceapi.ParseTaskSnapshot(j.Snapshot)
	if err != nil || task.ID != j.SourceTaskID {
		w.logger.WarnContext(ctx, "task snapshot unusable, falling back to fetch", slog.Any("error", err))
		return model.Task{}, false
	}
	return task, true
}

// Upsert runs the UPSERT path of the state machine for an already-fetched
// task. The reconciler calls this directly with tasks from its sweep
// queries, skipping the fetch the queue path performs.
func (w *Worker) Upsert(ctx context.Context, task model.Task, origin model.Origin) error {
	ctx = logging.WithTaskID(ctx, task.ID)

	release, err := w.locks.Lock(ctx, task.ID)
	if err != nil {
		return err
	}
	defer release()

	if err := w.upsertLocked(ctx, task, origin); err != nil {
		return w.fail(ctx, task.ID, origin, err)
	}
	return nil
}

func (w *Worker) upsertLocked(ctx context.Context, task model.Task, origin model.Origin) error {
	rec, err := w.store.GetTaskRecord(ctx, task.ID)
	hasRec := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	// Eligibility gate. A completed task that already has a record is let
	// through without the tag so late completions still get mirrored.
	if !task.HasTag(w.cfg.SyncTag) {
		switch {
		case task.IsCompleted && hasRec:
			// proceed
		case hasRec:
			w.logger.InfoContext(ctx, "task lost sync tag, archiving")
			return w.archiveLocked(ctx, task.ID, origin)
		default:
			return nil
		}
	}

	project, err := w.source.GetProject(ctx, task.ProjectID)
	if err != nil {
		return err
	}

	// Area inheritance, new tasks only: a task without an area tag picks
	// one up from its project's parent-project name when that name maps
	// into the area vocabulary.
	if !hasRec && areaFromLabels(task.Tags, w.cfg.AreaLabels) == "" && project.ParentID != "" {
		parent, err := w.source.GetProject(ctx, project.ParentID)
		if err == nil {
			if area := areaFromProjectName(parent.Name, w.cfg.AreaLabels); area != "" {
				if err := w.source.AddLabel(ctx, task.ID, area); err != nil {
					w.logger.WarnContext(ctx, "area inheritance write failed", slog.Any("error", err))
				} else {
					task = task.WithTag(area)
					w.logger.InfoContext(ctx, "inherited area tag from parent project", slog.String("area", area))
				}
			}
		} else {
			w.logger.WarnContext(ctx, "parent project fetch failed", slog.Any("error", err))
		}
	}

	comments, err := w.source.ListComments(ctx, task.ID)
	if err != nil {
		return err
	}

	var sectionName string
	if task.SectionID != "" {
		section, err := w.source.GetSection(ctx, task.SectionID)
		if err != nil {
			if !apierr.IsNotFound(err) {
				return err
			}
		} else {
			sectionName = section.Name
		}
	}

	payload := ComposeForward(task, project, comments, sectionName)
	fp := fingerprint.Forward(payload)

	if hasRec && rec.ForwardFingerprint == fp && rec.Status != model.StatusArchived {
		w.logger.DebugContext(ctx, "payload unchanged, skipping forward write")
		return nil
	}

	// The project resolves first: an Inbox project aborts the job here,
	// before any area or person page can be queried or created. The task's
	// area labels ride along so a brand-new project page gets its AREAS
	// relation seeded at creation.
	areaLabels := areaLabelsOf(task.Tags, w.cfg.AreaLabels)
	projectPageID, ok, err := w.resolver.ResolveProject(ctx, project, areaLabels)
	if err != nil {
		return err
	}
	if !ok {
		w.logger.InfoContext(ctx, "task resolves to inbox, outside sync scope")
		return nil
	}

	var areaPageIDs []string
	for _, area := range areaLabels {
		id, err := w.resolver.ResolveArea(ctx, area)
		if err != nil {
			return err
		}
		areaPageIDs = append(areaPageIDs, id)
	}

	var personPageIDs []string
	for _, name := range task.PersonTags(w.cfg.PersonTagMarker) {
		id, ok, err := w.resolver.ResolvePerson(ctx, name)
		if err != nil {
			return err
		}
		if !ok {
			// Unknown person tags are skipped silently.
			continue
		}
		personPageIDs = append(personPageIDs, id)
	}

	page, created, err := w.writePage(ctx, task, rec, hasRec, payload, comments, projectPageID, areaPageIDs, personPageIDs)
	if err != nil {
		return err
	}

	rec = model.TaskSyncRecord{
		SourceTaskID:       task.ID,
		SinkPageID:         page.ID,
		ForwardFingerprint: fp,
		ReverseFingerprint: fingerprint.Reverse(ReverseSubsetFromTask(task)),
		Status:             model.StatusOK,
		Origin:             origin,
		LastSyncedAt:       w.now().UTC(),
	}
	if err := w.store.SaveTaskRecord(ctx, rec); err != nil {
		return err
	}

	w.logger.InfoContext(ctx, "task synced",
		slog.String("sink_page_id", page.ID),
		slog.Bool("created", created),
		slog.String("origin", string(origin)),
	)

	if w.cfg.AddBacklinkToSource {
		w.addBacklink(ctx, task, page, projectPageID)
	}
	return nil
}

// writePage locates or creates the Sink page and applies the property
// updates. Body blocks are only emitted on create; updates leave existing
// blocks alone so manual edits in the Sink survive.
func (w *Worker) writePage(ctx context.Context, task model.Task, rec model.TaskSyncRecord, hasRec bool, payload fingerprint.ForwardPayload, comments []model.Comment, projectPageID string, areaPageIDs, personPageIDs []string) (model.Page, bool, error) {
	props := pageProperties(payload, projectPageID, areaPageIDs, personPageIDs)

	pageID := ""
	if hasRec && rec.SinkPageID != "" {
		pageID = rec.SinkPageID
	}

	var located model.Page
	if pageID == "" {
		pages, err := w.sink.QueryCollection(ctx, w.cfg.TasksCollectionID, sinkapi.QueryFilter{PropTaskID: task.ID})
		if err != nil {
			return model.Page{}, false, err
		}
		if len(pages) > 1 {
			w.logger.WarnContext(ctx, "multiple pages share one task id, first match wins",
				slog.Int("count", len(pages)))
		}
		if len(pages) > 0 {
			located = pages[0]
			pageID = located.ID
		}
	}

	if pageID == "" {
		// Race with a concurrent writer: the record may have gained a page
		// id since we loaded it.
		fresh, err := w.store.GetTaskRecord(ctx, task.ID)
		if err == nil && fresh.SinkPageID != "" {
			pageID = fresh.SinkPageID
		} else if err != nil && !errors.Is(err, store.ErrNotFound) {
			return model.Page{}, false, err
		}
	}

	if pageID == "" {
		blocks, err := markdown.Blocks(task.Description, comments)
		if err != nil {
			return model.Page{}, false, err
		}
		page, err := w.sink.CreatePage(ctx, w.cfg.TasksCollectionID, props, blocks)
		if err != nil {
			return model.Page{}, false, err
		}
		return page, true, nil
	}

	var archived *bool
	if hasRec && rec.Status == model.StatusArchived {
		// An archived task that is upserted again gets its page restored.
		restored := false
		archived = &restored
	}
	if err := w.sink.UpdatePage(ctx, pageID, props, archived); err != nil {
		return model.Page{}, false, err
	}
	if located.ID == pageID {
		return located, false, nil
	}
	return model.Page{ID: pageID}, false, nil
}

// addBacklink appends Sink page links to the task's Source-side
// description. Failure here never fails the sync.
func (w *Worker) addBacklink(ctx context.Context, task model.Task, page model.Page, projectPageID string) {
	host := w.cfg.SinkPublicHost
	taskURL := PageURL(page, host)
	if taskURL == "" {
		return
	}
	if host != "" && strings.Contains(strings.ToLower(task.Description), strings.ToLower(host)) {
		return
	}

	lines := "View Task in Sink: " + taskURL
	if projectURL := pageURLFor(projectPageID, host); projectURL != "" {
		lines += "\nView Project in Sink: " + projectURL
	}
	desc := lines
	if task.Description != "" {
		desc = task.Description + "\n\n" + lines
	}

	if err := w.source.UpdateTask(ctx, task.ID, sourceapi.UpdateTaskFields{Description: &desc}); err != nil {
		w.logger.WarnContext(ctx, "backlink write failed", slog.Any("error", err))
	}
}

// Archive runs the ARCHIVE path: mark the paired page completed and
// archived, then transition the record. Missing record or page means there
// is nothing to do.
func (w *Worker) Archive(ctx context.Context, sourceTaskID string, origin model.Origin) error {
	ctx = logging.WithTaskID(ctx, sourceTaskID)

	release, err := w.locks.Lock(ctx, sourceTaskID)
	if err != nil {
		return err
	}
	defer release()

	if err := w.archiveLocked(ctx, sourceTaskID, origin); err != nil {
		return w.fail(ctx, sourceTaskID, origin, err)
	}
	return nil
}

func (w *Worker) archiveLocked(ctx context.Context, sourceTaskID string, origin model.Origin) error {
	rec, err := w.store.GetTaskRecord(ctx, sourceTaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			w.logger.InfoContext(ctx, "no record for task, nothing to archive")
			return nil
		}
		return err
	}
	if !rec.HasSinkPage() {
		return nil
	}

	completed := true
	archived := true
	props := map[string]model.PropertyValue{
		PropCompleted: {Checkbox: &completed},
		PropStatus:    {Text: string(model.StatusArchived)},
	}
	if err := w.sink.UpdatePage(ctx, rec.SinkPageID, props, &archived); err != nil {
		// Page archival is best-effort; the record transition still happens.
		w.logger.WarnContext(ctx, "sink page archive failed",
			slog.String("sink_page_id", rec.SinkPageID),
			slog.Any("error", err))
	}

	rec.Status = model.StatusArchived
	rec.Origin = origin
	rec.LastSyncedAt = w.now().UTC()
	if err := w.store.SaveTaskRecord(ctx, rec); err != nil {
		return err
	}

	w.logger.InfoContext(ctx, "task archived", slog.String("sink_page_id", rec.SinkPageID))
	return nil
}

// ForwardPayload fetches a task's related resources and composes its
// canonical Sink representation. The reconciler uses this after a
// reverse-path write to recompute the forward fingerprint from the
// server's post-write view.
func (w *Worker) ForwardPayload(ctx context.Context, task model.Task) (fingerprint.ForwardPayload, error) {
	project, err := w.source.GetProject(ctx, task.ProjectID)
	if err != nil {
		return fingerprint.ForwardPayload{}, err
	}
	comments, err := w.source.ListComments(ctx, task.ID)
	if err != nil {
		return fingerprint.ForwardPayload{}, err
	}
	var sectionName string
	if task.SectionID != "" {
		if section, err := w.source.GetSection(ctx, task.SectionID); err == nil {
			sectionName = section.Name
		}
	}
	return ComposeForward(task, project, comments, sectionName), nil
}

// fail records a job failure on the task's record when one exists, then
// returns the original error so the queue's retry policy applies. A task
// with no record never gains one here: an untagged, never-synced task
// stays recordless even through failing jobs.
func (w *Worker) fail(ctx context.Context, sourceTaskID string, origin model.Origin, cause error) error {
	rec, err := w.store.GetTaskRecord(ctx, sourceTaskID)
	if err == nil {
		rec.Status = model.StatusError
		rec.ErrorNote = cause.Error()
		rec.Origin = origin
		rec.LastSyncedAt = w.now().UTC()
		if saveErr := w.store.SaveTaskRecord(ctx, rec); saveErr != nil {
			w.logger.ErrorContext(ctx, "error-state record write failed", slog.Any("error", saveErr))
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		w.logger.ErrorContext(ctx, "record load during failure handling failed", slog.Any("error", err))
	}

	w.logger.ErrorContext(ctx, "sync job failed", slog.Any("error", cause))
	return cause
}
