package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsync/syncagent/internal/apierr"
	"github.com/capsync/syncagent/internal/keylock"
	"github.com/capsync/syncagent/internal/model"
	"github.com/capsync/syncagent/internal/sinkapi"
	"github.com/capsync/syncagent/internal/sourceapi"
	"github.com/capsync/syncagent/internal/store"
)

// -- fakes -------------------------------------------------------------------

type fakeSource struct {
	tasks    map[string]model.Task
	projects map[string]model.Project
	sections map[string]model.Section
	comments map[string][]model.Comment

	labelAdds   []string
	taskUpdates []sourceapi.UpdateTaskFields
}

func (f *fakeSource) GetTask(_ context.Context, id string) (model.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return model.Task{}, apierr.New("sourceapi.get_task", apierr.NotFound, nil)
	}
	return t, nil
}

func (f *fakeSource) GetProject(_ context.Context, id string) (model.Project, error) {
	p, ok := f.projects[id]
	if !ok {
		return model.Project{}, apierr.New("sourceapi.get_project", apierr.NotFound, nil)
	}
	return p, nil
}

func (f *fakeSource) GetSection(_ context.Context, id string) (model.Section, error) {
	s, ok := f.sections[id]
	if !ok {
		return model.Section{}, apierr.New("sourceapi.get_section", apierr.NotFound, nil)
	}
	return s, nil
}

func (f *fakeSource) ListComments(_ context.Context, taskID string) ([]model.Comment, error) {
	return f.comments[taskID], nil
}

func (f *fakeSource) AddLabel(_ context.Context, id, label string) error {
	f.labelAdds = append(f.labelAdds, id+":"+label)
	if t, ok := f.tasks[id]; ok {
		f.tasks[id] = t.WithTag(label)
	}
	return nil
}

func (f *fakeSource) UpdateTask(_ context.Context, id string, fields sourceapi.UpdateTaskFields) error {
	f.taskUpdates = append(f.taskUpdates, fields)
	return nil
}

type fakeSink struct {
	mu      sync.Mutex
	pages   map[string]model.Page
	nextID  int
	queries int
	writes  int
}

func newFakeSink() *fakeSink {
	return &fakeSink{pages: make(map[string]model.Page)}
}

func (f *fakeSink) QueryCollection(_ context.Context, _ string, filter sinkapi.QueryFilter) ([]model.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	var out []model.Page
	for _, p := range f.pages {
		match := true
		for prop, want := range filter {
			if p.TextProp(prop) != want {
				match = false
				break
			}
		}
		if match {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeSink) CreatePage(_ context.Context, parentID string, properties map[string]model.PropertyValue, blocks []model.Block) (model.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	f.nextID++
	page := model.Page{
		ID:         "pg-" + string(rune('0'+f.nextID)),
		ParentID:   parentID,
		Properties: properties,
		Blocks:     blocks,
	}
	f.pages[page.ID] = page
	return page, nil
}

func (f *fakeSink) UpdatePage(_ context.Context, id string, properties map[string]model.PropertyValue, archived *bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	page := f.pages[id]
	page.ID = id
	if page.Properties == nil {
		page.Properties = make(map[string]model.PropertyValue)
	}
	for k, v := range properties {
		page.Properties[k] = v
	}
	if archived != nil {
		page.Archived = *archived
	}
	f.pages[id] = page
	return nil
}

type fakeStore struct {
	mu      sync.Mutex
	records map[string]model.TaskSyncRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]model.TaskSyncRecord)}
}

func (f *fakeStore) GetTaskRecord(_ context.Context, id string) (model.TaskSyncRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	if !ok {
		return model.TaskSyncRecord{}, store.ErrNotFound
	}
	return r, nil
}

func (f *fakeStore) SaveTaskRecord(_ context.Context, r model.TaskSyncRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[r.SourceTaskID] = r
	return nil
}

type fakeResolver struct {
	inboxProjects map[string]bool
	people        map[string]string

	// areaResolves counts ResolveArea calls; the real resolver creates a
	// Sink page on a miss, so any call for an out-of-scope task is a leak.
	areaResolves int
}

func (f *fakeResolver) ResolveProject(_ context.Context, project model.Project, _ []string) (string, bool, error) {
	if f.inboxProjects[project.ID] {
		return "", false, nil
	}
	return "proj-pg-" + project.ID, true, nil
}

func (f *fakeResolver) ResolveArea(_ context.Context, label string) (string, error) {
	f.areaResolves++
	return "area-pg-" + label, nil
}

func (f *fakeResolver) ResolvePerson(_ context.Context, name string) (string, bool, error) {
	id, ok := f.people[name]
	return id, ok, nil
}

// -- fixtures ----------------------------------------------------------------

const syncTag = "capsync"

func buyMilk() model.Task {
	return model.Task{
		ID:        "T1",
		Title:     "Buy milk",
		ProjectID: "P1",
		Tags:      []string{syncTag},
		Priority:  model.PriorityLow,
	}
}

func newTestWorker(src *fakeSource, sink *fakeSink, st *fakeStore, res *fakeResolver) *Worker {
	return New(src, sink, st, res, keylock.New(4), Config{
		SyncTag:           syncTag,
		TasksCollectionID: "tasks-col",
		AreaLabels:        []string{"HEALTH", "WORK"},
		PersonTagMarker:   "@",
		SinkPublicHost:    "sink.so",
	}, nil)
}

func defaultFixture() (*fakeSource, *fakeSink, *fakeStore, *fakeResolver, *Worker) {
	src := &fakeSource{
		tasks:    map[string]model.Task{"T1": buyMilk()},
		projects: map[string]model.Project{"P1": {ID: "P1", Name: "Groceries"}},
	}
	sink := newFakeSink()
	st := newFakeStore()
	res := &fakeResolver{}
	return src, sink, st, res, newTestWorker(src, sink, st, res)
}

// -- tests -------------------------------------------------------------------

func TestUpsertCreatesPageAndRecord(t *testing.T) {
	_, sink, st, _, w := defaultFixture()

	require.NoError(t, w.Upsert(context.Background(), buyMilk(), model.OriginEvent))

	rec, err := st.GetTaskRecord(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusOK, rec.Status)
	assert.Equal(t, model.OriginEvent, rec.Origin)
	assert.NotEmpty(t, rec.ForwardFingerprint)
	assert.NotEmpty(t, rec.ReverseFingerprint)
	require.NotEmpty(t, rec.SinkPageID)

	page := sink.pages[rec.SinkPageID]
	assert.Equal(t, "Buy milk", page.TextProp(PropTitle))
	assert.Equal(t, "T1", page.TextProp(PropTaskID))
	assert.Equal(t, "P2", page.TextProp(PropPriority))
}

func TestUpsertIdempotent(t *testing.T) {
	_, sink, st, _, w := defaultFixture()

	require.NoError(t, w.Upsert(context.Background(), buyMilk(), model.OriginEvent))
	writesAfterFirst := sink.writes
	recBefore, _ := st.GetTaskRecord(context.Background(), "T1")

	// Same payload again: zero Sink writes.
	require.NoError(t, w.Upsert(context.Background(), buyMilk(), model.OriginEvent))
	assert.Equal(t, writesAfterFirst, sink.writes)

	recAfter, _ := st.GetTaskRecord(context.Background(), "T1")
	assert.Equal(t, recBefore.ForwardFingerprint, recAfter.ForwardFingerprint)
	assert.Equal(t, recBefore.ReverseFingerprint, recAfter.ReverseFingerprint)
}

func TestUpsertChangedTitleUpdatesPageAndFingerprints(t *testing.T) {
	_, sink, st, _, w := defaultFixture()

	require.NoError(t, w.Upsert(context.Background(), buyMilk(), model.OriginEvent))
	recBefore, _ := st.GetTaskRecord(context.Background(), "T1")

	edited := buyMilk()
	edited.Title = "Buy groceries"
	require.NoError(t, w.Upsert(context.Background(), edited, model.OriginEvent))

	recAfter, _ := st.GetTaskRecord(context.Background(), "T1")
	assert.NotEqual(t, recBefore.ForwardFingerprint, recAfter.ForwardFingerprint)
	assert.NotEqual(t, recBefore.ReverseFingerprint, recAfter.ReverseFingerprint)
	assert.Equal(t, recBefore.SinkPageID, recAfter.SinkPageID, "update must reuse the page, not create a second one")
	assert.Equal(t, "Buy groceries", sink.pages[recAfter.SinkPageID].TextProp(PropTitle))
}

func TestGateNoTagNoRecordNoWrites(t *testing.T) {
	_, sink, st, _, w := defaultFixture()

	task := buyMilk()
	task.Tags = nil
	require.NoError(t, w.Upsert(context.Background(), task, model.OriginEvent))

	assert.Zero(t, sink.writes)
	assert.Zero(t, sink.queries)
	assert.Empty(t, st.records, "a task with no tag and no record must not create a record")
}

func TestLossOfTagArchives(t *testing.T) {
	_, sink, st, _, w := defaultFixture()

	require.NoError(t, w.Upsert(context.Background(), buyMilk(), model.OriginEvent))
	rec, _ := st.GetTaskRecord(context.Background(), "T1")

	untagged := buyMilk()
	untagged.Tags = nil
	require.NoError(t, w.Upsert(context.Background(), untagged, model.OriginEvent))

	rec, _ = st.GetTaskRecord(context.Background(), "T1")
	assert.Equal(t, model.StatusArchived, rec.Status)
	assert.True(t, sink.pages[rec.SinkPageID].Archived)
}

func TestCompletedWithoutTagStillMirrors(t *testing.T) {
	_, sink, st, _, w := defaultFixture()

	require.NoError(t, w.Upsert(context.Background(), buyMilk(), model.OriginEvent))

	done := buyMilk()
	done.Tags = nil
	done.IsCompleted = true
	require.NoError(t, w.Upsert(context.Background(), done, model.OriginEvent))

	rec, _ := st.GetTaskRecord(context.Background(), "T1")
	assert.Equal(t, model.StatusOK, rec.Status)
	completed := sink.pages[rec.SinkPageID].Prop(PropCompleted).Checkbox
	require.NotNil(t, completed)
	assert.True(t, *completed)
}

func TestInboxExclusion(t *testing.T) {
	src, sink, st, res, _ := defaultFixture()
	res.inboxProjects = map[string]bool{"P1": true}
	w := newTestWorker(src, sink, st, res)

	// Carrying an area tag must not matter: the inbox check runs before
	// any area page is resolved (or created).
	task := buyMilk()
	task.Tags = append(task.Tags, "HEALTH")
	require.NoError(t, w.Upsert(context.Background(), task, model.OriginEvent))

	assert.Zero(t, sink.writes)
	assert.Zero(t, res.areaResolves)
	assert.Empty(t, st.records)
}

func TestArchiveJob(t *testing.T) {
	_, sink, st, _, w := defaultFixture()

	require.NoError(t, w.Upsert(context.Background(), buyMilk(), model.OriginEvent))
	require.NoError(t, w.Archive(context.Background(), "T1", model.OriginEvent))

	rec, _ := st.GetTaskRecord(context.Background(), "T1")
	assert.Equal(t, model.StatusArchived, rec.Status)
	page := sink.pages[rec.SinkPageID]
	assert.True(t, page.Archived)
	completed := page.Prop(PropCompleted).Checkbox
	require.NotNil(t, completed)
	assert.True(t, *completed)
}

func TestArchiveWithoutRecordIsNoop(t *testing.T) {
	_, sink, _, _, w := defaultFixture()
	require.NoError(t, w.Archive(context.Background(), "ghost", model.OriginEvent))
	assert.Zero(t, sink.writes)
}

func TestRoundTripUpsertArchiveUpsert(t *testing.T) {
	_, sink, st, _, w := defaultFixture()
	ctx := context.Background()

	require.NoError(t, w.Upsert(ctx, buyMilk(), model.OriginEvent))
	require.NoError(t, w.Archive(ctx, "T1", model.OriginEvent))
	require.NoError(t, w.Upsert(ctx, buyMilk(), model.OriginEvent))

	rec, _ := st.GetTaskRecord(ctx, "T1")
	assert.Equal(t, model.StatusOK, rec.Status)
	page := sink.pages[rec.SinkPageID]
	assert.Equal(t, "Buy milk", page.TextProp(PropTitle))
}

func TestProcessJobSnapshotAvoidsFetch(t *testing.T) {
	src, _, st, _, w := defaultFixture()
	delete(src.tasks, "T1") // a fetch would fail

	snapshot, err := json.Marshal(map[string]any{
		"id":         "T1",
		"content":    "Buy milk",
		"project_id": "P1",
		"labels":     []string{syncTag},
		"priority":   2,
		"added_at":   "2026-01-02T03:04:05Z",
	})
	require.NoError(t, err)

	err = w.ProcessJob(context.Background(), Job{
		Action:       ActionUpsert,
		SourceTaskID: "T1",
		Snapshot:     snapshot,
	}, model.OriginEvent)
	require.NoError(t, err)

	rec, err := st.GetTaskRecord(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusOK, rec.Status)
}

func TestProcessJobDeletedTaskArchives(t *testing.T) {
	src, _, st, _, w := defaultFixture()

	require.NoError(t, w.Upsert(context.Background(), buyMilk(), model.OriginEvent))
	delete(src.tasks, "T1")

	err := w.ProcessJob(context.Background(), Job{Action: ActionUpsert, SourceTaskID: "T1"}, model.OriginEvent)
	require.NoError(t, err)

	rec, _ := st.GetTaskRecord(context.Background(), "T1")
	assert.Equal(t, model.StatusArchived, rec.Status)
}

func TestProcessJobRejectsMalformed(t *testing.T) {
	_, _, _, _, w := defaultFixture()

	err := w.ProcessJob(context.Background(), Job{Action: "explode", SourceTaskID: "T1"}, model.OriginEvent)
	assert.True(t, apierr.IsContract(err))

	err = w.ProcessJob(context.Background(), Job{Action: ActionUpsert}, model.OriginEvent)
	assert.True(t, apierr.IsContract(err))
}

func TestUnknownPersonTagSkippedSilently(t *testing.T) {
	src, sink, st, res, _ := defaultFixture()
	res.people = map[string]string{"Alex": "person-pg-1"}
	w := newTestWorker(src, sink, st, res)

	task := buyMilk()
	task.Tags = []string{syncTag, "Alex @", "Nobody @"}
	require.NoError(t, w.Upsert(context.Background(), task, model.OriginEvent))

	rec, _ := st.GetTaskRecord(context.Background(), "T1")
	people := sink.pages[rec.SinkPageID].Prop(PropPeople).Relation
	assert.Equal(t, []string{"person-pg-1"}, people)
}

func TestAreaInheritanceFromParentProject(t *testing.T) {
	src, sink, st, res, _ := defaultFixture()
	src.projects["P1"] = model.Project{ID: "P1", ParentID: "P0", Name: "Groceries"}
	src.projects["P0"] = model.Project{ID: "P0", Name: "HEALTH 📂"}
	w := newTestWorker(src, sink, st, res)

	require.NoError(t, w.Upsert(context.Background(), buyMilk(), model.OriginEvent))

	assert.Contains(t, src.labelAdds, "T1:HEALTH")
	rec, _ := st.GetTaskRecord(context.Background(), "T1")
	areas := sink.pages[rec.SinkPageID].Prop(PropAreas).Relation
	assert.Equal(t, []string{"area-pg-HEALTH"}, areas)
}

func TestFailureMarksExistingRecordError(t *testing.T) {
	src, _, st, _, w := defaultFixture()

	require.NoError(t, w.Upsert(context.Background(), buyMilk(), model.OriginEvent))

	// Break the project fetch so the next upsert fails mid-machine.
	delete(src.projects, "P1")
	edited := buyMilk()
	edited.Title = "Buy more milk"
	err := w.Upsert(context.Background(), edited, model.OriginEvent)
	require.Error(t, err)

	rec, _ := st.GetTaskRecord(context.Background(), "T1")
	assert.Equal(t, model.StatusError, rec.Status)
	assert.NotEmpty(t, rec.ErrorNote)
}
