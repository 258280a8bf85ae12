package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/capsync/syncagent/internal/httpclient"
	"github.com/capsync/syncagent/internal/model"
	"github.com/capsync/syncagent/internal/sinkapi"
	"github.com/capsync/syncagent/pkg/cache"
)

type fakeProjectStore struct {
	records map[string]model.ProjectSyncRecord
}

func (f *fakeProjectStore) GetProjectRecord(ctx context.Context, sourceProjectID string) (model.ProjectSyncRecord, error) {
	if r, ok := f.records[sourceProjectID]; ok {
		return r, nil
	}
	return model.ProjectSyncRecord{}, ErrNotFound
}

func (f *fakeProjectStore) SaveProjectRecord(ctx context.Context, r model.ProjectSyncRecord) error {
	if f.records == nil {
		f.records = make(map[string]model.ProjectSyncRecord)
	}
	f.records[r.SourceProjectID] = r
	return nil
}

func newTestResolver(t *testing.T, handler http.HandlerFunc, ps projectRecordStore) *Resolver {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	sink := sinkapi.New(srv.URL, "tok", httpclient.Config{MaxRetries: 0})
	return NewResolver(sink, ps, "projects-col", "areas-col", "people-col", "Inbox", cache.NewMemory[string](), cache.NewMemory[string]())
}

func TestResolveProject_InboxReturnsNoMapping(t *testing.T) {
	r := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		t.Fatal("inbox project must never reach the Sink API")
	}, &fakeProjectStore{})

	// Area labels must not leak either: the inbox check precedes any
	// area-page resolution.
	id, ok, err := r.ResolveProject(t.Context(), model.Project{ID: "p1", Name: "Inbox"}, []string{"Health"})
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, NoMapping, id)
}

func TestResolveProject_UsesExistingRecord(t *testing.T) {
	r := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		t.Fatal("should not query Sink when a record already exists")
	}, &fakeProjectStore{records: map[string]model.ProjectSyncRecord{
		"p1": {SourceProjectID: "p1", SinkPageID: "pg1"},
	}})

	id, ok, err := r.ResolveProject(t.Context(), model.Project{ID: "p1", Name: "Work"}, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "pg1", id)
}

func TestResolveProject_CreatesWhenNoRecordOrPage(t *testing.T) {
	var calls []string
	r := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		calls = append(calls, req.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		switch {
		case req.Method == http.MethodPost && req.URL.Path == "/collections/projects-col/query":
			_ = json.NewEncoder(w).Encode(map[string]any{"results": []any{}})
		case req.Method == http.MethodPost && req.URL.Path == "/pages":
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "pg-new"})
		}
	}, &fakeProjectStore{})

	id, ok, err := r.ResolveProject(t.Context(), model.Project{ID: "p2", Name: "Work"}, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "pg-new", id)
	require.Equal(t, []string{"/collections/projects-col/query", "/pages"}, calls)
}

func TestResolveProject_RecordsPairingOnCreate(t *testing.T) {
	ps := &fakeProjectStore{}
	r := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch req.URL.Path {
		case "/collections/projects-col/query", "/collections/areas-col/query":
			_ = json.NewEncoder(w).Encode(map[string]any{"results": []any{}})
		case "/pages":
			var body struct {
				ParentID string `json:"parent_id"`
			}
			_ = json.NewDecoder(req.Body).Decode(&body)
			if body.ParentID == "areas-col" {
				_ = json.NewEncoder(w).Encode(map[string]any{"id": "area-pg-1"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "pg-rec"})
		}
	}, ps)

	// The area label resolves to a page only because a project page is
	// actually being created; it seeds the new page's AREAS relation.
	id, ok, err := r.ResolveProject(t.Context(), model.Project{ID: "p3", Name: "Work"}, []string{"Health"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "pg-rec", id)

	rec, err := ps.GetProjectRecord(t.Context(), "p3")
	require.NoError(t, err)
	require.Equal(t, "pg-rec", rec.SinkPageID)
	require.Equal(t, model.StatusOK, rec.Status)
}

func TestResolveArea_CachesAfterFirstCreate(t *testing.T) {
	var createCalls int
	r := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch req.URL.Path {
		case "/collections/areas-col/query":
			_ = json.NewEncoder(w).Encode(map[string]any{"results": []any{}})
		case "/pages":
			createCalls++
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "area-pg"})
		}
	}, &fakeProjectStore{})

	id1, err := r.ResolveArea(t.Context(), "Health")
	require.NoError(t, err)
	require.Equal(t, "area-pg", id1)

	id2, err := r.ResolveArea(t.Context(), "Health")
	require.NoError(t, err)
	require.Equal(t, "area-pg", id2)
	require.Equal(t, 1, createCalls, "second resolve should hit the cache, not create again")
}

func TestResolvePerson_FuzzyMatchesByContainment(t *testing.T) {
	r := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"id": "person-1", "properties": map[string]any{
					"Name": map[string]any{"type": "text", "text": "Alexandra"},
				}},
			},
		})
	}, &fakeProjectStore{})

	id, ok, err := r.ResolvePerson(t.Context(), "alex")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "person-1", id)
}

func TestResolvePerson_UnknownNameSkippedSilently(t *testing.T) {
	r := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"results": []any{}})
	}, &fakeProjectStore{})

	id, ok, err := r.ResolvePerson(t.Context(), "nobody")
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, id)
}
