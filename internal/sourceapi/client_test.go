package sourceapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/capsync/syncagent/internal/httpclient"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "test-token", httpclient.Config{MaxRetries: 0}), srv
}

func TestListProjects_PaginatesAndCaches(t *testing.T) {
	var calls int
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		cursor := r.URL.Query().Get("cursor")
		w.Header().Set("Content-Type", "application/json")
		if cursor == "" {
			_ = json.NewEncoder(w).Encode(page[projectDTO]{
				Results:    []projectDTO{{ID: "p1", Name: "Work"}},
				NextCursor: "next",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(page[projectDTO]{
			Results: []projectDTO{{ID: "p2", Name: "Home"}},
		})
	})

	projects, err := c.ListProjects(t.Context())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(projects) != 2 {
		t.Fatalf("expected 2 projects across pages, got %d", len(projects))
	}
	if calls != 2 {
		t.Fatalf("expected 2 http calls for pagination, got %d", calls)
	}

	// Second call should be served from cache, not hit the server again.
	if _, err := c.ListProjects(t.Context()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected cached result, server was called again (calls=%d)", calls)
	}

	c.InvalidateProjectCache()
	if _, err := c.ListProjects(t.Context()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected cache invalidation to trigger a fresh fetch, calls=%d", calls)
	}
}

func TestGetTask_MapsFields(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(taskDTO{
			ID:        "T1",
			Content:   "Buy milk",
			ProjectID: "p1",
			Labels:    []string{"capsync"},
			Priority:  2,
			AddedAt:   "2026-01-01T00:00:00Z",
		})
	})

	task, err := c.GetTask(t.Context(), "T1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task.Title != "Buy milk" || task.Priority != 2 || !task.HasTag("capsync") {
		t.Fatalf("unexpected task mapping: %+v", task)
	}
}

func TestUpdateTask_SendsPartialFields(t *testing.T) {
	var received updateTaskRequest
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	})

	title := "New title"
	if err := c.UpdateTask(t.Context(), "T1", UpdateTaskFields{Content: &title}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if received.Content == nil || *received.Content != "New title" {
		t.Fatalf("expected content field sent, got %+v", received)
	}
	if received.Priority != nil {
		t.Fatalf("expected unset fields to be omitted, got priority=%v", received.Priority)
	}
}
