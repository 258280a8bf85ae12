package sinkapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/capsync/syncagent/internal/httpclient"
	"github.com/capsync/syncagent/internal/model"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "test-token", httpclient.Config{MaxRetries: 0})
}

func TestQueryCollection_PaginatesUntilHasMoreFalse(t *testing.T) {
	var calls int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req queryRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.PageSize != maxPageSize {
			t.Errorf("expected page_size capped at %d, got %d", maxPageSize, req.PageSize)
		}

		w.Header().Set("Content-Type", "application/json")
		if req.Cursor == "" {
			_ = json.NewEncoder(w).Encode(queryResponse{
				Results:    []pageDTO{{ID: "pg1"}},
				NextCursor: "c2",
				HasMore:    true,
			})
			return
		}
		_ = json.NewEncoder(w).Encode(queryResponse{Results: []pageDTO{{ID: "pg2"}}})
	})

	pages, err := c.QueryCollection(t.Context(), "tasks", QueryFilter{"task_id": "T1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("expected 2 pages across cursor pages, got %d", len(pages))
	}
	if calls != 2 {
		t.Fatalf("expected 2 http calls, got %d", calls)
	}
}

func TestCreatePage_SendsProperties(t *testing.T) {
	var received createPageRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(pageDTO{ID: "pg1", ParentID: received.ParentID})
	})

	page, err := c.CreatePage(t.Context(), "tasks-collection", map[string]model.PropertyValue{
		"Title": {Text: "Buy milk"},
	}, []model.Block{{Type: "paragraph", Text: "desc"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.ID != "pg1" {
		t.Fatalf("unexpected page id: %s", page.ID)
	}
	if received.Properties["Title"].Text != "Buy milk" {
		t.Fatalf("expected title property sent, got %+v", received.Properties)
	}
}

func TestUpdatePage_ArchivesWithoutTouchingBlocks(t *testing.T) {
	var sawBlocks bool
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]any
		_ = json.NewDecoder(r.Body).Decode(&raw)
		_, sawBlocks = raw["blocks"]
		w.WriteHeader(http.StatusOK)
	})

	archived := true
	if err := c.UpdatePage(t.Context(), "pg1", nil, &archived); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sawBlocks {
		t.Fatalf("expected UpdatePage never to send a blocks field")
	}
}
