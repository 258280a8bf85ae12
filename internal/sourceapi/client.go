// Package sourceapi is the typed REST adapter for the Source
// task-management service. It owns pagination (auto-follows cursors until
// exhausted), the retry/timeout policy (via internal/httpclient), and a
// process-wide cache of the project list invalidated at the start of each
// reconcile sweep.
package sourceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/capsync/syncagent/internal/apierr"
	"github.com/capsync/syncagent/internal/httpclient"
	"github.com/capsync/syncagent/internal/model"
)

// Client is a process-wide, stateless-apart-from-cache Source API adapter.
// Constructed once at startup and never reassigned at runtime.
type Client struct {
	http  *httpclient.Client
	base  string
	token string

	projMu    sync.RWMutex
	projects  []model.Project
	projected bool
}

// New builds a Source API client bound to baseURL with bearer token auth.
func New(baseURL, token string, httpCfg httpclient.Config) *Client {
	return &Client{
		http:  httpclient.New(httpCfg),
		base:  baseURL,
		token: token,
	}
}

// InvalidateProjectCache clears the cached project list. Called at the
// start of every reconcile sweep so the sweep sees fresh state.
func (c *Client) InvalidateProjectCache() {
	c.projMu.Lock()
	defer c.projMu.Unlock()
	c.projects = nil
	c.projected = false
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("sourceapi: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	var req *http.Request
	var err error
	if bodyReader != nil {
		req, err = http.NewRequestWithContext(ctx, method, u, bodyReader)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, u, nil)
	}
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// ListProjects returns every Source project, using and populating the
// process-wide cache.
func (c *Client) ListProjects(ctx context.Context) ([]model.Project, error) {
	c.projMu.RLock()
	if c.projected {
		out := append([]model.Project(nil), c.projects...)
		c.projMu.RUnlock()
		return out, nil
	}
	c.projMu.RUnlock()

	var out []model.Project
	query := url.Values{}
	for {
		var resp page[projectDTO]
		if err := c.get(ctx, "list_projects", "/projects", query, &resp); err != nil {
			return nil, err
		}
		for _, dto := range resp.Results {
			out = append(out, projectFromDTO(dto))
		}
		if resp.NextCursor == "" {
			break
		}
		query.Set("cursor", resp.NextCursor)
	}

	c.projMu.Lock()
	c.projects = out
	c.projected = true
	c.projMu.Unlock()

	return append([]model.Project(nil), out...), nil
}

// GetProject fetches a single project by id.
func (c *Client) GetProject(ctx context.Context, id string) (model.Project, error) {
	var dto projectDTO
	if err := c.get(ctx, "get_project", "/projects/"+id, nil, &dto); err != nil {
		return model.Project{}, err
	}
	return projectFromDTO(dto), nil
}

// UpdateProjectName renames a project, the only project field the Sink is
// ever allowed to push back (the name is bidirectional; the Sink wins).
func (c *Client) UpdateProjectName(ctx context.Context, id, name string) error {
	_, _, err := c.http.Do(ctx, "sourceapi.update_project_name", func(ctx context.Context) (*http.Request, error) {
		return c.newRequest(ctx, http.MethodPost, "/projects/"+id, nil, updateProjectRequest{Name: name})
	})
	if err != nil {
		return err
	}
	c.InvalidateProjectCache()
	return nil
}

// ListSections returns every section of the given project.
func (c *Client) ListSections(ctx context.Context, projectID string) ([]model.Section, error) {
	var out []model.Section
	query := url.Values{"project_id": {projectID}}
	for {
		var resp page[sectionDTO]
		if err := c.get(ctx, "list_sections", "/sections", query, &resp); err != nil {
			return nil, err
		}
		for _, dto := range resp.Results {
			out = append(out, model.Section{ID: dto.ID, ProjectID: dto.ProjectID, Name: dto.Name})
		}
		if resp.NextCursor == "" {
			break
		}
		query.Set("cursor", resp.NextCursor)
	}
	return out, nil
}

// GetSection fetches a single section by id, used when a task carries a
// section_id and the worker needs the section's display name.
func (c *Client) GetSection(ctx context.Context, id string) (model.Section, error) {
	var dto sectionDTO
	if err := c.get(ctx, "get_section", "/sections/"+id, nil, &dto); err != nil {
		return model.Section{}, err
	}
	return model.Section{ID: dto.ID, ProjectID: dto.ProjectID, Name: dto.Name}, nil
}

// ListTasks returns every active task matching filterExpr (the Source
// query-filter syntax), auto-paginated.
func (c *Client) ListTasks(ctx context.Context, filterExpr string) ([]model.Task, error) {
	return c.listTasks(ctx, "list_tasks", "/tasks", filterExpr)
}

// ListCompletedTasks returns completed tasks matching filterExpr via the
// dedicated completed-tasks endpoint. The reconciler queries these
// separately from active tasks so late completions are still mirrored.
func (c *Client) ListCompletedTasks(ctx context.Context, filterExpr string) ([]model.Task, error) {
	return c.listTasks(ctx, "list_completed_tasks", "/tasks/completed", filterExpr)
}

func (c *Client) listTasks(ctx context.Context, op, path, filterExpr string) ([]model.Task, error) {
	var out []model.Task
	query := url.Values{}
	if filterExpr != "" {
		query.Set("filter", filterExpr)
	}
	for {
		var resp page[taskDTO]
		if err := c.get(ctx, op, path, query, &resp); err != nil {
			return nil, err
		}
		for _, dto := range resp.Results {
			out = append(out, taskFromDTO(dto))
		}
		if resp.NextCursor == "" {
			break
		}
		query.Set("cursor", resp.NextCursor)
	}
	return out, nil
}

// GetTask fetches a single task by id.
func (c *Client) GetTask(ctx context.Context, id string) (model.Task, error) {
	var dto taskDTO
	if err := c.get(ctx, "get_task", "/tasks/"+id, nil, &dto); err != nil {
		return model.Task{}, err
	}
	return taskFromDTO(dto), nil
}

// UpdateTaskFields is the subset of task fields the reverse sweep and the
// backlink write are allowed to mutate.
type UpdateTaskFields struct {
	Content     *string
	Description *string
	Priority    *int
	DueDate     *string
}

// UpdateTask applies a partial update to a task's content/priority/due/description.
func (c *Client) UpdateTask(ctx context.Context, id string, fields UpdateTaskFields) error {
	req := updateTaskRequest{
		Content:     fields.Content,
		Description: fields.Description,
		Priority:    fields.Priority,
		DueDate:     fields.DueDate,
	}
	_, _, err := c.http.Do(ctx, "sourceapi.update_task", func(ctx context.Context) (*http.Request, error) {
		return c.newRequest(ctx, http.MethodPost, "/tasks/"+id, nil, req)
	})
	return err
}

// CompleteTask marks a task completed via the dedicated completion
// endpoint; completion never goes through the generic task-update call.
func (c *Client) CompleteTask(ctx context.Context, id string) error {
	_, _, err := c.http.Do(ctx, "sourceapi.complete_task", func(ctx context.Context) (*http.Request, error) {
		return c.newRequest(ctx, http.MethodPost, "/tasks/"+id+"/close", nil, nil)
	})
	return err
}

// ReopenTask uncompletes a task via the dedicated reopen endpoint.
func (c *Client) ReopenTask(ctx context.Context, id string) error {
	_, _, err := c.http.Do(ctx, "sourceapi.reopen_task", func(ctx context.Context) (*http.Request, error) {
		return c.newRequest(ctx, http.MethodPost, "/tasks/"+id+"/reopen", nil, nil)
	})
	return err
}

// AddLabel appends a tag to a task if not already present.
func (c *Client) AddLabel(ctx context.Context, id, label string) error {
	_, _, err := c.http.Do(ctx, "sourceapi.add_label", func(ctx context.Context) (*http.Request, error) {
		return c.newRequest(ctx, http.MethodPost, "/tasks/"+id+"/labels/add", nil, map[string]string{"label": label})
	})
	return err
}

// RemoveLabel removes a tag from a task.
func (c *Client) RemoveLabel(ctx context.Context, id, label string) error {
	_, _, err := c.http.Do(ctx, "sourceapi.remove_label", func(ctx context.Context) (*http.Request, error) {
		return c.newRequest(ctx, http.MethodPost, "/tasks/"+id+"/labels/remove", nil, map[string]string{"label": label})
	})
	return err
}

// ListComments returns every comment on a task, auto-paginated.
func (c *Client) ListComments(ctx context.Context, taskID string) ([]model.Comment, error) {
	var out []model.Comment
	query := url.Values{"task_id": {taskID}}
	for {
		var resp page[commentDTO]
		if err := c.get(ctx, "list_comments", "/comments", query, &resp); err != nil {
			return nil, err
		}
		for _, dto := range resp.Results {
			out = append(out, model.Comment{ID: dto.ID, TaskID: dto.TaskID, Content: dto.Content, PostedAt: dto.PostedAt})
		}
		if resp.NextCursor == "" {
			break
		}
		query.Set("cursor", resp.NextCursor)
	}
	return out, nil
}

// CreateTask creates a new Source task, used by the reconciler's
// create-from-Sink step.
func (c *Client) CreateTask(ctx context.Context, title, description, projectID string, labels []string) (model.Task, error) {
	req := createTaskRequest{Content: title, Description: description, ProjectID: projectID, Labels: labels}

	var dto taskDTO
	_, body, err := c.http.Do(ctx, "sourceapi.create_task", func(ctx context.Context) (*http.Request, error) {
		return c.newRequest(ctx, http.MethodPost, "/tasks", nil, req)
	})
	if err != nil {
		return model.Task{}, err
	}
	if err := json.Unmarshal(body, &dto); err != nil {
		return model.Task{}, apierr.New("sourceapi.create_task", apierr.Contract, err)
	}
	return taskFromDTO(dto), nil
}

func (c *Client) get(ctx context.Context, op, path string, query url.Values, out any) error {
	_, body, err := c.http.Do(ctx, "sourceapi."+op, func(ctx context.Context) (*http.Request, error) {
		return c.newRequest(ctx, http.MethodGet, path, query, nil)
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apierr.New("sourceapi."+op, apierr.Contract, err)
	}
	return nil
}

// ParseTaskSnapshot decodes a task snapshot piggybacked on a webhook event
// (the event_data payload has the same wire shape as a task resource). The
// worker falls back to a live fetch when parsing fails.
func ParseTaskSnapshot(raw json.RawMessage) (model.Task, error) {
	var dto taskDTO
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&dto); err != nil {
		return model.Task{}, apierr.New("sourceapi.parse_snapshot", apierr.Contract, err)
	}
	if dto.ID == "" {
		return model.Task{}, apierr.New("sourceapi.parse_snapshot", apierr.Contract, errors.New("snapshot missing id"))
	}
	return taskFromDTO(dto), nil
}

func taskFromDTO(dto taskDTO) model.Task {
	t := model.Task{
		ID:          dto.ID,
		Title:       dto.Content,
		Description: dto.Description,
		URL:         dto.URL,
		ProjectID:   dto.ProjectID,
		SectionID:   dto.SectionID,
		ParentID:    dto.ParentID,
		Tags:        append([]string(nil), dto.Labels...),
		Priority:    model.Priority(dto.Priority),
		IsCompleted: dto.IsCompleted,
		Completed:   dto.CompletedAt,
	}
	if ts, err := time.Parse(time.RFC3339, dto.AddedAt); err == nil {
		t.Added = ts
	}
	if dto.UpdatedAt != "" {
		if ts, err := time.Parse(time.RFC3339, dto.UpdatedAt); err == nil {
			t.Updated = ts
		}
	}
	if dto.Due != nil {
		t.Due = model.Due{
			Date:      dto.Due.Date,
			Timezone:  dto.Due.Timezone,
			Recurring: dto.Due.Recurring,
		}
		if dto.Due.Datetime != "" {
			if ts, err := time.Parse(time.RFC3339, dto.Due.Datetime); err == nil {
				t.Due.Time = ts.Format("15:04")
			}
		}
	}
	return t
}

func projectFromDTO(dto projectDTO) model.Project {
	return model.Project{
		ID:       dto.ID,
		ParentID: dto.ParentID,
		Name:     dto.Name,
		Color:    dto.Color,
		Shared:   dto.IsShared,
		Archived: dto.IsArchived,
	}
}
