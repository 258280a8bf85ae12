package sourceapi

import "time"

// Wire DTOs for the Source REST API. Kept separate from internal/model so
// the JSON boundary can evolve independently of the domain types the rest
// of the engine works with: inbound JSON lands in strict structs, outbound
// JSON goes through explicit request types.

type taskDTO struct {
	Due         *dueDTO    `json:"due,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ID          string     `json:"id"`
	Content     string     `json:"content"`
	Description string     `json:"description"`
	URL         string     `json:"url,omitempty"`
	ProjectID   string     `json:"project_id"`
	SectionID   string     `json:"section_id,omitempty"`
	ParentID    string     `json:"parent_id,omitempty"`
	AddedAt     string     `json:"added_at"`
	UpdatedAt   string     `json:"updated_at,omitempty"`
	Labels      []string   `json:"labels"`
	Priority    int        `json:"priority"`
	IsCompleted bool       `json:"is_completed"`
}

type dueDTO struct {
	Date      string `json:"date"`
	Datetime  string `json:"datetime,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
	Recurring bool   `json:"is_recurring"`
}

type projectDTO struct {
	ID         string `json:"id"`
	ParentID   string `json:"parent_id,omitempty"`
	Name       string `json:"name"`
	Color      string `json:"color"`
	IsShared   bool   `json:"is_shared"`
	IsArchived bool   `json:"is_archived"`
	IsInboxPrj bool   `json:"is_inbox_project"`
}

type sectionDTO struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
}

type commentDTO struct {
	ID       string `json:"id"`
	TaskID   string `json:"task_id"`
	Content  string `json:"content"`
	PostedAt string `json:"posted_at"`
}

// page is the generic paginated-list envelope the Source API returns;
// list endpoints are auto-followed via NextCursor until it's empty.
type page[T any] struct {
	Results    []T    `json:"results"`
	NextCursor string `json:"next_cursor,omitempty"`
}

type updateTaskRequest struct {
	Content     *string `json:"content,omitempty"`
	Description *string `json:"description,omitempty"`
	Priority    *int    `json:"priority,omitempty"`
	DueString   *string `json:"due_string,omitempty"`
	DueDate     *string `json:"due_date,omitempty"`
}

type createTaskRequest struct {
	Content     string   `json:"content"`
	Description string   `json:"description,omitempty"`
	ProjectID   string   `json:"project_id,omitempty"`
	Labels      []string `json:"labels,omitempty"`
}

type updateProjectRequest struct {
	Name string `json:"name"`
}
