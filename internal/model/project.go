package model

// Project is the Source-side view of a task project. ParentID is set when
// the project nests under another project; the worker uses the parent's
// name for area-tag inheritance.
type Project struct {
	ID       string
	ParentID string
	Name     string
	Color    string
	Shared   bool
	Archived bool
}

// Comment is a Source-side task comment, rendered to the Sink as markdown.
type Comment struct {
	ID       string
	TaskID   string
	Content  string
	PostedAt string
}

// Section is a Source-side named subdivision of a project.
type Section struct {
	ID        string
	ProjectID string
	Name      string
}
