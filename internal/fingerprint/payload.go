package fingerprint

import "time"

// ForwardPayload is the canonical Sink representation of a task the worker
// composes, and the input to the forward fingerprint.
type ForwardPayload struct {
	CompletedAt    *time.Time
	Title          string
	Body           string
	TaskID         string
	SourceURL      string
	ProjectName    string
	ProjectID      string
	DueDate        string
	DueTime        string
	DueTimezone    string
	SectionName    string
	CommentsMD     string
	Labels         []string
	Priority       int
	Completed      bool
}

// ReverseSubset is the sync-relevant subset of a Sink page's properties,
// fingerprinted for echo suppression on the reverse path. The subset MUST
// be exactly what the system itself writes on that path -- enlarging it
// suppresses genuine user edits in adjacent fields.
type ReverseSubset struct {
	Title     string
	DueDate   string
	Priority  int
	Completed bool
}

// Forward computes the forward fingerprint of a composed payload.
func Forward(p ForwardPayload) string {
	return Of(p)
}

// Reverse computes the reverse fingerprint of the sync-controlled subset.
func Reverse(s ReverseSubset) string {
	return Of(s)
}
