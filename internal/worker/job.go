package worker

import "encoding/json"

// Action selects which half of the state machine a job runs.
type Action string

const (
	ActionUpsert  Action = "upsert"
	ActionArchive Action = "archive"
)

// Valid reports whether the action is one the worker knows how to run.
func (a Action) Valid() bool {
	return a == ActionUpsert || a == ActionArchive
}

// Job is one unit of sync work, keyed by the Source task id. Snapshot, when
// present, is the task resource piggybacked from the webhook event so the
// worker can skip the initial fetch; if it fails to parse the worker falls
// back to a live fetch.
type Job struct {
	Action       Action          `json:"action"`
	SourceTaskID string          `json:"source_task_id"`
	Snapshot     json.RawMessage `json:"snapshot,omitempty"`
}
