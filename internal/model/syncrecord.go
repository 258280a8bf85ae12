package model

import "time"

// Status is the lifecycle state of a sync record.
type Status string

const (
	StatusOK       Status = "OK"
	StatusArchived Status = "ARCHIVED"
	StatusError    Status = "ERROR"
)

// Origin identifies which caller produced the most recent write to a record.
type Origin string

const (
	OriginEvent         Origin = "event"
	OriginReconcile     Origin = "reconcile"
	OriginReversePull   Origin = "reverse-pull"
	OriginReverseCreate Origin = "reverse-create"
	OriginMigration     Origin = "migration"
)

// TaskSyncRecord is the central idempotency anchor for one Source task,
// keyed by SourceTaskID. It is the canonical arbiter of cross-system
// identity: the task/page pairing lives here, never in either host system.
type TaskSyncRecord struct {
	LastSyncedAt       time.Time
	SourceTaskID       string
	SinkPageID         string
	ForwardFingerprint string
	ReverseFingerprint string
	ErrorNote          string
	Status             Status
	Origin             Origin
}

// HasSinkPage reports whether the record has a paired Sink page.
func (r TaskSyncRecord) HasSinkPage() bool {
	return r.SinkPageID != ""
}

// ProjectSyncRecord mirrors TaskSyncRecord for Source projects. It has no
// reverse fingerprint: project sync is one-directional except for the
// Sink-controlled name field, which the reconciler handles directly.
type ProjectSyncRecord struct {
	LastSyncedAt       time.Time
	SourceProjectID    string
	SinkPageID         string
	ForwardFingerprint string
	ErrorNote          string
	Status             Status
	Origin             Origin
}

// ReconcileCursor is the singleton record bounding the reverse poll window.
type ReconcileCursor struct {
	LastReversePollAt time.Time
	Set               bool
}
