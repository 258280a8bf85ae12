// Package model holds the typed domain entities shared by every component:
// the Source-side task/project/comment views, the Sink-side page view, and
// the sync records that anchor identity between the two systems.
package model

import (
	"strings"
	"time"
)

// Priority is the Source task priority, constrained to {1,2,3,4}.
type Priority int

const (
	PriorityLowest  Priority = 1
	PriorityLow     Priority = 2
	PriorityHigh    Priority = 3
	PriorityHighest Priority = 4
)

// Due describes a Source task's due date, with optional time and timezone.
// A zero Date means the task has no due date at all.
type Due struct {
	Timezone  string
	Date      string // YYYY-MM-DD
	Time      string // HH:MM, empty when the due date carries no time-of-day
	Recurring bool
}

// IsZero reports whether the task has no due date set.
func (d Due) IsZero() bool {
	return d.Date == ""
}

// HasTime reports whether the due date carries a time-of-day component.
func (d Due) HasTime() bool {
	return d.Time != ""
}

// Task is the Source-side view of a task eligible for sync consideration.
type Task struct {
	Added       time.Time
	Updated     time.Time
	Completed   *time.Time
	ID          string
	Title       string
	Description string
	URL         string
	ProjectID   string
	SectionID   string
	ParentID    string
	Tags        []string
	Due         Due
	Priority    Priority
	IsCompleted bool
}

// HasTag reports whether the task carries the given tag, case-sensitively.
// Sync tags are compared exactly as configured; a leading "@" sigil is
// display-only, so callers normalize before calling HasTag.
func (t Task) HasTag(tag string) bool {
	for _, existing := range t.Tags {
		if existing == tag {
			return true
		}
	}
	return false
}

// WithTag returns a copy of the task with tag appended if not already present.
func (t Task) WithTag(tag string) Task {
	if t.HasTag(tag) {
		return t
	}
	next := make([]string, len(t.Tags), len(t.Tags)+1)
	copy(next, t.Tags)
	next = append(next, tag)
	t.Tags = next
	return t
}

// WithoutTag returns a copy of the task with tag removed.
func (t Task) WithoutTag(tag string) Task {
	next := make([]string, 0, len(t.Tags))
	for _, existing := range t.Tags {
		if existing != tag {
			next = append(next, existing)
		}
	}
	t.Tags = next
	return t
}

// PersonTags returns the subset of tags containing the person marker
// (a distinguishing character or emoji, e.g. a silhouette suffix), with the
// marker stripped and surrounding whitespace trimmed.
func (t Task) PersonTags(marker string) []string {
	if marker == "" {
		return nil
	}
	var out []string
	for _, tag := range t.Tags {
		if !strings.Contains(tag, marker) {
			continue
		}
		name := strings.TrimSpace(strings.ReplaceAll(tag, marker, ""))
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}
