package model

import "time"

// Collection identifies one of the recognized Sink collections.
type Collection string

const (
	CollectionTasks    Collection = "tasks"
	CollectionProjects Collection = "projects"
	CollectionAreas    Collection = "areas"
	CollectionPeople   Collection = "people"
)

// Block is a single content block on a Sink page (paragraph, heading, etc).
// The Sink API treats blocks as an opaque typed bag; the sync engine only
// writes flat text blocks ("paragraph" and "comment"), so Block keeps just enough shape to
// round-trip through JSON without modeling the Sink's full block schema.
type Block struct {
	Type string
	Text string
}

// PropertyValue is a loosely typed Sink page property value. Only one of
// the fields is populated, selected by the property's declared Kind.
type PropertyValue struct {
	Text     string
	Relation []string
	Checkbox *bool
	DateOnly *string
	DateTime *time.Time
	Number   *float64
}

// Page is the Sink-side view of a page within one of the recognized collections.
// URL is the user-facing page address, used for Source-side backlinks.
type Page struct {
	Properties   map[string]PropertyValue
	ID           string
	ParentID     string
	URL          string
	Blocks       []Block
	LastEditedAt time.Time
	Archived     bool
}

// Prop returns the named property, or a zero PropertyValue if absent.
func (p Page) Prop(name string) PropertyValue {
	if p.Properties == nil {
		return PropertyValue{}
	}
	return p.Properties[name]
}

// TextProp returns the text value of the named property.
func (p Page) TextProp(name string) string {
	return p.Prop(name).Text
}
