package worker

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/capsync/syncagent/internal/fingerprint"
	"github.com/capsync/syncagent/internal/markdown"
	"github.com/capsync/syncagent/internal/model"
)

// Sink page property names for the tasks collection. The reverse mapper and
// the forward writer must agree on these exactly: the reverse fingerprint is
// computed over the subset the system itself writes, and a mismatch between
// the two sides silently breaks echo suppression.
const (
	PropTitle       = "Name"
	PropTaskID      = "Task ID"
	PropSourceURL   = "Source URL"
	PropProject     = "Project"
	PropLabels      = "Labels"
	PropPriority    = "Priority"
	PropDueDate     = "Due Date"
	PropDueTime     = "Due Time"
	PropDueTimezone = "Due Timezone"
	PropCompleted   = "Completed"
	PropCompletedAt = "Completed At"
	PropSection     = "Section"
	PropAreas       = "Areas"
	PropPeople      = "People"
	PropStatus      = "Status"
	PropComments    = "Comments"
)

// PriorityLabel renders a Source priority as the Sink's display form.
func PriorityLabel(p model.Priority) string {
	return fmt.Sprintf("P%d", int(p))
}

// PriorityFromLabel parses a "P1".."P4" display label back into a Source
// priority, defaulting to lowest on anything unparseable.
func PriorityFromLabel(s string) model.Priority {
	n, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(s), "P"))
	if err != nil || n < 1 || n > 4 {
		return model.PriorityLowest
	}
	return model.Priority(n)
}

// ComposeForward builds the canonical Sink representation of a task, the
// input to the forward fingerprint. Only server-assigned timestamps go in;
// wall-clock values would defeat the idempotency check.
func ComposeForward(task model.Task, project model.Project, comments []model.Comment, sectionName string) fingerprint.ForwardPayload {
	p := fingerprint.ForwardPayload{
		Title:       task.Title,
		Body:        task.Description,
		TaskID:      task.ID,
		SourceURL:   task.URL,
		ProjectName: project.Name,
		ProjectID:   project.ID,
		Labels:      append([]string(nil), task.Tags...),
		Priority:    int(task.Priority),
		DueDate:     task.Due.Date,
		DueTime:     task.Due.Time,
		DueTimezone: task.Due.Timezone,
		Completed:   task.IsCompleted,
		CompletedAt: task.Completed,
		SectionName: sectionName,
		CommentsMD:  markdown.CommentsAsMarkdown(comments),
	}
	return p
}

// pageProperties maps a composed payload plus resolved relation ids onto
// the Sink property bag written on both create and update.
func pageProperties(p fingerprint.ForwardPayload, projectPageID string, areaPageIDs, personPageIDs []string) map[string]model.PropertyValue {
	completed := p.Completed
	props := map[string]model.PropertyValue{
		PropTitle:     {Text: p.Title},
		PropTaskID:    {Text: p.TaskID},
		PropSourceURL: {Text: p.SourceURL},
		PropLabels:    {Text: strings.Join(p.Labels, ", ")},
		PropPriority:  {Text: PriorityLabel(model.Priority(p.Priority))},
		PropCompleted: {Checkbox: &completed},
		PropStatus:    {Text: string(model.StatusOK)},
		PropComments:  {Text: p.CommentsMD},
	}
	if projectPageID != "" {
		props[PropProject] = model.PropertyValue{Relation: []string{projectPageID}}
	}
	if len(areaPageIDs) > 0 {
		props[PropAreas] = model.PropertyValue{Relation: areaPageIDs}
	}
	if len(personPageIDs) > 0 {
		props[PropPeople] = model.PropertyValue{Relation: personPageIDs}
	}
	if p.DueDate != "" {
		due := p.DueDate
		props[PropDueDate] = model.PropertyValue{DateOnly: &due}
		if p.DueTime != "" {
			props[PropDueTime] = model.PropertyValue{Text: p.DueTime}
		}
		if p.DueTimezone != "" {
			props[PropDueTimezone] = model.PropertyValue{Text: p.DueTimezone}
		}
	}
	if p.CompletedAt != nil {
		props[PropCompletedAt] = model.PropertyValue{DateTime: p.CompletedAt}
	}
	if p.SectionName != "" {
		props[PropSection] = model.PropertyValue{Text: p.SectionName}
	}
	return props
}

// ReverseSubsetFromTask derives the sync-controlled property subset from the
// Source task state the system is about to write, so the stored reverse
// fingerprint matches what a later poll will read back from the page.
func ReverseSubsetFromTask(task model.Task) fingerprint.ReverseSubset {
	return fingerprint.ReverseSubset{
		Title:     task.Title,
		DueDate:   task.Due.Date,
		Priority:  int(task.Priority),
		Completed: task.IsCompleted,
	}
}

// ReverseSubsetFromPage extracts the same subset from a Sink page as the
// reverse sweep observes it.
func ReverseSubsetFromPage(page model.Page) fingerprint.ReverseSubset {
	s := fingerprint.ReverseSubset{
		Title:    page.TextProp(PropTitle),
		Priority: int(PriorityFromLabel(page.TextProp(PropPriority))),
	}
	if d := page.Prop(PropDueDate).DateOnly; d != nil {
		s.DueDate = *d
	}
	if c := page.Prop(PropCompleted).Checkbox; c != nil {
		s.Completed = *c
	}
	return s
}

// stripDecor removes trailing non-ASCII decoration (emoji) from a label or
// project name before matching it against the area vocabulary.
func stripDecor(s string) string {
	s = strings.TrimSpace(s)
	for len(s) > 0 {
		r := []rune(s)
		if r[len(r)-1] < 128 {
			break
		}
		s = strings.TrimSpace(string(r[:len(r)-1]))
	}
	return s
}

// areaFromLabels returns the first tag matching the closed area vocabulary,
// normalized to the vocabulary's spelling. Empty when no tag matches.
func areaFromLabels(labels, vocabulary []string) string {
	for _, label := range labels {
		clean := stripDecor(label)
		for _, area := range vocabulary {
			if strings.EqualFold(clean, area) {
				return area
			}
		}
	}
	return ""
}

// areaFromProjectName matches a (parent) project name against the area
// vocabulary for area-tag inheritance.
func areaFromProjectName(name string, vocabulary []string) string {
	clean := stripDecor(name)
	for _, area := range vocabulary {
		if strings.EqualFold(clean, area) {
			return area
		}
	}
	return ""
}

// areaLabelsOf returns every tag that maps into the area vocabulary,
// normalized, preserving tag order.
func areaLabelsOf(labels, vocabulary []string) []string {
	var out []string
	for _, label := range labels {
		clean := stripDecor(label)
		for _, area := range vocabulary {
			if strings.EqualFold(clean, area) {
				out = append(out, area)
				break
			}
		}
	}
	return out
}

// PageURL returns the user-facing address of a Sink page, preferring the
// URL the API reported and falling back to constructing one from the
// configured public host (page ids appear in URLs without hyphens).
func PageURL(page model.Page, host string) string {
	if page.URL != "" {
		return page.URL
	}
	if host == "" || page.ID == "" {
		return ""
	}
	return "https://" + host + "/" + strings.ReplaceAll(page.ID, "-", "")
}

func pageURLFor(id, host string) string {
	return PageURL(model.Page{ID: id}, host)
}
