package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/capsync/syncagent/internal/fingerprint"
	"github.com/capsync/syncagent/internal/model"
)

func TestPriorityLabelRoundTrip(t *testing.T) {
	for p := 1; p <= 4; p++ {
		assert.Equal(t, model.Priority(p), PriorityFromLabel(PriorityLabel(model.Priority(p))))
	}
	assert.Equal(t, model.PriorityLowest, PriorityFromLabel(""))
	assert.Equal(t, model.PriorityLowest, PriorityFromLabel("urgent"))
	assert.Equal(t, model.PriorityLowest, PriorityFromLabel("P9"))
}

func TestAreaMatchingStripsDecoration(t *testing.T) {
	vocab := []string{"HEALTH", "PERSONAL & FAMILY"}

	assert.Equal(t, "HEALTH", areaFromLabels([]string{"health 📂"}, vocab))
	assert.Equal(t, "PERSONAL & FAMILY", areaFromLabels([]string{"Personal & Family 📂"}, vocab))
	assert.Empty(t, areaFromLabels([]string{"groceries"}, vocab))

	assert.Equal(t, "HEALTH", areaFromProjectName("HEALTH 📂", vocab))
	assert.Empty(t, areaFromProjectName("Errands", vocab))
}

func TestReverseSubsetPageTaskAgreement(t *testing.T) {
	// The subset computed from the task state being written must hash
	// identically to the subset later read back off the page; echo
	// suppression rests entirely on this equality.
	due := "2026-08-15"
	completed := false
	task := model.Task{
		Title:    "Buy milk",
		Priority: model.PriorityHigh,
		Due:      model.Due{Date: due},
	}
	page := model.Page{
		Properties: map[string]model.PropertyValue{
			PropTitle:     {Text: "Buy milk"},
			PropPriority:  {Text: "P3"},
			PropDueDate:   {DateOnly: &due},
			PropCompleted: {Checkbox: &completed},
		},
	}

	assert.Equal(t,
		fingerprint.Reverse(ReverseSubsetFromTask(task)),
		fingerprint.Reverse(ReverseSubsetFromPage(page)),
	)
}

func TestComposeForwardDeterministic(t *testing.T) {
	task := model.Task{ID: "T1", Title: "x", Tags: []string{"a", "b"}}
	project := model.Project{ID: "P1", Name: "Work"}

	fp1 := fingerprint.Forward(ComposeForward(task, project, nil, ""))
	fp2 := fingerprint.Forward(ComposeForward(task, project, nil, ""))
	assert.Equal(t, fp1, fp2)

	task.Title = "y"
	assert.NotEqual(t, fp1, fingerprint.Forward(ComposeForward(task, project, nil, "")))
}

func TestPagePropertiesDueForms(t *testing.T) {
	p := fingerprint.ForwardPayload{Title: "x", DueDate: "2026-08-15"}
	props := pageProperties(p, "", nil, nil)
	assert.NotNil(t, props[PropDueDate].DateOnly)
	_, hasTime := props[PropDueTime]
	assert.False(t, hasTime, "date-only due must not emit a time property")

	p.DueTime = "09:30"
	p.DueTimezone = "Europe/London"
	props = pageProperties(p, "", nil, nil)
	assert.Equal(t, "09:30", props[PropDueTime].Text)
	assert.Equal(t, "Europe/London", props[PropDueTimezone].Text)

	props = pageProperties(fingerprint.ForwardPayload{Title: "x"}, "", nil, nil)
	_, hasDue := props[PropDueDate]
	assert.False(t, hasDue)
}

func TestPageURL(t *testing.T) {
	assert.Equal(t, "https://me.example/p", PageURL(model.Page{URL: "https://me.example/p"}, "sink.so"))
	assert.Equal(t, "https://sink.so/abc123", PageURL(model.Page{ID: "abc-123"}, "sink.so"))
	assert.Empty(t, PageURL(model.Page{}, "sink.so"))
	assert.Empty(t, PageURL(model.Page{ID: "x"}, ""))
}
