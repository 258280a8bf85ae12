package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"

	"github.com/capsync/syncagent/internal/fingerprint"
	"github.com/capsync/syncagent/internal/model"
	"github.com/capsync/syncagent/internal/sinkapi"
	"github.com/capsync/syncagent/pkg/cache"
)

// NoMapping is the sentinel page id returned for anything that resolves to
// the Inbox project: it is never given a Sink page.
const NoMapping = ""

// projectRecordStore is the slice of Store that ResolveProject needs; kept
// as an interface so resolver tests can fake it without a live database.
type projectRecordStore interface {
	GetProjectRecord(ctx context.Context, sourceProjectID string) (model.ProjectSyncRecord, error)
	SaveProjectRecord(ctx context.Context, r model.ProjectSyncRecord) error
}

// Resolver maps Source-side identities (project id, area label, person
// tag) to Sink page ids, creating project and area pages on first
// encounter (person pages are only matched, never created). It is safe
// for concurrent use.
type Resolver struct {
	sink  *sinkapi.Client
	store projectRecordStore

	projectsCollectionID string
	areasCollectionID    string
	peopleCollectionID   string
	inboxProjectName     string

	areaCache   cache.Cache[string]
	personCache cache.Cache[string]

	// personMu serializes fuzzy person-page lookups so two concurrent
	// resolutions of a brand-new name can't both decide to create it.
	personMu sync.Mutex
	// areaMu serializes area-page creation the same way.
	areaMu sync.Mutex
}

// fold case-folds s for caseless comparison. A fresh Caser per call:
// cases.Caser is stateful and not safe for concurrent use, and the
// resolver is.
func fold(s string) string {
	return cases.Fold().String(s)
}

// NewResolver builds a Resolver. areaCache and personCache are typically
// pkg/cache.NewMemory[string]() or pkg/cache.NewRedis[string](...)
// depending on whether redis_url is configured.
func NewResolver(sink *sinkapi.Client, st projectRecordStore, projectsCollectionID, areasCollectionID, peopleCollectionID, inboxProjectName string, areaCache, personCache cache.Cache[string]) *Resolver {
	return &Resolver{
		sink:                 sink,
		store:                st,
		projectsCollectionID: projectsCollectionID,
		areasCollectionID:    areasCollectionID,
		peopleCollectionID:   peopleCollectionID,
		inboxProjectName:     inboxProjectName,
		areaCache:            areaCache,
		personCache:          personCache,
	}
}

// ResolveProject returns the Sink page id paired with a Source project,
// creating the page on first encounter and recording the pairing. If
// project.Name equals the configured Inbox project name, it returns
// NoMapping and ok=false before touching the Sink at all: Inbox tasks are
// outside sync scope and must never cause a Sink write. areaLabels seed
// the new page's AREAS relation when the page has to be created -- they
// are resolved to area pages only on that create path, and ignored for
// existing pages (the Sink owns the relation post-creation).
func (r *Resolver) ResolveProject(ctx context.Context, project model.Project, areaLabels []string) (pageID string, ok bool, err error) {
	if strings.EqualFold(strings.TrimSpace(project.Name), strings.TrimSpace(r.inboxProjectName)) {
		return NoMapping, false, nil
	}

	rec, err := r.store.GetProjectRecord(ctx, project.ID)
	if err == nil && rec.SinkPageID != "" {
		return rec.SinkPageID, true, nil
	}

	pages, err := r.sink.QueryCollection(ctx, r.projectsCollectionID, sinkapi.QueryFilter{"project_id": project.ID})
	if err != nil {
		return "", false, fmt.Errorf("resolver: query project page: %w", err)
	}

	if len(pages) > 0 {
		pageID = pages[0].ID
	} else {
		props := map[string]model.PropertyValue{
			"Name":       {Text: project.Name},
			"project_id": {Text: project.ID},
			"Status":     {Text: "Active"},
		}
		var areaPageIDs []string
		for _, label := range areaLabels {
			id, err := r.ResolveArea(ctx, label)
			if err != nil {
				return "", false, err
			}
			areaPageIDs = append(areaPageIDs, id)
		}
		if len(areaPageIDs) > 0 {
			props["Areas"] = model.PropertyValue{Relation: areaPageIDs}
		}
		page, err := r.sink.CreatePage(ctx, r.projectsCollectionID, props, nil)
		if err != nil {
			return "", false, fmt.Errorf("resolver: create project page: %w", err)
		}
		pageID = page.ID
	}

	if err := r.store.SaveProjectRecord(ctx, model.ProjectSyncRecord{
		SourceProjectID:    project.ID,
		SinkPageID:         pageID,
		ForwardFingerprint: fingerprint.Of(project),
		Status:             model.StatusOK,
		Origin:             model.OriginEvent,
		LastSyncedAt:       time.Now().UTC(),
	}); err != nil {
		return "", false, fmt.Errorf("resolver: save project record: %w", err)
	}
	return pageID, true, nil
}

// ResolveArea returns the Sink page id for an area label, creating it on
// first encounter. Area pages are looked up by name, not id: the Source
// has no native area entity, only a closed label vocabulary.
func (r *Resolver) ResolveArea(ctx context.Context, label string) (string, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return "", fmt.Errorf("resolver: empty area label")
	}
	key := "area:" + strings.ToLower(label)

	if id, err := r.areaCache.Get(ctx, key); err == nil {
		return id, nil
	}

	r.areaMu.Lock()
	defer r.areaMu.Unlock()

	// Re-check after acquiring the lock: another goroutine may have created
	// it while we waited.
	if id, err := r.areaCache.Get(ctx, key); err == nil {
		return id, nil
	}

	pages, err := r.sink.QueryCollection(ctx, r.areasCollectionID, sinkapi.QueryFilter{"name": label})
	if err != nil {
		return "", fmt.Errorf("resolver: query area page: %w", err)
	}
	if len(pages) > 0 {
		_ = r.areaCache.Set(ctx, key, pages[0].ID, 0)
		return pages[0].ID, nil
	}

	page, err := r.sink.CreatePage(ctx, r.areasCollectionID, map[string]model.PropertyValue{
		"Name": {Text: label},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("resolver: create area page: %w", err)
	}
	_ = r.areaCache.Set(ctx, key, page.ID, 0)
	return page.ID, nil
}

// ResolvePerson resolves a person tag (the text around the marker) to a
// Sink page id using fuzzy matching: exact case-insensitive match first,
// then prefix/containment. Returns ok=false with no error when no page
// matches; unlike projects and areas, person pages are never created here,
// and unknown person tags are skipped silently.
func (r *Resolver) ResolvePerson(ctx context.Context, name string) (pageID string, ok bool, err error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false, nil
	}
	key := "person:" + fold(name)

	if id, err := r.personCache.Get(ctx, key); err == nil {
		return id, true, nil
	}

	r.personMu.Lock()
	defer r.personMu.Unlock()

	if id, err := r.personCache.Get(ctx, key); err == nil {
		return id, true, nil
	}

	pages, err := r.sink.QueryCollection(ctx, r.peopleCollectionID, sinkapi.QueryFilter{})
	if err != nil {
		return "", false, fmt.Errorf("resolver: list people: %w", err)
	}

	folded := fold(name)

	// Pass 1: exact case-insensitive match.
	for _, p := range pages {
		if fold(strings.TrimSpace(p.TextProp("Name"))) == folded {
			_ = r.personCache.Set(ctx, key, p.ID, 0)
			return p.ID, true, nil
		}
	}

	// Pass 2: prefix or containment match, either direction.
	for _, p := range pages {
		candidate := fold(strings.TrimSpace(p.TextProp("Name")))
		if strings.HasPrefix(candidate, folded) || strings.HasPrefix(folded, candidate) ||
			strings.Contains(candidate, folded) || strings.Contains(folded, candidate) {
			_ = r.personCache.Set(ctx, key, p.ID, 0)
			return p.ID, true, nil
		}
	}

	return "", false, nil
}

// InvalidateAreaCache clears cached area-name lookups. Unused in steady
// state; exposed for tests and for a future admin endpoint.
func (r *Resolver) InvalidateAreaCache(ctx context.Context) error {
	return r.areaCache.Clear(ctx)
}

// InvalidatePersonCache clears cached person-name lookups.
func (r *Resolver) InvalidatePersonCache(ctx context.Context) error {
	return r.personCache.Clear(ctx)
}
