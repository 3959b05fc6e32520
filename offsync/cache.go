package offsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nacer-hammami2025/devdash-sync/offstore"
)

// flexID unmarshals either a bare id string or a populated reference object
// carrying "_id"/"id"; the server denormalizes references inconsistently
// across endpoints.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var obj struct {
		ID    string `json:"id"`
		AltID string `json:"_id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if obj.AltID != "" {
		*f = flexID(obj.AltID)
	} else {
		*f = flexID(obj.ID)
	}
	return nil
}

type projectSnapshot struct {
	ID          string     `json:"id"`
	AltID       string     `json:"_id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	Progress    float64    `json:"progress"`
	Deadline    string     `json:"deadline"`
	Owner       flexID     `json:"owner"`
	Version     *int64     `json:"version"`
	UpdatedAt   *time.Time `json:"updatedAt"`
}

type taskSnapshot struct {
	ID          string     `json:"id"`
	AltID       string     `json:"_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Project     flexID     `json:"project"`
	Assignee    flexID     `json:"assignee"`
	Status      string     `json:"status"`
	Progress    float64    `json:"progress"`
	Version     *int64     `json:"version"`
	UpdatedAt   *time.Time `json:"updatedAt"`
}

// ProjectFromSnapshot normalizes a server project snapshot into the cache
// shape. Missing versions default to 0, missing timestamps to now.
func ProjectFromSnapshot(raw json.RawMessage, now time.Time) (offstore.Project, error) {
	var snap projectSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return offstore.Project{}, fmt.Errorf("failed to parse project snapshot: %w", err)
	}
	id := snap.AltID
	if id == "" {
		id = snap.ID
	}
	if id == "" {
		return offstore.Project{}, fmt.Errorf("project snapshot has no id")
	}
	p := offstore.Project{
		ID:          id,
		Name:        snap.Name,
		Description: snap.Description,
		Status:      snap.Status,
		Progress:    int(snap.Progress),
		Deadline:    snap.Deadline,
		Owner:       string(snap.Owner),
		UpdatedAt:   now,
	}
	if snap.Version != nil {
		p.Version = *snap.Version
	}
	if snap.UpdatedAt != nil {
		p.UpdatedAt = *snap.UpdatedAt
	}
	return p, nil
}

// TaskFromSnapshot normalizes a server task snapshot into the cache shape.
func TaskFromSnapshot(raw json.RawMessage, now time.Time) (offstore.Task, error) {
	var snap taskSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return offstore.Task{}, fmt.Errorf("failed to parse task snapshot: %w", err)
	}
	id := snap.AltID
	if id == "" {
		id = snap.ID
	}
	if id == "" {
		return offstore.Task{}, fmt.Errorf("task snapshot has no id")
	}
	t := offstore.Task{
		ID:          id,
		Title:       snap.Title,
		Description: snap.Description,
		Project:     string(snap.Project),
		Assignee:    string(snap.Assignee),
		Status:      snap.Status,
		Progress:    int(snap.Progress),
		UpdatedAt:   now,
	}
	if snap.Version != nil {
		t.Version = *snap.Version
	}
	if snap.UpdatedAt != nil {
		t.UpdatedAt = *snap.UpdatedAt
	}
	return t, nil
}

// CacheProjects upserts server-fetched project snapshots into the local
// cache. Writes are version-monotonic; stale snapshots are dropped by the
// store.
func (e *Engine) CacheProjects(ctx context.Context, snapshots []json.RawMessage) error {
	if len(snapshots) == 0 {
		return nil
	}
	now := e.now()
	projects := make([]offstore.Project, 0, len(snapshots))
	for _, raw := range snapshots {
		p, err := ProjectFromSnapshot(raw, now)
		if err != nil {
			e.Logger.Warn("skipping malformed project snapshot", "error", err)
			continue
		}
		projects = append(projects, p)
	}
	return e.store.PutProjects(ctx, projects)
}

// CacheTasks upserts server-fetched task snapshots into the local cache.
func (e *Engine) CacheTasks(ctx context.Context, snapshots []json.RawMessage) error {
	if len(snapshots) == 0 {
		return nil
	}
	now := e.now()
	tasks := make([]offstore.Task, 0, len(snapshots))
	for _, raw := range snapshots {
		t, err := TaskFromSnapshot(raw, now)
		if err != nil {
			e.Logger.Warn("skipping malformed task snapshot", "error", err)
			continue
		}
		tasks = append(tasks, t)
	}
	return e.store.PutTasks(ctx, tasks)
}
