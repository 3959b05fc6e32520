package offsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nacer-hammami2025/devdash-sync/offstore"
)

// TempIDPrefix marks locally-generated identifiers awaiting a server
// assignment.
const TempIDPrefix = "tmp-"

// IsTempID reports whether id was generated locally by an offline create.
func IsTempID(id string) bool {
	return len(id) > len(TempIDPrefix) && id[:len(TempIDPrefix)] == TempIDPrefix
}

func (e *Engine) newTempID() string {
	return fmt.Sprintf("%s%d-%s", TempIDPrefix, e.now().UnixMilli(), uuid.NewString()[:6])
}

// TaskDraft carries the fields of a new task.
type TaskDraft struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Project     string `json:"project,omitempty"`
}

// CreateTaskResult reports the task now visible in the cache. When Offline
// is true the task carries a temporary id and version 0; a later flush
// reconciles it against the server-assigned identity.
type CreateTaskResult struct {
	Task    offstore.Task
	Offline bool
}

// CreateTask applies an optimistic create. Online, the direct endpoint is
// called and the temporary cache entry is rolled back on failure (there is
// no queued state to reconcile later, so the failure is hard). Offline, the
// mutation is queued and the temporary entry stays.
func (e *Engine) CreateTask(ctx context.Context, draft TaskDraft) (*CreateTaskResult, error) {
	if draft.Title == "" {
		return nil, fmt.Errorf("task title is required")
	}

	optimistic := offstore.Task{
		ID:          e.newTempID(),
		Title:       draft.Title,
		Description: draft.Description,
		Project:     draft.Project,
		Status:      "todo",
		Version:     0,
		UpdatedAt:   e.now(),
	}
	if err := e.store.PutTasks(ctx, []offstore.Task{optimistic}); err != nil {
		return nil, fmt.Errorf("failed to cache optimistic task: %w", err)
	}

	if !e.Conn.Online() {
		payload, err := json.Marshal(optimistic)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal optimistic task: %w", err)
		}
		if _, err := e.Enqueue(ctx, Mutation{
			Entity:   offstore.EntityTask,
			Op:       offstore.OpUpsert,
			EntityID: optimistic.ID,
			Payload:  payload,
		}); err != nil {
			return nil, err
		}
		return &CreateTaskResult{Task: optimistic, Offline: true}, nil
	}

	body, err := json.Marshal(draft)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task draft: %w", err)
	}
	snapshot, err := e.server.Create(ctx, offstore.EntityTask, body)
	if err != nil {
		// Roll the optimistic entry back out; nothing queued remains.
		if derr := e.store.DeleteTask(ctx, optimistic.ID); derr != nil {
			e.Logger.Warn("failed to roll back optimistic task", "id", optimistic.ID, "error", derr)
		}
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	created, err := TaskFromSnapshot(snapshot, e.now())
	if err != nil {
		return nil, fmt.Errorf("failed to parse created task: %w", err)
	}
	if err := e.store.DeleteTask(ctx, optimistic.ID); err != nil {
		e.Logger.Warn("failed to drop temporary task", "id", optimistic.ID, "error", err)
	}
	if err := e.store.PutTasks(ctx, []offstore.Task{created}); err != nil {
		return nil, fmt.Errorf("failed to cache created task: %w", err)
	}
	return &CreateTaskResult{Task: created}, nil
}

// PatchResult reports how an optimistic patch was handled.
type PatchResult struct {
	Offline    bool
	ConflictID int64 // set when the direct call hit a version mismatch
}

// PatchTask merges a partial update into the cached task immediately, then
// either calls the direct endpoint (online) or queues a patch mutation
// (offline) using the cached version as the base.
//
// A failed direct call deliberately leaves the optimistic cache write in
// place rather than rolling back: partial local divergence is accepted
// until the next delta fetch. Revisit if that trade-off stops holding.
func (e *Engine) PatchTask(ctx context.Context, id string, patch map[string]any) (*PatchResult, error) {
	return e.patchEntity(ctx, offstore.EntityTask, id, patch)
}

// PatchProject is the project counterpart of PatchTask.
func (e *Engine) PatchProject(ctx context.Context, id string, patch map[string]any) (*PatchResult, error) {
	return e.patchEntity(ctx, offstore.EntityProject, id, patch)
}

func (e *Engine) patchEntity(ctx context.Context, entity, id string, patch map[string]any) (*PatchResult, error) {
	if id == "" || len(patch) == 0 {
		return nil, fmt.Errorf("entity id and a non-empty patch are required")
	}

	baseVersion, err := e.cachedVersion(ctx, entity, id)
	if err != nil {
		return nil, err
	}

	// Optimistic merge first; the UI re-renders from the cache.
	switch entity {
	case offstore.EntityTask:
		err = e.store.ApplyTaskPatch(ctx, id, patch)
	case offstore.EntityProject:
		err = e.store.ApplyProjectPatch(ctx, id, patch)
	default:
		return nil, fmt.Errorf("unknown entity %q", entity)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to apply optimistic patch: %w", err)
	}

	payload, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal patch: %w", err)
	}

	if !e.Conn.Online() {
		if _, err := e.Enqueue(ctx, Mutation{
			Entity:      entity,
			Op:          offstore.OpPatch,
			EntityID:    id,
			Payload:     payload,
			BaseVersion: baseVersion,
		}); err != nil {
			return nil, err
		}
		return &PatchResult{Offline: true}, nil
	}

	var base int64
	if baseVersion != nil {
		base = *baseVersion
	}
	snapshot, err := e.server.Patch(ctx, entity, id, payload, base)
	if err != nil {
		var vm *VersionMismatchError
		if errors.As(err, &vm) {
			record := e.ConflictFromMismatch(vm, base, payload)
			if rerr := e.RecordConflict(ctx, record); rerr != nil {
				e.Logger.Warn("failed to record direct-call conflict", "error", rerr)
			}
			return &PatchResult{ConflictID: record.ID}, err
		}
		// Optimistic cache write intentionally stays in place.
		return nil, fmt.Errorf("failed to patch %s %s: %w", entity, id, err)
	}

	if err := e.cacheSnapshot(ctx, entity, snapshot); err != nil {
		e.Logger.Warn("failed to cache patched entity", "entity", entity, "id", id, "error", err)
	}
	return &PatchResult{}, nil
}

// DeleteTask removes the task from the cache immediately and either calls
// the direct endpoint or queues a delete mutation. A version mismatch is
// recorded as a conflict like any other.
func (e *Engine) DeleteTask(ctx context.Context, id string) (*PatchResult, error) {
	if id == "" {
		return nil, fmt.Errorf("task id is required")
	}
	baseVersion, err := e.cachedVersion(ctx, offstore.EntityTask, id)
	if err != nil {
		return nil, err
	}
	if err := e.store.DeleteTask(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to remove task from cache: %w", err)
	}

	if !e.Conn.Online() {
		if _, err := e.Enqueue(ctx, Mutation{
			Entity:      offstore.EntityTask,
			Op:          offstore.OpDelete,
			EntityID:    id,
			BaseVersion: baseVersion,
		}); err != nil {
			return nil, err
		}
		return &PatchResult{Offline: true}, nil
	}

	var base int64
	if baseVersion != nil {
		base = *baseVersion
	}
	if err := e.server.Delete(ctx, offstore.EntityTask, id, base); err != nil {
		var vm *VersionMismatchError
		if errors.As(err, &vm) {
			record := e.ConflictFromMismatch(vm, base, nil)
			if rerr := e.RecordConflict(ctx, record); rerr != nil {
				e.Logger.Warn("failed to record direct-call conflict", "error", rerr)
			}
			return &PatchResult{ConflictID: record.ID}, err
		}
		return nil, fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return &PatchResult{}, nil
}

func (e *Engine) cachedVersion(ctx context.Context, entity, id string) (*int64, error) {
	switch entity {
	case offstore.EntityTask:
		t, err := e.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if t == nil {
			return nil, nil
		}
		v := t.Version
		return &v, nil
	case offstore.EntityProject:
		p, err := e.store.GetProject(ctx, id)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, nil
		}
		v := p.Version
		return &v, nil
	}
	return nil, fmt.Errorf("unknown entity %q", entity)
}

func (e *Engine) cacheSnapshot(ctx context.Context, entity string, snapshot json.RawMessage) error {
	if len(snapshot) == 0 {
		return nil
	}
	switch entity {
	case offstore.EntityTask:
		return e.CacheTasks(ctx, []json.RawMessage{snapshot})
	case offstore.EntityProject:
		return e.CacheProjects(ctx, []json.RawMessage{snapshot})
	}
	return fmt.Errorf("unknown entity %q", entity)
}
