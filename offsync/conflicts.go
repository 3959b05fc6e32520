package offsync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nacer-hammami2025/devdash-sync/offstore"
)

// Conflict resolution never edits the cache directly. Every strategy
// enqueues a fresh outbox mutation and marks the record resolved, so the
// retry flows through the same flush path as any other mutation and a
// second-order conflict is handled uniformly.

// RecordConflict persists a conflict detected outside the flush loop, e.g.
// a direct RPC that returned a version mismatch.
func (e *Engine) RecordConflict(ctx context.Context, c *offstore.Conflict) error {
	if c.Entity == "" {
		return fmt.Errorf("conflict entity is required")
	}
	c.CreatedAt = e.now()
	c.Resolved = false
	return e.store.AddConflict(ctx, c)
}

// ConflictFromMismatch builds a conflict record from a direct-RPC version
// mismatch, preserving the client's intent for later replay.
func (e *Engine) ConflictFromMismatch(vm *VersionMismatchError, clientVersion int64, intent json.RawMessage) *offstore.Conflict {
	return &offstore.Conflict{
		Entity:         vm.Entity,
		EntityID:       vm.EntityID,
		Reason:         vm.Reason,
		ServerVersion:  vm.ServerVersion(),
		ClientVersion:  clientVersion,
		ServerData:     vm.Server,
		OriginalIntent: intent,
	}
}

// Conflicts lists recorded conflicts, unresolved first, newest first.
func (e *Engine) Conflicts(ctx context.Context) ([]offstore.Conflict, error) {
	return e.store.ListConflicts(ctx)
}

// ApplyServer accepts the server's version as truth: it enqueues an upsert
// of the server snapshot (an idempotent cache alignment once flushed) and
// marks the conflict resolved. This converges the local cache even if the
// server snapshot is never independently re-fetched.
func (e *Engine) ApplyServer(ctx context.Context, conflictID int64) error {
	c, err := e.resolvableConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if len(c.ServerData) == 0 {
		return fmt.Errorf("conflict %d has no server snapshot", conflictID)
	}
	version := c.ServerVersion
	if _, err := e.Enqueue(ctx, Mutation{
		Entity:      c.Entity,
		Op:          offstore.OpUpsert,
		EntityID:    c.EntityID,
		Payload:     c.ServerData,
		BaseVersion: &version,
	}); err != nil {
		return err
	}
	return e.store.ResolveConflict(ctx, conflictID, e.now())
}

// ReplayClient resubmits the original client intent with no version
// constraint, forcing overwrite semantics server-side. This is a deliberate
// last-writer-wins escape hatch: it can clobber server state newer than the
// state that triggered the conflict.
func (e *Engine) ReplayClient(ctx context.Context, conflictID int64) error {
	c, err := e.resolvableConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if len(c.OriginalIntent) == 0 {
		return fmt.Errorf("conflict %d has no original client intent", conflictID)
	}
	if _, err := e.Enqueue(ctx, Mutation{
		Entity:   c.Entity,
		Op:       offstore.OpUpsert,
		EntityID: c.EntityID,
		Payload:  c.OriginalIntent,
	}); err != nil {
		return err
	}
	return e.store.ResolveConflict(ctx, conflictID, e.now())
}

// ManualMerge enqueues a user-merged payload based on the version the
// server is already known to be at, avoiding an immediate repeat mismatch.
func (e *Engine) ManualMerge(ctx context.Context, conflictID int64, merged json.RawMessage) error {
	if len(merged) == 0 {
		return fmt.Errorf("merged payload is required")
	}
	c, err := e.resolvableConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	version := c.ServerVersion
	if _, err := e.Enqueue(ctx, Mutation{
		Entity:      c.Entity,
		Op:          offstore.OpUpsert,
		EntityID:    c.EntityID,
		Payload:     merged,
		BaseVersion: &version,
	}); err != nil {
		return err
	}
	return e.store.ResolveConflict(ctx, conflictID, e.now())
}

// ClearResolved deletes conflicts already marked resolved.
func (e *Engine) ClearResolved(ctx context.Context) error {
	return e.store.DeleteResolvedConflicts(ctx)
}

// PurgeConflicts deletes every conflict, resolved or not.
func (e *Engine) PurgeConflicts(ctx context.Context) error {
	return e.store.DeleteAllConflicts(ctx)
}

func (e *Engine) resolvableConflict(ctx context.Context, id int64) (*offstore.Conflict, error) {
	c, err := e.store.GetConflict(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("conflict %d not found", id)
	}
	if c.Resolved {
		return nil, fmt.Errorf("conflict %d is already resolved", id)
	}
	return c, nil
}
