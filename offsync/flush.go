package offsync

import (
	"context"
	"fmt"
	"time"

	"github.com/nacer-hammami2025/devdash-sync/offstore"
)

// Flush runs one flush cycle: take a bounded batch from the outbox, submit
// it as a single batched request, and distribute the result into cache
// version updates and conflict records. Acknowledged items (applied or
// conflicted) leave the outbox; anything else stays queued for the next
// cycle.
//
// Entry guards: offline, a cycle already in flight, or a still-open backoff
// window all make Flush a silent no-op. An empty outbox counts as success
// and resets backoff.
func (e *Engine) Flush(ctx context.Context) error {
	if !e.Conn.Online() {
		return nil
	}
	if !e.flushing.CompareAndSwap(false, true) {
		return nil
	}
	defer e.flushing.Store(false)

	e.mu.Lock()
	backingOff := e.failures > 0 && !e.nextAttemptAt.IsZero() && e.now().Before(e.nextAttemptAt)
	e.mu.Unlock()
	if backingOff {
		return nil
	}

	batch, err := e.store.OutboxBatch(ctx, e.cfg.FlushBatchSize)
	if err != nil {
		return fmt.Errorf("failed to read outbox: %w", err)
	}
	if len(batch) == 0 {
		e.resetBackoff(ctx)
		return nil
	}

	req := &BatchRequest{Operations: make([]BatchOperation, len(batch))}
	for i, item := range batch {
		req.Operations[i] = BatchOperation{
			Entity:      item.Entity,
			Op:          item.Op,
			EntityID:    item.EntityID,
			Payload:     item.Payload,
			BaseVersion: item.BaseVersion,
			ClientOpID:  item.ClientOpID,
		}
	}

	resp, err := e.server.SyncBatch(ctx, req)
	if err != nil || resp == nil {
		// Transient failure (network, 5xx, or an unusable response shape):
		// leave the outbox untouched and widen the retry window.
		e.escalateBackoff(ctx)
		if err == nil {
			err = fmt.Errorf("empty batch response")
		}
		return fmt.Errorf("batch submit failed: %w", err)
	}

	byOpID := make(map[string]*offstore.OutboxItem, len(batch))
	for i := range batch {
		byOpID[batch[i].ClientOpID] = &batch[i]
	}

	var acked []int64
	for _, applied := range resp.Applied {
		item, ok := byOpID[applied.ClientOpID]
		if !ok {
			e.Logger.Warn("applied result for unknown operation", "clientOperationId", applied.ClientOpID)
			continue
		}
		acked = append(acked, item.Seq)
		if err := e.reconcileApplied(ctx, item, applied); err != nil {
			// Cache reconciliation is best-effort; the next delta fetch
			// converges the entity anyway.
			e.Logger.Warn("failed to reconcile applied mutation",
				"entity", applied.Entity, "entityId", applied.EntityID, "error", err)
		}
	}

	for _, conflict := range resp.Conflicts {
		item := byOpID[conflict.ClientOpID]
		if item != nil {
			// A conflict is terminal for this queued item; resolution
			// re-enters the outbox as a fresh mutation.
			acked = append(acked, item.Seq)
		}
		if err := e.recordFlushConflict(ctx, item, conflict); err != nil {
			e.Logger.Warn("failed to record conflict",
				"entity", conflict.Entity, "entityId", conflict.EntityID, "error", err)
		}
	}

	if len(acked) > 0 {
		if err := e.store.DeleteOutbox(ctx, acked); err != nil {
			return fmt.Errorf("failed to remove acknowledged outbox items: %w", err)
		}
	}

	now := e.now()
	e.mu.Lock()
	e.lastSync = now
	e.mu.Unlock()
	if err := e.store.SetMeta(ctx, metaLastSync, now.UTC().Format(time.RFC3339Nano)); err != nil {
		e.Logger.Warn("failed to persist last sync time", "error", err)
	}
	e.resetBackoff(ctx)

	e.Logger.Debug("outbox flushed",
		"submitted", len(batch), "applied", len(resp.Applied), "conflicts", len(resp.Conflicts))
	return nil
}

// reconcileApplied moves the cached entity to the server-confirmed version,
// re-keying it when the server assigned a real id in place of a temporary
// one.
func (e *Engine) reconcileApplied(ctx context.Context, item *offstore.OutboxItem, applied AppliedResult) error {
	switch applied.Entity {
	case offstore.EntityTask:
		task, err := e.store.GetTask(ctx, item.EntityID)
		if err != nil {
			return err
		}
		if task == nil {
			return nil
		}
		if applied.EntityID != "" && applied.EntityID != item.EntityID {
			if err := e.store.DeleteTask(ctx, item.EntityID); err != nil {
				return err
			}
			task.ID = applied.EntityID
		}
		task.Version = applied.Version
		task.UpdatedAt = e.now()
		return e.store.PutTasks(ctx, []offstore.Task{*task})

	case offstore.EntityProject:
		project, err := e.store.GetProject(ctx, item.EntityID)
		if err != nil {
			return err
		}
		if project == nil {
			return nil
		}
		if applied.EntityID != "" && applied.EntityID != item.EntityID {
			if err := e.store.DeleteProject(ctx, item.EntityID); err != nil {
				return err
			}
			project.ID = applied.EntityID
		}
		project.Version = applied.Version
		project.UpdatedAt = e.now()
		return e.store.PutProjects(ctx, []offstore.Project{*project})

	default:
		return fmt.Errorf("unknown entity %q", applied.Entity)
	}
}

// recordFlushConflict persists a server-reported conflict with both
// snapshots and the original client intent, so every resolution strategy
// stays possible later.
func (e *Engine) recordFlushConflict(ctx context.Context, item *offstore.OutboxItem, c ConflictResult) error {
	record := &offstore.Conflict{
		Entity:        c.Entity,
		EntityID:      c.EntityID,
		ClientOpID:    c.ClientOpID,
		Reason:        c.Reason,
		ServerVersion: SnapshotVersion(c.Server),
		ClientVersion: SnapshotVersion(c.Client),
		ServerData:    c.Server,
		ClientData:    c.Client,
		CreatedAt:     e.now(),
	}
	if item != nil {
		record.OriginalIntent = item.Payload
		if record.ClientVersion == 0 && item.BaseVersion != nil {
			record.ClientVersion = *item.BaseVersion
		}
		if record.EntityID == "" {
			record.EntityID = item.EntityID
		}
	}
	return e.store.AddConflict(ctx, record)
}
