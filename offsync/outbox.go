package offsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nacer-hammami2025/devdash-sync/offstore"
)

// Mutation is a client intent headed for the outbox.
type Mutation struct {
	Entity      string
	Op          string
	EntityID    string
	Payload     json.RawMessage
	BaseVersion *int64
}

// newClientOpID builds the idempotency key for one queued operation: a
// millisecond timestamp plus a random suffix, so ids stay unique even under
// coarse clocks.
func (e *Engine) newClientOpID() string {
	return fmt.Sprintf("%d-%s", e.now().UnixMilli(), uuid.NewString()[:8])
}

// Enqueue appends a mutation to the outbox and returns its client operation
// id. A background wake is requested best-effort so the item flushes as soon
// as connectivity returns; the periodic timer is the reliability fallback.
func (e *Engine) Enqueue(ctx context.Context, m Mutation) (string, error) {
	if m.Entity == "" || m.Op == "" {
		return "", fmt.Errorf("mutation entity and operation are required")
	}
	entityID := m.EntityID
	if entityID == "" && len(m.Payload) > 0 {
		var probe struct {
			ID    string `json:"id"`
			AltID string `json:"_id"`
		}
		if err := json.Unmarshal(m.Payload, &probe); err == nil {
			if probe.AltID != "" {
				entityID = probe.AltID
			} else {
				entityID = probe.ID
			}
		}
	}

	item := &offstore.OutboxItem{
		ClientOpID:  e.newClientOpID(),
		Entity:      m.Entity,
		Op:          m.Op,
		EntityID:    entityID,
		Payload:     m.Payload,
		BaseVersion: m.BaseVersion,
		EnqueuedAt:  e.now(),
	}
	if err := e.store.EnqueueOutbox(ctx, item); err != nil {
		return "", fmt.Errorf("failed to enqueue mutation: %w", err)
	}

	if err := e.Waker.RequestWake(ctx); err != nil {
		// Background sync is not critical.
		e.Logger.Debug("background wake registration failed", "error", err)
	}
	return item.ClientOpID, nil
}

// TakeBatch returns up to limit pending items, oldest first, without
// removing them. Removal happens only after the server acknowledges those
// exact items, which is what makes delivery at-least-once.
func (e *Engine) TakeBatch(ctx context.Context, limit int) ([]offstore.OutboxItem, error) {
	return e.store.OutboxBatch(ctx, limit)
}

// RemoveOutbox deletes acknowledged items by sequence.
func (e *Engine) RemoveOutbox(ctx context.Context, seqs []int64) error {
	return e.store.DeleteOutbox(ctx, seqs)
}

// LastSync reports the most recent successful flush, zero if none yet.
func (e *Engine) LastSync() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}
