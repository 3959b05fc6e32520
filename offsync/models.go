// Package offsync implements the DevDash offline-first synchronization
// engine: optimistic mutations over the local cache, a durable outbox with
// at-least-once delivery, version-based conflict detection and resolution,
// exponential backoff with jitter, and cursor-based delta refresh driven by
// realtime change notifications.
package offsync

import (
	"encoding/json"
	"strings"
)

// BatchOperation is one queued mutation on the wire. ClientOpID lets the
// server deduplicate retried submissions.
type BatchOperation struct {
	Entity      string          `json:"entity"`
	Op          string          `json:"operation"`
	EntityID    string          `json:"entityId"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	BaseVersion *int64          `json:"baseVersion,omitempty"`
	ClientOpID  string          `json:"clientOperationId"`
}

// BatchRequest is the body of the batch-sync RPC. The whole batch must be
// safe to resubmit verbatim.
type BatchRequest struct {
	Operations []BatchOperation `json:"operations"`
}

// AppliedResult reports one operation the server applied, carrying the
// authoritative entity id (which may differ from the client's temporary id)
// and the new server-assigned version.
type AppliedResult struct {
	ClientOpID string `json:"clientOperationId"`
	Entity     string `json:"entity"`
	EntityID   string `json:"entityId"`
	Version    int64  `json:"version"`
}

// ConflictResult reports one operation the server rejected because the
// client's base version no longer matched. Server and Client are full
// entity snapshots (including a "version" field).
type ConflictResult struct {
	ClientOpID string          `json:"clientOperationId"`
	Entity     string          `json:"entity"`
	EntityID   string          `json:"entityId"`
	Reason     string          `json:"reason"`
	Server     json.RawMessage `json:"server,omitempty"`
	Client     json.RawMessage `json:"client,omitempty"`
}

// BatchResponse partitions the submitted operations. Operations present in
// neither list were not processed and stay queued for the next cycle.
type BatchResponse struct {
	Applied   []AppliedResult  `json:"applied"`
	Conflicts []ConflictResult `json:"conflicts"`
}

// SnapshotVersion extracts the "version" field from a raw entity snapshot.
// Returns 0 when the snapshot is empty or carries no version.
func SnapshotVersion(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var probe struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return 0
	}
	return probe.Version
}

// ChangeEvent is a realtime notification pushed from the server, e.g.
// {"type":"task.updated","entityId":"...","scopeId":"<projectID>"}.
type ChangeEvent struct {
	Type     string `json:"type"`
	EntityID string `json:"entityId"`
	ScopeID  string `json:"scopeId,omitempty"`
}

// Entity returns the entity part of the event type ("task" for
// "task.updated"). Empty when the type is malformed.
func (e ChangeEvent) Entity() string {
	entity, _, ok := strings.Cut(e.Type, ".")
	if !ok {
		return ""
	}
	return entity
}

// Action returns the action part of the event type ("updated" for
// "task.updated").
func (e ChangeEvent) Action() string {
	_, action, _ := strings.Cut(e.Type, ".")
	return action
}

// EventTypeFlushRequested is an out-of-band push message asking the client
// to flush its outbox immediately (the host environment's background-sync
// wake signal arrives through the same channel).
const EventTypeFlushRequested = "sync.flush"

// Scope identifies one cached collection for delta synchronization. Task
// scopes are optionally narrowed to a single project.
type Scope struct {
	Entity    string
	ProjectID string
}

func (s Scope) cursorKey() string {
	switch {
	case s.Entity == "project":
		return "lastProjectsSync"
	case s.ProjectID != "":
		return "lastTasksSync:" + s.ProjectID
	default:
		return "lastTasksSyncAll"
	}
}
