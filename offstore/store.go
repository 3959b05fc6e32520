// Package offstore provides the durable local cache backing the DevDash
// offline sync engine: cached projects and tasks, the mutation outbox, the
// conflict log and a small key-value meta table for sync cursors and
// backoff state.
//
// The store is selected once at startup. When the SQLite backend cannot be
// initialized (or local persistence is disabled), callers transparently get
// a NullStore whose operations succeed as no-ops, so upstream sync logic is
// unconditionally callable.
package offstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Entity names used across cache, outbox and conflict tables.
const (
	EntityProject = "project"
	EntityTask    = "task"
)

// Outbox operations.
const (
	OpUpsert = "upsert"
	OpPatch  = "patch"
	OpDelete = "delete"
)

// Project is a denormalized cache snapshot of a server-side project.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	Progress    int       `json:"progress"`
	Deadline    string    `json:"deadline"`
	Owner       string    `json:"owner"`
	Version     int64     `json:"version"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Task is a denormalized cache snapshot of a server-side task.
type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Project     string    `json:"project"`
	Assignee    string    `json:"assignee"`
	Status      string    `json:"status"`
	Progress    int       `json:"progress"`
	Version     int64     `json:"version"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// OutboxItem is one queued mutation awaiting submission to the server.
// ClientOpID is the idempotency key the server uses to deduplicate retried
// submissions; it is assigned once at enqueue time and never changes.
type OutboxItem struct {
	Seq         int64           `json:"seq"`
	ClientOpID  string          `json:"clientOperationId"`
	Entity      string          `json:"entity"`
	Op          string          `json:"operation"`
	EntityID    string          `json:"entityId"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	BaseVersion *int64          `json:"baseVersion,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
}

// Conflict is a server-rejected mutation persisted with enough context to
// support resolution. Immutable once created except for the
// Resolved/ResolvedAt transition.
type Conflict struct {
	ID             int64           `json:"id"`
	Entity         string          `json:"entity"`
	EntityID       string          `json:"entityId"`
	ClientOpID     string          `json:"clientOperationId"`
	Reason         string          `json:"reason"`
	ServerVersion  int64           `json:"serverVersion"`
	ClientVersion  int64           `json:"clientVersion"`
	ServerData     json.RawMessage `json:"serverData,omitempty"`
	ClientData     json.RawMessage `json:"clientData,omitempty"`
	OriginalIntent json.RawMessage `json:"originalClientIntent,omitempty"`
	Resolved       bool            `json:"resolved"`
	CreatedAt      time.Time       `json:"createdAt"`
	ResolvedAt     *time.Time      `json:"resolvedAt,omitempty"`
}

// Store is the local persistence contract. Exactly two implementations
// exist: SQLiteStore and NullStore. On a NullStore every read returns empty
// results and every write succeeds as a no-op; callers never branch on
// availability beyond Degraded (which exists for status surfaces only).
type Store interface {
	// Degraded reports whether this store is the no-op fallback.
	Degraded() bool
	Close() error

	// Cache writes are version-monotonic per entity: a row carrying a
	// version equal to or lower than the cached one is dropped.
	PutProjects(ctx context.Context, projects []Project) error
	PutTasks(ctx context.Context, tasks []Task) error
	GetProject(ctx context.Context, id string) (*Project, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	ListProjects(ctx context.Context) ([]Project, error)
	// ListTasks returns tasks for one project, or every task when
	// projectID is empty.
	ListTasks(ctx context.Context, projectID string) ([]Task, error)
	DeleteProject(ctx context.Context, id string) error
	DeleteTask(ctx context.Context, id string) error

	// ApplyTaskPatch and ApplyProjectPatch write optimistic local edits
	// straight into the cache, bypassing the version guard. Unknown patch
	// keys are ignored.
	ApplyTaskPatch(ctx context.Context, id string, patch map[string]any) error
	ApplyProjectPatch(ctx context.Context, id string, patch map[string]any) error

	// Outbox: FIFO by enqueue time. OutboxBatch never removes items;
	// removal happens explicitly via DeleteOutbox once the server has
	// acknowledged (applied or conflicted) those exact items.
	EnqueueOutbox(ctx context.Context, item *OutboxItem) error
	OutboxBatch(ctx context.Context, limit int) ([]OutboxItem, error)
	DeleteOutbox(ctx context.Context, seqs []int64) error
	OutboxDepth(ctx context.Context) (int, error)

	AddConflict(ctx context.Context, c *Conflict) error
	// ListConflicts orders unresolved first, then newest first.
	ListConflicts(ctx context.Context) ([]Conflict, error)
	GetConflict(ctx context.Context, id int64) (*Conflict, error)
	ResolveConflict(ctx context.Context, id int64, at time.Time) error
	DeleteResolvedConflicts(ctx context.Context) error
	DeleteAllConflicts(ctx context.Context) error

	// Meta is a string key-value table (sync cursors, backoff state).
	// GetMeta returns "" for an absent key.
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
	DeleteMeta(ctx context.Context, key string) error
}

// Provider resolves the Store exactly once for the process lifetime.
// Concurrent callers converge on a single initialization; an initialization
// failure permanently degrades the provider to a NullStore.
type Provider struct {
	path   string
	logger *slog.Logger

	once  sync.Once
	store Store
}

// NewProvider configures a store provider. An empty path disables local
// persistence entirely (the provider hands out a NullStore).
func NewProvider(path string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{path: path, logger: logger}
}

// Store returns the resolved store, initializing it on first call.
func (p *Provider) Store() Store {
	p.once.Do(func() {
		if p.path == "" {
			p.logger.Debug("local persistence disabled, using null store")
			p.store = NewNullStore()
			return
		}
		s, err := OpenSQLite(p.path, p.logger)
		if err != nil {
			p.logger.Warn("local store initialization failed, degrading to null store",
				"path", p.path, "error", err)
			p.store = NewNullStore()
			return
		}
		p.store = s
	})
	return p.store
}
