package offstore

import (
	"context"
	"time"
)

// NullStore is the degraded fallback used when SQLite cannot be initialized
// or local persistence is disabled. Reads return empty results, writes
// succeed as no-ops. Mutations still render optimistically upstream; they
// are just not guaranteed to survive a restart.
type NullStore struct{}

func NewNullStore() *NullStore { return &NullStore{} }

func (n *NullStore) Degraded() bool { return true }
func (n *NullStore) Close() error   { return nil }

func (n *NullStore) PutProjects(context.Context, []Project) error { return nil }
func (n *NullStore) PutTasks(context.Context, []Task) error       { return nil }

func (n *NullStore) GetProject(context.Context, string) (*Project, error) { return nil, nil }
func (n *NullStore) GetTask(context.Context, string) (*Task, error)       { return nil, nil }

func (n *NullStore) ListProjects(context.Context) ([]Project, error)   { return nil, nil }
func (n *NullStore) ListTasks(context.Context, string) ([]Task, error) { return nil, nil }
func (n *NullStore) DeleteProject(context.Context, string) error       { return nil }
func (n *NullStore) DeleteTask(context.Context, string) error          { return nil }

func (n *NullStore) ApplyTaskPatch(context.Context, string, map[string]any) error    { return nil }
func (n *NullStore) ApplyProjectPatch(context.Context, string, map[string]any) error { return nil }

func (n *NullStore) EnqueueOutbox(context.Context, *OutboxItem) error       { return nil }
func (n *NullStore) OutboxBatch(context.Context, int) ([]OutboxItem, error) { return nil, nil }
func (n *NullStore) DeleteOutbox(context.Context, []int64) error            { return nil }
func (n *NullStore) OutboxDepth(context.Context) (int, error)               { return 0, nil }

func (n *NullStore) AddConflict(context.Context, *Conflict) error            { return nil }
func (n *NullStore) ListConflicts(context.Context) ([]Conflict, error)       { return nil, nil }
func (n *NullStore) GetConflict(context.Context, int64) (*Conflict, error)   { return nil, nil }
func (n *NullStore) ResolveConflict(context.Context, int64, time.Time) error { return nil }
func (n *NullStore) DeleteResolvedConflicts(context.Context) error           { return nil }
func (n *NullStore) DeleteAllConflicts(context.Context) error                { return nil }

func (n *NullStore) GetMeta(context.Context, string) (string, error) { return "", nil }
func (n *NullStore) SetMeta(context.Context, string, string) error   { return nil }
func (n *NullStore) DeleteMeta(context.Context, string) error        { return nil }
