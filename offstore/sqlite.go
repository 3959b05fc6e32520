package offstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const timeLayout = time.RFC3339Nano

// SQLiteStore is the durable Store implementation backed by a single SQLite
// database file (or ":memory:" in tests).
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the local database and ensures the
// schema exists. The returned store owns the *sql.DB.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent engine loops.
	db.SetMaxOpenConns(1)

	if err := initializeSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// NewSQLiteStore wraps an already-open database (used by callers that manage
// the connection themselves) and ensures the schema exists.
func NewSQLiteStore(db *sql.DB, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

func initializeSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT '',
			progress    INTEGER NOT NULL DEFAULT 0,
			deadline    TEXT NOT NULL DEFAULT '',
			owner       TEXT NOT NULL DEFAULT '',
			version     INTEGER NOT NULL DEFAULT 0,
			updated_at  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status)`,

		`CREATE TABLE IF NOT EXISTS tasks (
			id          TEXT PRIMARY KEY,
			title       TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			project     TEXT NOT NULL DEFAULT '',
			assignee    TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT '',
			progress    INTEGER NOT NULL DEFAULT 0,
			version     INTEGER NOT NULL DEFAULT 0,
			updated_at  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,

		// Pending mutation queue. client_op_id is the server-side
		// idempotency key; seq preserves enqueue order.
		`CREATE TABLE IF NOT EXISTS outbox (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			client_op_id TEXT NOT NULL UNIQUE,
			entity       TEXT NOT NULL,
			op           TEXT NOT NULL CHECK (op IN ('upsert','patch','delete')),
			entity_id    TEXT NOT NULL DEFAULT '',
			payload      TEXT,
			base_version INTEGER,
			enqueued_at  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_enqueued_at ON outbox(enqueued_at)`,

		`CREATE TABLE IF NOT EXISTS conflicts (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			entity          TEXT NOT NULL,
			entity_id       TEXT NOT NULL DEFAULT '',
			client_op_id    TEXT NOT NULL DEFAULT '',
			reason          TEXT NOT NULL DEFAULT '',
			server_version  INTEGER NOT NULL DEFAULT 0,
			client_version  INTEGER NOT NULL DEFAULT 0,
			server_data     TEXT,
			client_data     TEXT,
			original_intent TEXT,
			resolved        INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			resolved_at     TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conflicts_resolved ON conflicts(resolved, created_at)`,

		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Degraded() bool { return false }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) PutProjects(ctx context.Context, projects []Project) error {
	if len(projects) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, p := range projects {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projects (id, name, description, status, progress, deadline, owner, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				description = excluded.description,
				status = excluded.status,
				progress = excluded.progress,
				deadline = excluded.deadline,
				owner = excluded.owner,
				version = excluded.version,
				updated_at = excluded.updated_at
			WHERE excluded.version > projects.version
		`, p.ID, p.Name, p.Description, p.Status, p.Progress, p.Deadline, p.Owner,
			p.Version, p.UpdatedAt.UTC().Format(timeLayout))
		if err != nil {
			return fmt.Errorf("failed to upsert project %s: %w", p.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit project upserts: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PutTasks(ctx context.Context, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, t := range tasks {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, title, description, project, assignee, status, progress, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				title = excluded.title,
				description = excluded.description,
				project = excluded.project,
				assignee = excluded.assignee,
				status = excluded.status,
				progress = excluded.progress,
				version = excluded.version,
				updated_at = excluded.updated_at
			WHERE excluded.version > tasks.version
		`, t.ID, t.Title, t.Description, t.Project, t.Assignee, t.Status, t.Progress,
			t.Version, t.UpdatedAt.UTC().Format(timeLayout))
		if err != nil {
			return fmt.Errorf("failed to upsert task %s: %w", t.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit task upserts: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, status, progress, deadline, owner, version, updated_at
		FROM projects WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &p.Description, &p.Status, &p.Progress, &p.Deadline,
		&p.Owner, &p.Version, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project %s: %w", id, err)
	}
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, project, assignee, status, progress, version, updated_at
		FROM tasks WHERE id = ?
	`, id).Scan(&t.ID, &t.Title, &t.Description, &t.Project, &t.Assignee, &t.Status,
		&t.Progress, &t.Version, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

func (s *SQLiteStore) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, status, progress, deadline, owner, version, updated_at
		FROM projects ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		var updatedAt string
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Status, &p.Progress,
			&p.Deadline, &p.Owner, &p.Version, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		p.UpdatedAt = parseTime(updatedAt)
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *SQLiteStore) ListTasks(ctx context.Context, projectID string) ([]Task, error) {
	query := `
		SELECT id, title, description, project, assignee, status, progress, version, updated_at
		FROM tasks`
	args := []any{}
	if projectID != "" {
		query += ` WHERE project = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		var updatedAt string
		if err := rows.Scan(&t.ID, &t.Title, &t.Description, &t.Project, &t.Assignee,
			&t.Status, &t.Progress, &t.Version, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t.UpdatedAt = parseTime(updatedAt)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) DeleteProject(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete project %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return nil
}

// Columns that an optimistic patch may touch, keyed by the JSON field name
// mutations carry on the wire.
var taskPatchColumns = map[string]string{
	"title":       "title",
	"description": "description",
	"project":     "project",
	"assignee":    "assignee",
	"status":      "status",
	"progress":    "progress",
}

var projectPatchColumns = map[string]string{
	"name":        "name",
	"description": "description",
	"status":      "status",
	"progress":    "progress",
	"deadline":    "deadline",
	"owner":       "owner",
}

func (s *SQLiteStore) ApplyTaskPatch(ctx context.Context, id string, patch map[string]any) error {
	return s.applyPatch(ctx, "tasks", taskPatchColumns, id, patch)
}

func (s *SQLiteStore) ApplyProjectPatch(ctx context.Context, id string, patch map[string]any) error {
	return s.applyPatch(ctx, "projects", projectPatchColumns, id, patch)
}

func (s *SQLiteStore) applyPatch(ctx context.Context, table string, columns map[string]string, id string, patch map[string]any) error {
	var sets []string
	var args []any
	for key, val := range patch {
		col, ok := columns[key]
		if !ok {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = ?", col))
		args = append(args, val)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC().Format(timeLayout))
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", table, strings.Join(sets, ", "))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to patch %s %s: %w", table, id, err)
	}
	return nil
}

func (s *SQLiteStore) EnqueueOutbox(ctx context.Context, item *OutboxItem) error {
	var payload any
	if len(item.Payload) > 0 {
		payload = string(item.Payload)
	}
	var baseVersion any
	if item.BaseVersion != nil {
		baseVersion = *item.BaseVersion
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox (client_op_id, entity, op, entity_id, payload, base_version, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, item.ClientOpID, item.Entity, item.Op, item.EntityID, payload, baseVersion,
		item.EnqueuedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox item: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read outbox sequence: %w", err)
	}
	item.Seq = seq
	return nil
}

func (s *SQLiteStore) OutboxBatch(ctx context.Context, limit int) ([]OutboxItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, client_op_id, entity, op, entity_id, payload, base_version, enqueued_at
		FROM outbox
		ORDER BY enqueued_at, seq
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var items []OutboxItem
	for rows.Next() {
		var item OutboxItem
		var payload sql.NullString
		var baseVersion sql.NullInt64
		var enqueuedAt string
		if err := rows.Scan(&item.Seq, &item.ClientOpID, &item.Entity, &item.Op,
			&item.EntityID, &payload, &baseVersion, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox item: %w", err)
		}
		if payload.Valid {
			item.Payload = []byte(payload.String)
		}
		if baseVersion.Valid {
			v := baseVersion.Int64
			item.BaseVersion = &v
		}
		item.EnqueuedAt = parseTime(enqueuedAt)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) DeleteOutbox(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, seq := range seqs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE seq = ?`, seq); err != nil {
			return fmt.Errorf("failed to delete outbox item %d: %w", seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit outbox deletes: %w", err)
	}
	return nil
}

func (s *SQLiteStore) OutboxDepth(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count outbox: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) AddConflict(ctx context.Context, c *Conflict) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conflicts (entity, entity_id, client_op_id, reason, server_version,
			client_version, server_data, client_data, original_intent, resolved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	`, c.Entity, c.EntityID, c.ClientOpID, c.Reason, c.ServerVersion, c.ClientVersion,
		nullableJSON(c.ServerData), nullableJSON(c.ClientData), nullableJSON(c.OriginalIntent),
		c.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to record conflict: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read conflict id: %w", err)
	}
	c.ID = id
	return nil
}

func (s *SQLiteStore) ListConflicts(ctx context.Context) ([]Conflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity, entity_id, client_op_id, reason, server_version, client_version,
			server_data, client_data, original_intent, resolved, created_at, resolved_at
		FROM conflicts
		ORDER BY resolved, created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, *c)
	}
	return conflicts, rows.Err()
}

func (s *SQLiteStore) GetConflict(ctx context.Context, id int64) (*Conflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity, entity_id, client_op_id, reason, server_version, client_version,
			server_data, client_data, original_intent, resolved, created_at, resolved_at
		FROM conflicts WHERE id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict %d: %w", id, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanConflict(rows)
}

func scanConflict(rows *sql.Rows) (*Conflict, error) {
	var c Conflict
	var serverData, clientData, originalIntent, resolvedAt sql.NullString
	var resolved int
	var createdAt string
	if err := rows.Scan(&c.ID, &c.Entity, &c.EntityID, &c.ClientOpID, &c.Reason,
		&c.ServerVersion, &c.ClientVersion, &serverData, &clientData, &originalIntent,
		&resolved, &createdAt, &resolvedAt); err != nil {
		return nil, fmt.Errorf("failed to scan conflict: %w", err)
	}
	if serverData.Valid {
		c.ServerData = []byte(serverData.String)
	}
	if clientData.Valid {
		c.ClientData = []byte(clientData.String)
	}
	if originalIntent.Valid {
		c.OriginalIntent = []byte(originalIntent.String)
	}
	c.Resolved = resolved != 0
	c.CreatedAt = parseTime(createdAt)
	if resolvedAt.Valid {
		t := parseTime(resolvedAt.String)
		c.ResolvedAt = &t
	}
	return &c, nil
}

func (s *SQLiteStore) ResolveConflict(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conflicts SET resolved = 1, resolved_at = ? WHERE id = ?
	`, at.UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict %d: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteResolvedConflicts(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conflicts WHERE resolved = 1`); err != nil {
		return fmt.Errorf("failed to clear resolved conflicts: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteAllConflicts(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conflicts`); err != nil {
		return fmt.Errorf("failed to purge conflicts: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get meta %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set meta %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteMeta(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM meta WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete meta %s: %w", key, err)
	}
	return nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Older rows may carry second precision.
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}
