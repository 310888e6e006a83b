// Package localdb is the agent-side local store for the Client Sync Engine
// (C7): a sqlite mirror of shared tasks, the per-project sync cursor, and
// the minimal local-task stand-in described in SPEC_FULL.md §3 ("Client-local
// (sqlite, internal/clientsync/localdb)"). Grounded on zkoranges-go-claw's
// go.mod choice of mattn/go-sqlite3 for its own CLI-local state.
package localdb

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS shared_tasks_mirror (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	assignee_user_id TEXT,
	version INTEGER NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS shared_activity_cursors (
	remote_project_id TEXT PRIMARY KEY,
	last_seq INTEGER NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS local_tasks (
	id TEXT PRIMARY KEY,
	shared_task_id TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL,
	status TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// DB wraps the agent's sqlite connection.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if needed) the sqlite file at path and applies schema.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("localdb: open: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("localdb: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

func (d *DB) Close() error { return d.conn.Close() }

// Cursor is the persisted per-project sync position. A nil Seq means the
// project has never been bulk-synced, per spec.md §4.7 step 2/3.
type Cursor struct {
	ProjectID string
	Seq       *int64
}

// LoadCursor reads the persisted cursor for projectID, returning a Cursor
// with a nil Seq if no row exists yet.
func (d *DB) LoadCursor(projectID string) (Cursor, error) {
	var seq int64
	err := d.conn.QueryRow(`SELECT last_seq FROM shared_activity_cursors WHERE remote_project_id = ?`, projectID).Scan(&seq)
	if err == sql.ErrNoRows {
		return Cursor{ProjectID: projectID}, nil
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("localdb: load cursor: %w", err)
	}
	return Cursor{ProjectID: projectID, Seq: &seq}, nil
}

// SetCursor upserts the cursor within tx, so callers can advance it in the
// same transaction as the event/bulk apply it accompanies (spec.md §4.7
// steps 3/4/§ apply-event rules: "set cursor = event.seq inside the same
// transaction").
func SetCursor(tx *sql.Tx, projectID string, seq int64, now time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO shared_activity_cursors (remote_project_id, last_seq, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (remote_project_id) DO UPDATE SET last_seq = excluded.last_seq, updated_at = excluded.updated_at`,
		projectID, seq, now.Format(time.RFC3339Nano))
	return err
}

// Begin starts a transaction for callers applying an event or bulk sync.
func (d *DB) Begin() (*sql.Tx, error) { return d.conn.Begin() }

// MirrorTask is the local shape of a remote shared task.
type MirrorTask struct {
	ID             uuid.UUID
	ProjectID      uuid.UUID
	Title          string
	Description    string
	Status         string
	AssigneeUserID *uuid.UUID
	Version        int64
	UpdatedAt      time.Time
}

// UpsertTask applies an upsert within tx (used both by bulk sync and by
// per-event application).
func UpsertTask(tx *sql.Tx, t MirrorTask) error {
	var assignee any
	if t.AssigneeUserID != nil {
		assignee = t.AssigneeUserID.String()
	}
	_, err := tx.Exec(`
		INSERT INTO shared_tasks_mirror (id, project_id, title, description, status, assignee_user_id, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title, description = excluded.description, status = excluded.status,
			assignee_user_id = excluded.assignee_user_id, version = excluded.version, updated_at = excluded.updated_at
		WHERE excluded.version >= shared_tasks_mirror.version`,
		t.ID.String(), t.ProjectID.String(), t.Title, t.Description, t.Status, assignee, t.Version, t.UpdatedAt.Format(time.RFC3339Nano))
	return err
}

// DeleteTask removes the mirror row and any local task mirroring it.
func DeleteTask(tx *sql.Tx, taskID uuid.UUID) error {
	if _, err := tx.Exec(`DELETE FROM local_tasks WHERE shared_task_id = ?`, taskID.String()); err != nil {
		return err
	}
	_, err := tx.Exec(`DELETE FROM shared_tasks_mirror WHERE id = ?`, taskID.String())
	return err
}

// ReplaceProjectTasks implements the bulk-sync apply step: upsert every
// task in tasks, delete every task in deletedIDs, then delete every
// remaining mirrored task for projectID that is not in tasks — i.e. remove
// every local row not present in the authoritative set (spec.md §4.7 step 3).
func ReplaceProjectTasks(tx *sql.Tx, projectID uuid.UUID, tasks []MirrorTask, deletedIDs []uuid.UUID) error {
	keep := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if err := UpsertTask(tx, t); err != nil {
			return fmt.Errorf("localdb: bulk upsert task %s: %w", t.ID, err)
		}
		keep[t.ID.String()] = struct{}{}
	}
	for _, id := range deletedIDs {
		if err := DeleteTask(tx, id); err != nil {
			return fmt.Errorf("localdb: bulk delete task %s: %w", id, err)
		}
	}

	rows, err := tx.Query(`SELECT id FROM shared_tasks_mirror WHERE project_id = ?`, projectID.String())
	if err != nil {
		return fmt.Errorf("localdb: list mirrored tasks: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		if _, ok := keep[id]; !ok {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range stale {
		parsed, err := uuid.Parse(id)
		if err != nil {
			continue
		}
		if err := DeleteTask(tx, parsed); err != nil {
			return fmt.Errorf("localdb: prune stale mirror task %s: %w", id, err)
		}
	}
	return nil
}

// UpsertLocalTask creates/updates the local private task mirroring a shared
// task assigned to the current user (spec.md §4.7 event-apply rules).
func UpsertLocalTask(tx *sql.Tx, localID uuid.UUID, sharedTaskID uuid.UUID, title, status string, now time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO local_tasks (id, shared_task_id, title, status, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (shared_task_id) DO UPDATE SET title = excluded.title, status = excluded.status, updated_at = excluded.updated_at`,
		localID.String(), sharedTaskID.String(), title, status, now.Format(time.RFC3339Nano))
	return err
}
