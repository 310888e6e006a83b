package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"vibekanban-remote/internal/models"
)

// ErrNotFound signals a task lookup miss.
var ErrNotFound = errors.New("api: task not found")

// ErrVersionMismatch signals an If-Match precondition failure.
var ErrVersionMismatch = errors.New("api: version mismatch")

// taskRepo wraps shared_tasks access, generalizing the teacher's direct
// inline SQL in handlers.go into named, reusable queries.
type taskRepo struct {
	db *sql.DB
}

func newTaskRepo(db *sql.DB) *taskRepo {
	return &taskRepo{db: db}
}

func scanTask(row interface{ Scan(...any) error }) (models.SharedTask, error) {
	var t models.SharedTask
	var description sql.NullString
	var assignee sql.NullString
	var deletedAt sql.NullTime

	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &description, &t.Status,
		&assignee, &t.Version, &t.CreatedAt, &t.UpdatedAt, &deletedAt)
	if err != nil {
		return models.SharedTask{}, err
	}
	t.Description = description.String
	if assignee.Valid {
		id, err := uuid.Parse(assignee.String)
		if err == nil {
			t.AssigneeUserID = &id
		}
	}
	if deletedAt.Valid {
		d := deletedAt.Time
		t.DeletedAt = &d
	}
	return t, nil
}

const taskColumns = `id, project_id, title, description, status, assignee_user_id, version, created_at, updated_at, deleted_at`

func (r *taskRepo) getForUpdate(ctx context.Context, tx *sql.Tx, taskID uuid.UUID) (models.SharedTask, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM shared_tasks WHERE id = $1 FOR UPDATE`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SharedTask{}, ErrNotFound
	}
	if err != nil {
		return models.SharedTask{}, fmt.Errorf("api: load task for update: %w", err)
	}
	return t, nil
}

func (r *taskRepo) create(ctx context.Context, tx *sql.Tx, projectID uuid.UUID, title, description string) (models.SharedTask, error) {
	row := tx.QueryRowContext(ctx, `
		INSERT INTO shared_tasks (id, project_id, title, description, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'todo', 1, now(), now())
		RETURNING `+taskColumns,
		uuid.New(), projectID, title, description)
	t, err := scanTask(row)
	if err != nil {
		return models.SharedTask{}, fmt.Errorf("api: insert task: %w", err)
	}
	return t, nil
}

func (r *taskRepo) update(ctx context.Context, tx *sql.Tx, task models.SharedTask) (models.SharedTask, error) {
	row := tx.QueryRowContext(ctx, `
		UPDATE shared_tasks
		SET title = $1, description = $2, status = $3, assignee_user_id = $4,
		    version = version + 1, updated_at = now()
		WHERE id = $5
		RETURNING `+taskColumns,
		task.Title, task.Description, task.Status, nullableUUID(task.AssigneeUserID), task.ID)
	t, err := scanTask(row)
	if err != nil {
		return models.SharedTask{}, fmt.Errorf("api: update task: %w", err)
	}
	return t, nil
}

func (r *taskRepo) softDelete(ctx context.Context, tx *sql.Tx, taskID uuid.UUID) (models.SharedTask, error) {
	row := tx.QueryRowContext(ctx, `
		UPDATE shared_tasks SET deleted_at = now(), version = version + 1, updated_at = now()
		WHERE id = $1
		RETURNING `+taskColumns, taskID)
	t, err := scanTask(row)
	if err != nil {
		return models.SharedTask{}, fmt.Errorf("api: soft-delete task: %w", err)
	}
	return t, nil
}

func (r *taskRepo) bulkSnapshot(ctx context.Context, projectID uuid.UUID) (tasks []models.SharedTask, deletedIDs []uuid.UUID, err error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM shared_tasks WHERE project_id = $1 AND deleted_at IS NULL`, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("api: bulk snapshot active tasks: %w", err)
	}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("api: scan bulk task: %w", err)
		}
		tasks = append(tasks, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	delRows, err := r.db.QueryContext(ctx, `SELECT id FROM shared_tasks WHERE project_id = $1 AND deleted_at IS NOT NULL`, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("api: bulk snapshot deleted tasks: %w", err)
	}
	defer delRows.Close()
	for delRows.Next() {
		var id uuid.UUID
		if err := delRows.Scan(&id); err != nil {
			return nil, nil, fmt.Errorf("api: scan deleted task id: %w", err)
		}
		deletedIDs = append(deletedIDs, id)
	}
	return tasks, deletedIDs, delRows.Err()
}

func nullableUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return *id
}
