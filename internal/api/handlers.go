// Package api implements the Publisher API (C8): REST endpoints that
// mutate shared tasks, writing through the Activity Store and fanning out
// via the Broker, generalizing the teacher's handlers.go transaction ->
// broadcast -> respond shape.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"vibekanban-remote/internal/activitystore"
	"vibekanban-remote/internal/apierr"
	"vibekanban-remote/internal/auth"
	"vibekanban-remote/internal/broker"
	"vibekanban-remote/internal/models"
	"vibekanban-remote/internal/projects"
)

// maxPayloadBytes is the 50 KiB title+description limit from spec.md §4.8.
const maxPayloadBytes = 50 * 1024

// Server holds every dependency the Publisher API's handlers need.
type Server struct {
	DB          *sql.DB
	Store       *activitystore.Store
	Maintainer  *activitystore.Maintainer
	Broker      *broker.Broker
	Gate        *auth.Gate
	Tokens      *auth.TokenService
	Access      projects.Access
	Sessions    *PostgresSessionStore
	tasks       *taskRepo
}

// NewServer wires the Publisher API's dependencies together.
func NewServer(db *sql.DB, store *activitystore.Store, maint *activitystore.Maintainer, br *broker.Broker, gate *auth.Gate, tokens *auth.TokenService, access projects.Access, sessions *PostgresSessionStore) *Server {
	return &Server{
		DB: db, Store: store, Maintainer: maint, Broker: br,
		Gate: gate, Tokens: tokens, Access: access, Sessions: sessions,
		tasks: newTaskRepo(db),
	}
}

// insertActivitySavepoint is the SAVEPOINT name insertActivity rolls back to
// before retrying, so a failed first attempt doesn't poison the rest of the
// caller's transaction (e.g. the task row already written by CreateTask).
const insertActivitySavepoint = "insert_activity"

// insertActivity runs Store.Insert and, on ErrNoPartitionForRow, forces
// provisioning once and retries exactly once, per spec.md §4.1. The first
// attempt runs under a SAVEPOINT: Postgres aborts the whole transaction once
// one statement errors (SQLSTATE 25P02), so the retry rolls back to the
// savepoint rather than reusing the now-poisoned transaction state.
func (s *Server) insertActivity(ctx context.Context, tx *sql.Tx, projectID uuid.UUID, eventType string, payload any) (models.ActivityEvent, error) {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+insertActivitySavepoint); err != nil {
		return models.ActivityEvent{}, fmt.Errorf("api: savepoint: %w", err)
	}

	event, err := s.Store.Insert(ctx, tx, projectID, eventType, payload)
	if errors.Is(err, activitystore.ErrNoPartitionForRow) {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+insertActivitySavepoint); rbErr != nil {
			return models.ActivityEvent{}, fmt.Errorf("api: rollback to savepoint: %w", rbErr)
		}
		if mErr := s.Maintainer.EnsureWindow(ctx); mErr != nil {
			return models.ActivityEvent{}, fmt.Errorf("api: force partition provisioning: %w", mErr)
		}
		event, err = s.Store.Insert(ctx, tx, projectID, eventType, payload)
	}
	return event, err
}

// CreateTask handles POST /v1/tasks.
func (s *Server) CreateTask(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserFromContext(r.Context())

	var req struct {
		ProjectID   uuid.UUID `json:"project_id"`
		Title       string    `json:"title"`
		Description string    `json:"description"`
	}
	if err := decodeJSON(r, &req); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.CodeInvalidRequest, "malformed body"))
		return
	}
	if len(req.Title)+len(req.Description) > maxPayloadBytes {
		apierr.WriteJSON(w, apierr.New(apierr.CodePayloadTooLarge, "title+description exceeds 50 KiB"))
		return
	}

	if _, err := s.Access.AssertAccess(r.Context(), userID, req.ProjectID); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.CodeForbidden, "no access to project"))
		return
	}

	task, event, err := s.withTx(r.Context(), func(ctx context.Context, tx *sql.Tx) (models.SharedTask, models.ActivityEvent, error) {
		task, err := s.tasks.create(ctx, tx, req.ProjectID, req.Title, req.Description)
		if err != nil {
			return models.SharedTask{}, models.ActivityEvent{}, err
		}
		event, err := s.insertActivity(ctx, tx, req.ProjectID, models.EventTaskCreated, models.SharedTaskActivityPayload{Task: &task, User: &models.UserRef{ID: userID}})
		return task, event, err
	})
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.CodeInternal, "failed to create task", err))
		return
	}

	s.Broker.Publish(event)
	writeJSON(w, http.StatusCreated, task)
}

// UpdateTask handles PATCH /v1/tasks/{id}.
func (s *Server) UpdateTask(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserFromContext(r.Context())
	taskID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.CodeInvalidRequest, "invalid task id"))
		return
	}

	var req struct {
		Title       *string `json:"title"`
		Description *string `json:"description"`
		Status      *string `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.CodeInvalidRequest, "malformed body"))
		return
	}

	ifMatch := r.Header.Get("If-Match")

	task, event, err := s.withTx(r.Context(), func(ctx context.Context, tx *sql.Tx) (models.SharedTask, models.ActivityEvent, error) {
		current, err := s.tasks.getForUpdate(ctx, tx, taskID)
		if err != nil {
			return models.SharedTask{}, models.ActivityEvent{}, err
		}
		if _, accessErr := s.Access.AssertAccess(ctx, userID, current.ProjectID); accessErr != nil {
			return models.SharedTask{}, models.ActivityEvent{}, projects.ErrForbidden
		}
		if current.AssigneeUserID == nil || *current.AssigneeUserID != userID {
			return models.SharedTask{}, models.ActivityEvent{}, errForbiddenNotAssignee
		}
		if ifMatch != "" && ifMatch != strconv.FormatInt(current.Version, 10) {
			return models.SharedTask{}, models.ActivityEvent{}, ErrVersionMismatch
		}

		if req.Title != nil {
			current.Title = *req.Title
		}
		if req.Description != nil {
			current.Description = *req.Description
		}
		if req.Status != nil {
			current.Status = models.TaskStatus(*req.Status)
		}

		if len(current.Title)+len(current.Description) > maxPayloadBytes {
			return models.SharedTask{}, models.ActivityEvent{}, errPayloadTooLarge
		}

		updated, err := s.tasks.update(ctx, tx, current)
		if err != nil {
			return models.SharedTask{}, models.ActivityEvent{}, err
		}
		event, err := s.insertActivity(ctx, tx, updated.ProjectID, models.EventTaskUpdated, models.SharedTaskActivityPayload{Task: &updated, User: &models.UserRef{ID: userID}})
		return updated, event, err
	})
	if err != nil {
		writeTaskError(w, err)
		return
	}

	s.Broker.Publish(event)
	writeJSON(w, http.StatusOK, task)
}

// AssignTask handles POST /v1/tasks/{id}/assign.
func (s *Server) AssignTask(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserFromContext(r.Context())
	taskID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.CodeInvalidRequest, "invalid task id"))
		return
	}
	var req struct {
		AssigneeUserID uuid.UUID `json:"assignee_user_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.CodeInvalidRequest, "malformed body"))
		return
	}

	task, event, err := s.withTx(r.Context(), func(ctx context.Context, tx *sql.Tx) (models.SharedTask, models.ActivityEvent, error) {
		current, err := s.tasks.getForUpdate(ctx, tx, taskID)
		if err != nil {
			return models.SharedTask{}, models.ActivityEvent{}, err
		}
		if _, accessErr := s.Access.AssertAccess(ctx, userID, current.ProjectID); accessErr != nil {
			return models.SharedTask{}, models.ActivityEvent{}, projects.ErrForbidden
		}
		current.AssigneeUserID = &req.AssigneeUserID
		updated, err := s.tasks.update(ctx, tx, current)
		if err != nil {
			return models.SharedTask{}, models.ActivityEvent{}, err
		}
		event, err := s.insertActivity(ctx, tx, updated.ProjectID, models.EventTaskAssigned, models.SharedTaskActivityPayload{Task: &updated, User: &models.UserRef{ID: userID}})
		return updated, event, err
	})
	if err != nil {
		writeTaskError(w, err)
		return
	}

	s.Broker.Publish(event)
	writeJSON(w, http.StatusOK, task)
}

// DeleteTask handles DELETE /v1/tasks/{id}.
func (s *Server) DeleteTask(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserFromContext(r.Context())
	taskID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.CodeInvalidRequest, "invalid task id"))
		return
	}

	task, event, err := s.withTx(r.Context(), func(ctx context.Context, tx *sql.Tx) (models.SharedTask, models.ActivityEvent, error) {
		current, err := s.tasks.getForUpdate(ctx, tx, taskID)
		if err != nil {
			return models.SharedTask{}, models.ActivityEvent{}, err
		}
		if _, accessErr := s.Access.AssertAccess(ctx, userID, current.ProjectID); accessErr != nil {
			return models.SharedTask{}, models.ActivityEvent{}, projects.ErrForbidden
		}
		deleted, err := s.tasks.softDelete(ctx, tx, taskID)
		if err != nil {
			return models.SharedTask{}, models.ActivityEvent{}, err
		}
		event, err := s.insertActivity(ctx, tx, deleted.ProjectID, models.EventTaskDeleted, models.SharedTaskActivityPayload{Task: &deleted, User: &models.UserRef{ID: userID}})
		return deleted, event, err
	})
	if err != nil {
		writeTaskError(w, err)
		return
	}

	s.Broker.Publish(event)
	w.WriteHeader(http.StatusNoContent)
}

// BulkSnapshot handles GET /v1/tasks/bulk?project_id=….
func (s *Server) BulkSnapshot(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserFromContext(r.Context())
	projectID, err := uuid.Parse(r.URL.Query().Get("project_id"))
	if err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.CodeInvalidRequest, "invalid project_id"))
		return
	}
	if _, err := s.Access.AssertAccess(r.Context(), userID, projectID); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.CodeForbidden, "no access to project"))
		return
	}

	tasks, deletedIDs, err := s.tasks.bulkSnapshot(r.Context(), projectID)
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.CodeInternal, "bulk snapshot failed", err))
		return
	}
	latestSeq, err := s.Store.LatestSeq(r.Context(), projectID)
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.CodeInternal, "latest seq lookup failed", err))
		return
	}

	if tasks == nil {
		tasks = []models.SharedTask{}
	}
	if deletedIDs == nil {
		deletedIDs = []uuid.UUID{}
	}
	writeJSON(w, http.StatusOK, models.BulkSnapshot{Tasks: tasks, DeletedTaskIDs: deletedIDs, LatestSeq: latestSeq})
}

// ActivityFeed handles GET /v1/activity?project_id=…&after=…&limit=….
func (s *Server) ActivityFeed(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserFromContext(r.Context())
	projectID, err := uuid.Parse(r.URL.Query().Get("project_id"))
	if err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.CodeInvalidRequest, "invalid project_id"))
		return
	}
	if _, err := s.Access.AssertAccess(r.Context(), userID, projectID); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.CodeForbidden, "no access to project"))
		return
	}

	var after *int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			apierr.WriteJSON(w, apierr.New(apierr.CodeInvalidRequest, "invalid after"))
			return
		}
		after = &n
	}

	limit := clampLimit(r.URL.Query().Get("limit"))

	events, err := s.Store.FetchSince(r.Context(), projectID, after, limit)
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.CodeInternal, "activity fetch failed", err))
		return
	}
	if events == nil {
		events = []models.ActivityEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": events})
}

// clampLimit implements spec.md's boundary rule: limit=0 clamps to 1,
// limit > 500 clamps to 500, default (absent) is 200.
func clampLimit(raw string) int {
	const (
		defaultLimit = 200
		maxLimit     = 500
	)
	if raw == "" {
		return defaultLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return defaultLimit
	}
	if n < 1 {
		return 1
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}

var errForbiddenNotAssignee = errors.New("api: only the assignee may modify this task")
var errPayloadTooLarge = errors.New("api: title+description exceeds 50 KiB")

func writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		apierr.WriteJSON(w, apierr.New(apierr.CodeNotFound, "task not found"))
	case errors.Is(err, ErrVersionMismatch):
		apierr.WriteJSON(w, apierr.New(apierr.CodeConflict, "version mismatch"))
	case errors.Is(err, projects.ErrForbidden):
		apierr.WriteJSON(w, apierr.New(apierr.CodeForbidden, "no access to project"))
	case errors.Is(err, errForbiddenNotAssignee):
		apierr.WriteJSON(w, apierr.New(apierr.CodeForbidden, "only the assignee may modify this task"))
	case errors.Is(err, errPayloadTooLarge):
		apierr.WriteJSON(w, apierr.New(apierr.CodePayloadTooLarge, "title+description exceeds 50 KiB"))
	default:
		apierr.WriteJSON(w, apierr.Wrap(apierr.CodeInternal, "request failed", err))
	}
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error (including a non-nil error from fn itself), matching
// the teacher's "insert then broadcast" shape but with explicit rollback
// instead of the teacher's unchecked Exec calls.
func (s *Server) withTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) (models.SharedTask, models.ActivityEvent, error)) (models.SharedTask, models.ActivityEvent, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return models.SharedTask{}, models.ActivityEvent{}, fmt.Errorf("api: begin tx: %w", err)
	}

	task, event, err := fn(ctx, tx)
	if err != nil {
		_ = tx.Rollback()
		return models.SharedTask{}, models.ActivityEvent{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.SharedTask{}, models.ActivityEvent{}, fmt.Errorf("api: commit tx: %w", err)
	}
	return task, event, nil
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
