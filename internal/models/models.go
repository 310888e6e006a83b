// Package models holds the shared record types for the activity
// distribution core: activity events, shared tasks, auth sessions and
// client-side cursors. Types here are plain structs with json tags, the
// same shape the teacher uses for its Board/Column/Task records.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskStatus enumerates the lifecycle states of a SharedTask.
type TaskStatus string

const (
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in_progress"
	StatusInReview   TaskStatus = "in_review"
	StatusDone       TaskStatus = "done"
	StatusCancelled  TaskStatus = "cancelled"
)

// ActivityEvent is an immutable, per-project sequenced record of a task
// mutation. Seq is strictly increasing and contiguous within a project,
// starting at 1.
type ActivityEvent struct {
	Seq       int64           `json:"seq"`
	EventID   uuid.UUID       `json:"event_id"`
	ProjectID uuid.UUID       `json:"project_id"`
	EventType string          `json:"event_type"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Event type constants for SharedTask activity.
const (
	EventTaskCreated = "task.created"
	EventTaskUpdated = "task.updated"
	EventTaskAssigned = "task.assigned"
	EventTaskDeleted = "task.deleted"
)

// SharedTaskActivityPayload is the payload shape for shared-task events.
type SharedTaskActivityPayload struct {
	Task *SharedTask `json:"task"`
	User *UserRef    `json:"user,omitempty"`
}

// UserRef is a minimal snapshot of the acting user, embedded in payloads so
// watchers don't need to resolve identities themselves.
type UserRef struct {
	ID    uuid.UUID `json:"id"`
	Email string    `json:"email,omitempty"`
}

// SharedTask is the authoritative, versioned task record.
type SharedTask struct {
	ID             uuid.UUID  `json:"id"`
	ProjectID      uuid.UUID  `json:"project_id"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	Status         TaskStatus `json:"status"`
	AssigneeUserID *uuid.UUID `json:"assignee_user_id,omitempty"`
	Version        int64      `json:"version"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// ActivityCursor is a client's durable record of the highest seq it has
// applied for a remote project.
type ActivityCursor struct {
	RemoteProjectID uuid.UUID `json:"remote_project_id"`
	LastSeq         int64     `json:"last_seq"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// AuthSession pairs a user with a currently-valid refresh token.
type AuthSession struct {
	ID              uuid.UUID  `json:"id"`
	UserID          uuid.UUID  `json:"user_id"`
	SessionSecretHash *string  `json:"-"`
	RefreshTokenID  *uuid.UUID `json:"-"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// BulkSnapshot is the response shape for GET /v1/tasks/bulk.
type BulkSnapshot struct {
	Tasks           []SharedTask `json:"tasks"`
	DeletedTaskIDs  []uuid.UUID  `json:"deleted_task_ids"`
	LatestSeq       int64        `json:"latest_seq"`
}
