// Package activitystore implements the Activity Store (C1) and Sequence
// Allocator (C2): a partitioned, append-only activity log keyed by
// (project_id, seq), plus the per-project monotonic sequence used to
// allocate that seq inside the caller's transaction.
//
// Query shapes here generalize the teacher's database.go: plain
// parameterized SQL over *sql.DB/*sql.Tx, scanned by hand into structs.
package activitystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"vibekanban-remote/internal/models"
)

// ErrNoPartitionForRow is returned when an insert lands on a created_at
// for which no daily partition has been provisioned yet. Callers retry
// once after forcing provisioning (see Maintainer.EnsureWindow).
var ErrNoPartitionForRow = errors.New("activitystore: no partition for row")

// pqNoPartitionMessage is the substring of Postgres's "no partition of
// relation ... found for row" error. isNoPartitionError matches on this
// message text, case-insensitively, rather than on a SQLSTATE, so it does
// not depend on the driver's error type.
const pqNoPartitionMessage = "no partition of relation"

// Store is the Activity Store. It wraps the shared *sql.DB; every insert
// takes a caller-supplied transaction so the activity row and its task
// mutation commit atomically (spec invariant: exactly one activity event
// per task mutation, same atomic unit).
type Store struct {
	db *sql.DB
}

// New returns a Store backed by db.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert allocates the next seq for projectID and inserts the activity row,
// all within tx. It returns the fully-populated ActivityEvent including the
// allocated seq and a fresh event id, or ErrNoPartitionForRow if the
// destination partition does not yet exist.
func (s *Store) Insert(ctx context.Context, tx *sql.Tx, projectID uuid.UUID, eventType string, payload any) (models.ActivityEvent, error) {
	seq, err := allocateSeq(ctx, tx, projectID)
	if err != nil {
		return models.ActivityEvent{}, fmt.Errorf("activitystore: allocate seq: %w", err)
	}

	var raw json.RawMessage
	if payload != nil {
		raw, err = json.Marshal(payload)
		if err != nil {
			return models.ActivityEvent{}, fmt.Errorf("activitystore: marshal payload: %w", err)
		}
	}

	event := models.ActivityEvent{
		Seq:       seq,
		EventID:   uuid.New(),
		ProjectID: projectID,
		EventType: eventType,
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO activity (seq, event_id, project_id, event_type, created_at, payload)
		VALUES ($1, $2, $3, $4, now(), $5)
		RETURNING created_at`,
		event.Seq, event.EventID, event.ProjectID, event.EventType, nullableJSON(raw),
	).Scan(&event.CreatedAt)
	if err != nil {
		if isNoPartitionError(err) {
			return models.ActivityEvent{}, ErrNoPartitionForRow
		}
		return models.ActivityEvent{}, fmt.Errorf("activitystore: insert activity row: %w", err)
	}

	event.Payload = raw
	return event, nil
}

func nullableJSON(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return []byte(raw)
}

func isNoPartitionError(err error) bool {
	return err != nil && containsFold(err.Error(), pqNoPartitionMessage)
}

func containsFold(haystack, needle string) bool {
	hl, nl := len(haystack), len(needle)
	if nl == 0 || nl > hl {
		return nl == 0
	}
	for i := 0; i+nl <= hl; i++ {
		if equalFold(haystack[i:i+nl], needle) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// FetchSince returns events with seq > afterSeq (or all events if afterSeq
// is nil) for projectID, ordered by seq ascending, up to limit rows. There
// are no gaps within the returned window; a gap between windows is the
// caller's signal to treat it as a miss and fall back to a wider fetch.
func (s *Store) FetchSince(ctx context.Context, projectID uuid.UUID, afterSeq *int64, limit int) ([]models.ActivityEvent, error) {
	after := int64(0)
	if afterSeq != nil {
		after = *afterSeq
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, event_id, project_id, event_type, created_at, payload
		FROM activity
		WHERE project_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3`,
		projectID, after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("activitystore: fetch_since query: %w", err)
	}
	defer rows.Close()

	var events []models.ActivityEvent
	for rows.Next() {
		var e models.ActivityEvent
		var payload []byte
		if err := rows.Scan(&e.Seq, &e.EventID, &e.ProjectID, &e.EventType, &e.CreatedAt, &payload); err != nil {
			return nil, fmt.Errorf("activitystore: scan activity row: %w", err)
		}
		if payload != nil {
			e.Payload = json.RawMessage(payload)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LatestSeq returns the highest seq committed for projectID, or 0 if none.
func (s *Store) LatestSeq(ctx context.Context, projectID uuid.UUID) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM activity WHERE project_id = $1`, projectID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("activitystore: latest seq query: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// allocateSeq implements the Sequence Allocator (C2): an upsert against
// activity_seq_counters inside the caller's transaction. Postgres's row
// lock on the conflicting key serializes concurrent allocators for the
// same project, which is the only observable guarantee the spec requires.
func allocateSeq(ctx context.Context, tx *sql.Tx, projectID uuid.UUID) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO activity_seq_counters (project_id, last_seq)
		VALUES ($1, 1)
		ON CONFLICT (project_id)
		DO UPDATE SET last_seq = activity_seq_counters.last_seq + 1
		RETURNING last_seq`,
		projectID,
	).Scan(&seq)
	return seq, err
}
