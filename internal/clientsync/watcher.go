// Package clientsync implements the Client Sync Engine (C7): one logical
// watcher per linked project plus a supervisor that reconciles watchers
// against linked projects every 5 s (spec.md §4.7). It is not present in
// the teacher (a server-only repo); the watch-and-reconcile shape is
// grounded on zkoranges-go-claw's internal/skills.Watcher (a long-running
// goroutine with an events channel and cooperative ctx shutdown) and its
// internal/coordinator supervised-task pattern, generalized from filesystem
// events to remote activity events.
package clientsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"vibekanban-remote/internal/clientsync/localdb"
	"vibekanban-remote/internal/models"
)

// bulkThreshold mirrors internal/wsapi.BulkThreshold; the client and server
// must agree on when a gap is too large for incremental catch-up (spec.md
// §4.7 step 4, §8 scenario S3).
const bulkThreshold = 500

const activityPageSize = 100

const tokenResendInterval = 30 * time.Second

// Identity supplies the agent's current user id (for the local-task mirror
// rule) and a way to obtain the current access token, refreshed out of
// band by the caller.
type Identity struct {
	UserID       uuid.UUID
	CurrentToken func() string
}

// watcher is the per-project sync loop.
type watcher struct {
	projectID uuid.UUID
	baseURL   string
	wsURL     string
	identity  Identity
	db        *localdb.DB
	guard     *publishGuard
	logger    *slog.Logger

	remote *remoteClient

	localIDSeq func() uuid.UUID

	// lastAppliedSeq is updated by applyEvent and read by connectAndStream
	// immediately after a streamOnce call that reported gotEvent, to decide
	// where a redial should resume from.
	lastAppliedSeq int64
}

func newWatcher(projectID uuid.UUID, baseURL, wsURL string, identity Identity, db *localdb.DB, guard *publishGuard, logger *slog.Logger) *watcher {
	return &watcher{
		projectID:  projectID,
		baseURL:    baseURL,
		wsURL:      wsURL,
		identity:   identity,
		db:         db,
		guard:      guard,
		logger:     logger,
		remote:     newRemoteClient(baseURL, identity.CurrentToken),
		localIDSeq: uuid.New,
	}
}

// run is the watcher's whole lifetime: steps 2-6 of spec.md §4.7, looping
// until ctx is cancelled by the supervisor (unlink).
func (w *watcher) run(ctx context.Context) {
	for ctx.Err() == nil {
		cursor, err := w.db.LoadCursor(w.projectID.String())
		if err != nil {
			w.logger.Error("clientsync: load cursor failed", "project_id", w.projectID, "error", err)
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}

		if cursor.Seq == nil {
			if err := w.bulkSync(ctx); err != nil {
				w.logger.Warn("clientsync: bulk sync failed, retrying", "project_id", w.projectID, "error", err)
				if !sleepCtx(ctx, time.Second) {
					return
				}
				continue
			}
			continue
		}

		restart, err := w.activityCatchup(ctx, *cursor.Seq)
		if err != nil {
			w.logger.Warn("clientsync: activity catch-up failed, retrying", "project_id", w.projectID, "error", err)
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}
		if restart {
			continue // clearCursor already ran; next LoadCursor sees nil and falls into bulkSync
		}

		if err := w.connectAndStream(ctx, *cursor.Seq); err != nil {
			w.logger.Warn("clientsync: websocket session ended", "project_id", w.projectID, "error", err)
		}
	}
}

// bulkSync implements spec.md §4.7 step 3.
func (w *watcher) bulkSync(ctx context.Context) error {
	snap, err := w.remote.bulkSnapshot(ctx, w.projectID)
	if err != nil {
		return err
	}

	tasks := make([]localdb.MirrorTask, 0, len(snap.Tasks))
	for _, t := range snap.Tasks {
		tasks = append(tasks, toMirrorTask(t))
	}

	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("clientsync: begin bulk tx: %w", err)
	}
	if err := localdb.ReplaceProjectTasks(tx, w.projectID, tasks, snap.DeletedTaskIDs); err != nil {
		tx.Rollback()
		return err
	}
	for _, t := range snap.Tasks {
		w.maybeMirrorLocalTask(tx, t)
	}
	if err := localdb.SetCursor(tx, w.projectID.String(), snap.LatestSeq, time.Now()); err != nil {
		tx.Rollback()
		return fmt.Errorf("clientsync: write cursor after bulk sync: %w", err)
	}
	return tx.Commit()
}

// activityCatchup implements spec.md §4.7 step 4, fetching pages of
// `GET /activity` until the cursor is caught up or a gap forces a bulk
// restart. It reports restart=true when the caller must fall back to
// bulkSync (handled by clearing the cursor below).
func (w *watcher) activityCatchup(ctx context.Context, cursor int64) (restart bool, err error) {
	for {
		events, err := w.remote.activity(ctx, w.projectID, cursor, activityPageSize)
		if err != nil {
			return false, err
		}
		if len(events) == 0 {
			return false, nil
		}

		if events[len(events)-1].Seq-cursor > bulkThreshold {
			if err := w.clearCursor(ctx); err != nil {
				return false, err
			}
			return true, nil
		}

		for _, e := range events {
			if err := w.applyEvent(ctx, e); err != nil {
				return false, err
			}
			cursor = e.Seq
		}

		if len(events) < activityPageSize {
			return false, nil
		}
	}
}

func (w *watcher) clearCursor(ctx context.Context) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM shared_activity_cursors WHERE remote_project_id = ?`, w.projectID.String()); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// connectAndStream dials the websocket with exponential backoff (1s..30s,
// reset on any successful event) and streams events into applyEvent until
// the connection drops or terminates, per spec.md §4.7 step 5.
func (w *watcher) connectAndStream(ctx context.Context, cursor int64) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2

	for ctx.Err() == nil {
		gotEvent, err := w.streamOnce(ctx, cursor)
		if gotEvent {
			cursor = w.lastAppliedSeq
			bo.Reset()
		}
		if err == nil {
			return nil // graceful close (e.g. project unlinked mid-stream)
		}
		if ctx.Err() != nil {
			return nil
		}

		next := bo.NextBackOff()
		w.logger.Warn("clientsync: websocket disconnected, backing off", "project_id", w.projectID, "wait", next, "error", err)
		if !sleepCtx(ctx, next) {
			return nil
		}
	}
	return nil
}

func toMirrorTask(t models.SharedTask) localdb.MirrorTask {
	return localdb.MirrorTask{
		ID: t.ID, ProjectID: t.ProjectID, Title: t.Title, Description: t.Description,
		Status: string(t.Status), AssigneeUserID: t.AssigneeUserID, Version: t.Version, UpdatedAt: t.UpdatedAt,
	}
}

// applyEvent implements spec.md §4.7's per-event rules: task.deleted
// removes the mirror row; any other SharedTaskActivityPayload event
// upserts it, mirroring into local_tasks when assigned to the current user
// and not suppressed by an in-flight publish guard. Cursor advances inside
// the same transaction as the apply, per the same section.
func (w *watcher) applyEvent(ctx context.Context, e models.ActivityEvent) error {
	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("clientsync: begin apply tx: %w", err)
	}

	if e.EventType == models.EventTaskDeleted {
		var payload models.SharedTaskActivityPayload
		if err := json.Unmarshal(e.Payload, &payload); err == nil && payload.Task != nil {
			if err := localdb.DeleteTask(tx, payload.Task.ID); err != nil {
				tx.Rollback()
				return err
			}
		}
	} else {
		var payload models.SharedTaskActivityPayload
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			tx.Rollback()
			return fmt.Errorf("clientsync: decode activity payload: %w", err)
		}
		if payload.Task != nil {
			if err := localdb.UpsertTask(tx, toMirrorTask(*payload.Task)); err != nil {
				tx.Rollback()
				return err
			}
			w.maybeMirrorLocalTask(tx, *payload.Task)
		}
	}

	if err := localdb.SetCursor(tx, w.projectID.String(), e.Seq, time.Now()); err != nil {
		tx.Rollback()
		return fmt.Errorf("clientsync: advance cursor: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	w.lastAppliedSeq = e.Seq
	return nil
}

// maybeMirrorLocalTask applies the echo-suppression rule: mirror into
// local_tasks only if assigned to the current user and no publish guard is
// held for it by this client.
func (w *watcher) maybeMirrorLocalTask(tx *sql.Tx, t models.SharedTask) {
	if t.AssigneeUserID == nil || *t.AssigneeUserID != w.identity.UserID {
		return
	}
	if w.guard.Held(t.ID.String()) {
		return
	}
	if err := localdb.UpsertLocalTask(tx, w.localIDSeq(), t.ID, t.Title, string(t.Status), time.Now()); err != nil {
		w.logger.Warn("clientsync: mirror local task failed", "task_id", t.ID, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// streamOnce dials once, sends the 30 s auth-refresh token resend task, and
// relays inbound activity frames to applyEvent until the socket closes.
func (w *watcher) streamOnce(ctx context.Context, cursor int64) (gotEvent bool, err error) {
	q := url.Values{"project_id": {w.projectID.String()}, "cursor": {strconv.FormatInt(cursor, 10)}}
	dialURL := w.wsURL + "/v1/ws?" + q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+w.identity.CurrentToken())

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL, header)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.resendTokenLoop(sessionCtx, conn)
	go func() {
		<-sessionCtx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return gotEvent, nil
			}
			return gotEvent, err
		}

		var frame struct {
			Type      string          `json:"type"`
			Message   string          `json:"message,omitempty"`
			Seq       int64           `json:"seq"`
			EventID   uuid.UUID       `json:"event_id,omitempty"`
			ProjectID uuid.UUID       `json:"project_id,omitempty"`
			EventType string          `json:"event_type,omitempty"`
			CreatedAt time.Time       `json:"created_at,omitempty"`
			Payload   json.RawMessage `json:"payload,omitempty"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "activity":
			e := models.ActivityEvent{
				Seq: frame.Seq, EventID: frame.EventID, ProjectID: frame.ProjectID,
				EventType: frame.EventType, CreatedAt: frame.CreatedAt, Payload: frame.Payload,
			}
			if err := w.applyEvent(ctx, e); err != nil {
				return gotEvent, err
			}
			gotEvent = true
		case "error":
			return gotEvent, fmt.Errorf("server closed session: %s", frame.Message)
		}
	}
}

func (w *watcher) resendTokenLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(tokenResendInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame := map[string]string{"type": "auth_token", "token": w.identity.CurrentToken()}
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
