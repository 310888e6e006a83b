// Package wsapi implements the WS Session (C6): the per-client websocket
// loop described in spec.md §4.6 — OPEN, REPLAY, LIVE, CATCHUP and
// TERMINATE — generalizing the teacher's Client/Hub pair (hub.go,
// handleWebSocket in handlers.go) from a single always-broadcast hub into
// a per-session subscription against the sharded Broker, with explicit
// gap/lag catch-up and mid-stream auth refresh.
package wsapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"vibekanban-remote/internal/activitystore"
	"vibekanban-remote/internal/auth"
	"vibekanban-remote/internal/broker"
	"vibekanban-remote/internal/models"
	"vibekanban-remote/internal/projects"
)

// BulkThreshold is the backlog size beyond which a WS session gives up on
// event catch-up and tells the client to bulk-sync (spec.md §4.6).
const BulkThreshold = 500

// authRefreshInterval is how often LIVE checks for a buffered auth token.
const authRefreshInterval = 30 * time.Second

const defaultReplayLimit = 200

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server holds the dependencies every WS Session needs.
type Server struct {
	Store  *activitystore.Store
	Broker *broker.Broker
	Gate   *auth.Gate
	Access projects.Access
	Logger *slog.Logger

	CatchupBatchSize int
}

// NewServer builds a wsapi.Server. catchupBatchSize defaults to 100 if <= 0.
func NewServer(store *activitystore.Store, br *broker.Broker, gate *auth.Gate, access projects.Access, logger *slog.Logger, catchupBatchSize int) *Server {
	if catchupBatchSize <= 0 {
		catchupBatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{Store: store, Broker: br, Gate: gate, Access: access, Logger: logger, CatchupBatchSize: catchupBatchSize}
}

// clientFrame is the tagged union of inbound client->server text frames.
type clientFrame struct {
	Type  string `json:"type"`
	Seq   int64  `json:"seq,omitempty"`
	Token string `json:"token,omitempty"`
}

// serverFrame is the tagged union of outbound server->client text frames.
type serverFrame struct {
	Type      string    `json:"type"`
	Message   string    `json:"message,omitempty"`
	Seq       int64     `json:"seq,omitempty"`
	EventID   uuid.UUID `json:"event_id,omitempty"`
	ProjectID uuid.UUID `json:"project_id,omitempty"`
	EventType string    `json:"event_type,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func activityFrame(e models.ActivityEvent) serverFrame {
	return serverFrame{
		Type: "activity", Seq: e.Seq, EventID: e.EventID, ProjectID: e.ProjectID,
		EventType: e.EventType, CreatedAt: e.CreatedAt, Payload: e.Payload,
	}
}

func errorFrame(message string) serverFrame {
	return serverFrame{Type: "error", Message: message}
}

// ServeHTTP handles GET /v1/ws?project_id=…&cursor=…. OPEN: authenticate,
// assert project access, then upgrade; anything that fails here closes
// without upgrading, per spec.md §4.6.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	projectID, err := uuid.Parse(r.URL.Query().Get("project_id"))
	if err != nil {
		http.Error(w, "invalid project_id", http.StatusBadRequest)
		return
	}

	var cursor *int64
	if v := r.URL.Query().Get("cursor"); v != "" {
		n, err := parseSeq(v)
		if err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		cursor = &n
	}

	identity, err := s.Gate.AuthenticateForStream(ctx, r.Header.Get("Authorization"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if _, err := s.Access.AssertAccess(ctx, identity.UserID, projectID); err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Error("ws upgrade failed", "error", err)
		return
	}

	sess := &session{
		server:    s,
		conn:      conn,
		projectID: projectID,
		userID:    identity.UserID,
	}
	sess.run(ctx, cursor)
}

func parseSeq(v string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(v, "%d", &n)
	return n, err
}

// session is one connection's state machine run.
type session struct {
	server    *Server
	conn      *websocket.Conn
	projectID uuid.UUID
	userID    uuid.UUID

	lastSent int64

	inbound      chan clientFrame
	readerDone   chan struct{}
	pendingToken string
}

// run drives OPEN (already done by ServeHTTP) -> REPLAY -> LIVE state
// machine to completion, always closing the connection on the way out.
func (sess *session) run(ctx context.Context, cursor *int64) {
	defer sess.conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub := sess.server.Broker.Subscribe(sess.projectID)
	defer sub.Close()

	sess.inbound = make(chan clientFrame, 16)
	sess.readerDone = make(chan struct{})
	go sess.readLoop()

	if err := sess.replay(ctx, cursor); err != nil {
		sess.terminate(err.Error())
		return
	}

	sess.live(ctx, sub)
}

// replay subscribes first (done by caller before this), then fetches the
// backlog from the Store and sends it in order, recording last_sent.
// Subscribing before fetching guarantees no live event is missed between
// replay and live; overlap is deduped against last_sent in live().
func (sess *session) replay(ctx context.Context, cursor *int64) error {
	events, err := sess.server.Store.FetchSince(ctx, sess.projectID, cursor, defaultReplayLimit)
	if err != nil {
		return fmt.Errorf("replay fetch failed: %w", err)
	}
	for _, e := range events {
		if err := sess.send(activityFrame(e)); err != nil {
			return err
		}
		sess.lastSent = e.Seq
	}
	if cursor != nil && sess.lastSent < *cursor {
		sess.lastSent = *cursor
	}
	return nil
}

// live implements the LIVE state: select over broker events, inbound
// client frames, and the periodic auth-refresh tick.
func (sess *session) live(ctx context.Context, sub *broker.Subscription) {
	ticker := time.NewTicker(authRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-sess.readerDone:
			return

		case msg, ok := <-sub.C():
			if !ok {
				sess.terminate("activity backlog dropped")
				return
			}
			if cont := sess.handleBrokerMessage(ctx, sub, msg); !cont {
				return
			}

		case frame, ok := <-sess.inbound:
			if !ok {
				return
			}
			sess.handleInbound(frame)

		case <-ticker.C:
			if sess.pendingToken == "" {
				continue
			}
			token := sess.pendingToken
			sess.pendingToken = ""
			if !sess.refreshAuth(ctx, token) {
				return
			}
		}
	}
}

// handleBrokerMessage applies the LIVE broker-event rules of spec.md §4.6
// and returns false if the session should terminate.
func (sess *session) handleBrokerMessage(ctx context.Context, sub *broker.Subscription, msg broker.Message) bool {
	if msg.Kind == broker.KindLagged {
		if sess.lastSent == 0 {
			sess.terminate("activity backlog dropped")
			return false
		}
		return sess.catchup(ctx, sub, nil)
	}

	e := msg.Event
	if e.ProjectID != sess.projectID {
		// Broker guarantees per-shard filtering by project; this would be
		// an assertion-level bug elsewhere in the system. Drop defensively.
		return true
	}

	switch {
	case e.Seq <= sess.lastSent:
		return true // duplicate from race with replay
	case e.Seq == sess.lastSent+1:
		if err := sess.send(activityFrame(e)); err != nil {
			return false
		}
		sess.lastSent = e.Seq
		return true
	default: // e.Seq > sess.lastSent+1: gap
		return sess.catchup(ctx, sub, &e)
	}
}

// catchup implements the CATCHUP sub-mode. If firstLive is non-nil it is
// the live event that revealed the gap (used to establish target_seq
// without an extra broker read); otherwise (the Lagged path) target_seq is
// established by draining one more live event first.
func (sess *session) catchup(ctx context.Context, sub *broker.Subscription, firstLive *models.ActivityEvent) bool {
	var targetSeq int64
	if firstLive != nil {
		targetSeq = firstLive.Seq
	} else {
		select {
		case msg := <-sub.C():
			if msg.Kind == broker.KindEvent {
				targetSeq = msg.Event.Seq
			} else {
				// Still lagged; fall back to the store's latest seq.
				latest, err := sess.server.Store.LatestSeq(ctx, sess.projectID)
				if err != nil {
					sess.terminate("activity backlog dropped")
					return false
				}
				targetSeq = latest
			}
		case <-ctx.Done():
			return false
		}
	}

	if targetSeq-sess.lastSent > BulkThreshold {
		sess.terminate("activity backlog dropped")
		return false
	}

	cursor := sess.lastSent
	for sess.lastSent < targetSeq {
		after := cursor
		events, err := sess.server.Store.FetchSince(ctx, sess.projectID, &after, sess.server.CatchupBatchSize)
		if err != nil {
			sess.terminate("activity backlog dropped")
			return false
		}
		if len(events) == 0 {
			sess.terminate("activity backlog dropped")
			return false
		}
		for _, e := range events {
			if e.Seq <= sess.lastSent {
				continue
			}
			if err := sess.send(activityFrame(e)); err != nil {
				return false
			}
			sess.lastSent = e.Seq
			cursor = e.Seq
		}
	}
	return true
}

// handleInbound applies the inbound-frame rules: Ack is ignored (reserved
// for future use), AuthToken is buffered for the next auth tick.
func (sess *session) handleInbound(frame clientFrame) {
	switch frame.Type {
	case "ack":
		// reserved for future use
	case "auth_token":
		sess.pendingToken = frame.Token
	}
}

// refreshAuth decodes the buffered token with websocket grace, re-verifies
// the session is not revoked, and re-checks project membership. Any
// failure closes the socket with the matching reason.
func (sess *session) refreshAuth(ctx context.Context, token string) bool {
	identity, err := sess.server.Gate.AuthenticateForStream(ctx, "Bearer "+token)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrSessionRevoked):
			sess.terminate("authorization revoked")
		case errors.Is(err, auth.ErrTokenExpired):
			sess.terminate("authorization expired")
		default:
			sess.terminate("authorization error")
		}
		return false
	}
	if identity.UserID != sess.userID {
		sess.terminate("authorization error")
		return false
	}
	if _, err := sess.server.Access.AssertAccess(ctx, identity.UserID, sess.projectID); err != nil {
		sess.terminate("project access revoked")
		return false
	}
	return true
}

// readLoop reads inbound frames off the socket until it errors or the peer
// closes, mirroring the teacher's handleWebSocket reader goroutine.
func (sess *session) readLoop() {
	defer close(sess.readerDone)
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		select {
		case sess.inbound <- frame:
		default:
		}
	}
}

func (sess *session) send(frame serverFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return sess.conn.WriteMessage(websocket.TextMessage, data)
}

func (sess *session) terminate(reason string) {
	_ = sess.send(errorFrame(reason))
	_ = sess.conn.Close()
}
