package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// touchCoalescer asynchronously updates auth_sessions.last_used_at at day
// granularity, idempotent within a day to avoid write amplification (spec
// §4.5 step 6). It is a single background goroutine draining a bounded,
// drop-on-full channel, the same bounded-channel-with-drop shape
// zkoranges-go-claw's internal/bus uses for decoupling a fast producer from
// a slower consumer without ever blocking the request path.
type touchCoalescer struct {
	store SessionStore
	ch    chan touchRequest
}

type touchRequest struct {
	sessionID uuid.UUID
	day       time.Time
}

func newTouchCoalescer(store SessionStore) *touchCoalescer {
	c := &touchCoalescer{store: store, ch: make(chan touchRequest, 256)}
	go c.run()
	return c
}

// touch enqueues a best-effort last_used_at update; it never blocks the
// caller (the HTTP handler that just finished serving the request).
func (c *touchCoalescer) touch(sessionID uuid.UUID) {
	day := time.Now().UTC().Truncate(24 * time.Hour)
	select {
	case c.ch <- touchRequest{sessionID: sessionID, day: day}:
	default:
		slog.Warn("session touch queue full, dropping touch", "session_id", sessionID)
	}
}

func (c *touchCoalescer) run() {
	for req := range c.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.store.Touch(ctx, req.sessionID, req.day); err != nil {
			slog.Error("session touch failed", "session_id", req.sessionID, "error", err)
		}
		cancel()
	}
}
