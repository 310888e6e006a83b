package clientsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibekanban-remote/internal/clientsync/localdb"
	"vibekanban-remote/internal/models"
)

// fakeLinkedProjects is a mutable, concurrency-safe LinkedProjects the test
// can reconfigure between reconcile() calls.
type fakeLinkedProjects struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (f *fakeLinkedProjects) set(ids []uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = ids
}

func (f *fakeLinkedProjects) LinkedProjectIDs(ctx context.Context) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uuid.UUID, len(f.ids))
	copy(out, f.ids)
	return out, nil
}

func newTestSupervisor(t *testing.T) (*Supervisor, *fakeLinkedProjects) {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(models.BulkSnapshot{}))
	}))
	t.Cleanup(server.Close)

	db, err := localdb.Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	linked := &fakeLinkedProjects{}
	identity := Identity{UserID: uuid.New(), CurrentToken: func() string { return "tok" }}
	// An unreachable websocket origin: connectAndStream will fail fast and
	// back off, which is exactly the cooperative-shutdown path this test
	// exercises — it never needs a real stream to complete.
	sup := NewSupervisor(server.URL, "ws://127.0.0.1:1", identity, db, linked, nil)
	return sup, linked
}

func (s *Supervisor) runningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func TestSupervisorReconcileStartsWatcherForLinkedProject(t *testing.T) {
	sup, linked := newTestSupervisor(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	projectID := uuid.New()
	linked.set([]uuid.UUID{projectID})
	sup.reconcile(ctx)

	assert.Equal(t, 1, sup.runningCount())
}

func TestSupervisorReconcileStopsUnlinkedWatcher(t *testing.T) {
	sup, linked := newTestSupervisor(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	projectID := uuid.New()
	linked.set([]uuid.UUID{projectID})
	sup.reconcile(ctx)
	require.Equal(t, 1, sup.runningCount())

	linked.set(nil)
	sup.reconcile(ctx)

	assert.Equal(t, 0, sup.runningCount())
}

func TestSupervisorRunStopsAllWatchersOnCancel(t *testing.T) {
	sup, linked := newTestSupervisor(t)
	linked.set([]uuid.UUID{uuid.New(), uuid.New()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	// Give reconcile a moment to start the watchers, then cancel and expect
	// a prompt, cooperative shutdown (bounded well under the 1s backoff).
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Supervisor.Run did not return after context cancellation")
	}
	assert.Equal(t, 0, sup.runningCount())
}

func TestSupervisorPublishGuardIsShared(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	release := sup.PublishGuard().Acquire("task-1")
	defer release()
	assert.True(t, sup.PublishGuard().Held("task-1"))
}
