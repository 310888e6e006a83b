package clientsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"vibekanban-remote/internal/clientsync/localdb"
)

// reconcileInterval is the 5 s supervisor reconciliation period from
// spec.md §4.7.
const reconcileInterval = 5 * time.Second

// LinkedProjects is implemented by the agent's own project-linking store;
// the Supervisor only needs the current set of linked project ids.
type LinkedProjects interface {
	LinkedProjectIDs(ctx context.Context) ([]uuid.UUID, error)
}

// Supervisor reconciles the set of running watchers against the set of
// linked projects every reconcileInterval, generalizing zkoranges-go-claw's
// internal/coordinator supervised-task shutdown discipline (signal via
// context, then await) from agent task execution to long-lived sync
// watchers.
type Supervisor struct {
	baseURL  string
	wsURL    string
	identity Identity
	db       *localdb.DB
	linked   LinkedProjects
	logger   *slog.Logger

	guard *publishGuard

	mu       sync.Mutex
	running  map[uuid.UUID]context.CancelFunc
	doneWG   sync.WaitGroup
}

// NewSupervisor builds a Supervisor. baseURL and wsURL are the remote
// server's HTTP and websocket origins respectively.
func NewSupervisor(baseURL, wsURL string, identity Identity, db *localdb.DB, linked LinkedProjects, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		baseURL: baseURL, wsURL: wsURL, identity: identity, db: db, linked: linked, logger: logger,
		guard:   newPublishGuard(),
		running: make(map[uuid.UUID]context.CancelFunc),
	}
}

// PublishGuard exposes the shared echo-suppression guard so the agent's own
// task-publish path (outside this package) can Acquire it around a remote
// create/update/assign call.
func (s *Supervisor) PublishGuard() *publishGuard { return s.guard }

// Run reconciles every reconcileInterval until ctx is cancelled, then signals
// every running watcher to stop and waits for them (spec.md §4.7 step 6 /
// §5 "supervisor shutdown is cooperative").
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	s.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

func (s *Supervisor) reconcile(ctx context.Context) {
	ids, err := s.linked.LinkedProjectIDs(ctx)
	if err != nil {
		s.logger.Warn("clientsync: list linked projects failed", "error", err)
		return
	}
	want := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range want {
		if _, ok := s.running[id]; ok {
			continue
		}
		s.start(ctx, id)
	}
	for id, cancel := range s.running {
		if _, ok := want[id]; ok {
			continue
		}
		cancel()
		delete(s.running, id)
	}
}

// start must be called with s.mu held.
func (s *Supervisor) start(parent context.Context, projectID uuid.UUID) {
	wctx, cancel := context.WithCancel(parent)
	s.running[projectID] = cancel

	w := newWatcher(projectID, s.baseURL, s.wsURL, s.identity, s.db, s.guard, s.logger)

	s.doneWG.Add(1)
	go func() {
		defer s.doneWG.Done()
		w.run(wctx)
	}()
}

func (s *Supervisor) stopAll() {
	s.mu.Lock()
	for id, cancel := range s.running {
		cancel()
		delete(s.running, id)
	}
	s.mu.Unlock()
	s.doneWG.Wait()
}
