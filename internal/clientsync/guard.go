package clientsync

import "sync"

// publishGuard is the sharing-in-progress guard from spec.md §9 ("Global
// mutable state") / SPEC_FULL.md §9: a refcounted, process-wide object with
// scoped acquisition that decrements on every exit path, used to suppress a
// just-published task from being immediately duplicated by its own echo
// back through the activity stream.
type publishGuard struct {
	mu    sync.Mutex
	count map[string]int
}

func newPublishGuard() *publishGuard {
	return &publishGuard{count: make(map[string]int)}
}

// Acquire marks taskID as being published by this client and returns a
// release func the caller must defer immediately.
func (g *publishGuard) Acquire(taskID string) (release func()) {
	g.mu.Lock()
	g.count[taskID]++
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			g.count[taskID]--
			if g.count[taskID] <= 0 {
				delete(g.count, taskID)
			}
		})
	}
}

// Held reports whether taskID currently has an in-flight publish on this
// client, per the echo-suppression rule in spec.md §4.7.
func (g *publishGuard) Held(taskID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count[taskID] > 0
}
