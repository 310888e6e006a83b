package clientsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishGuardHeldAfterAcquire(t *testing.T) {
	g := newPublishGuard()
	assert.False(t, g.Held("task-1"))

	release := g.Acquire("task-1")
	assert.True(t, g.Held("task-1"))

	release()
	assert.False(t, g.Held("task-1"))
}

func TestPublishGuardRefcountsOverlappingAcquires(t *testing.T) {
	g := newPublishGuard()

	releaseA := g.Acquire("task-1")
	releaseB := g.Acquire("task-1")
	assert.True(t, g.Held("task-1"))

	releaseA()
	assert.True(t, g.Held("task-1"), "still held while a second acquirer is in flight")

	releaseB()
	assert.False(t, g.Held("task-1"))
}

func TestPublishGuardReleaseIsIdempotent(t *testing.T) {
	g := newPublishGuard()

	release := g.Acquire("task-1")
	release()
	release()

	assert.False(t, g.Held("task-1"))
}

func TestPublishGuardTracksTasksIndependently(t *testing.T) {
	g := newPublishGuard()

	releaseA := g.Acquire("task-a")
	defer releaseA()

	assert.True(t, g.Held("task-a"))
	assert.False(t, g.Held("task-b"))
}
