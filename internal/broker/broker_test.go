package broker

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibekanban-remote/internal/models"
)

func recvMessage(t *testing.T, sub *Subscription, timeout time.Duration) Message {
	t.Helper()
	select {
	case msg := <-sub.C():
		return msg
	case <-time.After(timeout):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestBrokerFanoutOrdering(t *testing.T) {
	b := New(4, 64)
	projectID := uuid.New()

	sub := b.Subscribe(projectID)
	defer sub.Close()

	for i := int64(1); i <= 5; i++ {
		b.Publish(models.ActivityEvent{Seq: i, ProjectID: projectID})
	}

	for i := int64(1); i <= 5; i++ {
		msg := recvMessage(t, sub, time.Second)
		require.Equal(t, KindEvent, msg.Kind)
		assert.Equal(t, i, msg.Event.Seq)
	}
}

func TestBrokerFiltersByProject(t *testing.T) {
	b := New(1, 64)
	wanted := uuid.New()
	other := uuid.New()

	sub := b.Subscribe(wanted)
	defer sub.Close()

	b.Publish(models.ActivityEvent{Seq: 1, ProjectID: other})
	b.Publish(models.ActivityEvent{Seq: 2, ProjectID: wanted})

	msg := recvMessage(t, sub, time.Second)
	require.Equal(t, KindEvent, msg.Kind)
	assert.Equal(t, wanted, msg.Event.ProjectID)
	assert.Equal(t, int64(2), msg.Event.Seq)
}

func TestBrokerMultipleSubscribersIndependentCursors(t *testing.T) {
	b := New(2, 64)
	projectID := uuid.New()

	early := b.Subscribe(projectID)
	defer early.Close()

	b.Publish(models.ActivityEvent{Seq: 1, ProjectID: projectID})

	late := b.Subscribe(projectID)
	defer late.Close()

	b.Publish(models.ActivityEvent{Seq: 2, ProjectID: projectID})

	msg := recvMessage(t, early, time.Second)
	assert.Equal(t, int64(1), msg.Event.Seq)
	msg = recvMessage(t, early, time.Second)
	assert.Equal(t, int64(2), msg.Event.Seq)

	msg = recvMessage(t, late, time.Second)
	assert.Equal(t, int64(2), msg.Event.Seq)
}

func TestBrokerLagDetection(t *testing.T) {
	const capacity = 4
	b := New(1, capacity)
	projectID := uuid.New()

	sub := b.Subscribe(projectID)
	defer sub.Close()

	for i := int64(1); i <= capacity+2; i++ {
		b.Publish(models.ActivityEvent{Seq: i, ProjectID: projectID})
	}

	msg := recvMessage(t, sub, time.Second)
	require.Equal(t, KindLagged, msg.Kind)
	assert.Greater(t, msg.Skipped, int64(0))

	// The ring buffer retains only the last `capacity` events, so delivery
	// resumes at the oldest event still held (seq 3..6 for a 4-slot buffer
	// after 6 publishes), in order.
	for want := int64(3); want <= capacity+2; want++ {
		msg = recvMessage(t, sub, time.Second)
		require.Equal(t, KindEvent, msg.Kind)
		assert.Equal(t, want, msg.Event.Seq)
	}
}

func TestBrokerCloseStopsDelivery(t *testing.T) {
	b := New(1, 8)
	projectID := uuid.New()

	sub := b.Subscribe(projectID)
	sub.Close()

	b.Publish(models.ActivityEvent{Seq: 1, ProjectID: projectID})

	select {
	case _, ok := <-sub.C():
		assert.False(t, ok, "closed subscription channel should not yield a message")
	case <-time.After(100 * time.Millisecond):
	}
}
