// Package broker implements the Activity Broker (C3): a sharded in-memory
// pub/sub fan-out from publishers to subscribers, with per-shard bounded
// ring buffers and explicit lag signaling. It generalizes the teacher's
// hub.go (one global register/unregister/broadcast loop) into N
// independent shards so a noisy project can never exhaust capacity for an
// unrelated one, and replaces the teacher's always-broadcast-to-everyone
// model with per-project filtering at delivery time.
package broker

import (
	"hash/fnv"
	"sync"

	"github.com/google/uuid"

	"vibekanban-remote/internal/models"
)

const (
	DefaultShardCount    = 16
	DefaultShardCapacity = 512
)

// Broker fans out ActivityEvents published by writers to subscribers
// grouped by project, across a fixed number of shards.
type Broker struct {
	shards []*shard
}

// New creates a Broker with shardCount shards, each retaining up to
// shardCapacity of the most recently published events.
func New(shardCount, shardCapacity int) *Broker {
	if shardCount < 1 {
		shardCount = DefaultShardCount
	}
	if shardCapacity < 1 {
		shardCapacity = DefaultShardCapacity
	}
	b := &Broker{shards: make([]*shard, shardCount)}
	for i := range b.shards {
		b.shards[i] = newShard(shardCapacity)
	}
	return b
}

func (b *Broker) shardFor(projectID uuid.UUID) *shard {
	h := fnv.New32a()
	h.Write(projectID[:])
	return b.shards[h.Sum32()%uint32(len(b.shards))]
}

// Publish is a non-blocking send of event onto its project's shard. If
// nobody is subscribed the event is dropped from memory — it is already
// durable in the Activity Store. Publish must be called after the storing
// transaction commits; the caller is responsible for that ordering.
func (b *Broker) Publish(event models.ActivityEvent) {
	b.shardFor(event.ProjectID).publish(event)
}

// Subscribe returns a Subscription yielding events for projectID. Call
// Close when done to release the shard slot.
func (b *Broker) Subscribe(projectID uuid.UUID) *Subscription {
	return b.shardFor(projectID).subscribe(projectID)
}

// Kind distinguishes a delivered event from a lag notification.
type Kind int

const (
	KindEvent Kind = iota
	KindLagged
)

// Message is what a Subscription yields: either an event for the
// subscribed project, or a Lagged notification carrying how many
// shard-wide events (any project) were skipped before this point.
type Message struct {
	Kind    Kind
	Event   models.ActivityEvent
	Skipped int64
}

// shard owns one ring buffer of the last `capacity` events, shared by every
// project hashed to it, plus a wakeup channel so subscribers can block
// efficiently between publishes. Subscribers never block a publisher: the
// ring buffer is a fixed-size overwrite buffer and publish only holds the
// lock to write one slot and copy the subscriber set, then signals each
// subscriber without waiting, never rendezvous-blocking on a slow reader.
type shard struct {
	mu       sync.Mutex
	buf      []models.ActivityEvent
	capacity int
	next     int64 // sequence number (1-based, shard-local) of the next slot to write

	subscribers map[*Subscription]struct{}
}

func newShard(capacity int) *shard {
	return &shard{
		buf:         make([]models.ActivityEvent, capacity),
		capacity:    capacity,
		subscribers: make(map[*Subscription]struct{}),
	}
}

func (s *shard) publish(event models.ActivityEvent) {
	s.mu.Lock()
	idx := s.next % int64(s.capacity)
	s.buf[idx] = event
	s.next++
	subs := make([]*Subscription, 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.notify()
	}
}

func (s *shard) subscribe(projectID uuid.UUID) *Subscription {
	s.mu.Lock()
	sub := &Subscription{
		projectID: projectID,
		shard:     s,
		cursor:    s.next,
		wake:      make(chan struct{}, 1),
		out:       make(chan Message, 1),
	}
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()

	go sub.pump()
	return sub
}

func (s *shard) unsubscribe(sub *Subscription) {
	s.mu.Lock()
	delete(s.subscribers, sub)
	s.mu.Unlock()
}

// read returns the next available event at or after cursor for the given
// project, or (zero, false, newCursor) if nothing new is available yet, or
// reports a lag if cursor has fallen behind what the ring buffer still
// holds.
func (s *shard) read(cursor int64, projectID uuid.UUID) (msg Message, advanced int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldest := s.next - int64(s.capacity)
	if oldest < 0 {
		oldest = 0
	}
	if cursor < oldest {
		skipped := oldest - cursor
		return Message{Kind: KindLagged, Skipped: skipped}, oldest, true
	}

	for c := cursor; c < s.next; c++ {
		e := s.buf[c%int64(s.capacity)]
		if e.ProjectID == projectID {
			return Message{Kind: KindEvent, Event: e}, c + 1, true
		}
	}
	return Message{}, s.next, false
}

// Subscription is a single subscriber's view of a shard: events for its
// project, filtered from the shard's ring buffer, delivered in order on C().
type Subscription struct {
	projectID uuid.UUID
	shard     *shard
	cursor    int64

	wake chan struct{}
	out  chan Message

	closeOnce sync.Once
	done      chan struct{}
	doneInit  sync.Once
}

func (sub *Subscription) notify() {
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

// pump drains available messages from the shard into the buffered output
// channel, one at a time, blocking only on the shard's wakeup signal
// between batches — this is the per-subscriber relay goroutine described
// in SPEC_FULL.md, isolating a slow reader from the shard's internal lock.
func (sub *Subscription) pump() {
	for {
		msg, next, ok := sub.shard.read(sub.cursor, sub.projectID)
		if !ok {
			select {
			case <-sub.wakeChan():
				continue
			case <-sub.doneChan():
				return
			}
		}
		sub.cursor = next
		select {
		case sub.out <- msg:
		case <-sub.doneChan():
			return
		}
	}
}

func (sub *Subscription) wakeChan() <-chan struct{} { return sub.wake }

func (sub *Subscription) doneChan() <-chan struct{} {
	sub.doneInit.Do(func() { sub.done = make(chan struct{}) })
	return sub.done
}

// C is the channel subscribers read from. A Message with Kind == KindLagged
// means events were dropped before this point; Kind == KindEvent carries an
// in-order, project-filtered activity event.
func (sub *Subscription) C() <-chan Message {
	return sub.out
}

// Close releases the subscription's slot on its shard and stops its pump
// goroutine.
func (sub *Subscription) Close() {
	sub.closeOnce.Do(func() {
		close(sub.doneChan())
		sub.shard.unsubscribe(sub)
	})
}
