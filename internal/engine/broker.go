package engine

import (
	"sync"

	"github.com/sluiceio/sluice/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Snapshots are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 16

// Broker streams task status snapshots to subscribers, one topic per task.
// It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a task finishes) receive a closed channel instead of
// blocking forever. Each marker is a few bytes, which is acceptable for the
// expected task volume.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan *model.Task
	nextID int
	closed bool
}

// NewBroker creates a new task event broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel that receives status snapshots of the given
// task and an unsubscribe function. Snapshots are shared between
// subscribers and must not be modified. If the task has already finished
// (Close was called), the returned channel is immediately closed.
func (b *Broker) Subscribe(taskID string) (<-chan *model.Task, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		t = &topic{subs: make(map[int]chan *model.Task)}
		b.topics[taskID] = t
	}

	ch := make(chan *model.Task, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends a snapshot to all subscribers of the given task.
// Snapshots are dropped for subscribers whose buffers are full.
func (b *Broker) Publish(taskID string, task *model.Task) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- task:
		default:
			// Drop for slow subscribers to avoid blocking the monitor.
		}
	}
}

// Close signals that no more snapshots will be published for the given
// task. All subscriber channels are closed and future Subscribe calls
// return a closed channel.
func (b *Broker) Close(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		// Create a closed marker so late subscribers get a closed channel.
		b.topics[taskID] = &topic{subs: make(map[int]chan *model.Task), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
