package engine

import "sync"

// subscriberBufferSize is the channel buffer for each result subscriber.
// Chunks are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// ResultBroker fans out result payload chunks to per-task subscribers.
// It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a task settles) receive a closed channel instead of
// blocking forever. Each marker is a few bytes, which is acceptable for the
// expected task volume.
type ResultBroker struct {
	mu     sync.Mutex
	topics map[string]*resultTopic
}

type resultTopic struct {
	subs   map[int]chan []byte
	nextID int
	closed bool
}

// NewResultBroker creates a new result broker.
func NewResultBroker() *ResultBroker {
	return &ResultBroker{
		topics: make(map[string]*resultTopic),
	}
}

// Subscribe returns a channel receiving result chunks for the given task and
// an unsubscribe function. If the task has already settled (Close was
// called), the returned channel is immediately closed.
func (b *ResultBroker) Subscribe(taskID string) (<-chan []byte, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		t = &resultTopic{subs: make(map[int]chan []byte)}
		b.topics[taskID] = t
	}

	ch := make(chan []byte, subscriberBufferSize)
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

// Publish sends a result chunk to all subscribers of the given task.
// Chunks are dropped for subscribers whose buffers are full.
func (b *ResultBroker) Publish(taskID string, chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- chunk:
		default:
			// Drop for slow subscribers rather than block the correlator.
		}
	}
}

// Close signals that no more chunks will be published for the given task.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel.
func (b *ResultBroker) Close(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		// Leave a closed marker so late subscribers get a closed channel.
		b.topics[taskID] = &resultTopic{subs: make(map[int]chan []byte), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
