package engine

import (
	"sync"
	"time"
)

// subscriberBufferSize is the channel buffer for each console subscriber.
// Lines are dropped if a subscriber falls this far behind; the full console
// stays available from the store.
const subscriberBufferSize = 64

// LogBroker fans out console lines of running executions to subscribers.
// It is safe for concurrent use.
//
// Finished executions leave a closed marker behind so that a subscriber
// arriving after the end gets a closed channel instead of waiting forever.
// Markers are dropped by Prune.
type LogBroker struct {
	mu     sync.Mutex
	topics map[string]*consoleTopic
	now    func() time.Time
}

type consoleTopic struct {
	subs     map[int]chan string
	nextID   int
	closed   bool
	closedAt time.Time
}

// NewLogBroker creates a new log broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{
		topics: make(map[string]*consoleTopic),
		now:    time.Now,
	}
}

func (b *LogBroker) topic(executionID string) *consoleTopic {
	t, ok := b.topics[executionID]
	if !ok {
		t = &consoleTopic{subs: make(map[int]chan string)}
		b.topics[executionID] = t
	}
	return t
}

// Subscribe returns a channel of console lines for the execution and an
// unsubscribe function. The channel is closed when the execution finishes,
// immediately if it already has.
func (b *LogBroker) Subscribe(executionID string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(executionID)
	ch := make(chan string, subscriberBufferSize)
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

// Publish sends a console line to every subscriber of the execution.
func (b *LogBroker) Publish(executionID string, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
			// Never block the sandbox on a slow reader.
		}
	}
}

// Close ends the execution's stream: current subscriber channels are closed
// and later Subscribe calls get a closed channel.
func (b *LogBroker) Close(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(executionID)
	if t.closed {
		return
	}
	t.closed = true
	t.closedAt = b.now()
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Prune forgets executions closed more than olderThan ago and returns how
// many were dropped. A subscriber to a pruned execution waits for a Close
// that never comes, so olderThan should exceed any reasonable client delay.
func (b *LogBroker) Prune(olderThan time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-olderThan)
	n := 0
	for id, t := range b.topics {
		if t.closed && t.closedAt.Before(cutoff) {
			delete(b.topics, id)
			n++
		}
	}
	return n
}

// Len returns the number of tracked executions, open or closed.
func (b *LogBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}
