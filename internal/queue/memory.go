package queue

import (
	"context"
	"sync"
)

// MemoryQueue is an in-process Publisher and Consumer.
type MemoryQueue struct {
	mu        sync.Mutex
	ch        chan []byte
	published []Message
	events    []Event
	acked     int
	termed    int
}

// NewMemoryQueue creates a queue buffering up to size messages.
func NewMemoryQueue(size int) *MemoryQueue {
	return &MemoryQueue{ch: make(chan []byte, size)}
}

func (q *MemoryQueue) Publish(ctx context.Context, msg Message) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.published = append(q.published, msg)
	q.mu.Unlock()
	return q.PublishRaw(ctx, body)
}

// PublishRaw enqueues an arbitrary body.
func (q *MemoryQueue) PublishRaw(ctx context.Context, body []byte) error {
	select {
	case q.ch <- body:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) PublishEvent(ctx context.Context, ev Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, ev)
	return nil
}

func (q *MemoryQueue) Consume(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case body := <-q.ch:
			h(ctx, &memoryDelivery{q: q, body: body})
		}
	}
}

// Published returns every message passed to Publish.
func (q *MemoryQueue) Published() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Message(nil), q.published...)
}

// Events returns every event passed to PublishEvent.
func (q *MemoryQueue) Events() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Event(nil), q.events...)
}

// Settled returns how many deliveries were acked and termed.
func (q *MemoryQueue) Settled() (acked, termed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acked, q.termed
}

// Pending returns the number of undelivered messages.
func (q *MemoryQueue) Pending() int {
	return len(q.ch)
}

type memoryDelivery struct {
	q    *MemoryQueue
	body []byte
	once sync.Once
}

func (d *memoryDelivery) Body() []byte { return d.body }

func (d *memoryDelivery) Ack() error {
	d.once.Do(func() {
		d.q.mu.Lock()
		d.q.acked++
		d.q.mu.Unlock()
	})
	return nil
}

func (d *memoryDelivery) Term() error {
	d.once.Do(func() {
		d.q.mu.Lock()
		d.q.termed++
		d.q.mu.Unlock()
	})
	return nil
}
