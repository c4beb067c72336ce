package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// subscriber channel buffer. Slow consumers lose events rather than
// block publishers; clients re-sync from the database, which stays
// authoritative.
const chanBuffer = 16

// Event is one domain notification. Payload is opaque to the bus;
// producers and consumers agree on the encoding per topic.
type Event struct {
	ID      string    `json:"id"`
	Topic   string    `json:"topic"`
	Payload []byte    `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// NewEvent builds an event with a fresh id and timestamp.
func NewEvent(topic string, payload []byte) Event {
	return Event{
		ID:      uuid.NewString(),
		Topic:   topic,
		Payload: payload,
		At:      time.Now().UTC(),
	}
}

// Bus is the pub/sub mechanism lockstep uses to fan events out across
// nodes. Delivery is at-most-once per subscriber: a full subscriber
// channel drops the event rather than stalling the publisher.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, topic string) (chan Event, error)
	Unsubscribe(ctx context.Context, topic string, ch chan Event) error
}

// Metrics counts bus traffic. Dropped counts deliveries skipped
// because a subscriber's channel was full.
type Metrics struct {
	Published uint64
	Delivered uint64
	Dropped   uint64
}

// InMemoryBus is a local implementation of Bus, used in tests and in
// single-node deployments.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan Event
	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan Event)}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, ev Event) error {
	b.mu.Lock()
	chans := append([]chan Event(nil), b.subs[ev.Topic]...)
	b.mu.Unlock()
	b.published.Add(1)
	for _, ch := range chans {
		select {
		case ch <- ev:
			b.delivered.Add(1)
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx
// is done; the returned channel is closed at that point.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (chan Event, error) {
	ch := make(chan Event, chanBuffer)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch chan Event) error {
	b.mu.Lock()
	subs := b.subs[topic]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[topic] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, topic)
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published, delivered, and dropped counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
	}
}

// TxQueue buffers events raised during a database transaction until
// the transaction's fate is known. The coordinator flushes the queue
// after a successful commit and discards it on rollback, so
// subscribers never hear about state the database threw away.
type TxQueue struct {
	mu     sync.Mutex
	events []Event
}

// NewTxQueue returns an empty queue.
func NewTxQueue() *TxQueue { return &TxQueue{} }

// Add buffers an event for post-commit publication.
func (q *TxQueue) Add(ev Event) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()
}

// Len reports how many events are buffered.
func (q *TxQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Flush publishes every buffered event in order and empties the
// queue. All events are attempted even if some fail; the combined
// error is returned for logging. The database state is already
// committed by the time Flush runs, so failures here are a fan-out
// problem, not a consistency one.
func (q *TxQueue) Flush(ctx context.Context, bus Bus) error {
	q.mu.Lock()
	events := q.events
	q.events = nil
	q.mu.Unlock()

	if bus == nil {
		return nil
	}
	var errs []error
	for _, ev := range events {
		if err := bus.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops all buffered events without publishing.
func (q *TxQueue) Discard() {
	q.mu.Lock()
	q.events = nil
	q.mu.Unlock()
}
