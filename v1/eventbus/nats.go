package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"
)

type natsSubscription struct {
	sub   *nats.Subscription
	chans []chan Event
}

// NATSBus implements Bus over NATS. Events travel as JSON, one NATS
// subject per topic.
type NATSBus struct {
	conn      *nats.Conn
	mu        sync.Mutex
	subs      map[string]*natsSubscription
	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{conn: conn, subs: make(map[string]*natsSubscription)}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(ev.Topic, data); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The first subscriber to a topic
// opens the underlying NATS subscription; later subscribers share it.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (chan Event, error) {
	ch := make(chan Event, chanBuffer)
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		ns, err := b.conn.Subscribe(topic, func(msg *nats.Msg) {
			var ev Event
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				return
			}
			b.mu.Lock()
			s := b.subs[topic]
			if s == nil {
				b.mu.Unlock()
				return
			}
			chans := append([]chan Event(nil), s.chans...)
			b.mu.Unlock()
			for _, c := range chans {
				select {
				case c <- ev:
					b.delivered.Add(1)
				default:
					b.dropped.Add(1)
				}
			}
		})
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &natsSubscription{sub: ns}
		b.subs[topic] = sub
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe. The last subscriber to leave
// a topic drops the underlying NATS subscription.
func (b *NATSBus) Unsubscribe(ctx context.Context, topic string, ch chan Event) error {
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) == 0 {
		delete(b.subs, topic)
		b.mu.Unlock()
		return sub.sub.Unsubscribe()
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published, delivered, and dropped counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
	}
}
