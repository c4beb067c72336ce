package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const redisPublishTimeout = 5 * time.Second

type redisSubscription struct {
	pubsub *redis.PubSub
	chans  []chan Event
}

// RedisBus implements Bus over Redis pub/sub. Events travel as JSON,
// one Redis channel per topic.
type RedisBus struct {
	client    *redis.Client
	mu        sync.Mutex
	subs      map[string]*redisSubscription
	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewRedisBus returns a new RedisBus using the provided Redis client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client, subs: make(map[string]*redisSubscription)}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, redisPublishTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, ev.Topic, data).Err(); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The first subscriber to a topic
// opens the underlying Redis subscription; later subscribers share it.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (chan Event, error) {
	ch := make(chan Event, chanBuffer)
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		pubsub := b.client.Subscribe(context.Background(), topic)
		sub = &redisSubscription{pubsub: pubsub}
		b.subs[topic] = sub
		go b.dispatch(sub, topic)
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

func (b *RedisBus) dispatch(sub *redisSubscription, topic string) {
	for msg := range sub.pubsub.Channel() {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			continue
		}
		b.mu.Lock()
		s := b.subs[topic]
		if s == nil {
			b.mu.Unlock()
			return
		}
		chans := append([]chan Event(nil), s.chans...)
		b.mu.Unlock()
		for _, ch := range chans {
			select {
			case ch <- ev:
				b.delivered.Add(1)
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// Unsubscribe implements Bus.Unsubscribe. The last subscriber to leave
// a topic closes the underlying Redis subscription.
func (b *RedisBus) Unsubscribe(ctx context.Context, topic string, ch chan Event) error {
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
		return sub.pubsub.Close()
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published, delivered, and dropped counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
	}
}

// Close stops every subscription and closes their channels.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		_ = sub.pubsub.Close()
		for _, ch := range sub.chans {
			close(ch)
		}
	}
	b.subs = make(map[string]*redisSubscription)
	return nil
}
