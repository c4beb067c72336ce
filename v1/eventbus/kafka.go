package eventbus

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
)

type kafkaSubscription struct {
	pc    sarama.PartitionConsumer
	chans []chan Event
}

// KafkaBus implements Bus over Kafka. Events travel as JSON, one Kafka
// topic per bus topic. Bus topics may contain characters Kafka
// forbids (the "draft:42" convention uses colons), so topic names are
// sanitized on the way to the broker; the Event inside the message
// keeps the original topic.
type KafkaBus struct {
	producer  sarama.SyncProducer
	consumer  sarama.Consumer
	mu        sync.Mutex
	subs      map[string]*kafkaSubscription
	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config) (*KafkaBus, error) {
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		subs:     make(map[string]*kafkaSubscription),
	}, nil
}

// kafkaTopic maps a bus topic to a legal Kafka topic name.
func kafkaTopic(topic string) string {
	return strings.ReplaceAll(topic, ":", ".")
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: kafkaTopic(ev.Topic),
		Value: sarama.ByteEncoder(data),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The first subscriber to a topic
// opens a partition consumer; later subscribers share it.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string) (chan Event, error) {
	ch := make(chan Event, chanBuffer)
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		pc, err := b.consumer.ConsumePartition(kafkaTopic(topic), 0, sarama.OffsetNewest)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &kafkaSubscription{pc: pc}
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

func (b *KafkaBus) dispatch(sub *kafkaSubscription, topic string) {
	for msg := range sub.pc.Messages() {
		var ev Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
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
// a topic closes the partition consumer.
func (b *KafkaBus) Unsubscribe(ctx context.Context, topic string, ch chan Event) error {
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
		return sub.pc.Close()
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published, delivered, and dropped counts.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
	}
}

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() {
	_ = b.producer.Close()
	_ = b.consumer.Close()
}
