package eventbus

import (
	"context"
	"os"
	"testing"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/google/uuid"
)

func TestKafkaTopicSanitized(t *testing.T) {
	if got := kafkaTopic("draft:42:pick"); got != "draft.42.pick" {
		t.Fatalf("kafkaTopic = %q", got)
	}
	if got := kafkaTopic("plain"); got != "plain" {
		t.Fatalf("kafkaTopic = %q", got)
	}
}

func newKafkaBus(t *testing.T) (*KafkaBus, context.Context) {
	t.Helper()
	addr := os.Getenv("LOCKSTEP_TEST_KAFKA_ADDR")
	if addr == "" {
		t.Skip("LOCKSTEP_TEST_KAFKA_ADDR not set; skipping Kafka integration test")
	}
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	bus, err := NewKafkaBus([]string{addr}, cfg)
	if err != nil {
		t.Fatalf("kafka bus: %v", err)
	}
	t.Cleanup(bus.Close)
	return bus, context.Background()
}

func TestKafkaBusPublishSubscribeFlow(t *testing.T) {
	bus, ctx := newKafkaBus(t)
	topic := "lockstep:test:" + uuid.NewString()

	ch, err := bus.Subscribe(ctx, topic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sent := NewEvent(topic, []byte("payload"))
	if err := bus.Publish(ctx, sent); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-ch:
		if got.ID != sent.ID {
			t.Fatalf("wrong event: %+v", got)
		}
		if got.Topic != topic {
			t.Fatalf("event topic rewritten: %q", got.Topic)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for publish")
	}
	if m := bus.Metrics(); m.Published != 1 {
		t.Fatalf("expected published 1 got %d", m.Published)
	}
}
