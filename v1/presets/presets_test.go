package presets

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	natsserver "github.com/nats-io/nats-server/v2/test"

	"github.com/draftwire/lockstep/v1/auction"
	"github.com/draftwire/lockstep/v1/eventbus"
)

func TestNewStandaloneWiring(t *testing.T) {
	stack := NewStandalone(nil)
	if stack.Coordinator == nil || stack.Drafts == nil || stack.Auctions == nil || stack.Bus == nil {
		t.Fatalf("incomplete stack: %+v", stack)
	}
	if stack.Coordinator.Bus() != stack.Bus {
		t.Fatal("coordinator and stack disagree on the bus")
	}
}

func TestNewRedisEventFanout(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	stack := NewRedis(nil, RedisOptions{Addr: mr.Addr()})
	ctx := context.Background()
	ch, err := stack.Bus.Subscribe(ctx, "draft:7")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stack.Bus.Unsubscribe(ctx, "draft:7", ch)

	sent := eventbus.NewEvent("draft:7", []byte(`{"type":"pick"}`))
	if err := stack.Bus.Publish(ctx, sent); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-ch:
		if string(got.Payload) != `{"type":"pick"}` {
			t.Fatalf("payload lost in transit: %q", got.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for redis fan-out")
	}
}

func TestNewNATSEventFanout(t *testing.T) {
	s := natsserver.RunRandClientPortServer()
	defer s.Shutdown()

	stack, err := NewNATS(nil, s.ClientURL())
	if err != nil {
		t.Fatalf("nats stack: %v", err)
	}
	ctx := context.Background()
	ch, err := stack.Bus.Subscribe(ctx, "auction:7")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stack.Bus.Unsubscribe(ctx, "auction:7", ch)

	sent := eventbus.NewEvent("auction:7", []byte(`{"type":"bid"}`))
	if err := stack.Bus.Publish(ctx, sent); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-ch:
		if string(got.Payload) != `{"type":"bid"}` {
			t.Fatalf("payload lost in transit: %q", got.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for nats fan-out")
	}
}

func TestStandaloneEndToEnd(t *testing.T) {
	dsn := os.Getenv("LOCKSTEP_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("LOCKSTEP_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	stack := NewStandalone(pool)
	lot, err := stack.Auctions.CreateLot(ctx, auction.CreateLotRequest{
		AuctionID:  time.Now().UnixNano(),
		PlayerID:   1,
		OpeningBid: 10,
		Duration:   time.Hour,
	})
	if err != nil {
		t.Fatalf("create lot: %v", err)
	}
	ch, err := stack.Bus.Subscribe(ctx, auction.Topic(lot.ID))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = stack.Bus.Unsubscribe(context.Background(), auction.Topic(lot.ID), ch) })

	if _, err := stack.Auctions.PlaceBid(ctx, auction.BidRequest{
		LotID:    lot.ID,
		RosterID: 42,
		Amount:   15,
		Expected: auction.ExpectedBid{Amount: lot.CurrentBid, BidderID: lot.CurrentBidder},
	}); err != nil {
		t.Fatalf("place bid: %v", err)
	}
	select {
	case got := <-ch:
		if got.Topic != auction.Topic(lot.ID) {
			t.Fatalf("event on wrong topic: %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no post-commit event reached the stack bus")
	}
}
