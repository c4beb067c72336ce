package snapshot

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/draftwire/lockstep/v1/eventbus"
)

func TestStoreLoadsOnceAndCaches(t *testing.T) {
	var loads atomic.Int32
	store := NewStore[string](NewMemory[string](WithSweepInterval[string](0)),
		func(ctx context.Context, key string) (string, error) {
			loads.Add(1)
			return "snapshot of " + key, nil
		})
	defer store.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		v, err := store.Get(ctx, "draft:1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if v != "snapshot of draft:1" {
			t.Fatalf("v = %q", v)
		}
	}
	if got := loads.Load(); got != 1 {
		t.Fatalf("loads = %d, want 1", got)
	}
}

func TestStoreCollapsesConcurrentLoads(t *testing.T) {
	var loads atomic.Int32
	release := make(chan struct{})
	store := NewStore[int](NewMemory[int](WithSweepInterval[int](0)),
		func(ctx context.Context, key string) (int, error) {
			loads.Add(1)
			<-release
			return 42, nil
		})
	defer store.Close()

	g := new(errgroup.Group)
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			v, err := store.Get(context.Background(), "lot:9")
			if err != nil {
				return err
			}
			if v != 42 {
				return errors.New("wrong value")
			}
			return nil
		})
	}
	time.Sleep(50 * time.Millisecond) // let the flights pile up
	close(release)
	if err := g.Wait(); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := loads.Load(); got != 1 {
		t.Fatalf("loads = %d, want a single collapsed flight", got)
	}
}

func TestStoreInvalidatesOnBusEvent(t *testing.T) {
	bus := eventbus.NewInMemoryBus()
	var loads atomic.Int32
	store := NewStore[int32](NewMemory[int32](WithSweepInterval[int32](0)),
		func(ctx context.Context, key string) (int32, error) {
			return loads.Add(1), nil
		},
		WithBus[int32](bus))
	defer store.Close()

	ctx := context.Background()
	v, err := store.Get(ctx, "draft:7")
	if err != nil || v != 1 {
		t.Fatalf("first get = %d, %v", v, err)
	}

	// An event on the key's topic retires the entry.
	if err := bus.Publish(ctx, eventbus.NewEvent("draft:7", []byte(`{}`))); err != nil {
		t.Fatalf("publish: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if v, err = store.Get(ctx, "draft:7"); err != nil {
			t.Fatalf("get: %v", err)
		}
		if v == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("entry never invalidated; still %d", v)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Unrelated topics leave the entry alone.
	if err := bus.Publish(ctx, eventbus.NewEvent("draft:8", []byte(`{}`))); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if v, err = store.Get(ctx, "draft:7"); err != nil || v != 2 {
		t.Fatalf("entry moved on unrelated event: %d, %v", v, err)
	}
}

func TestStoreLoaderErrorPropagates(t *testing.T) {
	boom := errors.New("db down")
	store := NewStore[int](NewMemory[int](WithSweepInterval[int](0)),
		func(ctx context.Context, key string) (int, error) { return 0, boom })
	defer store.Close()

	if _, err := store.Get(context.Background(), "x"); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}
