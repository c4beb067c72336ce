package snapshot

import (
	"context"
	"testing"
	"time"
)

func TestMemoryTTLExpires(t *testing.T) {
	m := NewMemory[string](WithSweepInterval[string](10 * time.Millisecond))
	defer m.Close()
	ctx := context.Background()

	if err := m.Set(ctx, "k", "v", 30*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, ok, err := m.Get(ctx, "k"); err != nil || !ok || v != "v" {
		t.Fatalf("get = %q, %v, %v", v, ok, err)
	}
	time.Sleep(60 * time.Millisecond)
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Fatalf("entry outlived its TTL")
	}
}

func TestMemoryZeroTTLNeverExpires(t *testing.T) {
	m := NewMemory[int](WithSweepInterval[int](10 * time.Millisecond))
	defer m.Close()
	ctx := context.Background()

	if err := m.Set(ctx, "k", 7, 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if v, ok, _ := m.Get(ctx, "k"); !ok || v != 7 {
		t.Fatalf("unexpiring entry gone: %d, %v", v, ok)
	}
}

func TestMemoryMaxEntriesEvictsSoonestExpiry(t *testing.T) {
	m := NewMemory[int](WithSweepInterval[int](0), WithMaxEntries[int](2))
	defer m.Close()
	ctx := context.Background()

	if err := m.Set(ctx, "soon", 1, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := m.Set(ctx, "late", 2, time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := m.Set(ctx, "new", 3, time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}

	if _, ok, _ := m.Get(ctx, "soon"); ok {
		t.Fatalf("entry closest to expiry survived eviction")
	}
	if _, ok, _ := m.Get(ctx, "late"); !ok {
		t.Fatalf("late entry evicted")
	}
	if _, ok, _ := m.Get(ctx, "new"); !ok {
		t.Fatalf("new entry missing")
	}
}

func TestMemoryInvalidate(t *testing.T) {
	m := NewMemory[int](WithSweepInterval[int](0))
	defer m.Close()
	ctx := context.Background()

	if err := m.Set(ctx, "k", 1, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := m.Invalidate(ctx, "k"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Fatalf("entry survived invalidation")
	}
}

func TestMemoryStats(t *testing.T) {
	m := NewMemory[int](WithSweepInterval[int](0))
	defer m.Close()
	ctx := context.Background()

	m.Set(ctx, "k", 1, time.Minute)
	m.Get(ctx, "k")
	m.Get(ctx, "k")
	m.Get(ctx, "missing")

	hits, misses := m.Stats()
	if hits != 2 || misses != 1 {
		t.Fatalf("stats = %d hits, %d misses; want 2, 1", hits, misses)
	}
}
