package snapshot

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// defaultSweepInterval is the default period for removing expired
// entries.
const defaultSweepInterval = time.Minute

// Memory is an in-memory Cache with TTL support. A background sweeper
// removes expired entries; reads treat expired entries as misses
// either way.
type Memory[T any] struct {
	mu            sync.RWMutex
	items         map[string]entry[T]
	sweepInterval time.Duration
	maxEntries    int
	hits          atomic.Uint64
	misses        atomic.Uint64
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

// MemoryOption configures a Memory cache.
type MemoryOption[T any] func(*Memory[T])

// WithSweepInterval sets the interval at which expired entries are
// removed. A zero or negative duration disables the sweeper.
func WithSweepInterval[T any](d time.Duration) MemoryOption[T] {
	return func(m *Memory[T]) { m.sweepInterval = d }
}

// WithMaxEntries caps how many entries the cache holds; the entry
// closest to expiry is evicted to make room. A non-positive value
// means unbounded.
func WithMaxEntries[T any](n int) MemoryOption[T] {
	return func(m *Memory[T]) { m.maxEntries = n }
}

// NewMemory returns an in-memory cache.
func NewMemory[T any](opts ...MemoryOption[T]) *Memory[T] {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Memory[T]{
		items:         make(map[string]entry[T]),
		sweepInterval: defaultSweepInterval,
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sweepInterval > 0 {
		m.wg.Add(1)
		go m.sweeper()
	}
	return m
}

// Get implements Cache.Get.
func (m *Memory[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	default:
	}
	m.mu.RLock()
	e, ok := m.items[key]
	m.mu.RUnlock()
	if !ok || (!e.expiresAt.IsZero() && time.Now().After(e.expiresAt)) {
		m.misses.Add(1)
		return zero, false, nil
	}
	m.hits.Add(1)
	return e.value, true, nil
}

// Set implements Cache.Set. A non-positive TTL stores the entry
// without expiry.
func (m *Memory[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	e := entry[T]{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.mu.Lock()
	if m.maxEntries > 0 {
		if _, exists := m.items[key]; !exists && len(m.items) >= m.maxEntries {
			m.evictOne()
		}
	}
	m.items[key] = e
	m.mu.Unlock()
	return nil
}

// Invalidate implements Cache.Invalidate.
func (m *Memory[T]) Invalidate(ctx context.Context, key string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

// Stats returns the hit and miss counts.
func (m *Memory[T]) Stats() (hits, misses uint64) {
	return m.hits.Load(), m.misses.Load()
}

// Close stops the background sweeper.
func (m *Memory[T]) Close() {
	m.cancel()
	m.wg.Wait()
}

// evictOne removes the entry closest to expiry. Caller holds the
// write lock.
func (m *Memory[T]) evictOne() {
	var victim string
	var soonest time.Time
	first := true
	for key, e := range m.items {
		at := e.expiresAt
		if at.IsZero() {
			// Never-expiring entries lose to everything else.
			at = time.Now().Add(100 * 365 * 24 * time.Hour)
		}
		if first || at.Before(soonest) {
			victim, soonest, first = key, at, false
		}
	}
	if !first {
		delete(m.items, victim)
	}
}

func (m *Memory[T]) sweeper() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for key, e := range m.items {
				if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
					delete(m.items, key)
				}
			}
			m.mu.Unlock()
		}
	}
}
