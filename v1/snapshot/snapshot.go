package snapshot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/draftwire/lockstep/v1/eventbus"
)

// Cache defines the storage operations a snapshot store needs.
//
// T is the snapshot type held in the cache.
type Cache[T any] interface {
	// Get retrieves a value for the given key. The boolean return
	// reports whether the key was present.
	Get(ctx context.Context, key string) (T, bool, error)
	// Set stores the value for the given key for the specified TTL.
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
	// Invalidate removes the key from the cache.
	Invalidate(ctx context.Context, key string) error
}

// LoaderFunc produces a fresh snapshot for a key, usually from the
// database.
type LoaderFunc[T any] func(ctx context.Context, key string) (T, error)

// DefaultTTL bounds staleness for entries whose invalidation event is
// lost; bus-driven invalidation normally retires entries much sooner.
const DefaultTTL = 5 * time.Minute

// Store is a read-through snapshot cache. Concurrent loads for one key
// collapse into a single flight; a store wired to a bus invalidates a
// key whenever an event lands on the topic of the same name.
type Store[T any] struct {
	cache  Cache[T]
	loader LoaderFunc[T]
	bus    eventbus.Bus
	ttl    time.Duration

	group   singleflight.Group
	mu      sync.Mutex
	watched map[string]bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// StoreOption configures a Store.
type StoreOption[T any] func(*Store[T])

// WithTTL overrides the cache TTL for loaded snapshots.
func WithTTL[T any](ttl time.Duration) StoreOption[T] {
	return func(s *Store[T]) { s.ttl = ttl }
}

// WithBus wires the store to a bus for event-driven invalidation.
func WithBus[T any](bus eventbus.Bus) StoreOption[T] {
	return func(s *Store[T]) { s.bus = bus }
}

// NewStore returns a Store reading through cache into loader.
func NewStore[T any](cache Cache[T], loader LoaderFunc[T], opts ...StoreOption[T]) *Store[T] {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store[T]{
		cache:   cache,
		loader:  loader,
		ttl:     DefaultTTL,
		watched: make(map[string]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the cached snapshot for key, loading and caching it on a
// miss. Cache failures degrade to a load, never to an error.
func (s *Store[T]) Get(ctx context.Context, key string) (T, error) {
	v, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		slog.Warn("lockstep: snapshot cache read failed", "key", key, "err", err)
	} else if ok {
		return v, nil
	}

	out, err, _ := s.group.Do(key, func() (any, error) {
		val, err := s.loader(ctx, key)
		if err != nil {
			return nil, err
		}
		if err := s.cache.Set(ctx, key, val, s.ttl); err != nil {
			slog.Warn("lockstep: snapshot cache write failed", "key", key, "err", err)
		}
		s.watch(key)
		return val, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out.(T), nil
}

// Invalidate drops the cached snapshot for key.
func (s *Store[T]) Invalidate(ctx context.Context, key string) error {
	return s.cache.Invalidate(ctx, key)
}

// Close stops the store's bus watchers.
func (s *Store[T]) Close() {
	s.cancel()
	s.wg.Wait()
}

// watch subscribes to key's topic once and invalidates the entry on
// every event until the store closes.
func (s *Store[T]) watch(key string) {
	if s.bus == nil {
		return
	}
	s.mu.Lock()
	if s.watched[key] {
		s.mu.Unlock()
		return
	}
	s.watched[key] = true
	s.mu.Unlock()

	ch, err := s.bus.Subscribe(s.ctx, key)
	if err != nil {
		slog.Warn("lockstep: snapshot watch failed", "key", key, "err", err)
		s.mu.Lock()
		delete(s.watched, key)
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				if err := s.cache.Invalidate(context.Background(), key); err != nil {
					slog.Warn("lockstep: snapshot invalidation failed", "key", key, "err", err)
				}
			}
		}
	}()
}
