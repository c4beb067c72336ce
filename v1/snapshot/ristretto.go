package snapshot

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
)

// Ristretto is a Cache backed by dgraph-io/ristretto. Entries cost 1
// each, so MaxCost reads as an entry budget.
type Ristretto[T any] struct {
	c *ristretto.Cache
}

// RistrettoOption configures the underlying ristretto cache.
type RistrettoOption func(*ristretto.Config)

// WithRistretto applies a custom ristretto configuration. A nil cfg is
// ignored.
func WithRistretto(cfg *ristretto.Config) RistrettoOption {
	return func(c *ristretto.Config) {
		if cfg == nil {
			return
		}
		*c = *cfg
	}
}

// NewRistretto returns a ristretto-backed cache sized for about ten
// thousand snapshots. Panics if the configuration is rejected: that is
// a wiring bug, not a runtime condition.
func NewRistretto[T any](opts ...RistrettoOption) *Ristretto[T] {
	cfg := &ristretto.Config{
		NumCounters: 100_000, // 10x the entry budget, per ristretto guidance
		MaxCost:     10_000,
		BufferItems: 64,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	rc, err := ristretto.NewCache(cfg)
	if err != nil {
		panic(err)
	}
	return &Ristretto[T]{c: rc}
}

// Get implements Cache.Get.
func (r *Ristretto[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	default:
	}
	v, ok := r.c.Get(key)
	if !ok {
		return zero, false, nil
	}
	val, ok := v.(T)
	if !ok {
		return zero, false, nil
	}
	return val, true, nil
}

// Set implements Cache.Set. Wait flushes the set buffer so a
// subsequent Get observes the write.
func (r *Ristretto[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	r.c.SetWithTTL(key, value, 1, ttl)
	r.c.Wait()
	return nil
}

// Invalidate implements Cache.Invalidate.
func (r *Ristretto[T]) Invalidate(ctx context.Context, key string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	r.c.Del(key)
	r.c.Wait()
	return nil
}

// Close releases the cache's resources.
func (r *Ristretto[T]) Close() {
	r.c.Close()
}
