package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Codec encodes snapshot values for storage outside process memory.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec implements Codec using encoding/json.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Redis is a Cache backed by a shared Redis instance, for deployments
// where one load should serve the snapshot to every node.
type Redis[T any] struct {
	client *redis.Client
	codec  Codec
}

// RedisOption configures a Redis cache.
type RedisOption[T any] func(*Redis[T])

// WithCodec overrides the default JSON codec.
func WithCodec[T any](c Codec) RedisOption[T] {
	return func(r *Redis[T]) { r.codec = c }
}

// NewRedis wraps an existing client; the caller keeps ownership of it.
func NewRedis[T any](client *redis.Client, opts ...RedisOption[T]) *Redis[T] {
	r := &Redis[T]{client: client, codec: JSONCodec{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	var v T
	if err := r.codec.Unmarshal(data, &v); err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Set stores the value under key. A non-positive ttl means no expiry.
func (r *Redis[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	data, err := r.codec.Marshal(value)
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	return r.client.Set(ctx, key, data, ttl).Err()
}

func (r *Redis[T]) Invalidate(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}
