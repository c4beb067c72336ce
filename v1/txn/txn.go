package txn

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/draftwire/lockstep/v1/eventbus"
	lockerrors "github.com/draftwire/lockstep/v1/errors"
	"github.com/draftwire/lockstep/v1/locks"
	"github.com/draftwire/lockstep/v1/metrics"
)

var tracer = otel.Tracer("github.com/draftwire/lockstep/v1/txn")

const (
	// DefaultLockTimeout bounds how long one lock acquisition may wait
	// before the server abandons it.
	DefaultLockTimeout = 30 * time.Second
	// DefaultSlowThreshold is the wait above which a successful
	// acquisition is logged as a warning. Repeated slow acquisitions
	// mean a starving bottleneck, even when nothing fails outright.
	DefaultSlowThreshold = 5 * time.Second
)

// Coordinator runs units of work as database transactions with
// advisory locks taken in canonical order. One Coordinator is shared
// by all services on a node; it is safe for concurrent use.
type Coordinator struct {
	pool          *pgxpool.Pool
	bus           eventbus.Bus
	lockTimeout   time.Duration
	slowThreshold time.Duration
	traceEnabled  bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithBus attaches the bus that receives events queued during a
// transaction. Without a bus, queued events are dropped silently.
func WithBus(bus eventbus.Bus) Option {
	return func(c *Coordinator) { c.bus = bus }
}

// WithLockTimeout overrides the lock acquisition budget.
func WithLockTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.lockTimeout = d }
}

// WithSlowThreshold overrides the wait above which a successful
// acquisition is logged as slow.
func WithSlowThreshold(d time.Duration) Option {
	return func(c *Coordinator) { c.slowThreshold = d }
}

// WithTracing enables OpenTelemetry spans around each coordinated
// transaction.
func WithTracing() Option {
	return func(c *Coordinator) { c.traceEnabled = true }
}

// New returns a Coordinator using the provided pool.
func New(pool *pgxpool.Pool, opts ...Option) *Coordinator {
	c := &Coordinator{
		pool:          pool,
		lockTimeout:   DefaultLockTimeout,
		slowThreshold: DefaultSlowThreshold,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pool exposes the underlying connection pool, for reads that do not
// need coordination.
func (c *Coordinator) Pool() *pgxpool.Pool { return c.pool }

// Bus returns the attached event bus, or nil.
func (c *Coordinator) Bus() eventbus.Bus { return c.bus }

// Tx is the handle a unit of work runs against. It embeds the open
// pgx transaction and buffers events for post-commit publication.
// The coordinator owns the transaction's fate: calling Commit or
// Rollback from inside the callback breaks the protocol.
type Tx struct {
	pgx.Tx
	queue *eventbus.TxQueue
}

// Publish queues an event for delivery after a successful commit. If
// the transaction rolls back the event is discarded.
func (t *Tx) Publish(topic string, payload []byte) {
	t.queue.Add(eventbus.NewEvent(topic, payload))
}

// PublishEvent queues a pre-built event for delivery after commit.
func (t *Tx) PublishEvent(ev eventbus.Event) {
	t.queue.Add(ev)
}

// Options generalizes a coordinated transaction: an optional isolation
// level and an optional set of locks to hold for its duration.
type Options struct {
	IsoLevel pgx.TxIsoLevel
	Locks    []locks.Spec
}

// WithLock runs fn in a transaction holding the single advisory lock
// for (d, id). The lock releases itself at commit or rollback.
func WithLock[T any](ctx context.Context, c *Coordinator, d locks.Domain, id int64, fn func(*Tx) (T, error)) (T, error) {
	return WithTx(ctx, c, Options{Locks: []locks.Spec{{Domain: d, ID: id}}}, fn)
}

// WithLocks runs fn in a transaction holding every lock in specs,
// acquired in canonical order so overlapping lock sets cannot
// deadlock.
func WithLocks[T any](ctx context.Context, c *Coordinator, specs []locks.Spec, fn func(*Tx) (T, error)) (T, error) {
	return WithTx(ctx, c, Options{Locks: specs}, fn)
}

// WithTx runs fn per opts: begin (at the isolation level, if set),
// acquire the locks in canonical order under the acquisition budget,
// run fn, commit, flush queued events. Any failure rolls the whole
// transaction back; fn's own error comes back unwrapped so callers
// can branch on the domain sentinels.
func WithTx[T any](ctx context.Context, c *Coordinator, opts Options, fn func(*Tx) (T, error)) (T, error) {
	var zero T

	if c.traceEnabled {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "txn.WithTx",
			trace.WithAttributes(attribute.Int("locks", len(opts.Locks))))
		defer span.End()
	}

	tx, err := c.begin(ctx, opts.IsoLevel)
	if err != nil {
		return zero, &lockerrors.TxError{Op: "begin", Err: err}
	}
	defer tx.Rollback(ctx) // no-op once committed

	if len(opts.Locks) > 0 {
		if err := c.acquire(ctx, tx, opts.Locks); err != nil {
			metrics.TxCounter.WithLabelValues("rolled_back").Inc()
			return zero, err
		}
	}

	queue := eventbus.NewTxQueue()
	out, err := fn(&Tx{Tx: tx, queue: queue})
	if err != nil {
		metrics.TxCounter.WithLabelValues("rolled_back").Inc()
		return zero, err
	}

	if err := tx.Commit(ctx); err != nil {
		metrics.TxCounter.WithLabelValues("rolled_back").Inc()
		return zero, &lockerrors.TxError{Op: "commit", Err: err}
	}
	metrics.TxCounter.WithLabelValues("committed").Inc()

	c.flush(ctx, queue)
	return out, nil
}

// WithTryLock attempts the lock for (d, id) without blocking. When the
// lock is busy it returns ok=false with a nil error: the transaction
// is rolled back and fn never ran. This is the idiom for "skip this
// tick, someone else is already on it." When fn runs, ok is true even
// if fn fails.
func WithTryLock[T any](ctx context.Context, c *Coordinator, d locks.Domain, id int64, fn func(*Tx) (T, error)) (T, bool, error) {
	var zero T

	if c.traceEnabled {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "txn.WithTryLock",
			trace.WithAttributes(attribute.String("domain", d.String()), attribute.Int64("id", id)))
		defer span.End()
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return zero, false, &lockerrors.TxError{Op: "begin", Err: err}
	}
	defer tx.Rollback(ctx)

	got, err := locks.TryAcquireTx(ctx, tx, locks.Spec{Domain: d, ID: id})
	if err != nil {
		return zero, false, &lockerrors.TxError{Op: "try lock", Err: err}
	}
	if !got {
		return zero, false, nil
	}

	queue := eventbus.NewTxQueue()
	out, err := fn(&Tx{Tx: tx, queue: queue})
	if err != nil {
		metrics.TxCounter.WithLabelValues("rolled_back").Inc()
		return zero, true, err
	}
	if err := tx.Commit(ctx); err != nil {
		metrics.TxCounter.WithLabelValues("rolled_back").Inc()
		return zero, true, &lockerrors.TxError{Op: "commit", Err: err}
	}
	metrics.TxCounter.WithLabelValues("committed").Inc()

	c.flush(ctx, queue)
	return out, true, nil
}

func (c *Coordinator) begin(ctx context.Context, iso pgx.TxIsoLevel) (pgx.Tx, error) {
	if iso == "" {
		return c.pool.Begin(ctx)
	}
	return c.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: iso})
}

// acquire takes every lock in canonical order under one lock_timeout
// budget, then clears the budget so it cannot leak into the caller's
// statements.
func (c *Coordinator) acquire(ctx context.Context, tx pgx.Tx, specs []locks.Spec) error {
	ordered := locks.Order(specs)
	if err := locks.SetLocalTimeout(ctx, tx, c.lockTimeout); err != nil {
		return &lockerrors.TxError{Op: "set lock_timeout", Err: err}
	}
	for _, s := range ordered {
		start := time.Now()
		err := locks.AcquireTx(ctx, tx, s, c.lockTimeout)
		wait := time.Since(start)
		metrics.LockAcquireDuration.WithLabelValues(s.Domain.String()).Observe(wait.Seconds())
		if err != nil {
			if errors.Is(err, lockerrors.ErrLockTimeout) {
				metrics.LockTimeoutCounter.WithLabelValues(s.Domain.String()).Inc()
				slog.Warn("lockstep: lock acquisition timed out",
					"domain", s.Domain.String(), "id", s.ID, "timeout", c.lockTimeout)
			}
			return err
		}
		if wait > c.slowThreshold {
			slog.Warn("lockstep: slow lock acquisition",
				"domain", s.Domain.String(), "id", s.ID, "wait", wait)
		}
	}
	if err := locks.SetLocalTimeout(ctx, tx, 0); err != nil {
		return &lockerrors.TxError{Op: "reset lock_timeout", Err: err}
	}
	return nil
}

// flush publishes the queued events. The transaction is already
// committed, so failures here are a fan-out problem, not a
// consistency one: they are logged and dropped, and clients re-sync
// from the database.
func (c *Coordinator) flush(ctx context.Context, queue *eventbus.TxQueue) {
	n := queue.Len()
	if c.bus == nil || n == 0 {
		queue.Discard()
		return
	}
	if err := queue.Flush(ctx, c.bus); err != nil {
		slog.Warn("lockstep: post-commit event publish failed", "events", n, "error", err)
		return
	}
	metrics.EventsPublished.Add(float64(n))
}
