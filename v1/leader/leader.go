// Package leader elects exactly one process instance to run a
// scheduled job, using a session-scoped advisory lock. The lock is
// session-scoped rather than transaction-scoped because the protected
// work may open and close many transactions; tying leadership to one
// transaction would drop it mid-job. The acquiring connection is the
// releasing connection: unlocking from anywhere else is a silent
// no-op that leaks leadership forever.
package leader

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/draftwire/lockstep/v1/locks"
	"github.com/draftwire/lockstep/v1/metrics"
)

// Elector campaigns for one well-known job lock. Construct one per
// job; it is safe for concurrent use, though only one campaign per
// process is useful.
type Elector struct {
	pool *pgxpool.Pool
	job  string
	id   int64
}

// New returns an Elector for the named job. The id must be the job's
// agreed well-known id: every process that should compete for the
// same job passes the same id.
func New(pool *pgxpool.Pool, job string, id int64) *Elector {
	return &Elector{pool: pool, job: job, id: id}
}

// Job returns the job name this elector campaigns for.
func (e *Elector) Job() string { return e.job }

// Spec returns the lock the elector campaigns for.
func (e *Elector) Spec() locks.Spec {
	return locks.Spec{Domain: locks.Job, ID: e.id}
}

// RunAsLeader attempts the job's session lock without blocking. On a
// miss it reports ok=false and fn never runs: some other instance is
// the leader this tick. On a hit it runs fn (which may open any
// number of transactions) and releases the lock on the acquiring
// connection when fn returns, whatever fn's outcome.
func RunAsLeader[T any](ctx context.Context, e *Elector, fn func(context.Context) (T, error)) (T, bool, error) {
	var zero T

	held, ok, err := locks.TryAcquireSession(ctx, e.pool, e.Spec())
	if err != nil {
		return zero, false, err
	}
	if !ok {
		return zero, false, nil
	}

	metrics.LeaderGauge.WithLabelValues(e.job).Set(1)
	defer func() {
		metrics.LeaderGauge.WithLabelValues(e.job).Set(0)
		// Release destroys the connection when the unlock cannot be
		// confirmed, so a failure here cannot leak leadership.
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("lockstep: leader lock release failed", "job", e.job, "error", err)
		}
	}()

	out, err := fn(ctx)
	return out, true, err
}
