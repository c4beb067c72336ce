package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	lockerrors "github.com/draftwire/lockstep/v1/errors"
)

// Querier is the subset of pgx executors the lock helpers need. Both
// pgx.Tx and *pgxpool.Conn satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SQLSTATE codes raised when the server cuts a lock wait short.
const (
	codeLockNotAvailable = "55P03" // lock_timeout fired
	codeQueryCanceled    = "57014" // cancel request, e.g. context deadline
)

// SetLocalTimeout sets lock_timeout for the current transaction.
// Durations at or below zero disable the timeout. The setting reverts
// automatically at transaction end (SET LOCAL).
func SetLocalTimeout(ctx context.Context, q Querier, d time.Duration) error {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	// SET LOCAL is a utility statement; it does not take bind
	// parameters. ms is an integer, so interpolation is safe.
	if _, err := q.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", ms)); err != nil {
		return fmt.Errorf("set lock_timeout: %w", err)
	}
	return nil
}

// AcquireTx blocks until the transaction-scoped advisory lock for s is
// granted. The wait is bounded by the session's lock_timeout (set it
// with SetLocalTimeout first); when the server gives up waiting the
// error comes back as *errors.LockTimeoutError. The lock releases
// itself when the transaction commits or rolls back.
func AcquireTx(ctx context.Context, q Querier, s Spec, timeout time.Duration) error {
	if _, err := q.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", s.Key()); err != nil {
		if isLockWaitCut(err) {
			return &lockerrors.LockTimeoutError{
				Domain:  s.Domain.String(),
				ID:      s.ID,
				Key:     s.Key(),
				Timeout: timeout,
			}
		}
		return fmt.Errorf("advisory xact lock %s/%d: %w", s.Domain, s.ID, err)
	}
	return nil
}

// TryAcquireTx attempts the transaction-scoped advisory lock for s
// without waiting. It reports whether the lock was granted; false with
// a nil error means another session holds it.
func TryAcquireTx(ctx context.Context, q Querier, s Spec) (bool, error) {
	var got bool
	err := q.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)", s.Key()).Scan(&got)
	if err != nil {
		return false, fmt.Errorf("try advisory xact lock %s/%d: %w", s.Domain, s.ID, err)
	}
	return got, nil
}

func isLockWaitCut(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == codeLockNotAvailable || pgErr.Code == codeQueryCanceled
}

// SessionLock is a held session-scoped advisory lock. It pins the
// connection that acquired it: the lock survives any number of
// transactions and only goes away when Release runs on that same
// connection (or the connection dies). Used for leadership, where the
// protected work spans several transactions.
type SessionLock struct {
	conn *pgxpool.Conn
	spec Spec
}

// TryAcquireSession checks a dedicated connection out of the pool and
// attempts the session-scoped advisory lock for s without waiting. On
// a miss the connection goes straight back to the pool and ok is
// false. On a hit the returned SessionLock owns the connection until
// Release.
func TryAcquireSession(ctx context.Context, pool *pgxpool.Pool, s Spec) (*SessionLock, bool, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}
	var got bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", s.Key()).Scan(&got); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock %s/%d: %w", s.Domain, s.ID, err)
	}
	if !got {
		conn.Release()
		return nil, false, nil
	}
	return &SessionLock{conn: conn, spec: s}, true, nil
}

// Spec returns the lock this handle holds.
func (l *SessionLock) Spec() Spec { return l.spec }

// Querier exposes the pinned connection, for callers that want to run
// statements on the exact session holding the lock.
func (l *SessionLock) Querier() Querier { return l.conn }

// Release unlocks on the pinned connection and returns it to the pool.
// If the unlock cannot be confirmed, the connection is removed from
// the pool instead of reused: a session that might still hold the lock
// must never serve another caller, or leadership leaks silently.
// Release is idempotent.
func (l *SessionLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	conn := l.conn
	l.conn = nil

	var unlocked bool
	err := conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", l.spec.Key()).Scan(&unlocked)
	if err != nil {
		conn.Hijack().Close(ctx)
		return fmt.Errorf("advisory unlock %s/%d: %w", l.spec.Domain, l.spec.ID, err)
	}
	conn.Release()
	if !unlocked {
		return fmt.Errorf("advisory unlock %s/%d: not held by this session", l.spec.Domain, l.spec.ID)
	}
	return nil
}
