package locks

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	lockerrors "github.com/draftwire/lockstep/v1/errors"
)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("LOCKSTEP_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("LOCKSTEP_TEST_DATABASE_URL not set; skipping database integration test")
	}
	pool, err := pgxpool.New(context.Background(), url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// testSpec returns a spec unlikely to collide with other runs against
// a shared database.
func testSpec(t *testing.T, d Domain) Spec {
	t.Helper()
	return Spec{Domain: d, ID: time.Now().UnixNano() % rangeWidth}
}

func TestTryAcquireTxExcludes(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	spec := testSpec(t, Roster)

	tx1, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx1.Rollback(ctx)

	if ok, err := TryAcquireTx(ctx, tx1, spec); err != nil || !ok {
		t.Fatalf("first try: ok %v err %v", ok, err)
	}

	tx2, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx2.Rollback(ctx)

	if ok, err := TryAcquireTx(ctx, tx2, spec); err != nil || ok {
		t.Fatalf("expected lock busy, ok %v err %v", ok, err)
	}

	// Rollback releases the xact-scoped lock.
	if err := tx1.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if ok, err := TryAcquireTx(ctx, tx2, spec); err != nil || !ok {
		t.Fatalf("expected lock free after rollback, ok %v err %v", ok, err)
	}
}

func TestAcquireTxLockTimeout(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	spec := testSpec(t, Trade)

	holder, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer holder.Rollback(ctx)
	if err := AcquireTx(ctx, holder, spec, time.Second); err != nil {
		t.Fatalf("holder acquire: %v", err)
	}

	waiter, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer waiter.Rollback(ctx)

	const budget = 100 * time.Millisecond
	if err := SetLocalTimeout(ctx, waiter, budget); err != nil {
		t.Fatalf("set timeout: %v", err)
	}
	start := time.Now()
	err = AcquireTx(ctx, waiter, spec, budget)
	if err == nil {
		t.Fatal("expected lock timeout")
	}
	if !errors.Is(err, lockerrors.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	var lte *lockerrors.LockTimeoutError
	if !errors.As(err, &lte) {
		t.Fatalf("expected *LockTimeoutError, got %T", err)
	}
	if lte.Key != spec.Key() || lte.Domain != "trade" {
		t.Fatalf("timeout error names wrong lock: %+v", lte)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("server did not stop waiting: %s", elapsed)
	}
}

func TestSessionLockExclusiveUntilRelease(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	spec := testSpec(t, Job)

	held, ok, err := TryAcquireSession(ctx, pool, spec)
	if err != nil || !ok {
		t.Fatalf("first session acquire: ok %v err %v", ok, err)
	}

	if _, ok, err := TryAcquireSession(ctx, pool, spec); err != nil || ok {
		t.Fatalf("expected session lock busy, ok %v err %v", ok, err)
	}

	if err := held.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	// Idempotent.
	if err := held.Release(ctx); err != nil {
		t.Fatalf("second release: %v", err)
	}

	again, ok, err := TryAcquireSession(ctx, pool, spec)
	if err != nil || !ok {
		t.Fatalf("re-acquire after release: ok %v err %v", ok, err)
	}
	if err := again.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestSessionLockSurvivesTransactions(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	spec := testSpec(t, Job)

	held, ok, err := TryAcquireSession(ctx, pool, spec)
	if err != nil || !ok {
		t.Fatalf("session acquire: ok %v err %v", ok, err)
	}
	defer held.Release(ctx)

	// Transactions on other connections commit without touching the
	// session-scoped lock.
	for i := 0; i < 3; i++ {
		tx, err := pool.Begin(ctx)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if _, err := tx.Exec(ctx, "SELECT 1"); err != nil {
			t.Fatalf("exec: %v", err)
		}
		if err := tx.Commit(ctx); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	if _, ok, err := TryAcquireSession(ctx, pool, spec); err != nil || ok {
		t.Fatalf("lock should still be held, ok %v err %v", ok, err)
	}
}
