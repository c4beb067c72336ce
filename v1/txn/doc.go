// Package txn coordinates units of work against the database: each
// run opens a transaction, takes the requested advisory locks in
// canonical order under a bounded acquisition budget, executes the
// caller's function, commits, and only then flushes any events the
// function queued. Rollback discards the queue, so subscribers never
// hear about state the database threw away.
//
// The run functions are package-level generics (methods cannot take
// type parameters): WithLock, WithLocks, WithTryLock, and the general
// WithTx.
package txn
