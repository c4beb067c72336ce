// Package errors defines the shared error taxonomy for lockstep.
//
// Every failure surfaced by the library wraps one of the sentinel
// values below, so callers can branch with errors.Is without caring
// which package produced the failure. A few typed errors carry extra
// context (which lock timed out, which write went stale); they all
// unwrap to their sentinel.
package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrLockTimeout reports that an advisory lock could not be
	// acquired within the configured lock_timeout.
	ErrLockTimeout = errors.New("lockstep: lock acquisition timed out")

	// ErrStaleState reports that a compare-and-set write found the row
	// in a different state than the caller observed.
	ErrStaleState = errors.New("lockstep: stale state")

	// ErrNotFound reports that the addressed entity does not exist.
	ErrNotFound = errors.New("lockstep: not found")

	// ErrValidation reports input rejected before any state was touched.
	ErrValidation = errors.New("lockstep: validation failed")

	// ErrTxFailure reports an infrastructure-level transaction failure
	// (begin, commit, or an unclassified execution error).
	ErrTxFailure = errors.New("lockstep: transaction failed")

	// ErrNotLeader reports an operation that requires leadership on a
	// node that does not currently hold it.
	ErrNotLeader = errors.New("lockstep: not leader")
)

// LockTimeoutError is returned when a blocking advisory-lock
// acquisition exceeds its lock_timeout. It identifies the lock that
// could not be taken so callers can report which resource is contended.
type LockTimeoutError struct {
	Domain  string
	ID      int64
	Key     int64
	Timeout time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lockstep: lock %s/%d (key %d) not acquired within %s",
		e.Domain, e.ID, e.Key, e.Timeout)
}

// Is makes errors.Is(err, ErrLockTimeout) succeed.
func (e *LockTimeoutError) Is(target error) bool { return target == ErrLockTimeout }

// StaleStateError is returned when a conditional update matched zero
// rows because another writer advanced the entity first.
type StaleStateError struct {
	Entity string
	ID     int64
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("lockstep: %s %d changed since read", e.Entity, e.ID)
}

// Is makes errors.Is(err, ErrStaleState) succeed.
func (e *StaleStateError) Is(target error) bool { return target == ErrStaleState }

// ValidationError is returned for requests rejected by domain rules
// before any lock is taken or row written.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "lockstep: validation failed: " + e.Reason
}

// Is makes errors.Is(err, ErrValidation) succeed.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// TxError wraps an infrastructure failure from the transaction
// coordinator, recording which phase failed.
type TxError struct {
	Op  string // "begin", "commit", "rollback", or the failing statement's phase
	Err error
}

func (e *TxError) Error() string {
	return fmt.Sprintf("lockstep: tx %s: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTxFailure) succeed.
func (e *TxError) Is(target error) bool { return target == ErrTxFailure }
