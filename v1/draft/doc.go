// Package draft manages a league's draft: the slot-selection derby
// that fixes the pick order, and the live draft whose picks advance
// under a compare-and-set guard.
//
// Every mutation runs inside a coordinated transaction holding the
// draft's advisory lock. The lock serializes concurrent writers; the
// conditional UPDATE underneath catches sequential staleness between a
// caller's read and write (a timeout job settling state between two
// correctly-locked critical sections, for instance). Losing either
// race surfaces as a distinct stale-state conflict, never a silent
// no-op.
package draft
