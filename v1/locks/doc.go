// Package locks defines the advisory-lock namespace shared by every
// lockstep component and the SQL operations that acquire locks in it.
// Each domain owns a disjoint 100M-wide key range, so keys never
// collide across domains, and carries a fixed priority used to order
// multi-lock acquisitions deterministically. Transaction-scoped locks
// release themselves at commit or rollback; session-scoped locks pin
// the acquiring connection and must be released on it.
package locks
