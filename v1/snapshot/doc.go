// Package snapshot serves read-mostly projections (draft boards, lot
// pages, standings) from a cache in front of a loader. Keys double as
// bus topics: a store subscribed to the bus invalidates an entry the
// moment the write path publishes on its topic, so readers converge on
// committed state without polling.
package snapshot
