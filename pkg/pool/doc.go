// Package pool manages a reusable set of live agent-session handles.
//
// Invariants:
// - An entry's handle belongs to exactly one holder at a time.
// - Keys are unique; a rekey is one atomic delete+insert under the pool lock.
// - Only free entries are evicted; replenishment never blocks acquire/release.
//
// Usage:
//
//	mgr, _ := pool.NewManager(pool.Config{Provider: provider, TargetSize: 3})
//	entry, _ := mgr.Acquire(ctx, "")
//	defer mgr.Release(entry)
package pool
