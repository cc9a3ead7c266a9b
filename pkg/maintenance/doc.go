// Package maintenance runs the background jobs that keep the pool and the
// session stores healthy: idle sweeps, replenishment and retention.
//
// Invariants:
// - A job never overlaps itself; a fire during a run is skipped.
// - Interval jobs measure their interval from each completion.
// - Stop waits for in-flight runs before returning.
package maintenance
