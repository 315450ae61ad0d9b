package progression

import "sync/atomic"

// ConcurrencyGuard serializes sweeps: at most one full pass over the leads
// may be in flight per engine, no matter whether the trigger is the
// scheduler's timer or a manual call. A trigger that loses the race is
// skipped outright, never queued, so overlapping triggers can never
// double-transition a lead.
//
// Acquisition is a single compare-and-swap; a check-then-set on a plain
// bool would leave a window where two triggers both see "idle".
type ConcurrencyGuard struct {
	busy atomic.Bool
}

// TryAcquire attempts to claim the guard. It never blocks; false means a
// sweep is already running and the caller must skip this trigger.
func (g *ConcurrencyGuard) TryAcquire() bool {
	return g.busy.CompareAndSwap(false, true)
}

// Release frees the guard. Only the caller whose TryAcquire returned true
// may call it, once, when its sweep has fully finished.
func (g *ConcurrencyGuard) Release() {
	g.busy.Store(false)
}
