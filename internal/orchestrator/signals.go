package orchestrator

import "sync/atomic"

// Signals holds the small set of externally-triggered latch flags the
// monitor loop polls once per tick rather than blocking on: graceful
// shutdown, config reload, and an operator-forced scan. Each flag clears
// itself the moment the loop observes it set, so a signal delivered while
// the loop is mid-tick is picked up on the very next iteration rather than
// lost or double-handled.
type Signals struct {
	shutdown   atomic.Bool
	reload     atomic.Bool
	forcedScan atomic.Bool
}

// RequestShutdown latches a graceful-shutdown request.
func (s *Signals) RequestShutdown() { s.shutdown.Store(true) }

// RequestReload latches a config-reload request.
func (s *Signals) RequestReload() { s.reload.Store(true) }

// RequestForcedScan latches an operator-forced immediate scan.
func (s *Signals) RequestForcedScan() { s.forcedScan.Store(true) }

// TakeShutdown reports and clears the shutdown flag.
func (s *Signals) TakeShutdown() bool { return s.shutdown.Swap(false) }

// TakeReload reports and clears the reload flag.
func (s *Signals) TakeReload() bool { return s.reload.Swap(false) }

// TakeForcedScan reports and clears the forced-scan flag.
func (s *Signals) TakeForcedScan() bool { return s.forcedScan.Swap(false) }
