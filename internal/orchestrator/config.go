// Package orchestrator wires the pressure controller, VOI scheduler, scoring
// engine, policy engine, ballast coordinator, walker, and executor into one
// running daemon: one monitor loop that ticks the control loop for every mount,
// a pool of scanner/executor worker goroutines fed by bounded queues, and a
// health-check supervisor that respawns a worker that panics up to a fixed
// number of times before giving up on it.
package orchestrator

import (
	"math"
	"sync/atomic"

	"github.com/diskguardian/diskguardian/internal/config"
)

// SharedConfig holds the subset of live configuration the scanner and
// executor workers read on every iteration without a channel round-trip:
// dry_run, max_batch_size, and min_score all change on SIGHUP without
// requiring the workers to be respawned, mirroring the teacher's
// SharedExecutorConfig atomics.
type SharedConfig struct {
	dryRun       atomic.Bool
	maxBatchSize atomic.Int64
	minScoreBits atomic.Uint64
}

// NewSharedConfig constructs a SharedConfig from the scanner/scoring config
// sections.
func NewSharedConfig(scanner config.ScannerConfig, scoring config.ScoringConfig) *SharedConfig {
	sc := &SharedConfig{}
	sc.Store(scanner, scoring)
	return sc
}

// Store applies a full config section atomically. Each field is still
// updated independently (not under a single lock) since workers only ever
// need a consistent-enough snapshot, never transactional atomicity across
// all three fields.
func (sc *SharedConfig) Store(scanner config.ScannerConfig, scoring config.ScoringConfig) {
	sc.dryRun.Store(scanner.DryRun)
	sc.maxBatchSize.Store(int64(scanner.MaxDeleteBatch))
	sc.minScoreBits.Store(math.Float64bits(scoring.MinScore))
}

// DryRun reports whether deletions are currently simulated only.
func (sc *SharedConfig) DryRun() bool { return sc.dryRun.Load() }

// MaxBatchSize returns the current per-batch deletion cap.
func (sc *SharedConfig) MaxBatchSize() int { return int(sc.maxBatchSize.Load()) }

// MinScore returns the current minimum candidacy score required for deletion.
func (sc *SharedConfig) MinScore() float64 { return math.Float64frombits(sc.minScoreBits.Load()) }
