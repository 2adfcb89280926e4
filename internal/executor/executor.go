// Package executor performs the actual deletion of candidates the Policy
// Engine has approved: it batches, re-checks for concurrent opens
// immediately before removing anything, and trips a circuit breaker if
// deletions start failing in a row so a single bad mount can't turn into a
// storm of failed syscalls.
package executor

import (
	"os"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/diskguardian/diskguardian/internal/model"
)

// Config parameterizes one Executor. DryRun, MaxBatchSize, and MinScore are
// the fields the orchestrator updates live through Executor.UpdateConfig on
// config reload (SIGHUP).
type Config struct {
	MaxBatchSize            int
	DryRun                  bool
	MinScore                float64
	CheckOpenFiles          bool
	CircuitBreakerThreshold int
	CircuitBreakerCooldown  time.Duration
}

// DefaultConfig returns conservative defaults; callers always override
// MaxBatchSize/DryRun/MinScore from config.ScannerConfig/ScoringConfig.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:            20,
		DryRun:                  true,
		MinScore:                0.6,
		CheckOpenFiles:          true,
		CircuitBreakerThreshold: 5,
		CircuitBreakerCooldown:  2 * time.Minute,
	}
}

// Plan is the ordered, size-bounded batch of candidates an Executor will
// attempt to delete.
type Plan struct {
	Candidates []model.CandidacyScore
}

// Report summarizes one Execute call.
type Report struct {
	ItemsDeleted          int
	ItemsFailed           int
	ItemsSkipped          int
	BytesFreed            uint64
	Duration              time.Duration
	CircuitBreakerTripped bool
}

// OpenChecker reports whether path is currently open by some process. The
// orchestrator supplies one backed by walker.CollectOpenPathAncestors.
type OpenChecker func(path string) bool

// Executor deletes approved candidates in score-descending order, honoring
// dry_run and a circuit breaker over consecutive failures.
type Executor struct {
	cfg    Config
	logger *zap.Logger

	consecutiveFailures int
	breakerOpenUntil    time.Time
}

// New constructs an Executor.
func New(cfg Config, logger *zap.Logger) *Executor {
	return &Executor{cfg: cfg, logger: logger}
}

// UpdateConfig applies new configuration, e.g. after a SIGHUP reload.
func (e *Executor) UpdateConfig(cfg Config) {
	e.cfg = cfg
}

// CircuitOpen reports whether the breaker is currently refusing batches.
func (e *Executor) CircuitOpen(now time.Time) bool {
	return now.Before(e.breakerOpenUntil)
}

// Plan filters candidates below MinScore or already vetoed/non-Delete, then
// sorts by score descending with path as a stable tie-break, and truncates
// to MaxBatchSize.
func (e *Executor) Plan(candidates []model.CandidacyScore) Plan {
	filtered := make([]model.CandidacyScore, 0, len(candidates))
	for _, c := range candidates {
		if c.Vetoed || c.Decision.Action != model.ActionDelete {
			continue
		}
		if c.TotalScore < e.cfg.MinScore {
			continue
		}
		filtered = append(filtered, c)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].TotalScore != filtered[j].TotalScore {
			return filtered[i].TotalScore > filtered[j].TotalScore
		}
		return filtered[i].Candidate.Path < filtered[j].Candidate.Path
	})

	maxBatch := e.cfg.MaxBatchSize
	if maxBatch > 0 && len(filtered) > maxBatch {
		filtered = filtered[:maxBatch]
	}

	return Plan{Candidates: filtered}
}

// Execute deletes every candidate in plan in order, re-checking for
// concurrent opens immediately before each removal. If the breaker is
// currently open (tripped by a prior Execute call and not yet cooled down),
// the whole plan is skipped.
func (e *Executor) Execute(plan Plan, now time.Time, isOpen OpenChecker) Report {
	start := time.Now()
	report := Report{}

	if e.CircuitOpen(now) {
		report.ItemsSkipped = len(plan.Candidates)
		report.Duration = time.Since(start)
		return report
	}

	for _, cand := range plan.Candidates {
		path := cand.Candidate.Path

		if e.cfg.CheckOpenFiles && isOpen != nil && isOpen(path) {
			report.ItemsSkipped++
			continue
		}

		if e.cfg.DryRun {
			report.ItemsDeleted++
			report.BytesFreed += cand.Candidate.SizeBytes
			e.consecutiveFailures = 0
			continue
		}

		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				// Already gone: treat as a skip, not a failure — it is not
				// evidence the path is unsafe to delete.
				report.ItemsSkipped++
				continue
			}
			report.ItemsFailed++
			e.consecutiveFailures++
			if e.logger != nil {
				e.logger.Warn("deletion failed", zap.String("path", path), zap.Error(err))
			}
			if e.consecutiveFailures >= e.cfg.CircuitBreakerThreshold {
				e.breakerOpenUntil = now.Add(e.cfg.CircuitBreakerCooldown)
				report.CircuitBreakerTripped = true
				report.Duration = time.Since(start)
				return report
			}
			continue
		}

		report.ItemsDeleted++
		report.BytesFreed += cand.Candidate.SizeBytes
		e.consecutiveFailures = 0
	}

	report.Duration = time.Since(start)
	return report
}
