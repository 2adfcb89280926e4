package orchestrator

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/diskguardian/diskguardian/internal/executor"
	"github.com/diskguardian/diskguardian/internal/model"
	"github.com/diskguardian/diskguardian/internal/policy"
	"github.com/diskguardian/diskguardian/internal/telemetry"
	"github.com/diskguardian/diskguardian/internal/walker"
)

// RunExecutorWorker receives scored batches from the scanner, gates every
// candidate through the Policy Engine, and executes only the candidates
// the engine actually approved for this tick's operational stage.
//
// The Scoring Engine's own Decision.Action (Keep/Review/Delete) is never
// used directly to decide what gets deleted: only the Policy Engine's
// EffectiveAction, which accounts for the current policy mode, the canary
// rate limit, and the adaptive guardrail, may authorize a deletion.
func RunExecutorWorker(
	ctx context.Context,
	execCh <-chan DeletionBatch,
	reportCh chan<- WorkerReport,
	logCh chan<- LogEvent,
	dropped *atomic.Uint64,
	policyEngine *policy.Engine,
	shared *SharedConfig,
	exec *executor.Executor,
	explainLevel policy.ExplainLevel,
	metrics *telemetry.Metrics,
	logger *zap.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-execCh:
			if !ok {
				return
			}
			runDeletionBatch(batch, reportCh, logCh, dropped, policyEngine, shared, exec, explainLevel, metrics, logger)
		}
	}
}

func runDeletionBatch(
	batch DeletionBatch,
	reportCh chan<- WorkerReport,
	logCh chan<- LogEvent,
	dropped *atomic.Uint64,
	policyEngine *policy.Engine,
	shared *SharedConfig,
	exec *executor.Executor,
	explainLevel policy.ExplainLevel,
	metrics *telemetry.Metrics,
	logger *zap.Logger,
) {
	now := time.Now()

	// Candidates arrive sorted score-descending from the Scoring Engine;
	// filtering to the gated (approved-for-deletion) subset preserves that
	// order, so no re-sort is needed here.
	gated := make([]model.CandidacyScore, 0, len(batch.Candidates))
	for _, c := range batch.Candidates {
		rec, err := policyEngine.Evaluate(c, now, explainLevel)
		if err != nil {
			logger.Warn("policy evaluation failed", zap.String("path", c.Candidate.Path), zap.Error(err))
		}
		sendLogEvent(logCh, LogEvent{Kind: LogDecision, Decision: rec}, dropped)

		if rec.EffectiveAction == model.ActionDelete {
			gated = append(gated, c)
		}
	}

	if maxBatch := shared.MaxBatchSize(); maxBatch > 0 && len(gated) > maxBatch {
		gated = gated[:maxBatch]
	}

	plan := executor.Plan{Candidates: gated}
	isOpen := buildOpenChecker(gated)
	report := exec.Execute(plan, now, isOpen)

	if metrics != nil {
		metrics.DeletionsTotal.WithLabelValues(string(policyEngine.State().Mode())).Add(float64(report.ItemsDeleted))
		metrics.BytesFreedTotal.Add(float64(report.BytesFreed))
		if report.CircuitBreakerTripped {
			metrics.ExecutorCircuitBreakerTripsTotal.Inc()
		}
	}

	wr := WorkerReport{
		Kind:       ReportDeletionCompleted,
		Deleted:    uint64(report.ItemsDeleted),
		BytesFreed: report.BytesFreed,
		Failed:     uint64(report.ItemsFailed),
	}
	select {
	case reportCh <- wr:
	default:
		logger.Debug("deletion report dropped, report channel full")
		if metrics != nil {
			metrics.QueueDroppedTotal.WithLabelValues("report", "full").Inc()
		}
	}
}

// buildOpenChecker re-derives the open-file ancestor set immediately
// before deletion, scoped to the mounts the gated batch actually touches.
// This is deliberately a fresh computation rather than reusing the
// Candidate.IsOpen flag from scan time: a file can be opened by a process
// in the window between scoring and deletion, and the executor's contract
// is a last-chance check right before removal.
func buildOpenChecker(candidates []model.CandidacyScore) executor.OpenChecker {
	rootSet := make(map[string]struct{})
	for _, c := range candidates {
		rootSet[c.Candidate.Mount] = struct{}{}
	}
	roots := make([]string, 0, len(rootSet))
	for r := range rootSet {
		roots = append(roots, r)
	}
	ancestors := walker.CollectOpenPathAncestors(roots)
	return func(path string) bool {
		return walker.IsPathOpenByAncestor(path, ancestors)
	}
}
