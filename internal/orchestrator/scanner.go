package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/diskguardian/diskguardian/internal/model"
	"github.com/diskguardian/diskguardian/internal/scoring"
	"github.com/diskguardian/diskguardian/internal/telemetry"
	"github.com/diskguardian/diskguardian/internal/walker"
)

// RunScannerWorker receives scan requests from the rendezvous channel,
// walks the requested roots, scores every walked file, hands the scored
// batch to an executor worker, and reports a summary back to the monitor.
// It blocks on the executor channel send (cap 64): a slow executor
// naturally throttles how fast the scanner can walk ahead of it.
func RunScannerWorker(
	ctx context.Context,
	id string,
	reqCh <-chan ScanRequest,
	execCh chan<- DeletionBatch,
	reportCh chan<- WorkerReport,
	walkerCfg func() walker.Config,
	scoringEngine *scoring.Engine,
	metrics *telemetry.Metrics,
	logger *zap.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-reqCh:
			if !ok {
				return
			}
			runScanRequest(ctx, req, execCh, reportCh, walkerCfg, scoringEngine, metrics, logger)
		}
	}
}

func runScanRequest(
	ctx context.Context,
	req ScanRequest,
	execCh chan<- DeletionBatch,
	reportCh chan<- WorkerReport,
	walkerCfg func() walker.Config,
	scoringEngine *scoring.Engine,
	metrics *telemetry.Metrics,
	logger *zap.Logger,
) {
	start := time.Now()

	cfg := walkerCfg()
	cfg.RootPaths = req.Roots
	w := walker.New(cfg)
	openAncestors := walker.CollectOpenPathAncestors(req.Roots)

	rootStats := make(map[string]*RootScanResult, len(req.Roots))
	for _, r := range req.Roots {
		rootStats[r] = &RootScanResult{Path: r}
	}

	now := time.Now()
	var candidates []model.Candidate
	for entry := range w.Stream(ctx) {
		_, isOpen := openAncestors[entry.Path]
		cand := model.Candidate{
			Path:      entry.Path,
			SizeBytes: entry.SizeBytes,
			Age:       now.Sub(entry.ModTime),
			Signals:   walker.DetectSignals(entry.Path),
			IsOpen:    isOpen,
			Mount:     entry.Mount,
		}
		candidates = append(candidates, cand)
		if rs, ok := rootStats[entry.Mount]; ok {
			rs.CandidatesFound++
			rs.PotentialBytes += entry.SizeBytes
		}
	}

	scored := scoringEngine.ScoreBatch(candidates, req.Urgency)
	for _, sc := range scored {
		if sc.Vetoed {
			if rs, ok := rootStats[sc.Candidate.Mount]; ok {
				rs.FalsePositives++
			}
		}
		if metrics != nil {
			metrics.CandidatesScoredTotal.WithLabelValues(string(sc.Decision.Action)).Inc()
		}
	}

	duration := time.Since(start)
	rootResults := make([]RootScanResult, 0, len(req.Roots))
	for _, r := range req.Roots {
		rs := *rootStats[r]
		rs.Duration = duration
		rootResults = append(rootResults, rs)
	}

	batch := DeletionBatch{
		Candidates:    scored,
		PressureLevel: req.PressureLevel,
		Urgency:       req.Urgency,
		Mount:         req.Mount,
	}
	select {
	case execCh <- batch:
	case <-ctx.Done():
		return
	}

	report := WorkerReport{
		Kind:       ReportScanCompleted,
		Candidates: len(scored),
		Duration:   duration,
		RootStats:  rootResults,
	}
	select {
	case reportCh <- report:
	default:
		logger.Debug("scan report dropped, report channel full")
		if metrics != nil {
			metrics.QueueDroppedTotal.WithLabelValues("report", "full").Inc()
		}
	}
}
