package orchestrator

import (
	"time"

	"github.com/diskguardian/diskguardian/internal/model"
)

// Channel capacities. ScannerChannelCap is 0: a rendezvous channel that the
// monitor loop sends on without blocking, so a scan request is handed over
// only when a scanner worker is idle and waiting, and is otherwise dropped
// rather than queued stale behind a busy scanner. ExecutorChannelCap and ReportChannelCap give the scanner and
// workers room to run ahead of a momentarily busy consumer without
// unbounded memory growth.
const (
	ScannerChannelCap = 0
	ExecutorChannelCap = 64
	ReportChannelCap   = 64
)

// ScanRequest is sent from the monitor loop to a scanner worker: scan these
// roots at this urgency, deliver at most this many candidates for deletion.
type ScanRequest struct {
	Roots          []string
	Urgency        float64
	PressureLevel  model.PressureLevel
	MaxDeleteBatch int
	Mount          string
}

// DeletionBatch is sent from a scanner worker to an executor worker: these
// candidates have been scored and are ready for policy evaluation and
// deletion.
type DeletionBatch struct {
	Candidates    []model.CandidacyScore
	PressureLevel model.PressureLevel
	Urgency       float64
	Mount         string
}

// RootScanResult summarizes one scanned root for the worker report.
type RootScanResult struct {
	Path             string
	CandidatesFound  int
	PotentialBytes   uint64
	FalsePositives   int
	Duration         time.Duration
}

// WorkerReportKind discriminates the WorkerReport union.
type WorkerReportKind int

const (
	ReportScanCompleted WorkerReportKind = iota
	ReportDeletionCompleted
)

// WorkerReport flows from scanner/executor workers back to the monitor
// loop, which folds the outcome into VOI stats, metrics, and the state
// snapshot.
type WorkerReport struct {
	Kind WorkerReportKind

	// ScanCompleted fields.
	Candidates int
	Duration   time.Duration
	RootStats  []RootScanResult

	// DeletionCompleted fields.
	Deleted    uint64
	BytesFreed uint64
	Failed     uint64
}
