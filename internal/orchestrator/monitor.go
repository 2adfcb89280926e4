// Package orchestrator wires the pressure controller, VOI scheduler, scoring
// engine, policy engine, ballast coordinator, walker, and executor into one
// running daemon: one monitor loop that ticks the control loop for every mount,
// a pool of scanner/executor worker goroutines fed by bounded queues, and a
// health-check supervisor that respawns a worker that panics up to a fixed
// number of times before giving up on it.
package orchestrator

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/diskguardian/diskguardian/internal/ballast"
	"github.com/diskguardian/diskguardian/internal/config"
	"github.com/diskguardian/diskguardian/internal/executor"
	"github.com/diskguardian/diskguardian/internal/model"
	"github.com/diskguardian/diskguardian/internal/platform"
	"github.com/diskguardian/diskguardian/internal/policy"
	"github.com/diskguardian/diskguardian/internal/pressure"
	"github.com/diskguardian/diskguardian/internal/protect"
	"github.com/diskguardian/diskguardian/internal/scoring"
	"github.com/diskguardian/diskguardian/internal/storage"
	"github.com/diskguardian/diskguardian/internal/telemetry"
	"github.com/diskguardian/diskguardian/internal/voi"
	"github.com/diskguardian/diskguardian/internal/walker"
)

// levelTransition records one mount crossing from one pressure level to
// another within a single tick, for logging and metrics.
type levelTransition struct {
	Mount string
	From  model.PressureLevel
	To    model.PressureLevel
}

// Deps bundles everything Monitor needs at construction. Grouping these as
// a struct rather than a long positional parameter list keeps NewMonitor
// readable as the set of wired components grows.
type Deps struct {
	Config     *config.Config
	ConfigPath string

	Logger  *zap.Logger
	Metrics *telemetry.Metrics
	DB      *storage.DB

	Platform platform.Platform

	Scheduler  *voi.Scheduler
	Scoring    *scoring.Engine
	Policy     *policy.Engine
	Executor   *executor.Executor
	Ballast    *ballast.Coordinator
	Release    *ballast.ReleaseController
	Protection *protect.Registry

	Shared  *SharedConfig
	Signals *Signals

	LogQueueCap             int
	SnapshotPath            string
	SnapshotInterval        time.Duration
	SpecialLocationInterval time.Duration
	ExplainLevel            policy.ExplainLevel
}

// Monitor owns the control loop described by the orchestrator tick: collect
// pressure readings, drive scan requests, apply ballast responses, drain
// worker reports, and supervise the scanner/executor/logger worker pool.
type Monitor struct {
	mu  sync.RWMutex
	cfg *config.Config

	configPath string

	shared  *SharedConfig
	signals *Signals

	platform platform.Platform
	logger   *zap.Logger
	metrics  *telemetry.Metrics
	db       *storage.DB

	rootMount map[string]string // configured root path -> owning mount
	mounts    []string          // distinct mounts, sorted

	controllers map[string]*pressure.Controller
	estimators  map[string]*pressure.RateEstimator
	predictive  *pressure.PredictiveActionPolicy
	lastLevel   map[string]model.PressureLevel
	lastFreePct map[string]float64

	scheduler  *voi.Scheduler
	scoring    *scoring.Engine
	policy     *policy.Engine
	exec       *executor.Executor
	execCfg    executor.Config
	coord      *ballast.Coordinator
	release    *ballast.ReleaseController
	protection *protect.Registry

	scanReqCh chan ScanRequest
	execCh    chan DeletionBatch
	reportCh  chan WorkerReport
	logCh     chan LogEvent
	crashCh   chan string

	spawns   map[string]func(context.Context)
	health   map[string]*threadHealth
	healthMu sync.Mutex

	counters struct {
		scans     atomic.Uint64
		deletions atomic.Uint64
		bytesFreed atomic.Uint64
		errors    atomic.Uint64
		dropped   atomic.Uint64
	}

	startedAt               time.Time
	lastSnapshotAt          time.Time
	specialLocationLastRun  time.Time
	specialLocationInterval time.Duration
	snapshotPath            string
	snapshotInterval        time.Duration
	explainLevel            policy.ExplainLevel

	lastScan model.PathStats // zero value until the first scan report arrives
	lastScanAt time.Time
	lastScanCandidates int
	lastScanDeleted int
}

// NewMonitor builds a Monitor and its per-mount pressure state from the
// root paths in d.Config.Scanner.RootPaths. It does not start any worker
// goroutines; call StartWorkers for that.
func NewMonitor(d Deps) (*Monitor, error) {
	rootMount := make(map[string]string, len(d.Config.Scanner.RootPaths))
	mountSet := make(map[string]struct{})
	for _, root := range d.Config.Scanner.RootPaths {
		ms, err := d.Platform.Mounts([]string{root})
		if err != nil {
			return nil, err
		}
		if len(ms) == 0 {
			continue
		}
		rootMount[root] = ms[0]
		mountSet[ms[0]] = struct{}{}
	}
	mounts := make([]string, 0, len(mountSet))
	for m := range mountSet {
		mounts = append(mounts, m)
	}
	sort.Strings(mounts)

	controllers := make(map[string]*pressure.Controller, len(mounts))
	estimators := make(map[string]*pressure.RateEstimator, len(mounts))
	lastLevel := make(map[string]model.PressureLevel, len(mounts))
	for _, m := range mounts {
		p := d.Config.Pressure
		controllers[m] = pressure.NewController(
			p.Kp, p.Ki, p.Kd, p.IntegralCap, p.GreenMinFreePct, p.HysteresisPct,
			p.GreenMinFreePct, p.YellowMinFreePct, p.OrangeMinFreePct, p.RedMinFreePct,
			time.Duration(p.PollIntervalMS)*time.Millisecond,
		)
		estimators[m] = pressure.NewRateEstimator(
			d.Config.Telemetry.EWMABaseAlpha, d.Config.Telemetry.EWMAMinAlpha,
			d.Config.Telemetry.EWMAMaxAlpha, d.Config.Telemetry.EWMAMinSamples,
		)
		lastLevel[m] = model.Green
	}

	predictive := pressure.NewPredictiveActionPolicy(pressure.PredictiveConfig{
		Enabled:               d.Config.Pressure.Prediction.Enabled,
		ActionHorizonMinutes:  d.Config.Pressure.Prediction.ActionHorizonMinutes,
		WarningHorizonMinutes: d.Config.Pressure.Prediction.WarningHorizonMinutes,
		MinConfidence:         d.Config.Pressure.Prediction.MinConfidence,
		MinSamples:            d.Config.Pressure.Prediction.MinSamples,
		ImminentDangerMinutes: d.Config.Pressure.Prediction.ImminentDangerMinutes,
		CriticalDangerMinutes: d.Config.Pressure.Prediction.CriticalDangerMinutes,
	})

	logQueueCap := d.LogQueueCap
	if logQueueCap <= 0 {
		logQueueCap = 256
	}
	specialInterval := d.SpecialLocationInterval
	if specialInterval <= 0 {
		specialInterval = 10 * time.Duration(d.Config.Pressure.PollIntervalMS) * time.Millisecond
	}

	execCfg := executor.DefaultConfig()
	execCfg.MaxBatchSize = d.Config.Scanner.MaxDeleteBatch
	execCfg.DryRun = d.Config.Scanner.DryRun
	execCfg.MinScore = d.Config.Scoring.MinScore
	d.Executor.UpdateConfig(execCfg)

	return &Monitor{
		cfg:         d.Config,
		configPath:  d.ConfigPath,
		shared:      d.Shared,
		signals:     d.Signals,
		platform:    d.Platform,
		logger:      d.Logger,
		metrics:     d.Metrics,
		db:          d.DB,
		rootMount:   rootMount,
		mounts:      mounts,
		controllers: controllers,
		estimators:  estimators,
		predictive:  predictive,
		lastLevel:   lastLevel,
		lastFreePct: make(map[string]float64, len(mounts)),
		scheduler:   d.Scheduler,
		scoring:     d.Scoring,
		policy:      d.Policy,
		exec:        d.Executor,
		execCfg:     execCfg,
		coord:       d.Ballast,
		release:     d.Release,
		protection:  d.Protection,
		scanReqCh:   make(chan ScanRequest),
		execCh:      make(chan DeletionBatch, ExecutorChannelCap),
		reportCh:    make(chan WorkerReport, ReportChannelCap),
		logCh:       make(chan LogEvent, logQueueCap),
		crashCh:     make(chan string, 16),
		spawns:      make(map[string]func(context.Context)),
		health:      make(map[string]*threadHealth),
		startedAt:   time.Now(),
		specialLocationInterval: specialInterval,
		snapshotPath:            d.SnapshotPath,
		snapshotInterval:        d.SnapshotInterval,
		explainLevel:            d.ExplainLevel,
	}, nil
}

// cfgSnapshot returns the current wide config. Callers must treat the
// returned value as read-only.
func (m *Monitor) cfgSnapshot() *config.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// walkerConfig builds a Walker config template from the current wide
// config. Callers must set RootPaths before use.
func (m *Monitor) walkerConfig() walker.Config {
	cfg := m.cfgSnapshot()
	return walker.Config{
		MaxDepth:       cfg.Scanner.MaxDepth,
		FollowSymlinks: cfg.Scanner.FollowSymlinks,
		CrossDevices:   cfg.Scanner.CrossDevices,
		Parallelism:    1,
		ExcludedPaths:  cfg.Scanner.ExcludedPaths,
		Protection:     m.protection,
	}
}

// StartWorkers spawns the scanner/executor/logger worker goroutines under
// panic-recovering supervision so a crash in one worker is contained and
// reported to the health-check step rather than taking down the daemon.
func (m *Monitor) StartWorkers(ctx context.Context) {
	cfg := m.cfgSnapshot()

	parallelism := cfg.Scanner.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}
	for i := 0; i < parallelism; i++ {
		id := scannerWorkerID(i)
		m.registerWorker(ctx, id, func(ctx context.Context) {
			RunScannerWorker(ctx, id, m.scanReqCh, m.execCh, m.reportCh, m.walkerConfig, m.scoring, m.metrics, m.logger)
		})
	}

	m.registerWorker(ctx, "executor-0", func(ctx context.Context) {
		RunExecutorWorker(ctx, m.execCh, m.reportCh, m.logCh, &m.counters.dropped, m.policy, m.shared, m.exec, m.explainLevel, m.metrics, m.logger)
	})

	m.registerWorker(ctx, "logger-0", func(ctx context.Context) {
		RunLoggerWorker(ctx, m.logCh, m.db, m.logger)
	})
}

func scannerWorkerID(i int) string {
	return "scanner-" + itoa(i)
}

// itoa avoids pulling in strconv just for small non-negative ids.
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	digits := []byte{}
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return string(digits)
}

// registerWorker records the spawn closure (for respawn) and launches it
// under recover-and-report supervision.
func (m *Monitor) registerWorker(ctx context.Context, id string, fn func(context.Context)) {
	m.spawns[id] = fn
	m.healthMu.Lock()
	if _, ok := m.health[id]; !ok {
		m.health[id] = newThreadHealth()
	}
	m.healthMu.Unlock()
	m.launch(ctx, id, fn)
}

func (m *Monitor) launch(ctx context.Context, id string, fn func(context.Context)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("worker panicked", zap.String("worker", id), zap.Any("panic", r))
				select {
				case m.crashCh <- id:
				default:
				}
			}
		}()
		fn(ctx)
	}()
}

// Run executes the orchestrator tick loop until ctx is cancelled, a
// shutdown signal is latched, or worker respawn budgets are exhausted.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		if m.signals.TakeShutdown() {
			m.logger.Info("shutdown signal observed, stopping control loop")
			return nil
		}
		if m.signals.TakeReload() {
			m.applyReload()
		}
		m.signals.TakeForcedScan() // latch cleared; a forced scan gets no handling beyond the regular dispatchScan below

		now := time.Now()

		worst, transitions, ok := m.tickPressure(now)
		for _, tr := range transitions {
			m.logTransition(tr)
		}

		if ok {
			m.applyBallastResponse(worst)
			m.dispatchScan(worst)
			m.maybeScanSpecialLocations(now, worst)
		}

		m.drainReports(now)
		m.maybeWriteSnapshot(now)

		if fatal := m.healthCheck(ctx, now); fatal {
			m.logger.Error("worker respawn budget exhausted, shutting down")
			return errRespawnExhausted
		}

		interval := time.Duration(m.cfgSnapshot().Pressure.PollIntervalMS) * time.Millisecond
		if ok && worst.ScanInterval > 0 {
			interval = worst.ScanInterval
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (m *Monitor) logTransition(tr levelTransition) {
	m.logger.Info("pressure level transition",
		zap.String("mount", tr.Mount),
		zap.String("from", tr.From.String()),
		zap.String("to", tr.To.String()),
	)
	if m.metrics != nil {
		m.metrics.PressureLevelTransitionsTotal.WithLabelValues(tr.Mount, tr.From.String(), tr.To.String()).Inc()
	}
	sendLogEvent(m.logCh, LogEvent{Kind: LogTransition, Mount: tr.Mount, From: tr.From, To: tr.To}, &m.counters.dropped)
}

// applyReload re-reads the config file and, on success, propagates the
// hot-reloadable subset (fast-path atomics, VOI/ballast/executor config,
// EWMA smoothing parameters) to every live component. PID gains, pressure
// thresholds, and root paths are structural: changing them requires a
// restart, so they are intentionally left untouched here.
func (m *Monitor) applyReload() {
	newCfg, err := config.Load(m.configPath)
	if err != nil {
		m.logger.Error("config reload failed, retaining previous config", zap.Error(err))
		return
	}

	m.mu.Lock()
	m.cfg = newCfg
	m.mu.Unlock()

	m.shared.Store(newCfg.Scanner, newCfg.Scoring)

	m.execCfg.MaxBatchSize = newCfg.Scanner.MaxDeleteBatch
	m.execCfg.DryRun = newCfg.Scanner.DryRun
	m.execCfg.MinScore = newCfg.Scoring.MinScore
	m.exec.UpdateConfig(m.execCfg)

	m.scheduler.UpdateConfig(newCfg.Scheduler)
	m.coord.UpdateConfig(newCfg.Ballast)

	for _, est := range m.estimators {
		est.UpdateParams(newCfg.Telemetry.EWMABaseAlpha, newCfg.Telemetry.EWMAMinAlpha,
			newCfg.Telemetry.EWMAMaxAlpha, newCfg.Telemetry.EWMAMinSamples)
	}

	m.logger.Info("config reload applied", zap.String("path", m.configPath))
}

var errRespawnExhausted = respawnExhaustedError{}

type respawnExhaustedError struct{}

func (respawnExhaustedError) Error() string { return "worker respawn budget exhausted" }
