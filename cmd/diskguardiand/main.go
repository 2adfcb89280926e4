// Package main — cmd/diskguardiand/main.go
//
// DISKGUARDIAN daemon entrypoint.
//
// Startup sequence:
//  1. Parse flags.
//  2. Load and validate config from /etc/diskguardian/config.yaml.
//  3. Initialise structured logger (zap).
//  4. Open BoltDB storage.
//  5. Prune stale decision-ledger entries.
//  6. Build the platform capability set (FsStats/mounts/memory), TTL-cached.
//  7. Compile the protection-marker registry.
//  8. Build the scoring engine, policy engine (state + guardrail +
//     invariants), executor, ballast coordinator + release controller,
//     and VOI scheduler; warm-start VOI path stats from storage.
//  9. Start the Prometheus metrics server.
// 10. Build the orchestrator Monitor and start its worker pool.
// 11. Register SIGHUP (reload) / SIGUSR1 (forced scan) handlers.
// 12. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Latch the shutdown signal; the control loop observes it within one tick.
//  2. Checkpoint VOI path stats to BoltDB.
//  3. Close BoltDB.
//  4. Flush logger.
//  5. Exit with the code matching how the loop ended.
//
// On config/storage/protection-registry init failure: exit immediately with
// a distinct nonzero code per failure class.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/diskguardian/diskguardian/internal/ballast"
	"github.com/diskguardian/diskguardian/internal/config"
	"github.com/diskguardian/diskguardian/internal/executor"
	"github.com/diskguardian/diskguardian/internal/model"
	"github.com/diskguardian/diskguardian/internal/orchestrator"
	"github.com/diskguardian/diskguardian/internal/platform"
	"github.com/diskguardian/diskguardian/internal/policy"
	"github.com/diskguardian/diskguardian/internal/protect"
	"github.com/diskguardian/diskguardian/internal/scoring"
	"github.com/diskguardian/diskguardian/internal/storage"
	"github.com/diskguardian/diskguardian/internal/telemetry"
	"github.com/diskguardian/diskguardian/internal/voi"
)

// Exit codes, one per documented failure class.
const (
	exitOK                 = 0
	exitConfigFailure      = 1
	exitLoggerFailure      = 2
	exitStorageFailure     = 3
	exitProtectionRegistry = 4
	exitPlatformFailure    = 5
	exitMonitorInitFailure = 6
	exitRespawnExhausted   = 7
)

var defaultProtectionMarkers = []string{".diskguardian-keep"}

func main() {
	configPath := flag.String("config", "/etc/diskguardian/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("diskguardiand %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(exitOK)
	}

	// ── Step 2: Load config ───────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(exitConfigFailure)
	}

	// ── Step 3: Logger ────────────────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(exitLoggerFailure)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("DISKGUARDIAN starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 4: BoltDB ────────────────────────────────────────────────────
	db, err := storage.Open(cfg.Storage.DBPath, storage.DefaultRetentionDays)
	if err != nil {
		log.Error("BoltDB open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
		os.Exit(exitStorageFailure)
	}
	defer db.Close() //nolint:errcheck
	log.Info("BoltDB opened", zap.String("path", cfg.Storage.DBPath))

	// ── Step 5: Prune stale decisions ─────────────────────────────────────
	if pruned, err := db.PruneOldDecisions(); err != nil {
		log.Warn("decision ledger pruning failed", zap.Error(err))
	} else {
		log.Info("decision ledger pruned", zap.Int("deleted", pruned))
	}

	// ── Step 6: Platform ──────────────────────────────────────────────────
	plat := platform.NewCache(platform.NewUnix(), time.Duration(cfg.Telemetry.FsCacheTTLMS)*time.Millisecond)

	// ── Step 7: Protection registry ───────────────────────────────────────
	protection, err := protect.Compile(cfg.Scanner.ProtectedPaths, defaultProtectionMarkers)
	if err != nil {
		log.Error("protection registry compile failed", zap.Error(err))
		os.Exit(exitProtectionRegistry)
	}

	// ── Step 8: Scoring, policy, executor, ballast, VOI scheduler ────────
	scoringEngine, err := scoring.NewEngine(cfg.Scoring, cfg.Scanner.MinFileAgeMinutes)
	if err != nil {
		log.Error("scoring engine init failed", zap.Error(err))
		os.Exit(exitConfigFailure)
	}

	policyState := policy.NewPolicyState(cfg.Policy.PromoteCleanWindows, cfg.Policy.RecoveryCleanWindows, cfg.Policy.MaxCanaryDeletesPerHour)
	guardrail := policy.NewGuardrail(cfg.Policy.GuardrailAlarmThreshold, cfg.Policy.GuardrailConservativeBound, cfg.Policy.GuardrailWindowSize)
	invariants := policy.NewInvariants(log)
	policyEngine := policy.NewEngine(policyState, guardrail, invariants)

	execCfg := executor.DefaultConfig()
	execCfg.MaxBatchSize = cfg.Scanner.MaxDeleteBatch
	execCfg.DryRun = cfg.Scanner.DryRun
	execCfg.MinScore = cfg.Scoring.MinScore
	exec := executor.New(execCfg, log)

	mounts, err := plat.Mounts(cfg.Scanner.RootPaths)
	if err != nil {
		log.Error("mount enumeration failed", zap.Error(err))
		os.Exit(exitPlatformFailure)
	}

	coord := ballast.NewCoordinator(cfg.Ballast, mounts)
	if cfg.Ballast.AutoProvision {
		report := coord.ProvisionAll()
		log.Info("ballast pools provisioned",
			zap.Int("files_created", report.TotalFilesCreated),
			zap.Uint64("bytes_created", report.TotalBytes),
			zap.Int("skipped_mounts", len(report.SkippedMounts)))
		for mount, skipErr := range report.SkippedMounts {
			log.Warn("ballast provisioning skipped mount", zap.String("mount", mount), zap.Error(skipErr))
		}
	}
	release := ballast.NewReleaseController(cfg.Ballast.MaxGlobalReleasesPerWindow, time.Duration(cfg.Ballast.ReleaseWindowSeconds)*time.Second)
	defer release.Close()

	scheduler := voi.NewScheduler(cfg.Scheduler)
	for _, root := range cfg.Scanner.RootPaths {
		scheduler.RegisterPath(root)
	}
	if records, err := db.ReadAllPathStats(); err != nil {
		log.Warn("VOI warm-start read failed, starting cold", zap.Error(err))
	} else if len(records) > 0 {
		restored := make([]model.PathStats, 0, len(records))
		for _, rec := range records {
			restored = append(restored, fromPathStatsRecord(rec))
		}
		scheduler.RestorePathStats(restored)
		log.Info("VOI state warm-started", zap.Int("paths", len(records)))
	}

	// ── Step 9: Metrics ────────────────────────────────────────────────────
	metrics := telemetry.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 10: Orchestrator ──────────────────────────────────────────────
	shared := orchestrator.NewSharedConfig(cfg.Scanner, cfg.Scoring)
	signals := &orchestrator.Signals{}

	monitor, err := orchestrator.NewMonitor(orchestrator.Deps{
		Config:                  cfg,
		ConfigPath:              *configPath,
		Logger:                  log,
		Metrics:                 metrics,
		DB:                      db,
		Platform:                plat,
		Scheduler:               scheduler,
		Scoring:                 scoringEngine,
		Policy:                  policyEngine,
		Executor:                exec,
		Ballast:                 coord,
		Release:                 release,
		Protection:              protection,
		Shared:                  shared,
		Signals:                 signals,
		SnapshotPath:            cfg.Storage.SnapshotPath,
		SnapshotInterval:        time.Duration(cfg.Storage.SnapshotIntervalS) * time.Second,
		SpecialLocationInterval: 0,
		ExplainLevel:            policy.ExplainL1,
	})
	if err != nil {
		log.Error("monitor init failed", zap.Error(err))
		os.Exit(exitMonitorInitFailure)
	}
	monitor.StartWorkers(ctx)

	// ── Step 11: Signal handlers ───────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received, requesting config reload")
			signals.RequestReload()
		}
	}()

	sigusr1 := make(chan os.Signal, 1)
	signal.Notify(sigusr1, syscall.SIGUSR1)
	go func() {
		for range sigusr1 {
			log.Info("SIGUSR1 received, requesting forced scan")
			signals.RequestForcedScan()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
		signals.RequestShutdown()
	}()

	// ── Step 12: Run the control loop ──────────────────────────────────────
	runErr := monitor.Run(ctx)
	cancel()

	// Checkpoint VOI state before exit so a restart warm-starts.
	if records := scheduler.AllPathStats(); len(records) > 0 {
		persisted := make([]storage.PathStatsRecord, 0, len(records))
		for _, ps := range records {
			persisted = append(persisted, toPathStatsRecord(ps))
		}
		if err := db.PutAllPathStats(persisted); err != nil {
			log.Warn("VOI checkpoint on shutdown failed", zap.Error(err))
		}
	}

	if runErr != nil {
		log.Error("DISKGUARDIAN stopped with error", zap.Error(runErr))
		// os.Exit skips deferred calls: close BoltDB and flush the logger here.
		_ = db.Close()
		_ = log.Sync()
		os.Exit(exitRespawnExhausted)
	}
	log.Info("DISKGUARDIAN shutdown complete")
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
