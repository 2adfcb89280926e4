// Package config provides configuration loading, validation, and hot-reload
// for the diskguardian daemon.
//
// Configuration file: /etc/diskguardian/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Daemon listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - Apply the hot-reloadable subset only: fast-path atomics (dry_run,
//     max_batch, min_score), executor, VOI scheduler and ballast settings,
//     and EWMA smoothing parameters. Pressure thresholds, PID gains,
//     scoring weights and root paths keep their startup values.
//   - Destructive changes (DB path, ballast directory) require restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The daemon does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (e.g. alpha in [0,1], weights >= 0).
//   - Invalid config on startup: daemon refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for diskguardian.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID identifies this host in the state snapshot. Default: hostname.
	NodeID string `yaml:"node_id"`

	Pressure      PressureConfig      `yaml:"pressure"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Scanner       ScannerConfig       `yaml:"scanner"`
	Scoring       ScoringConfig       `yaml:"scoring"`
	Ballast       BallastConfig       `yaml:"ballast"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Policy        PolicyConfig        `yaml:"policy"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Observability ObservabilityConfig `yaml:"observability"`
	Storage       StorageConfig       `yaml:"storage"`
}

// PressureConfig configures the per-mount EWMA+PID+hysteresis controller.
type PressureConfig struct {
	GreenMinFreePct  float64 `yaml:"green_min_free_pct"`
	YellowMinFreePct float64 `yaml:"yellow_min_free_pct"`
	OrangeMinFreePct float64 `yaml:"orange_min_free_pct"`
	RedMinFreePct    float64 `yaml:"red_min_free_pct"`
	HysteresisPct    float64 `yaml:"hysteresis_pct"`
	PollIntervalMS   int     `yaml:"poll_interval_ms"`

	// PID gains.
	Kp          float64 `yaml:"kp"`
	Ki          float64 `yaml:"ki"`
	Kd          float64 `yaml:"kd"`
	IntegralCap float64 `yaml:"integral_cap"`

	Prediction PredictionConfig `yaml:"prediction"`
}

// PredictionConfig configures the graduated pre-emption ladder.
type PredictionConfig struct {
	Enabled               bool    `yaml:"enabled"`
	ActionHorizonMinutes  float64 `yaml:"action_horizon_minutes"`
	WarningHorizonMinutes float64 `yaml:"warning_horizon_minutes"`
	MinConfidence         float64 `yaml:"min_confidence"`
	MinSamples            uint64  `yaml:"min_samples"`
	ImminentDangerMinutes float64 `yaml:"imminent_danger_minutes"`
	CriticalDangerMinutes float64 `yaml:"critical_danger_minutes"`
}

// TelemetryConfig configures the EWMA rate estimator and the FsStats cache.
type TelemetryConfig struct {
	EWMABaseAlpha float64       `yaml:"ewma_base_alpha"`
	EWMAMinAlpha  float64       `yaml:"ewma_min_alpha"`
	EWMAMaxAlpha  float64       `yaml:"ewma_max_alpha"`
	EWMAMinSamples uint64       `yaml:"ewma_min_samples"`
	FsCacheTTLMS  int           `yaml:"fs_cache_ttl_ms"`
}

// ScannerConfig configures the directory walker and its scan semantics.
type ScannerConfig struct {
	RootPaths         []string `yaml:"root_paths"`
	MaxDepth          int      `yaml:"max_depth"`
	FollowSymlinks    bool     `yaml:"follow_symlinks"`
	CrossDevices      bool     `yaml:"cross_devices"`
	Parallelism       int      `yaml:"parallelism"`
	ExcludedPaths     []string `yaml:"excluded_paths"`
	ProtectedPaths    []string `yaml:"protected_paths"`
	MinFileAgeMinutes float64  `yaml:"min_file_age_minutes"`
	DryRun            bool     `yaml:"dry_run"`
	MaxDeleteBatch    int      `yaml:"max_delete_batch"`
}

// ScoringConfig configures the multi-factor candidate scoring engine.
type ScoringConfig struct {
	Classifier string `yaml:"classifier"`

	WeightLocation  float64 `yaml:"weight_location"`
	WeightName      float64 `yaml:"weight_name"`
	WeightAge       float64 `yaml:"weight_age"`
	WeightSize      float64 `yaml:"weight_size"`
	WeightStructure float64 `yaml:"weight_structure"`

	MinScore float64 `yaml:"min_score"`

	CategoryFloorsBytes map[string]uint64 `yaml:"category_floors_bytes"`

	// SpecialLocationBuffersBytes maps a path prefix to the minimum
	// candidate size required before a deletion under that prefix is even
	// considered (protects small, sensitive mounts from churn over
	// marginal reclaim).
	SpecialLocationBuffersBytes map[string]uint64 `yaml:"special_location_buffers_bytes"`

	SigmoidMidpoint float64 `yaml:"sigmoid_midpoint"`
	SigmoidSteepness float64 `yaml:"sigmoid_steepness"`

	CostOfHolding     float64 `yaml:"cost_of_holding"`
	CostOfFalseDelete float64 `yaml:"cost_of_false_delete"`

	MinObservationsForCalibration uint64 `yaml:"min_observations_for_calibration"`
}

// BallastConfig configures the pre-allocated reserve-file pools.
type BallastConfig struct {
	FileCount               int   `yaml:"file_count"`
	FileSizeBytes           int64 `yaml:"file_size_bytes"`
	ReplenishCooldownMinutes int   `yaml:"replenish_cooldown_minutes"`
	AutoProvision            bool  `yaml:"auto_provision"`
	MaxGlobalReleasesPerWindow int `yaml:"max_global_releases_per_window"`
	ReleaseWindowSeconds      int  `yaml:"release_window_seconds"`
	Dir                       string `yaml:"dir"`
}

// SchedulerConfig configures the VOI scan scheduler.
type SchedulerConfig struct {
	Enabled                  bool    `yaml:"enabled"`
	ScanBudgetPerInterval    int     `yaml:"scan_budget_per_interval"`
	ExplorationQuotaFraction float64 `yaml:"exploration_quota_fraction"`
	EWMAAlpha                float64 `yaml:"ewma_alpha"`
	IOCostWeight             float64 `yaml:"io_cost_weight"`
	FPRiskWeight             float64 `yaml:"fp_risk_weight"`
	ExplorationWeight        float64 `yaml:"exploration_weight"`
	MinObservationsForForecast uint64 `yaml:"min_observations_for_forecast"`
	ForecastErrorThreshold   float64 `yaml:"forecast_error_threshold"`
	FallbackTriggerWindows   int     `yaml:"fallback_trigger_windows"`
	RecoveryTriggerWindows   int     `yaml:"recovery_trigger_windows"`
}

// PolicyConfig configures the staged rollout state machine and guardrail.
type PolicyConfig struct {
	MaxCanaryDeletesPerHour int `yaml:"max_canary_deletes_per_hour"`
	PromoteCleanWindows     int `yaml:"promote_clean_windows"`
	CalibrationBreachWindows int `yaml:"calibration_breach_windows"`
	RecoveryCleanWindows    int `yaml:"recovery_clean_windows"`

	GuardrailAlarmThreshold      float64 `yaml:"guardrail_alarm_threshold"`
	GuardrailConservativeBound   float64 `yaml:"guardrail_conservative_bound"`
	GuardrailWindowSize          int     `yaml:"guardrail_window_size"`
}

// NotificationsConfig names the external notification dispatch channels.
// Dispatch mechanics are an external collaborator; this only carries the
// routing configuration the core needs to tag emitted events with.
type NotificationsConfig struct {
	Channels []NotificationChannel `yaml:"channels"`
}

// NotificationChannel is one configured notification sink.
type NotificationChannel struct {
	Name     string `yaml:"name"`
	MinLevel string `yaml:"min_level"`
	URL      string `yaml:"url"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// StorageConfig holds BoltDB parameters for persisted VOI/ballast/guardrail state.
type StorageConfig struct {
	DBPath            string `yaml:"db_path"`
	SnapshotPath      string `yaml:"snapshot_path"`
	SnapshotIntervalS int    `yaml:"snapshot_interval_seconds"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Pressure: PressureConfig{
			GreenMinFreePct:  20,
			YellowMinFreePct: 14,
			OrangeMinFreePct: 10,
			RedMinFreePct:    6,
			HysteresisPct:    1,
			PollIntervalMS:   4000,
			Kp:               0.5,
			Ki:               0.05,
			Kd:               0.1,
			IntegralCap:      10,
			Prediction: PredictionConfig{
				Enabled:               true,
				ActionHorizonMinutes:  30,
				WarningHorizonMinutes: 60,
				MinConfidence:         0.7,
				MinSamples:            5,
				ImminentDangerMinutes: 5,
				CriticalDangerMinutes: 2,
			},
		},
		Telemetry: TelemetryConfig{
			EWMABaseAlpha:  0.3,
			EWMAMinAlpha:   0.1,
			EWMAMaxAlpha:   0.9,
			EWMAMinSamples: 5,
			FsCacheTTLMS:   500,
		},
		Scanner: ScannerConfig{
			MaxDepth:          12,
			FollowSymlinks:    false,
			CrossDevices:      false,
			Parallelism:       2,
			MinFileAgeMinutes: 60,
			DryRun:            true,
			MaxDeleteBatch:    20,
		},
		Scoring: ScoringConfig{
			Classifier:      "pattern",
			WeightLocation:  0.25,
			WeightName:      0.25,
			WeightAge:       0.2,
			WeightSize:      0.15,
			WeightStructure: 0.15,
			MinScore:        0.6,
			CategoryFloorsBytes: map[string]uint64{
				"node_modules": 1 << 20,
				"build_output": 1 << 20,
				"cache":        1 << 16,
			},
			SpecialLocationBuffersBytes: map[string]uint64{
				"/boot":     1 << 20,
				"/var/lib":  1 << 20,
			},
			SigmoidMidpoint:   0.5,
			SigmoidSteepness:  10,
			CostOfHolding:     1.0,
			CostOfFalseDelete: 8.0,
			MinObservationsForCalibration: 20,
		},
		Ballast: BallastConfig{
			FileCount:                  8,
			FileSizeBytes:              256 << 20,
			ReplenishCooldownMinutes:   10,
			AutoProvision:              true,
			MaxGlobalReleasesPerWindow: 4,
			ReleaseWindowSeconds:       60,
			Dir:                        "/var/lib/diskguardian/ballast",
		},
		Scheduler: SchedulerConfig{
			Enabled:                    true,
			ScanBudgetPerInterval:      4,
			ExplorationQuotaFraction:   0.25,
			EWMAAlpha:                  0.3,
			IOCostWeight:               0.2,
			FPRiskWeight:               0.5,
			ExplorationWeight:          0.1,
			MinObservationsForForecast: 3,
			ForecastErrorThreshold:     0.5,
			FallbackTriggerWindows:     3,
			RecoveryTriggerWindows:     5,
		},
		Policy: PolicyConfig{
			MaxCanaryDeletesPerHour:  3,
			PromoteCleanWindows:      2,
			CalibrationBreachWindows: 3,
			RecoveryCleanWindows:     4,
			GuardrailAlarmThreshold:    4.6, // ~log(100) nats, e-process alarm
			GuardrailConservativeBound: 0.5,
			GuardrailWindowSize:        20,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9092",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Storage: StorageConfig{
			DBPath:            DefaultDBPath,
			SnapshotPath:      "/var/run/diskguardian/state.json",
			SnapshotIntervalS: 15,
		},
	}
}

// DefaultDBPath mirrors the storage package constant for use in config defaults.
const DefaultDBPath = "/var/lib/diskguardian/diskguardian.db"

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}

	p := cfg.Pressure
	if !(p.RedMinFreePct < p.OrangeMinFreePct && p.OrangeMinFreePct < p.YellowMinFreePct && p.YellowMinFreePct < p.GreenMinFreePct) {
		errs = append(errs, "pressure thresholds must be strictly increasing: red < orange < yellow < green")
	}
	if p.HysteresisPct <= 0 {
		errs = append(errs, fmt.Sprintf("pressure.hysteresis_pct must be > 0, got %f", p.HysteresisPct))
	}
	if p.PollIntervalMS < 100 {
		errs = append(errs, fmt.Sprintf("pressure.poll_interval_ms must be >= 100, got %d", p.PollIntervalMS))
	}

	t := cfg.Telemetry
	if t.EWMABaseAlpha < 0 || t.EWMABaseAlpha > 1 {
		errs = append(errs, fmt.Sprintf("telemetry.ewma_base_alpha must be in [0,1], got %f", t.EWMABaseAlpha))
	}
	if t.EWMAMinAlpha < 0 || t.EWMAMaxAlpha > 1 || t.EWMAMinAlpha > t.EWMAMaxAlpha {
		errs = append(errs, "telemetry.ewma_min_alpha/ewma_max_alpha must satisfy 0 <= min <= max <= 1")
	}

	if cfg.Scanner.MaxDeleteBatch < 1 {
		errs = append(errs, fmt.Sprintf("scanner.max_delete_batch must be >= 1, got %d", cfg.Scanner.MaxDeleteBatch))
	}
	if cfg.Scanner.MinFileAgeMinutes < 0 {
		errs = append(errs, "scanner.min_file_age_minutes must be >= 0")
	}

	s := cfg.Scoring
	if s.WeightLocation < 0 || s.WeightName < 0 || s.WeightAge < 0 || s.WeightSize < 0 || s.WeightStructure < 0 {
		errs = append(errs, "all scoring weights must be >= 0")
	}
	if s.MinScore < 0 || s.MinScore > 1 {
		errs = append(errs, fmt.Sprintf("scoring.min_score must be in [0,1], got %f", s.MinScore))
	}

	b := cfg.Ballast
	if b.FileCount < 0 {
		errs = append(errs, "ballast.file_count must be >= 0")
	}
	if b.FileSizeBytes < 0 {
		errs = append(errs, "ballast.file_size_bytes must be >= 0")
	}
	if b.MaxGlobalReleasesPerWindow < 1 {
		errs = append(errs, fmt.Sprintf("ballast.max_global_releases_per_window must be >= 1, got %d", b.MaxGlobalReleasesPerWindow))
	}
	if b.ReleaseWindowSeconds < 1 {
		errs = append(errs, "ballast.release_window_seconds must be >= 1")
	}

	sc := cfg.Scheduler
	if sc.ExplorationQuotaFraction < 0 || sc.ExplorationQuotaFraction > 1 {
		errs = append(errs, fmt.Sprintf("scheduler.exploration_quota_fraction must be in [0,1], got %f", sc.ExplorationQuotaFraction))
	}
	if sc.ScanBudgetPerInterval < 0 {
		errs = append(errs, "scheduler.scan_budget_per_interval must be >= 0")
	}
	if sc.FallbackTriggerWindows < 1 || sc.RecoveryTriggerWindows < 1 {
		errs = append(errs, "scheduler.fallback_trigger_windows and recovery_trigger_windows must be >= 1")
	}

	pol := cfg.Policy
	if pol.MaxCanaryDeletesPerHour < 0 {
		errs = append(errs, "policy.max_canary_deletes_per_hour must be >= 0")
	}
	if pol.PromoteCleanWindows < 1 || pol.RecoveryCleanWindows < 1 {
		errs = append(errs, "policy.promote_clean_windows and recovery_clean_windows must be >= 1")
	}

	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s",
			joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
