package voi

import (
	"testing"
	"time"

	"github.com/diskguardian/diskguardian/internal/config"
)

func defaultSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		Enabled:                    true,
		ScanBudgetPerInterval:      4,
		ExplorationQuotaFraction:   0.25,
		EWMAAlpha:                  0.3,
		IOCostWeight:               0.001,
		FPRiskWeight:               0.5,
		ExplorationWeight:          100.0,
		MinObservationsForForecast: 3,
		ForecastErrorThreshold:     0.5,
		FallbackTriggerWindows:     3,
		RecoveryTriggerWindows:     5,
	}
}

func TestEmptySchedulerProducesEmptyPlan(t *testing.T) {
	s := NewScheduler(defaultSchedulerConfig())
	plan := s.Schedule(time.Now())
	if len(plan.Paths) != 0 || plan.BudgetUsed != 0 {
		t.Fatalf("expected empty plan, got %+v", plan)
	}
}

func TestRegisteredPathsAppearInPlan(t *testing.T) {
	s := NewScheduler(defaultSchedulerConfig())
	s.RegisterPath("/data/projects")
	s.RegisterPath("/tmp")
	s.RegisterPath("/var/tmp")

	plan := s.Schedule(time.Now())
	if len(plan.Paths) == 0 {
		t.Fatalf("expected non-empty plan")
	}
	if plan.BudgetUsed > defaultSchedulerConfig().ScanBudgetPerInterval {
		t.Fatalf("budget used %d exceeds budget", plan.BudgetUsed)
	}
}

func TestHighYieldPathsRankedHigher(t *testing.T) {
	s := NewScheduler(defaultSchedulerConfig())
	s.RegisterPath("/high")
	s.RegisterPath("/low")

	now := time.Now()
	for i := 0; i < 5; i++ {
		s.RecordScanResult("/high", 10_000_000, 50, 0, 500.0, now.Add(time.Duration(i)*time.Second))
		s.RecordScanResult("/low", 100, 1, 0, 500.0, now.Add(time.Duration(i)*time.Second))
	}

	plan := s.Schedule(now.Add(10 * time.Second))
	for _, entry := range plan.Paths {
		if !entry.Exploration {
			if entry.Path != "/high" {
				t.Fatalf("expected /high as top exploitation pick, got %s", entry.Path)
			}
			break
		}
	}
}

func TestExplorationQuotaPreventsStarvation(t *testing.T) {
	cfg := defaultSchedulerConfig()
	cfg.ScanBudgetPerInterval = 4
	cfg.ExplorationQuotaFraction = 0.50
	s := NewScheduler(cfg)
	for _, p := range []string{"/a", "/b", "/c", "/d", "/e", "/f"} {
		s.RegisterPath(p)
	}

	plan := s.Schedule(time.Now())
	explorationCount := 0
	for _, entry := range plan.Paths {
		if entry.Exploration {
			explorationCount++
		}
	}
	if explorationCount == 0 {
		t.Fatalf("expected at least one exploration pick, got none in %+v", plan.Paths)
	}
}

func TestFallbackEntersAfterThreeBadWindowsAndRecoversAfterFive(t *testing.T) {
	cfg := defaultSchedulerConfig()
	// Alpha 1 makes each forecast equal the last actual reclaim, and two
	// observations are enough for forecast errors to count, so every
	// window below is bad or good exactly as its comment says.
	cfg.EWMAAlpha = 1.0
	cfg.MinObservationsForForecast = 2
	s := NewScheduler(cfg)
	s.RegisterPath("/a")
	now := time.Now()

	// Force bad forecast errors: flip actual reclaim wildly each scan
	// relative to the prior forecast.
	for i := 0; i < 3; i++ {
		s.RecordScanResult("/a", 10, 1, 0, 10, now.Add(time.Duration(i)*time.Second))
		s.RecordScanResult("/a", 1_000_000, 1, 0, 10, now.Add(time.Duration(i+1)*time.Second))
		s.EndWindow()
	}
	if !s.IsFallbackActive() {
		t.Fatalf("expected fallback active after 3 bad windows")
	}

	for i := 0; i < 5; i++ {
		s.RecordScanResult("/a", 500, 1, 0, 10, now.Add(time.Duration(100+i)*time.Second))
		s.RecordScanResult("/a", 500, 1, 0, 10, now.Add(time.Duration(101+i)*time.Second))
		s.EndWindow()
	}
	if s.IsFallbackActive() {
		t.Fatalf("expected recovery after 5 good windows")
	}
}

func TestRoundRobinFallbackCyclesDeterministically(t *testing.T) {
	cfg := defaultSchedulerConfig()
	cfg.Enabled = false
	s := NewScheduler(cfg)
	s.RegisterPath("/a")
	s.RegisterPath("/b")
	s.RegisterPath("/c")
	cfg2 := cfg
	cfg2.ScanBudgetPerInterval = 2
	s.UpdateConfig(cfg2)

	first := s.Schedule(time.Now())
	second := s.Schedule(time.Now())
	if len(first.Paths) != 2 || len(second.Paths) != 2 {
		t.Fatalf("expected 2 scheduled paths per round, got %d and %d", len(first.Paths), len(second.Paths))
	}
	if first.Paths[0].Path == second.Paths[0].Path && first.Paths[1].Path == second.Paths[1].Path {
		t.Fatalf("expected round-robin cursor to advance between calls")
	}
}
