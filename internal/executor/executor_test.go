package executor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/diskguardian/diskguardian/internal/model"
)

func scoreFor(path string, score float64) model.CandidacyScore {
	return model.CandidacyScore{
		Candidate:  model.Candidate{Path: path, SizeBytes: 100},
		TotalScore: score,
		Decision:   model.Decision{Action: model.ActionDelete},
	}
}

func TestPlanFiltersBelowMinScoreAndSortsDescending(t *testing.T) {
	e := New(Config{MaxBatchSize: 10, MinScore: 0.5}, nil)
	plan := e.Plan([]model.CandidacyScore{
		scoreFor("/a", 0.4),
		scoreFor("/b", 0.9),
		scoreFor("/c", 0.6),
	})
	if len(plan.Candidates) != 2 {
		t.Fatalf("expected 2 candidates above min_score, got %d", len(plan.Candidates))
	}
	if plan.Candidates[0].Candidate.Path != "/b" {
		t.Fatalf("expected highest score first, got %s", plan.Candidates[0].Candidate.Path)
	}
}

func TestPlanTruncatesToMaxBatchSize(t *testing.T) {
	e := New(Config{MaxBatchSize: 1, MinScore: 0.0}, nil)
	plan := e.Plan([]model.CandidacyScore{scoreFor("/a", 0.9), scoreFor("/b", 0.8)})
	if len(plan.Candidates) != 1 {
		t.Fatalf("expected truncation to 1, got %d", len(plan.Candidates))
	}
}

func TestPlanExcludesVetoedAndNonDelete(t *testing.T) {
	e := New(Config{MaxBatchSize: 10, MinScore: 0.0}, nil)
	vetoed := scoreFor("/a", 0.9)
	vetoed.Vetoed = true
	kept := scoreFor("/b", 0.9)
	kept.Decision.Action = model.ActionKeep
	plan := e.Plan([]model.CandidacyScore{vetoed, kept})
	if len(plan.Candidates) != 0 {
		t.Fatalf("expected 0 candidates, got %d", len(plan.Candidates))
	}
}

func TestExecuteDryRunDoesNotRemoveFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	e := New(Config{MaxBatchSize: 10, MinScore: 0.0, DryRun: true}, nil)
	plan := e.Plan([]model.CandidacyScore{scoreFor(path, 0.9)})
	report := e.Execute(plan, time.Now(), nil)

	if report.ItemsDeleted != 1 {
		t.Fatalf("expected 1 dry-run deletion counted, got %d", report.ItemsDeleted)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file to still exist under dry_run: %v", err)
	}
}

func TestExecuteRealRunRemovesFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	e := New(Config{MaxBatchSize: 10, MinScore: 0.0, DryRun: false}, nil)
	plan := e.Plan([]model.CandidacyScore{scoreFor(path, 0.9)})
	report := e.Execute(plan, time.Now(), nil)

	if report.ItemsDeleted != 1 {
		t.Fatalf("expected 1 deletion, got %d", report.ItemsDeleted)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected file to be removed")
	}
}

func TestExecuteSkipsOpenFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	e := New(Config{MaxBatchSize: 10, MinScore: 0.0, DryRun: false, CheckOpenFiles: true}, nil)
	plan := e.Plan([]model.CandidacyScore{scoreFor(path, 0.9)})
	report := e.Execute(plan, time.Now(), func(string) bool { return true })

	if report.ItemsSkipped != 1 {
		t.Fatalf("expected 1 skipped item, got %d", report.ItemsSkipped)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected open file to be preserved: %v", err)
	}
}

func TestCircuitBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	dir := t.TempDir()
	// os.Remove on a non-empty directory always fails with ENOTEMPTY,
	// regardless of the test process's privileges, giving a reliable
	// failure to exercise the breaker with.
	nonEmptyDirs := make([]model.CandidacyScore, 0, 3)
	for i := 0; i < 3; i++ {
		sub := filepath.Join(dir, "d"+string(rune('0'+i)))
		if err := os.MkdirAll(sub, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(sub, "child.txt"), []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		nonEmptyDirs = append(nonEmptyDirs, scoreFor(sub, 0.9))
	}

	e := New(Config{MaxBatchSize: 10, MinScore: 0.0, DryRun: false, CircuitBreakerThreshold: 2, CircuitBreakerCooldown: time.Minute}, nil)
	plan := e.Plan(nonEmptyDirs)

	now := time.Now()
	report := e.Execute(plan, now, nil)
	if !report.CircuitBreakerTripped {
		t.Fatalf("expected circuit breaker to trip after repeated failures")
	}

	if !e.CircuitOpen(now.Add(time.Second)) {
		t.Fatalf("expected breaker to remain open immediately after tripping")
	}
	if e.CircuitOpen(now.Add(2 * time.Minute)) {
		t.Fatalf("expected breaker to close after cooldown elapses")
	}
}
