package policy

import (
	"testing"
	"time"

	"github.com/diskguardian/diskguardian/internal/model"
)

func TestPolicyStateStartsInObserve(t *testing.T) {
	p := NewPolicyState(3, 3, 10)
	if p.Mode() != model.ModeObserve {
		t.Fatalf("expected initial mode Observe, got %v", p.Mode())
	}
	if p.ApprovesDeletion() {
		t.Fatal("Observe must not approve deletion")
	}
}

func TestPolicyStatePromotesAfterCleanWindows(t *testing.T) {
	p := NewPolicyState(2, 2, 10)
	p.ObserveWindow(model.GuardPass, false, model.FallbackNone)
	if p.Mode() != model.ModeObserve {
		t.Fatalf("expected to stay in Observe after 1 clean window, got %v", p.Mode())
	}
	p.ObserveWindow(model.GuardPass, false, model.FallbackNone)
	if p.Mode() != model.ModeCanary {
		t.Fatalf("expected Canary after promoteCleanWindows clean windows, got %v", p.Mode())
	}
}

func TestPolicyStateFallbackActiveBlocksPromotion(t *testing.T) {
	p := NewPolicyState(1, 1, 10)
	p.ObserveWindow(model.GuardPass, true, model.FallbackNone)
	if p.Mode() != model.ModeObserve {
		t.Fatalf("expected to remain in Observe while the scorer's own fallback is active, got %v", p.Mode())
	}
}

func TestPolicyStateGuardFailDemotesToFallbackSafe(t *testing.T) {
	p := NewPolicyState(1, 2, 10)
	p.ObserveWindow(model.GuardPass, false, model.FallbackNone)
	if p.Mode() != model.ModeCanary {
		t.Fatalf("setup: expected Canary, got %v", p.Mode())
	}
	p.ObserveWindow(model.GuardFail, false, model.FallbackGuardrailDrift)
	if p.Mode() != model.ModeFallbackSafe {
		t.Fatalf("expected FallbackSafe after a Fail verdict, got %v", p.Mode())
	}
	if p.LastFallbackReason() != model.FallbackGuardrailDrift {
		t.Fatalf("expected reason GuardrailDrift, got %v", p.LastFallbackReason())
	}
}

func TestPolicyStateRestoresPriorModeAfterRecovery(t *testing.T) {
	p := NewPolicyState(1, 2, 10)
	p.ObserveWindow(model.GuardPass, false, model.FallbackNone) // -> Canary
	p.Demote(model.FallbackKillSwitch)
	if p.Mode() != model.ModeFallbackSafe {
		t.Fatalf("expected FallbackSafe after Demote, got %v", p.Mode())
	}

	p.ObserveWindow(model.GuardPass, false, model.FallbackNone)
	if p.Mode() != model.ModeFallbackSafe {
		t.Fatalf("expected to remain in FallbackSafe before recoveryCleanWindows elapse, got %v", p.Mode())
	}
	p.ObserveWindow(model.GuardPass, false, model.FallbackNone)
	if p.Mode() != model.ModeCanary {
		t.Fatalf("expected to restore to the prior mode Canary, got %v", p.Mode())
	}
}

func TestPolicyStateCanaryBudgetResetsHourly(t *testing.T) {
	p := NewPolicyState(1, 1, 2)
	now := time.Now()

	if !p.CanApproveCanaryDelete(now) {
		t.Fatal("expected budget available at window start")
	}
	p.RecordCanaryDelete(now)
	p.RecordCanaryDelete(now)
	if p.CanApproveCanaryDelete(now) {
		t.Fatal("expected budget exhausted after maxCanaryPerHour deletes")
	}

	later := now.Add(time.Hour + time.Minute)
	if !p.CanApproveCanaryDelete(later) {
		t.Fatal("expected budget to reset once the hourly window elapses")
	}
}
