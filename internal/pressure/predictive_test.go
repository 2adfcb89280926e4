package pressure

import (
	"testing"

	"github.com/diskguardian/diskguardian/internal/model"
)

func defaultPredictiveConfig() PredictiveConfig {
	return PredictiveConfig{
		Enabled:               true,
		ActionHorizonMinutes:  30.0,
		WarningHorizonMinutes: 60.0,
		MinConfidence:         0.7,
		MinSamples:            5,
		ImminentDangerMinutes: 5.0,
		CriticalDangerMinutes: 2.0,
	}
}

func TestPredictiveActionPolicyDisabledClears(t *testing.T) {
	cfg := defaultPredictiveConfig()
	cfg.Enabled = false
	p := NewPredictiveActionPolicy(cfg)

	est := model.RateEstimate{Rate: 100, Confidence: 0.95, SecondsToExhaustion: 10}
	got := p.Evaluate(est, 20.0, "/data")
	if got.Tier != TierClear {
		t.Fatalf("expected TierClear when disabled, got %v", got.Tier)
	}
}

func TestPredictiveActionPolicyLowConfidenceClears(t *testing.T) {
	p := NewPredictiveActionPolicy(defaultPredictiveConfig())
	est := model.RateEstimate{Rate: 100, Confidence: 0.4, SecondsToExhaustion: 10}
	got := p.Evaluate(est, 20.0, "/data")
	if got.Tier != TierClear {
		t.Fatalf("expected TierClear on low confidence, got %v", got.Tier)
	}
}

func TestPredictiveActionPolicyRecoveringClears(t *testing.T) {
	p := NewPredictiveActionPolicy(defaultPredictiveConfig())
	est := model.RateEstimate{Rate: 100, Confidence: 0.9, SecondsToExhaustion: 10, Trend: model.TrendRecovering}
	got := p.Evaluate(est, 20.0, "/data")
	if got.Tier != TierClear {
		t.Fatalf("expected TierClear on recovering trend, got %v", got.Tier)
	}
}

func TestPredictiveActionPolicyTiers(t *testing.T) {
	p := NewPredictiveActionPolicy(defaultPredictiveConfig())

	cases := []struct {
		name     string
		seconds  float64
		wantTier PredictiveTier
		critical bool
	}{
		{"clear far out", 3600 * 2, TierClear, false},
		{"warning window", 50 * 60, TierEarlyWarning, false},
		{"preemptive cleanup", 20 * 60, TierPreemptiveCleanup, false},
		{"imminent danger", 4 * 60, TierImminentDanger, false},
		{"critical danger", 90, TierImminentDanger, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			est := model.RateEstimate{
				Rate:                100,
				Confidence:          0.9,
				SecondsToExhaustion: tc.seconds,
				Trend:               model.TrendStable,
			}
			got := p.Evaluate(est, 20.0, "/data")
			if got.Tier != tc.wantTier {
				t.Fatalf("seconds=%v: expected tier %v, got %v", tc.seconds, tc.wantTier, got.Tier)
			}
			if got.Critical != tc.critical {
				t.Fatalf("seconds=%v: expected critical=%v, got %v", tc.seconds, tc.critical, got.Critical)
			}
		})
	}
}

func TestPredictiveActionPolicyPreemptiveAggressivenessScalesWithProximity(t *testing.T) {
	p := NewPredictiveActionPolicy(defaultPredictiveConfig())

	far := p.Evaluate(model.RateEstimate{Rate: 100, Confidence: 0.9, SecondsToExhaustion: 29.9 * 60, Trend: model.TrendStable}, 30.0, "/data")
	near := p.Evaluate(model.RateEstimate{Rate: 100, Confidence: 0.9, SecondsToExhaustion: 5.1 * 60, Trend: model.TrendStable}, 30.0, "/data")

	if far.Tier != TierPreemptiveCleanup || near.Tier != TierPreemptiveCleanup {
		t.Fatalf("expected both samples in PreemptiveCleanup tier, got far=%v near=%v", far.Tier, near.Tier)
	}
	if near.RecommendedMinScore >= far.RecommendedMinScore {
		t.Fatalf("expected min score to drop as exhaustion nears: far=%v near=%v", far.RecommendedMinScore, near.RecommendedMinScore)
	}
}

func TestPredictiveActionSampleCountGate(t *testing.T) {
	p := NewPredictiveActionPolicy(defaultPredictiveConfig())
	est := model.RateEstimate{Rate: 100, Confidence: 0.9, SecondsToExhaustion: 90, Trend: model.TrendStable}
	low := uint64(2)
	got := p.EvaluateWithSamples(est, 20.0, "/data", &low)
	if got.Tier != TierClear {
		t.Fatalf("expected TierClear when sample count below minimum, got %v", got.Tier)
	}
}

func TestPredictiveActionEventNamesAndHelpers(t *testing.T) {
	imminent := PredictiveAction{Tier: TierImminentDanger, Critical: true}
	if imminent.EventName() != "predictive_critical" {
		t.Fatalf("unexpected event name: %s", imminent.EventName())
	}
	if !imminent.ShouldReleaseBallast() {
		t.Fatalf("expected critical imminent danger to release ballast")
	}
	cleanup := PredictiveAction{Tier: TierPreemptiveCleanup}
	if !cleanup.ShouldCleanup() {
		t.Fatalf("expected preemptive cleanup tier to request cleanup")
	}
	if cleanup.ShouldReleaseBallast() {
		t.Fatalf("preemptive cleanup should not release ballast")
	}
}
