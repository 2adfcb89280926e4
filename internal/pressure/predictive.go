package pressure

import (
	"math"

	"github.com/diskguardian/diskguardian/internal/model"
)

// PredictiveTier names the graduated pre-emption ladder produced from an
// EWMA forecast, from least to most severe.
type PredictiveTier uint8

const (
	TierClear PredictiveTier = iota
	TierEarlyWarning
	TierPreemptiveCleanup
	TierImminentDanger
	TierCriticalDanger
)

// PredictiveAction is the graduated pre-emptive response derived from a
// RateEstimate. Only one tier is populated at a time; zero values in the
// fields that don't apply to the current Tier should be ignored.
type PredictiveAction struct {
	Tier                     PredictiveTier
	Mount                    string
	MinutesRemaining         float64
	Confidence               float64
	RateBytesPerSecond       float64
	Trend                    model.Trend
	RecommendedMinScore      float64
	RecommendedFreeTargetPct float64
	Critical                 bool
}

// Severity returns a numeric ordering for comparing two actions.
func (a PredictiveAction) Severity() int {
	switch a.Tier {
	case TierClear:
		return 0
	case TierEarlyWarning:
		return 1
	case TierPreemptiveCleanup:
		return 2
	case TierImminentDanger:
		if a.Critical {
			return 4
		}
		return 3
	default:
		return 0
	}
}

// EventName returns the structured-log event name for this action tier.
func (a PredictiveAction) EventName() string {
	switch a.Tier {
	case TierEarlyWarning:
		return "predictive_warning"
	case TierPreemptiveCleanup:
		return "predictive_cleanup"
	case TierImminentDanger:
		if a.Critical {
			return "predictive_critical"
		}
		return "predictive_imminent"
	default:
		return "predictive_clear"
	}
}

// ShouldCleanup reports whether this action recommends scanning/deletion.
func (a PredictiveAction) ShouldCleanup() bool {
	return a.Tier == TierPreemptiveCleanup || a.Tier == TierImminentDanger
}

// ShouldReleaseBallast reports whether this action recommends ballast release.
func (a PredictiveAction) ShouldReleaseBallast() bool {
	return a.Tier == TierImminentDanger
}

// PredictiveConfig tunes the graduated pre-emption ladder.
type PredictiveConfig struct {
	Enabled               bool
	ActionHorizonMinutes  float64
	WarningHorizonMinutes float64
	MinConfidence         float64
	MinSamples            uint64
	ImminentDangerMinutes float64
	CriticalDangerMinutes float64
}

// PredictiveActionPolicy evaluates EWMA predictions and maps them to
// graduated pre-emptive actions, gated by confidence and trend.
type PredictiveActionPolicy struct {
	config PredictiveConfig
}

// NewPredictiveActionPolicy constructs a policy from the given config.
func NewPredictiveActionPolicy(cfg PredictiveConfig) *PredictiveActionPolicy {
	return &PredictiveActionPolicy{config: cfg}
}

// Evaluate maps an EWMA estimate and the current free percentage to a
// graduated pre-emptive action, with no sample-count gate.
func (p *PredictiveActionPolicy) Evaluate(estimate model.RateEstimate, currentFreePct float64, mount string) PredictiveAction {
	return p.EvaluateWithSamples(estimate, currentFreePct, mount, nil)
}

// EvaluateWithSamples is Evaluate with an explicit sample count for
// min_samples gating.
func (p *PredictiveActionPolicy) EvaluateWithSamples(estimate model.RateEstimate, currentFreePct float64, mount string, sampleCount *uint64) PredictiveAction {
	clear := PredictiveAction{Tier: TierClear, Mount: mount}

	if !p.config.Enabled {
		return clear
	}
	if estimate.FallbackActive {
		return clear
	}
	if estimate.Confidence < p.config.MinConfidence {
		return clear
	}
	if sampleCount != nil && *sampleCount < p.config.MinSamples {
		return clear
	}

	switch estimate.Trend {
	case model.TrendRecovering, model.TrendDecelerating:
		return clear
	}

	if estimate.Rate <= 0.0 {
		return clear
	}

	minutesRemaining := estimate.SecondsToExhaustion / 60.0
	if math.IsInf(minutesRemaining, 0) || math.IsNaN(minutesRemaining) || minutesRemaining < 0.0 {
		return clear
	}

	return p.classify(minutesRemaining, estimate.Confidence, estimate.Rate, estimate.Trend, currentFreePct, mount)
}

// classify maps minutes-remaining to an action tier. Aggressiveness of the
// PreemptiveCleanup recommendation scales linearly between the action
// horizon (gentle) and the imminent-danger boundary (aggressive).
func (p *PredictiveActionPolicy) classify(minutesRemaining, confidence, rateBPS float64, trend model.Trend, currentFreePct float64, mount string) PredictiveAction {
	switch {
	case minutesRemaining <= p.config.CriticalDangerMinutes:
		return PredictiveAction{
			Tier: TierImminentDanger, Mount: mount,
			MinutesRemaining: minutesRemaining, Critical: true,
		}
	case minutesRemaining <= p.config.ImminentDangerMinutes:
		return PredictiveAction{
			Tier: TierImminentDanger, Mount: mount,
			MinutesRemaining: minutesRemaining, Critical: false,
		}
	case minutesRemaining <= p.config.ActionHorizonMinutes:
		rng := p.config.ActionHorizonMinutes - p.config.ImminentDangerMinutes
		progress := 1.0
		if rng > 0.0 {
			progress = clamp((p.config.ActionHorizonMinutes-minutesRemaining)/rng, 0.0, 1.0)
		}
		recommendedMinScore := lerp(0.60, 0.30, progress)
		recommendedFreeTarget := lerp(math.Min(currentFreePct, 15.0), math.Min(currentFreePct, 25.0), progress)

		return PredictiveAction{
			Tier: TierPreemptiveCleanup, Mount: mount,
			MinutesRemaining:         minutesRemaining,
			Confidence:               confidence,
			RateBytesPerSecond:       rateBPS,
			RecommendedMinScore:      recommendedMinScore,
			RecommendedFreeTargetPct: recommendedFreeTarget,
		}
	case minutesRemaining <= p.config.WarningHorizonMinutes:
		return PredictiveAction{
			Tier: TierEarlyWarning, Mount: mount,
			MinutesRemaining:   minutesRemaining,
			Confidence:         confidence,
			RateBytesPerSecond: rateBPS,
			Trend:              trend,
		}
	default:
		return PredictiveAction{Tier: TierClear, Mount: mount}
	}
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
