package scoring

import (
	"math"

	"github.com/diskguardian/diskguardian/internal/model"
)

// decide computes the Bayesian expected-loss decision from a saturated
// total score. A vetoed or fallback-active candidate is always Keep.
func (e *Engine) decide(saturatedScore float64, vetoed bool, calibration float64, fallbackActive bool) model.Decision {
	posterior := sigmoid(e.cfg.SigmoidSteepness * (saturatedScore - e.cfg.SigmoidMidpoint))

	lossKeep := posterior * e.cfg.CostOfHolding
	lossDelete := (1.0 - posterior) * e.cfg.CostOfFalseDelete

	decision := model.Decision{
		PosteriorAbandoned: posterior,
		ExpectedLossKeep:   lossKeep,
		ExpectedLossDelete: lossDelete,
		CalibrationScore:   calibration,
		FallbackActive:     fallbackActive,
	}

	switch {
	case vetoed || fallbackActive:
		decision.Action = model.ActionKeep
	case lossDelete < lossKeep && saturatedScore >= e.cfg.MinScore:
		decision.Action = model.ActionDelete
	case saturatedScore >= e.cfg.MinScore*0.5:
		decision.Action = model.ActionReview
	default:
		decision.Action = model.ActionKeep
	}

	return decision
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
