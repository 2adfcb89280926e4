package policy

import (
	"math"
	"sort"

	"github.com/diskguardian/diskguardian/internal/model"
)

// GuardrailObservation is one (predicted, actual) rate/time-to-exhaustion
// pair fed to the adaptive guardrail after the fact.
type GuardrailObservation struct {
	PredictedRate float64
	ActualRate    float64
	PredictedTTE  float64
	ActualTTE     float64
}

// GuardrailDiagnostics is the guardrail's per-window reporting struct.
type GuardrailDiagnostics struct {
	Status               model.GuardStatus
	MedianRateError      float64
	ConservativeFraction float64
	EProcessValue        float64
	Reason               string
}

// Guardrail formula (from the Policy Engine's adaptive safety check):
//
//	median_rate_error    = median(|actual_rate-predicted_rate| / max(|actual_rate|,|predicted_rate|,1))
//	conservative_fraction = fraction of observations where actual_tte >= predicted_tte
//	                        (the prediction was a safe underestimate of remaining time, never
//	                        an optimistic overestimate)
//	e_process            = running e-value for the one-sided alternative "predictions
//	                        underestimate urgency" (a sequential test that accumulates evidence
//	                        without needing a fixed sample size), kept as its natural log
//
// Status = Fail iff log(e_process) crosses alarm_threshold (in nats) OR
// conservative_fraction < conservative_bound.
type Guardrail struct {
	alarmThreshold     float64
	conservativeBound  float64
	windowSize         int
	lambda             float64

	observations []GuardrailObservation
	logEProcess  float64
}

// NewGuardrail constructs a Guardrail with the given alarm threshold,
// conservative-fraction bound, and rolling window size.
func NewGuardrail(alarmThreshold, conservativeBound float64, windowSize int) *Guardrail {
	if windowSize < 1 {
		windowSize = 1
	}
	return &Guardrail{
		alarmThreshold:    alarmThreshold,
		conservativeBound: conservativeBound,
		windowSize:        windowSize,
		lambda:            0.5,
	}
}

// Record folds one observation into the rolling window and the sequential
// e-process, capping the log accumulator so it cannot overflow across a
// long-running process.
func (g *Guardrail) Record(obs GuardrailObservation) {
	g.observations = append(g.observations, obs)
	if len(g.observations) > g.windowSize {
		g.observations = g.observations[1:]
	}

	x := signedRelativeTTEError(obs)
	g.logEProcess += g.lambda*x - (g.lambda*g.lambda)/2.0
	const logCap = 50.0
	if g.logEProcess > logCap {
		g.logEProcess = logCap
	}
	if g.logEProcess < -logCap {
		g.logEProcess = -logCap
	}
}

// signedRelativeTTEError is positive when the actual time-to-exhaustion
// came in shorter than predicted (dangerous: predictions underestimated
// urgency), negative when the prediction was conservative.
func signedRelativeTTEError(obs GuardrailObservation) float64 {
	scale := math.Max(math.Max(math.Abs(obs.PredictedTTE), math.Abs(obs.ActualTTE)), 1.0)
	return (obs.PredictedTTE - obs.ActualTTE) / scale
}

// Evaluate computes the current guardrail verdict and diagnostics from the
// rolling window and e-process state.
func (g *Guardrail) Evaluate() GuardrailDiagnostics {
	medianErr := g.medianRateError()
	conservativeFraction := g.conservativeFraction()
	eValue := math.Exp(g.logEProcess)

	status := model.GuardPass
	reason := "within bounds"

	switch {
	case g.logEProcess >= g.alarmThreshold:
		status = model.GuardFail
		reason = "e-process crossed alarm threshold"
	case conservativeFraction < g.conservativeBound:
		status = model.GuardFail
		reason = "conservative fraction below bound"
	}

	return GuardrailDiagnostics{
		Status:               status,
		MedianRateError:      medianErr,
		ConservativeFraction: conservativeFraction,
		EProcessValue:        eValue,
		Reason:               reason,
	}
}

func (g *Guardrail) medianRateError() float64 {
	if len(g.observations) == 0 {
		return 0.0
	}
	errs := make([]float64, 0, len(g.observations))
	for _, o := range g.observations {
		scale := math.Max(math.Max(math.Abs(o.ActualRate), math.Abs(o.PredictedRate)), 1.0)
		errs = append(errs, math.Abs(o.ActualRate-o.PredictedRate)/scale)
	}
	sort.Float64s(errs)
	mid := len(errs) / 2
	if len(errs)%2 == 1 {
		return errs[mid]
	}
	return (errs[mid-1] + errs[mid]) / 2.0
}

func (g *Guardrail) conservativeFraction() float64 {
	if len(g.observations) == 0 {
		return 1.0
	}
	conservative := 0
	for _, o := range g.observations {
		if o.ActualTTE >= o.PredictedTTE {
			conservative++
		}
	}
	return float64(conservative) / float64(len(g.observations))
}

// Reset clears the e-process accumulator and the rolling observation
// window, so evidence recorded before the reset cannot trip the alarm.
func (g *Guardrail) Reset() {
	g.logEProcess = 0
	g.observations = g.observations[:0]
}
