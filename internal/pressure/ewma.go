// Package pressure implements the per-mount disk pressure control loop: an
// adaptive-alpha EWMA rate estimator, a PID controller with asymmetric
// hysteresis, and a graduated predictive pre-emption ladder.
package pressure

import (
	"math"
	"time"

	"github.com/diskguardian/diskguardian/internal/model"
)

type sampleState struct {
	freeBytes uint64
	at        time.Time
}

// RateEstimator is an online EWMA estimator of a mount's free-space
// consumption rate, with adaptive smoothing, residual-based confidence, and
// a numerically stable time-to-threshold projection.
type RateEstimator struct {
	baseAlpha float64
	minAlpha  float64
	maxAlpha  float64
	minSamples uint64

	ewmaRate  float64
	ewmaAccel float64
	residualEWMA float64

	predictionJitterEWMA float64
	lastPredictedSecs    *float64

	samples uint64
	last    *sampleState
}

// NewRateEstimator constructs an estimator with the given adaptive-alpha
// bounds and minimum-sample threshold before fallback clears.
func NewRateEstimator(baseAlpha, minAlpha, maxAlpha float64, minSamples uint64) *RateEstimator {
	return &RateEstimator{
		baseAlpha:  baseAlpha,
		minAlpha:   minAlpha,
		maxAlpha:   maxAlpha,
		minSamples: minSamples,
	}
}

// UpdateParams applies new adaptive-alpha bounds at runtime, e.g. after a
// config hot-reload.
func (e *RateEstimator) UpdateParams(baseAlpha, minAlpha, maxAlpha float64, minSamples uint64) {
	e.baseAlpha = baseAlpha
	e.minAlpha = minAlpha
	e.maxAlpha = maxAlpha
	e.minSamples = minSamples
}

// SampleCount returns the number of rate samples collected. The seed sample
// does not count — a rate cannot be computed from a single observation.
func (e *RateEstimator) SampleCount() uint64 {
	return e.samples
}

// Update folds in a new free-bytes reading and returns the resulting rate
// estimate. thresholdFreeBytes is the configured red threshold in bytes,
// used to compute SecondsToThreshold.
func (e *RateEstimator) Update(freeBytes uint64, observedAt time.Time, thresholdFreeBytes uint64) model.RateEstimate {
	previous := e.last
	if previous == nil {
		e.last = &sampleState{freeBytes: freeBytes, at: observedAt}
		return e.fallbackEstimate(freeBytes, thresholdFreeBytes)
	}

	if !observedAt.After(previous.at) {
		// Out-of-order or non-positive-elapsed sample: fail safe, do not
		// advance the sample counter, do not replace `last`.
		return e.fallbackEstimate(freeBytes, thresholdFreeBytes)
	}
	dt := observedAt.Sub(previous.at).Seconds()
	if dt <= 1e-6 {
		return e.fallbackEstimate(freeBytes, thresholdFreeBytes)
	}

	consumed := float64(previous.freeBytes) - float64(freeBytes)
	instRate := consumed / dt
	burstiness := math.Abs(instRate-e.ewmaRate) / (math.Abs(e.ewmaRate) + 1.0)
	alpha := clamp(e.baseAlpha+0.20*burstiness, e.minAlpha, e.maxAlpha)

	// Residual tracks the previous estimate's error, so it must be updated
	// before ewmaRate advances.
	e.residualEWMA = ewma(alpha, e.residualEWMA, math.Abs(instRate-e.ewmaRate))
	prevEWMARate := e.ewmaRate
	e.ewmaRate = ewma(alpha, e.ewmaRate, instRate)
	// Acceleration is derived from the smoothed rate delta, not the raw
	// instantaneous rate, so that poll-interval jitter (e.g. 4s -> 0.5s
	// under pressure) does not get amplified into noise.
	smoothedAccel := (e.ewmaRate - prevEWMARate) / dt
	e.ewmaAccel = ewma(alpha, e.ewmaAccel, smoothedAccel)

	e.samples++
	e.last = &sampleState{freeBytes: freeBytes, at: observedAt}

	trend := classifyTrend(e.ewmaRate, e.ewmaAccel)
	secondsToExhaustion := projectTime(e.ewmaRate, e.ewmaAccel, float64(freeBytes))
	thresholdDistance := saturatingSub(freeBytes, thresholdFreeBytes)
	secondsToThreshold := projectTime(e.ewmaRate, e.ewmaAccel, float64(thresholdDistance))

	if !math.IsInf(secondsToThreshold, 1) {
		if e.lastPredictedSecs != nil {
			prev := *e.lastPredictedSecs
			change := math.Abs(secondsToThreshold - prev)
			scale := math.Max(math.Max(math.Abs(secondsToThreshold), math.Abs(prev)), 60.0)
			jitter := change / scale
			e.predictionJitterEWMA = ewma(alpha, e.predictionJitterEWMA, jitter)
		}
		v := secondsToThreshold
		e.lastPredictedSecs = &v
	}

	confidence := e.computeConfidence()
	fallbackActive := e.samples < e.minSamples || confidence < 0.2

	return model.RateEstimate{
		Rate:                e.ewmaRate,
		Accel:               e.ewmaAccel,
		Confidence:          confidence,
		FallbackActive:      fallbackActive,
		SamplesSeen:         e.samples,
		AlphaUsed:           alpha,
		SecondsToThreshold:  secondsToThreshold,
		SecondsToExhaustion: secondsToExhaustion,
		Trend:               trend,
	}
}

func (e *RateEstimator) computeConfidence() float64 {
	if e.samples == 0 {
		return 0.0
	}
	minSamples := e.minSamples
	if minSamples < 1 {
		minSamples = 1
	}
	sampleTerm := math.Min(float64(e.samples)/float64(minSamples), 1.0)
	residualTerm := 1.0 / (1.0 + e.residualEWMA/(math.Abs(e.ewmaRate)+1.0))
	stabilityTerm := 1.0 / (1.0 + 3.0*e.predictionJitterEWMA)
	return clamp(0.5*sampleTerm+0.2*residualTerm+0.3*stabilityTerm, 0.0, 1.0)
}

func (e *RateEstimator) fallbackEstimate(freeBytes, thresholdFreeBytes uint64) model.RateEstimate {
	thresholdDistance := saturatingSub(freeBytes, thresholdFreeBytes)

	secToThreshold := math.Inf(1)
	secToExhaustion := math.Inf(1)
	if e.ewmaRate > 0.0 {
		secToThreshold = float64(thresholdDistance) / e.ewmaRate
		secToExhaustion = float64(freeBytes) / e.ewmaRate
	}

	return model.RateEstimate{
		Rate:                e.ewmaRate,
		Accel:               e.ewmaAccel,
		Confidence:          e.computeConfidence(),
		FallbackActive:      true,
		SamplesSeen:         e.samples,
		AlphaUsed:           e.baseAlpha,
		SecondsToThreshold:  secToThreshold,
		SecondsToExhaustion: secToExhaustion,
		Trend:               classifyTrend(e.ewmaRate, e.ewmaAccel),
	}
}

func ewma(alpha, prev, current float64) float64 {
	return alpha*current + (1.0-alpha)*prev
}

func classifyTrend(rate, accel float64) model.Trend {
	if rate < -1.0 {
		return model.TrendRecovering
	}
	if accel > 64.0 {
		return model.TrendAccelerating
	}
	if accel < -64.0 {
		return model.TrendDecelerating
	}
	return model.TrendStable
}

// projectTime solves for the time to cover distanceBytes given a rate and
// acceleration, using the numerically stable quadratic form that avoids
// catastrophic cancellation when accel is small and negative.
func projectTime(rate, accel, distanceBytes float64) float64 {
	if distanceBytes <= 0.0 {
		return 0.0
	}
	if rate <= 0.0 {
		return math.Inf(1)
	}
	if math.Abs(accel) < 1e-9 {
		return distanceBytes / rate
	}

	discriminant := rate*rate + 2.0*accel*distanceBytes
	if discriminant < 0.0 {
		// Deceleration reaches zero rate before covering distanceBytes.
		return math.Inf(1)
	}
	root := math.Sqrt(discriminant)

	var t float64
	if accel < 0.0 {
		denom := rate + root
		if math.Abs(denom) < 2.220446049250313e-16 {
			return math.Inf(1)
		}
		t = 2.0 * distanceBytes / denom
	} else {
		t = (-rate + root) / accel
	}

	if accel < 0.0 {
		tZero := -rate / accel
		if t > tZero {
			return math.Inf(1)
		}
	}

	if !math.IsInf(t, 0) && !math.IsNaN(t) && t > 0.0 {
		return t
	}
	return distanceBytes / rate
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func saturatingSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
