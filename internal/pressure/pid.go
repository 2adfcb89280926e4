package pressure

import (
	"math"
	"time"

	"github.com/diskguardian/diskguardian/internal/model"
)

// Reading is a single free/total byte pair for a mount.
type Reading struct {
	FreeBytes  uint64
	TotalBytes uint64
}

// FreePct returns the free-space percentage, or 0 for a degenerate mount.
func (r Reading) FreePct() float64 {
	if r.TotalBytes == 0 {
		return 0.0
	}
	return (float64(r.FreeBytes) * 100.0) / float64(r.TotalBytes)
}

// Controller is a PID controller with asymmetric hysteresis over the
// five-valued pressure level, plus a predictive urgency override.
type Controller struct {
	kp, ki, kd  float64
	integral    float64
	integralCap float64

	hysteresisPct    float64
	targetFreePct    float64
	greenMinFreePct  float64
	yellowMinFreePct float64
	orangeMinFreePct float64
	redMinFreePct    float64

	basePollInterval time.Duration

	lastError float64
	lastUpdate *time.Time

	level model.PressureLevel
}

// NewController constructs a Controller starting in Green.
func NewController(kp, ki, kd, integralCap, targetFreePct, hysteresisPct,
	greenMinFreePct, yellowMinFreePct, orangeMinFreePct, redMinFreePct float64,
	basePollInterval time.Duration) *Controller {
	return &Controller{
		kp: kp, ki: ki, kd: kd,
		integralCap:      integralCap,
		targetFreePct:    targetFreePct,
		hysteresisPct:    hysteresisPct,
		greenMinFreePct:  greenMinFreePct,
		yellowMinFreePct: yellowMinFreePct,
		orangeMinFreePct: orangeMinFreePct,
		redMinFreePct:    redMinFreePct,
		basePollInterval: basePollInterval,
		level:            model.Green,
	}
}

// Level returns the controller's current pressure level.
func (c *Controller) Level() model.PressureLevel {
	return c.level
}

// Update folds in a new reading and an optional EWMA-predicted
// seconds-to-red, returning the derived pressure response.
func (c *Controller) Update(reading Reading, predictedSecondsToRed *float64, now time.Time) model.PressureResponse {
	freePct := reading.FreePct()

	dt := 1.0
	if c.lastUpdate != nil {
		dt = now.Sub(*c.lastUpdate).Seconds()
	}
	if dt < 1e-6 {
		dt = 1e-6
	}

	errVal := math.Max(c.targetFreePct-freePct, 0.0)
	c.integral = clamp(c.integral+errVal*dt, -c.integralCap, c.integralCap)
	derivative := (errVal - c.lastError) / dt
	c.lastError = errVal
	t := now
	c.lastUpdate = &t

	raw := c.kp*errVal + c.ki*c.integral + c.kd*derivative
	urgency := clamp(1.0-math.Exp(-math.Max(raw, 0.0)), 0.0, 1.0)

	if predictedSecondsToRed != nil {
		seconds := *predictedSecondsToRed
		switch {
		case seconds <= 60.0:
			urgency = math.Max(urgency, 1.0)
		case seconds <= 300.0:
			urgency = math.Max(urgency, 0.90)
		case seconds <= 900.0:
			urgency = math.Max(urgency, 0.70)
		}
	}

	c.level = classifyWithHysteresis(c.level, freePct, c.hysteresisPct,
		c.greenMinFreePct, c.yellowMinFreePct, c.orangeMinFreePct, c.redMinFreePct)

	interval, releaseBallast, maxBatch := responsePolicy(c.basePollInterval, c.level, urgency)

	return model.PressureResponse{
		Level:               c.level,
		Urgency:             urgency,
		ScanInterval:        interval,
		ReleaseBallastFiles: releaseBallast,
		MaxDeleteBatch:      maxBatch,
	}
}

func classifyWithHysteresis(current model.PressureLevel, freePct, hysteresis,
	greenMin, yellowMin, orangeMin, redMin float64) model.PressureLevel {
	switch current {
	case model.Green:
		if freePct < yellowMin {
			return model.Yellow
		}
		return model.Green
	case model.Yellow:
		if freePct >= greenMin+hysteresis {
			return model.Green
		}
		if freePct < orangeMin {
			return model.Orange
		}
		return model.Yellow
	case model.Orange:
		if freePct >= yellowMin+hysteresis {
			return model.Yellow
		}
		if freePct < redMin {
			return model.Red
		}
		return model.Orange
	case model.Red:
		if freePct >= orangeMin+hysteresis {
			return model.Orange
		}
		if freePct < redMin/2.0 {
			return model.Critical
		}
		return model.Red
	case model.Critical:
		if freePct >= redMin+hysteresis {
			return model.Red
		}
		return model.Critical
	default:
		return current
	}
}

// responsePolicy maps (level, urgency) to (scan_interval, release_ballast_files,
// max_delete_batch). Intervals halve with each level; Critical pins at
// 100ms/batch=40/ballast=10.
func responsePolicy(basePoll time.Duration, level model.PressureLevel, urgency float64) (time.Duration, int, int) {
	baseMS := uint64(basePoll.Milliseconds())

	switch level {
	case model.Green:
		return time.Duration(maxU64(baseMS, 1)) * time.Millisecond, 0, 2
	case model.Yellow:
		releaseCount := 0
		if urgency > 0.55 {
			releaseCount = 1
		}
		return time.Duration(maxU64(baseMS/2, 500)) * time.Millisecond, releaseCount, 5
	case model.Orange:
		releaseCount := 1
		if urgency > 0.75 {
			releaseCount = 3
		}
		return time.Duration(maxU64(baseMS/4, 250)) * time.Millisecond, releaseCount, 10
	case model.Red:
		releaseCount := 3
		if urgency > 0.85 {
			releaseCount = 5
		}
		return time.Duration(maxU64(baseMS/8, 125)) * time.Millisecond, releaseCount, 20
	case model.Critical:
		return 100 * time.Millisecond, 10, 40
	default:
		return basePoll, 0, 2
	}
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
