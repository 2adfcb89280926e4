// Package main — cmd/diskguardian-sim/main.go
//
// DISKGUARDIAN race simulator.
//
// Purpose: validate the dominance condition the control loop is meant to
// guarantee before it ever touches a production host: that the combined
// reclaim rate of the Pressure Controller's urgency-driven scan cadence
// plus ballast release outpaces a simulated consumption process, so free
// space never actually reaches zero.
//
// Model:
//
//	free_{t+1} = clamp(free_t - C_t + R_t, 0, total)
//
// Where:
//
//	free_t = free-space fraction at step t, in [0,1]
//	C_t    = consumption this step, drawn from a configurable burst process
//	R_t    = reclaim this step = urgency(free_t) * reclaim_rate, plus a
//	         one-time ballast_fraction credit the first time free_t drops
//	         below the red threshold (models the emergency ballast release)
//	urgency(free_t) mirrors the PID urgency saturation: 1 - exp(-max(u,0))
//	where u grows as free_t falls below target_free_pct.
//
// Dominance condition: P(min_t free_t > 0) > 0.95 over N independent runs —
// i.e. the control loop keeps the mount off zero in at least 95% of
// simulated trajectories for the given consumption/reclaim parameters.
//
// Output: per-step CSV to stdout for the last run (step, free_frac,
// urgency, consumption). Summary: dominance condition result to stderr.
//
// Usage:
//
//	diskguardian-sim -steps 2000 -runs 200 -consumption-rate 0.01 \
//	  -reclaim-rate 0.02 -ballast-frac 0.05 -red-min-free-pct 6 -seed 1
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"strconv"
	"time"
)

func main() {
	steps := flag.Int("steps", 2000, "Number of simulation steps per run")
	runs := flag.Int("runs", 200, "Number of independent runs")
	consumptionRate := flag.Float64("consumption-rate", 0.01, "Mean per-step consumption fraction")
	consumptionBurstiness := flag.Float64("consumption-burstiness", 0.5, "Stddev multiplier on consumption (burst variance)")
	reclaimRate := flag.Float64("reclaim-rate", 0.02, "Max per-step reclaim fraction at urgency=1")
	ballastFrac := flag.Float64("ballast-frac", 0.05, "One-time ballast release credit when red threshold is first crossed")
	targetFreePct := flag.Float64("target-free-pct", 20, "PID target free percentage")
	redMinFreePct := flag.Float64("red-min-free-pct", 6, "Red pressure level threshold, percent")
	kp := flag.Float64("kp", 0.5, "PID proportional gain used for the urgency model")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	flag.Parse()

	if *consumptionRate < 0 || *reclaimRate < 0 {
		fmt.Fprintln(os.Stderr, "ERROR: consumption-rate and reclaim-rate must be >= 0")
		os.Exit(1)
	}
	if *runs < 1 || *steps < 1 {
		fmt.Fprintln(os.Stderr, "ERROR: runs and steps must be >= 1")
		os.Exit(1)
	}

	rng := rand.New(rand.NewSource(*seed))

	sim := NewSimulator(SimConfig{
		Steps:                 *steps,
		ConsumptionRate:       *consumptionRate,
		ConsumptionBurstiness: *consumptionBurstiness,
		ReclaimRate:           *reclaimRate,
		BallastFrac:           *ballastFrac,
		TargetFreePct:         *targetFreePct,
		RedMinFreePct:         *redMinFreePct,
		Kp:                    *kp,
	}, rng)

	var lastRun []StepResult
	survived := 0
	for r := 0; r < *runs; r++ {
		result := sim.Run()
		lastRun = result
		minFree := 1.0
		for _, s := range result {
			if s.FreeFrac < minFree {
				minFree = s.FreeFrac
			}
		}
		if minFree > 0 {
			survived++
		}
	}

	w := csv.NewWriter(os.Stdout)
	_ = w.Write([]string{"step", "free_frac", "urgency", "consumption"})
	for _, s := range lastRun {
		_ = w.Write([]string{
			strconv.Itoa(s.Step),
			strconv.FormatFloat(s.FreeFrac, 'f', 6, 64),
			strconv.FormatFloat(s.Urgency, 'f', 6, 64),
			strconv.FormatFloat(s.Consumption, 'f', 6, 64),
		})
	}
	w.Flush()

	dominanceProbability := float64(survived) / float64(*runs)
	fmt.Fprintf(os.Stderr, "\n=== DOMINANCE CONDITION RESULT ===\n")
	fmt.Fprintf(os.Stderr, "Runs:                        %d\n", *runs)
	fmt.Fprintf(os.Stderr, "Runs that never hit free=0:  %d / %d (%.1f%%)\n",
		survived, *runs, dominanceProbability*100)
	fmt.Fprintf(os.Stderr, "Dominance condition (P > 0.95): %v\n", dominanceProbability > 0.95)

	if dominanceProbability > 0.95 {
		fmt.Fprintf(os.Stderr, "RESULT: PASS — reclaim dominates consumption\n")
		os.Exit(0)
	}
	fmt.Fprintf(os.Stderr, "RESULT: FAIL — dominance condition not satisfied\n")
	fmt.Fprintf(os.Stderr, "  Adjust reclaim-rate, ballast-frac, or kp.\n")
	os.Exit(2)
}

// StepResult holds the output of a single simulation step.
type StepResult struct {
	Step        int
	FreeFrac    float64
	Urgency     float64
	Consumption float64
}

// SimConfig parameterizes one Simulator.
type SimConfig struct {
	Steps                 int
	ConsumptionRate       float64
	ConsumptionBurstiness float64
	ReclaimRate           float64
	BallastFrac           float64
	TargetFreePct         float64
	RedMinFreePct         float64
	Kp                    float64
}

// Simulator runs the disk-exhaustion race simulation.
type Simulator struct {
	cfg SimConfig
	rng *rand.Rand
}

// NewSimulator creates a configured Simulator.
func NewSimulator(cfg SimConfig, rng *rand.Rand) *Simulator {
	return &Simulator{cfg: cfg, rng: rng}
}

// urgency mirrors the PID controller's saturated output: error against the
// target free percentage, scaled by Kp, saturated via 1-exp(-max(u,0)).
func (s *Simulator) urgency(freeFrac float64) float64 {
	freePct := freeFrac * 100
	e := math.Max(s.cfg.TargetFreePct-freePct, 0)
	u := s.cfg.Kp * e
	return 1 - math.Exp(-math.Max(u, 0))
}

// Run executes one simulation and returns per-step results.
// Complexity: O(steps). Memory: O(steps) for the result slice.
func (s *Simulator) Run() []StepResult {
	results := make([]StepResult, s.cfg.Steps)
	free := 1.0
	ballastSpent := false
	redThreshold := s.cfg.RedMinFreePct / 100

	for t := 0; t < s.cfg.Steps; t++ {
		consumption := s.cfg.ConsumptionRate * (1 + s.cfg.ConsumptionBurstiness*s.rng.NormFloat64())
		if consumption < 0 {
			consumption = 0
		}

		u := s.urgency(free)
		reclaim := u * s.cfg.ReclaimRate

		if !ballastSpent && free < redThreshold {
			reclaim += s.cfg.BallastFrac
			ballastSpent = true
		}

		free = free - consumption + reclaim
		free = math.Max(0, math.Min(1, free))

		results[t] = StepResult{Step: t, FreeFrac: free, Urgency: u, Consumption: consumption}
	}

	return results
}
