package policy

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/diskguardian/diskguardian/internal/model"
)

// ExplainLevel controls how much of a decision record's rationale is
// rendered into its Summary.
type ExplainLevel int

const (
	ExplainL1 ExplainLevel = iota // action + mode only
	ExplainL2                     // + factor contributions
	ExplainL3                     // + raw evidence ledger
)

// Engine ties the state machine, adaptive guardrail, and invariants
// checker together to gate candidate decisions and emit trace-bearing
// decision records.
type Engine struct {
	state      *PolicyState
	guardrail  *Guardrail
	invariants *Invariants

	mu                sync.Mutex
	currentGuardStatus model.GuardStatus
}

// NewEngine constructs a policy Engine from its three subcomponents.
func NewEngine(state *PolicyState, guardrail *Guardrail, invariants *Invariants) *Engine {
	return &Engine{state: state, guardrail: guardrail, invariants: invariants, currentGuardStatus: model.GuardPass}
}

// State returns the underlying rollout state machine.
func (e *Engine) State() *PolicyState { return e.state }

// Guardrail returns the underlying adaptive guardrail.
func (e *Engine) Guardrail() *Guardrail { return e.guardrail }

// RefreshGuardStatus evaluates the guardrail and folds the verdict into the
// rollout state machine's promotion/demotion ladder. Call once per
// scheduling window.
func (e *Engine) RefreshGuardStatus(fallbackActive bool) GuardrailDiagnostics {
	diag := e.guardrail.Evaluate()

	e.mu.Lock()
	e.currentGuardStatus = diag.Status
	e.mu.Unlock()

	reason := model.FallbackNone
	if diag.Status == model.GuardFail {
		reason = model.FallbackGuardrailDrift
	}
	e.state.ObserveWindow(diag.Status, fallbackActive, reason)
	return diag
}

func (e *Engine) guardStatus() model.GuardStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentGuardStatus
}

// Evaluate gates a candidate's scored decision by the current rollout mode
// and canary rate limit, then builds and hash-chains its decision record.
// explainLevel controls how much rationale lands in the Summary field.
func (e *Engine) Evaluate(score model.CandidacyScore, now time.Time, explainLevel ExplainLevel) (model.DecisionRecord, error) {
	mode := e.state.Mode()
	guardStatus := e.guardStatus()

	effectiveAction := e.gate(mode, score.Decision.Action, now)

	rec := model.DecisionRecord{
		DecisionID:         e.state.NextDecisionID(),
		TraceID:            newTraceID(),
		Timestamp:          now,
		Path:               score.Candidate.Path,
		SizeBytes:          score.Candidate.SizeBytes,
		Age:                score.Candidate.Age,
		Action:             score.Decision.Action,
		EffectiveAction:     effectiveAction,
		PolicyMode:         mode,
		Factors:            score.Factors,
		Posterior:          score.Decision.PosteriorAbandoned,
		ExpectedLossKeep:   score.Decision.ExpectedLossKeep,
		ExpectedLossDelete: score.Decision.ExpectedLossDelete,
		Calibration:        score.Decision.CalibrationScore,
		Vetoed:             score.Vetoed,
		VetoReason:         score.VetoReason,
		GuardStatus:        guardStatus,
		Summary:            summarize(score, mode, effectiveAction, explainLevel),
	}

	if err := e.invariants.Validate(&rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// gate maps (mode, recommended action) to the effective action actually
// permitted, consuming the canary budget when applicable.
func (e *Engine) gate(mode model.PolicyMode, recommended model.Action, now time.Time) model.Action {
	switch mode {
	case model.ModeObserve, model.ModeFallbackSafe:
		return model.ActionKeep
	case model.ModeCanary:
		if recommended != model.ActionDelete {
			return recommended
		}
		if !e.state.CanApproveCanaryDelete(now) {
			return model.ActionReview
		}
		e.state.RecordCanaryDelete(now)
		return model.ActionDelete
	case model.ModeEnforce:
		return recommended
	default:
		return model.ActionKeep
	}
}

func summarize(score model.CandidacyScore, mode model.PolicyMode, effective model.Action, level ExplainLevel) string {
	summary := fmt.Sprintf("%s -> %s in %s", score.Decision.Action, effective, mode)
	if level == ExplainL1 {
		return summary
	}
	summary += fmt.Sprintf(" | factors{loc=%.2f name=%.2f age=%.2f size=%.2f struct=%.2f mult=%.2f} total=%.3f",
		score.Factors.Location, score.Factors.Name, score.Factors.Age, score.Factors.Size,
		score.Factors.Structure, score.Factors.PressureMultiplier, score.TotalScore)
	if level == ExplainL2 {
		return summary
	}
	if len(score.Evidence) > 0 {
		summary += " | evidence: "
		for i, e := range score.Evidence {
			if i > 0 {
				summary += "; "
			}
			summary += e
		}
	}
	return summary
}

func newTraceID() string {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return "sbh-" + hex.EncodeToString(buf[:])
}
