// Package policy implements the staged rollout state machine
// (Observe/Canary/Enforce/FallbackSafe), its adaptive guardrail, and the
// trace-bearing decision records the Policy Engine emits for every
// evaluated candidate.
package policy

import (
	"sync"
	"time"

	"github.com/diskguardian/diskguardian/internal/model"
)

// PolicyState holds the mutable rollout-stage state for the whole daemon.
// All fields are protected by mu; do not access fields directly.
type PolicyState struct {
	mu sync.Mutex

	current   model.PolicyMode
	priorMode model.PolicyMode
	enteredAt time.Time

	cleanWindowsInState int
	promoteCleanWindows int
	recoveryCleanWindows int

	canaryWindowStart   time.Time
	canaryDeletesInHour int
	maxCanaryPerHour    int

	lastFallbackReason model.FallbackReason
	decisionCounter    uint64
}

// NewPolicyState constructs a PolicyState starting in Observe.
func NewPolicyState(promoteCleanWindows, recoveryCleanWindows, maxCanaryPerHour int) *PolicyState {
	now := time.Now()
	return &PolicyState{
		current:              model.ModeObserve,
		enteredAt:            now,
		promoteCleanWindows:  promoteCleanWindows,
		recoveryCleanWindows: recoveryCleanWindows,
		maxCanaryPerHour:     maxCanaryPerHour,
		canaryWindowStart:    now,
	}
}

// Mode returns the current operational stage.
func (p *PolicyState) Mode() model.PolicyMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// TimeInState returns how long the state machine has held its current mode.
func (p *PolicyState) TimeInState() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.enteredAt)
}

// NextDecisionID returns the next monotonically increasing decision ID.
func (p *PolicyState) NextDecisionID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decisionCounter++
	return p.decisionCounter
}

// ObserveWindow folds one guardrail verdict into the promotion/demotion
// ladder. fallbackActive is the scoring engine's own fallback flag: even a
// Pass guard cannot promote while the scorer hasn't seen enough
// observations.
func (p *PolicyState) ObserveWindow(guard model.GuardStatus, fallbackActive bool, reason model.FallbackReason) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if guard == model.GuardFail {
		p.demoteToFallback(reason)
		return
	}

	switch p.current {
	case model.ModeFallbackSafe:
		p.cleanWindowsInState++
		if p.cleanWindowsInState >= p.recoveryCleanWindows {
			p.restoreFromFallback()
		}
	case model.ModeObserve:
		if fallbackActive {
			p.cleanWindowsInState = 0
			return
		}
		p.cleanWindowsInState++
		if p.cleanWindowsInState >= p.promoteCleanWindows {
			p.transitionTo(model.ModeCanary)
		}
	case model.ModeCanary:
		if fallbackActive {
			p.cleanWindowsInState = 0
			return
		}
		p.cleanWindowsInState++
		if p.cleanWindowsInState >= p.promoteCleanWindows {
			p.transitionTo(model.ModeEnforce)
		}
	case model.ModeEnforce:
		p.cleanWindowsInState++
	}
}

// Demote forces an immediate transition to FallbackSafe, e.g. on a
// kill-switch, serialization failure, or calibration breach detected
// outside the guardrail's own Fail verdict.
func (p *PolicyState) Demote(reason model.FallbackReason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.demoteToFallback(reason)
}

func (p *PolicyState) demoteToFallback(reason model.FallbackReason) {
	if p.current == model.ModeFallbackSafe {
		p.lastFallbackReason = reason
		return
	}
	p.priorMode = p.current
	p.lastFallbackReason = reason
	p.transitionTo(model.ModeFallbackSafe)
}

func (p *PolicyState) restoreFromFallback() {
	target := p.priorMode
	if target == "" {
		target = model.ModeObserve
	}
	p.lastFallbackReason = model.FallbackNone
	p.transitionTo(target)
}

func (p *PolicyState) transitionTo(mode model.PolicyMode) {
	p.current = mode
	p.enteredAt = time.Now()
	p.cleanWindowsInState = 0
}

// CanApproveCanaryDelete reports whether the sliding hourly canary budget
// has capacity remaining, resetting the window if an hour has elapsed.
func (p *PolicyState) CanApproveCanaryDelete(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if now.Sub(p.canaryWindowStart) >= time.Hour {
		p.canaryWindowStart = now
		p.canaryDeletesInHour = 0
	}
	return p.canaryDeletesInHour < p.maxCanaryPerHour
}

// RecordCanaryDelete consumes one unit of the sliding hourly canary budget.
func (p *PolicyState) RecordCanaryDelete(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if now.Sub(p.canaryWindowStart) >= time.Hour {
		p.canaryWindowStart = now
		p.canaryDeletesInHour = 0
	}
	p.canaryDeletesInHour++
}

// LastFallbackReason returns the reason the state machine most recently
// entered FallbackSafe, or FallbackNone if it never has.
func (p *PolicyState) LastFallbackReason() model.FallbackReason {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastFallbackReason
}

// ApprovesDeletion reports whether the current mode permits any deletion
// at all (Observe and FallbackSafe never do).
func (p *PolicyState) ApprovesDeletion() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current == model.ModeCanary || p.current == model.ModeEnforce
}
