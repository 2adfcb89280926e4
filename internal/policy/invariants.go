// invariants.go enforces the bounds and hash-chaining invariants every
// emitted decision record must satisfy before it leaves the Policy Engine:
// parameters stay within their declared ranges, wall-clock time never goes
// backwards, every decision carries its evidence, and the record is
// cryptographically linked to the one before it so the trace can be
// replayed and verified after the fact.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/diskguardian/diskguardian/internal/errs"
	"github.com/diskguardian/diskguardian/internal/model"
)

// ViolationType names a specific invariant breach.
type ViolationType string

const (
	ViolationNonMonotonicTime  ViolationType = "non_monotonic_time"
	ViolationOutOfBounds       ViolationType = "parameter_out_of_bounds"
	ViolationMissingEvidence   ViolationType = "missing_evidence"
	ViolationNaNOrInf          ViolationType = "nan_inf_detected"
)

// InvariantViolation is returned when a decision fails a bounds or
// monotonicity check before it is chained and emitted.
type InvariantViolation struct {
	Type      ViolationType
	Message   string
	Timestamp time.Time
}

func (v *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation [%s]: %s", v.Type, v.Message)
}

// ParameterBounds declares the allowed ranges for values carried on a
// decision record.
type ParameterBounds struct {
	ScoreMin, ScoreMax         float64
	PosteriorMin, PosteriorMax float64
	TimestampSkewTolerance     time.Duration
}

// DefaultParameterBounds returns the production parameter bounds.
func DefaultParameterBounds() ParameterBounds {
	return ParameterBounds{
		ScoreMin:               0.0,
		ScoreMax:               1.0,
		PosteriorMin:           0.0,
		PosteriorMax:           1.0,
		TimestampSkewTolerance: 5 * time.Second,
	}
}

// Invariants validates and hash-chains every decision record emitted by the
// Policy Engine.
type Invariants struct {
	mu               sync.Mutex
	bounds           ParameterBounds
	lastTimestamp    time.Time
	lastDecisionHash string
	violationCount   int64
	verifiedCount    int64
	logger           *zap.Logger
}

// NewInvariants constructs an Invariants checker with default bounds.
func NewInvariants(logger *zap.Logger) *Invariants {
	return &Invariants{
		bounds:        DefaultParameterBounds(),
		lastTimestamp: time.Now(),
		logger:        logger,
	}
}

// Validate checks a decision record's bounds and time monotonicity, then
// computes and attaches its hash and parent hash. Returns a tagged
// KindGuardrailBreach error on any violation.
func (inv *Invariants) Validate(rec *model.DecisionRecord) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if err := inv.checkTimeMonotonicity(rec.Timestamp); err != nil {
		return inv.handleViolation(err)
	}
	if err := inv.checkBounds(rec); err != nil {
		return inv.handleViolation(err)
	}
	if rec.Summary == "" {
		err := &InvariantViolation{Type: ViolationMissingEvidence, Message: "decision record has no summary", Timestamp: time.Now()}
		return inv.handleViolation(err)
	}

	hash, err := computeDecisionHash(rec)
	if err != nil {
		return errs.New(errs.KindSerialization, "policy.Invariants.Validate", err)
	}
	rec.DecisionHash = hash
	rec.ParentHash = inv.lastDecisionHash
	inv.lastDecisionHash = hash

	inv.lastTimestamp = rec.Timestamp
	inv.verifiedCount++

	return nil
}

func (inv *Invariants) checkTimeMonotonicity(ts time.Time) error {
	if ts.Before(inv.lastTimestamp) {
		return &InvariantViolation{
			Type:      ViolationNonMonotonicTime,
			Message:   fmt.Sprintf("time went backwards: %v < %v", ts, inv.lastTimestamp),
			Timestamp: time.Now(),
		}
	}
	if skew := ts.Sub(inv.lastTimestamp); skew > inv.bounds.TimestampSkewTolerance {
		inv.logger.Warn("large timestamp skew between decision records",
			zap.Duration("skew", skew),
			zap.Duration("tolerance", inv.bounds.TimestampSkewTolerance))
	}
	return nil
}

func (inv *Invariants) checkBounds(rec *model.DecisionRecord) error {
	if math.IsNaN(rec.Posterior) || math.IsInf(rec.Posterior, 0) {
		return &InvariantViolation{Type: ViolationNaNOrInf, Message: "posterior is NaN or Inf", Timestamp: time.Now()}
	}
	if rec.Posterior < inv.bounds.PosteriorMin || rec.Posterior > inv.bounds.PosteriorMax {
		return &InvariantViolation{
			Type:      ViolationOutOfBounds,
			Message:   fmt.Sprintf("posterior %.4f outside bounds [%.2f, %.2f]", rec.Posterior, inv.bounds.PosteriorMin, inv.bounds.PosteriorMax),
			Timestamp: time.Now(),
		}
	}
	return nil
}

func computeDecisionHash(rec *model.DecisionRecord) (string, error) {
	canonical := map[string]interface{}{
		"decision_id": rec.DecisionID,
		"trace_id":    rec.TraceID,
		"timestamp":   rec.Timestamp.UnixNano(),
		"path":        rec.Path,
		"action":      rec.Action,
		"posterior":   fmt.Sprintf("%.8f", rec.Posterior),
		"mode":        rec.PolicyMode,
	}
	jsonBytes, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("marshal decision record: %w", err)
	}
	hash := sha256.Sum256(jsonBytes)
	return hex.EncodeToString(hash[:]), nil
}

func (inv *Invariants) handleViolation(err error) error {
	inv.violationCount++

	violation, ok := err.(*InvariantViolation)
	message := err.Error()
	violationType := ViolationType("unknown")
	if ok {
		message = violation.Message
		violationType = violation.Type
	}

	inv.logger.Error("policy invariant violation",
		zap.String("type", string(violationType)),
		zap.String("message", message),
		zap.Int64("total_violations", inv.violationCount))

	return errs.New(errs.KindGuardrailBreach, "policy.Invariants.Validate", err)
}

// Stats reports the invariants checker's running counters.
type Stats struct {
	VerifiedCount    int64
	ViolationCount   int64
	LastDecisionHash string
}

// GetStats returns current checker statistics.
func (inv *Invariants) GetStats() Stats {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return Stats{
		VerifiedCount:    inv.verifiedCount,
		ViolationCount:   inv.violationCount,
		LastDecisionHash: inv.lastDecisionHash,
	}
}
