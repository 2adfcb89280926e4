package policy

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/diskguardian/diskguardian/internal/model"
)

func validDecisionRecord(ts time.Time) *model.DecisionRecord {
	return &model.DecisionRecord{
		DecisionID: 1,
		TraceID:    "trace-1",
		Timestamp:  ts,
		Path:       "/var/tmp/build-cache",
		Action:     model.ActionReview,
		Posterior:  0.5,
		PolicyMode: model.ModeObserve,
		Summary:    "candidate under review",
	}
}

func TestInvariantsValidateChainsHashes(t *testing.T) {
	inv := NewInvariants(zap.NewNop())
	now := time.Now()

	first := validDecisionRecord(now)
	if err := inv.Validate(first); err != nil {
		t.Fatalf("unexpected error on first record: %v", err)
	}
	if first.DecisionHash == "" {
		t.Fatal("expected a non-empty decision hash")
	}
	if first.ParentHash != "" {
		t.Fatalf("expected empty parent hash for the first record, got %q", first.ParentHash)
	}

	second := validDecisionRecord(now.Add(time.Second))
	second.DecisionID = 2
	if err := inv.Validate(second); err != nil {
		t.Fatalf("unexpected error on second record: %v", err)
	}
	if second.ParentHash != first.DecisionHash {
		t.Fatalf("expected second record's parent hash to equal first's hash, got %q vs %q", second.ParentHash, first.DecisionHash)
	}
}

func TestInvariantsRejectsNonMonotonicTime(t *testing.T) {
	inv := NewInvariants(zap.NewNop())
	now := time.Now()

	if err := inv.Validate(validDecisionRecord(now)); err != nil {
		t.Fatalf("unexpected error seeding the chain: %v", err)
	}

	earlier := validDecisionRecord(now.Add(-time.Minute))
	if err := inv.Validate(earlier); err == nil {
		t.Fatal("expected an error for a timestamp earlier than the last seen one")
	}
}

func TestInvariantsRejectsOutOfBoundsPosterior(t *testing.T) {
	inv := NewInvariants(zap.NewNop())
	rec := validDecisionRecord(time.Now())
	rec.Posterior = 1.5
	if err := inv.Validate(rec); err == nil {
		t.Fatal("expected an error for a posterior outside [0,1]")
	}
}

func TestInvariantsRejectsMissingSummary(t *testing.T) {
	inv := NewInvariants(zap.NewNop())
	rec := validDecisionRecord(time.Now())
	rec.Summary = ""
	if err := inv.Validate(rec); err == nil {
		t.Fatal("expected an error for a decision record with no evidence summary")
	}
}

func TestInvariantsStatsTrackViolationsAndSuccesses(t *testing.T) {
	inv := NewInvariants(zap.NewNop())
	_ = inv.Validate(validDecisionRecord(time.Now()))
	bad := validDecisionRecord(time.Now())
	bad.Summary = ""
	_ = inv.Validate(bad)

	stats := inv.GetStats()
	if stats.VerifiedCount != 1 {
		t.Fatalf("expected 1 verified record, got %d", stats.VerifiedCount)
	}
	if stats.ViolationCount != 1 {
		t.Fatalf("expected 1 violation, got %d", stats.ViolationCount)
	}
}
