package scoring

import (
	"testing"
	"time"

	"github.com/diskguardian/diskguardian/internal/config"
	"github.com/diskguardian/diskguardian/internal/model"
)

func defaultScoringConfig() config.ScoringConfig {
	return config.ScoringConfig{
		Classifier:      "pattern",
		WeightLocation:  0.2,
		WeightName:      0.3,
		WeightAge:       0.2,
		WeightSize:      0.2,
		WeightStructure: 0.1,
		MinScore:        0.5,
		CategoryFloorsBytes: map[string]uint64{
			"build-output": 1 << 20,
		},
		SpecialLocationBuffersBytes: map[string]uint64{
			"/boot": 1 << 20,
		},
		SigmoidMidpoint:               0.5,
		SigmoidSteepness:              10,
		CostOfHolding:                 1.0,
		CostOfFalseDelete:             5.0,
		MinObservationsForCalibration: 10,
	}
}

func TestVetoOnOpenFile(t *testing.T) {
	e, err := NewEngine(defaultScoringConfig(), 60)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cand := model.Candidate{
		Path:      "/data/project/target/release/big.bin",
		SizeBytes: 10 << 20,
		Age:       2 * time.Hour,
		IsOpen:    true,
	}
	score := e.Score(cand, 0.5)
	if !score.Vetoed {
		t.Fatalf("expected veto for open file")
	}
	if score.Decision.Action != model.ActionKeep {
		t.Fatalf("expected Keep action on veto, got %s", score.Decision.Action)
	}
}

func TestVetoOnYoungFile(t *testing.T) {
	e, _ := NewEngine(defaultScoringConfig(), 60)
	cand := model.Candidate{
		Path:      "/data/project/target/release/big.bin",
		SizeBytes: 10 << 20,
		Age:       1 * time.Minute,
	}
	score := e.Score(cand, 0.5)
	if !score.Vetoed || score.VetoReason != "below minimum file age" {
		t.Fatalf("expected age veto, got vetoed=%v reason=%q", score.Vetoed, score.VetoReason)
	}
}

func TestVetoOnSpecialLocationBuffer(t *testing.T) {
	e, _ := NewEngine(defaultScoringConfig(), 60)
	cand := model.Candidate{
		Path:      "/boot/old-kernel",
		SizeBytes: 100,
		Age:       2 * time.Hour,
	}
	score := e.Score(cand, 0.5)
	if !score.Vetoed {
		t.Fatalf("expected special-location buffer veto")
	}
}

func TestCalibrationFallbackKeepsCandidates(t *testing.T) {
	e, _ := NewEngine(defaultScoringConfig(), 60)
	cand := model.Candidate{
		Path:      "/data/project/target/release/big.bin",
		SizeBytes: 10 << 20,
		Age:       2 * time.Hour,
		Category:  "build-output",
	}
	score := e.Score(cand, 0.9)
	if !score.Decision.FallbackActive {
		t.Fatalf("expected calibration fallback with no recorded outcomes")
	}
	if score.Decision.Action != model.ActionKeep {
		t.Fatalf("expected Keep while fallback active, got %s", score.Decision.Action)
	}
}

func TestBatchScoringSortedDescendingWithTieBreak(t *testing.T) {
	e, _ := NewEngine(defaultScoringConfig(), 60)
	for i := 0; i < 20; i++ {
		e.RecordOutcome(true)
	}

	candidates := []model.Candidate{
		{Path: "/data/b/target/a.o", SizeBytes: 2 << 20, Age: 5 * time.Hour, Category: "build-output"},
		{Path: "/data/a/target/a.o", SizeBytes: 2 << 20, Age: 5 * time.Hour, Category: "build-output"},
	}
	batch := e.ScoreBatch(candidates, 0.9)
	if len(batch) != 2 {
		t.Fatalf("expected 2 scores, got %d", len(batch))
	}
	if batch[0].TotalScore < batch[1].TotalScore {
		t.Fatalf("expected descending total score order")
	}
	if batch[0].TotalScore == batch[1].TotalScore && batch[0].Candidate.Path > batch[1].Candidate.Path {
		t.Fatalf("expected path tie-break ascending")
	}
}
