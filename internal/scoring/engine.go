// Package scoring implements the multi-factor candidacy scoring engine: six
// fixed-order factors combined into a total score, a fixed veto ladder, and
// a Bayesian expected-loss decision derived from a calibrated sigmoid
// posterior.
package scoring

import (
	"math"
	"sort"

	"github.com/diskguardian/diskguardian/contrib"
	"github.com/diskguardian/diskguardian/internal/config"
	"github.com/diskguardian/diskguardian/internal/model"
)

// locationClass assigns a location confidence to a path based on regex-style
// membership in a well-known scratch/cache directory class. Order matters:
// first match wins.
type locationClass struct {
	confidence float64
	matcher    func(path string) bool
}

// Engine scores walked candidates into CandidacyScores, deterministically
// for equal inputs and config.
type Engine struct {
	cfg               config.ScoringConfig
	minFileAgeMinutes float64
	classifier        contrib.ArtifactClassifier
	locations         []locationClass

	calibrationObservations uint64
	calibrationCorrect      uint64
}

// NewEngine constructs an Engine using the named classifier from the
// contrib registry. minFileAgeMinutes gates both the age factor's
// saturation point and veto (c).
func NewEngine(cfg config.ScoringConfig, minFileAgeMinutes float64) (*Engine, error) {
	classifierName := cfg.Classifier
	if classifierName == "" {
		classifierName = "pattern"
	}
	classifier, err := contrib.GetClassifier(classifierName)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:               cfg,
		minFileAgeMinutes: minFileAgeMinutes,
		classifier:        classifier,
		locations:         defaultLocationClasses(),
	}, nil
}

func defaultLocationClasses() []locationClass {
	return []locationClass{
		{confidence: 0.9, matcher: containsSegment("node_modules", "target", "dist", "build", "__pycache__")},
		{confidence: 0.7, matcher: containsSegment("tmp", "temp", ".cache")},
		{confidence: 0.4, matcher: containsSegment("logs", "log")},
	}
}

func containsSegment(segments ...string) func(string) bool {
	set := make(map[string]struct{}, len(segments))
	for _, s := range segments {
		set[s] = struct{}{}
	}
	return func(path string) bool {
		for _, part := range splitPath(path) {
			if _, ok := set[part]; ok {
				return true
			}
		}
		return false
	}
}

func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				parts = append(parts, path[start:i])
			}
			start = i + 1
		}
	}
	return parts
}

// RecordOutcome folds a retrospective ground-truth label (deleted-and-
// confirmed-abandoned vs. kept-and-still-in-use) into the calibration
// reliability estimate.
func (e *Engine) RecordOutcome(wasCorrect bool) {
	e.calibrationObservations++
	if wasCorrect {
		e.calibrationCorrect++
	}
}

func (e *Engine) calibrationScore() (score float64, fallbackActive bool) {
	minObs := e.cfg.MinObservationsForCalibration
	if minObs < 1 {
		minObs = 1
	}
	if e.calibrationObservations < minObs {
		return 0.5, true
	}
	return float64(e.calibrationCorrect) / float64(e.calibrationObservations), false
}

// Score maps a single candidate to a CandidacyScore. urgency is the
// current pressure controller output in [0,1], used to compute
// pressure_multiplier.
func (e *Engine) Score(cand model.Candidate, urgency float64) model.CandidacyScore {
	evidence := make([]string, 0, 4)

	classifyResult, err := e.classifier.Classify(contrib.ClassifyRequest{
		Path:      cand.Path,
		SizeBytes: cand.SizeBytes,
	})
	nameConfidence := cand.NameConfidence
	category := cand.Category
	if err == nil {
		if category == "" {
			category = classifyResult.Category
		}
		if nameConfidence == 0 {
			nameConfidence = classifyResult.NameConfidence
		}
	}

	locationFactor := e.locationFactor(cand.Path)
	nameFactor := clamp01(nameConfidence)
	ageFactor := e.ageFactor(cand)
	sizeFactor := sizeFactor(cand.SizeBytes)
	structureFactor := structureFactor(cand.Signals)
	pressureMultiplier := 1.0 + clamp01(urgency)

	factors := model.FactorBreakdown{
		Location:           locationFactor,
		Name:               nameFactor,
		Age:                ageFactor,
		Size:               sizeFactor,
		Structure:          structureFactor,
		PressureMultiplier: pressureMultiplier,
	}

	weightedSum := e.cfg.WeightLocation*locationFactor +
		e.cfg.WeightName*nameFactor +
		e.cfg.WeightAge*ageFactor +
		e.cfg.WeightSize*sizeFactor +
		e.cfg.WeightStructure*structureFactor

	totalScore := weightedSum * pressureMultiplier
	saturatedScore := clamp01(totalScore)

	vetoed, vetoReason := e.checkVetoes(cand, category)
	if vetoed {
		evidence = append(evidence, "veto: "+vetoReason)
	}

	calibration, fallbackActive := e.calibrationScore()

	decision := e.decide(saturatedScore, vetoed, calibration, fallbackActive)
	evidence = append(evidence, decisionEvidence(decision)...)

	return model.CandidacyScore{
		Candidate:  cand,
		TotalScore: totalScore,
		Factors:    factors,
		Vetoed:     vetoed,
		VetoReason: vetoReason,
		Decision:   decision,
		Evidence:   evidence,
	}
}

// ScoreBatch scores every candidate and returns the list sorted by
// total_score descending, with a stable path tie-break.
func (e *Engine) ScoreBatch(candidates []model.Candidate, urgency float64) []model.CandidacyScore {
	out := make([]model.CandidacyScore, len(candidates))
	for i, c := range candidates {
		out[i] = e.Score(c, urgency)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TotalScore != out[j].TotalScore {
			return out[i].TotalScore > out[j].TotalScore
		}
		return out[i].Candidate.Path < out[j].Candidate.Path
	})
	return out
}

func (e *Engine) locationFactor(path string) float64 {
	for _, class := range e.locations {
		if class.matcher(path) {
			return class.confidence
		}
	}
	return 0.1
}

func (e *Engine) ageFactor(cand model.Candidate) float64 {
	if e.minFileAgeMinutes <= 0 {
		return 1.0
	}
	return clamp01(cand.Age.Minutes() / e.minFileAgeMinutes)
}

func sizeFactor(sizeBytes uint64) float64 {
	if sizeBytes == 0 {
		return 0.0
	}
	// log-scaled: saturates toward 1 around the gigabyte range.
	const referenceBytes = 1 << 30
	return clamp01(math.Log1p(float64(sizeBytes)) / math.Log1p(float64(referenceBytes)))
}

func structureFactor(signals model.StructuralSignals) float64 {
	weights := 0.0
	total := 0.0
	add := func(present bool, weight float64) {
		total += weight
		if present {
			weights += weight
		}
	}
	add(signals.HasGit, 0.1)
	add(signals.HasCargoToml, 0.2)
	add(signals.HasPackageJSON, 0.2)
	add(signals.HasGoMod, 0.2)
	add(signals.HasMakefile, 0.15)
	add(signals.HasDockerfile, 0.15)
	if total == 0 {
		return 0.0
	}
	return weights / total
}

func decisionEvidence(d model.Decision) []string {
	if d.FallbackActive {
		return []string{"calibration fallback active: insufficient observations"}
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
