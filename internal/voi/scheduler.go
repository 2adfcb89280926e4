// Package voi implements the Value-of-Information scan scheduler: it
// allocates a per-interval scan budget across registered roots, favoring
// paths with the highest expected reclaim-per-IO while guaranteeing
// exploration of under-sampled paths, and falls back to deterministic
// round-robin when forecast accuracy degrades.
package voi

import (
	"math"
	"sort"
	"time"

	"github.com/diskguardian/diskguardian/internal/config"
	"github.com/diskguardian/diskguardian/internal/model"
)

type pathStats struct {
	totalReclaimedBytes uint64
	scanCount           uint64
	totalItemsDeleted   uint64
	falsePositiveCount  uint64
	lastScanned         *time.Time

	ewmaReclaimPerScan float64
	ewmaIOCostPerScan  float64
	forecastReclaim    float64

	lastPreScanForecast float64
	lastActualReclaim   uint64
	alphaUsed           float64
}

func newPathStats() *pathStats {
	return &pathStats{ewmaIOCostPerScan: 1000.0}
}

func (s *pathStats) recordScan(reclaimedBytes uint64, itemsDeleted, falsePositives uint64, ioCostEstimate float64, now time.Time, alpha float64) {
	s.totalReclaimedBytes += reclaimedBytes
	s.totalItemsDeleted += itemsDeleted
	s.falsePositiveCount += falsePositives
	s.scanCount++
	t := now
	s.lastScanned = &t
	s.lastActualReclaim = reclaimedBytes
	s.alphaUsed = alpha

	// Snapshot the pre-update forecast so forecastError() compares the
	// actual result against the prediction made before this observation.
	s.lastPreScanForecast = s.forecastReclaim

	reclaimF := float64(reclaimedBytes)
	s.ewmaReclaimPerScan = ewma(alpha, s.ewmaReclaimPerScan, reclaimF)
	s.ewmaIOCostPerScan = ewma(alpha, s.ewmaIOCostPerScan, ioCostEstimate)
	s.forecastReclaim = s.ewmaReclaimPerScan
}

func (s *pathStats) forecastError() (float64, bool) {
	if s.scanCount < 2 {
		return 0.0, false
	}
	actual := float64(s.lastActualReclaim)
	forecast := s.lastPreScanForecast
	if math.IsNaN(actual) || math.IsInf(actual, 0) || math.IsNaN(forecast) || math.IsInf(forecast, 0) {
		return 0.0, false
	}
	if math.Abs(actual) < 1.0 && math.Abs(forecast) < 1.0 {
		return 0.0, true
	}
	denom := math.Max(math.Max(math.Abs(actual), math.Abs(forecast)), 1.0)
	return math.Abs(actual-forecast) / denom, true
}

func (s *pathStats) staleness(now time.Time) float64 {
	if s.lastScanned == nil {
		return math.Inf(1)
	}
	d := now.Sub(*s.lastScanned)
	if d < 0 {
		d = 0
	}
	return d.Seconds()
}

func (s *pathStats) fpRate() float64 {
	if s.scanCount == 0 {
		return 0.0
	}
	return float64(s.falsePositiveCount) / float64(s.scanCount)
}

func (s *pathStats) snapshot(path string) model.PathStats {
	var lastScanAt time.Time
	if s.lastScanned != nil {
		lastScanAt = *s.lastScanned
	}
	return model.PathStats{
		Path:                path,
		ReclaimedBytesTotal: s.totalReclaimedBytes,
		ScanCount:           s.scanCount,
		ItemsDeleted:        s.totalItemsDeleted,
		FalsePositiveCount:  s.falsePositiveCount,
		LastScanAt:          lastScanAt,
		EWMAReclaimPerScan:  s.ewmaReclaimPerScan,
		EWMAIOCostPerScan:   s.ewmaIOCostPerScan,
		CurrentForecast:     s.forecastReclaim,
		LastPreScanForecast: s.lastPreScanForecast,
		LastActualReclaim:   float64(s.lastActualReclaim),
		AlphaUsed:           s.alphaUsed,
	}
}

// ScanPlan is a prioritized scan plan produced for one scheduling interval.
type ScanPlan struct {
	Paths          []model.ScanPlanEntry
	FallbackActive bool
	BudgetUsed     int
	BudgetTotal    int
}

type calibrationState struct {
	consecutiveBadWindows  int
	consecutiveGoodWindows int
	fallbackActive         bool
	windowMAPEs            []float64
}

func newCalibrationState() *calibrationState {
	return &calibrationState{}
}

func (c *calibrationState) recordWindow(mape float64, cfg config.SchedulerConfig) {
	c.windowMAPEs = append(c.windowMAPEs, mape)
	if len(c.windowMAPEs) > 50 {
		c.windowMAPEs = c.windowMAPEs[1:]
	}

	if mape > cfg.ForecastErrorThreshold {
		c.consecutiveBadWindows++
		c.consecutiveGoodWindows = 0
		if c.consecutiveBadWindows >= cfg.FallbackTriggerWindows {
			c.fallbackActive = true
		}
	} else {
		c.consecutiveGoodWindows++
		c.consecutiveBadWindows = 0
		if c.fallbackActive && c.consecutiveGoodWindows >= cfg.RecoveryTriggerWindows {
			c.fallbackActive = false
		}
	}
}

// CalibrationSummary reports the scheduler's forecast-accuracy diagnostics.
type CalibrationSummary struct {
	FallbackActive         bool
	ConsecutiveBadWindows  int
	ConsecutiveGoodWindows int
	RecentMAPEs            []float64
	TotalPathsTracked      int
}

// Scheduler is the Value-of-Information scan scheduler. It maintains
// per-path statistics and produces prioritized scan plans that maximize
// expected reclaimed-bytes-per-IO within a fixed budget.
type Scheduler struct {
	config        config.SchedulerConfig
	pathStats     map[string]*pathStats
	calibration   *calibrationState
	pendingErrors []float64
	rrCursor      int
}

// NewScheduler constructs a Scheduler with the given configuration.
func NewScheduler(cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		config:      cfg,
		pathStats:   make(map[string]*pathStats),
		calibration: newCalibrationState(),
	}
}

// RegisterPath registers a root for tracking. Idempotent.
func (s *Scheduler) RegisterPath(path string) {
	if _, ok := s.pathStats[path]; !ok {
		s.pathStats[path] = newPathStats()
	}
}

// UpdateConfig applies new configuration at runtime, e.g. after hot-reload.
func (s *Scheduler) UpdateConfig(cfg config.SchedulerConfig) {
	s.config = cfg
}

// RecordScanResult folds the outcome of a completed scan into a path's stats
// and, once enough observations exist, accumulates its forecast error for
// the current calibration window.
func (s *Scheduler) RecordScanResult(path string, reclaimedBytes, itemsDeleted, falsePositives uint64, ioCostEstimate float64, now time.Time) {
	stats, ok := s.pathStats[path]
	if !ok {
		return
	}
	stats.recordScan(reclaimedBytes, itemsDeleted, falsePositives, ioCostEstimate, now, s.config.EWMAAlpha)

	if stats.scanCount >= s.config.MinObservationsForForecast {
		if errVal, ok := stats.forecastError(); ok {
			s.pendingErrors = append(s.pendingErrors, errVal)
		}
	}
}

// EndWindow closes the current scheduling window: computes forecast
// accuracy (MAPE) and folds it into calibration state.
func (s *Scheduler) EndWindow() {
	if len(s.pendingErrors) == 0 {
		return
	}
	sum := 0.0
	for _, e := range s.pendingErrors {
		sum += e
	}
	mape := sum / float64(len(s.pendingErrors))
	s.calibration.recordWindow(mape, s.config)
	s.pendingErrors = s.pendingErrors[:0]
}

// IsFallbackActive reports whether the scheduler is in deterministic
// round-robin fallback mode, either because VOI prioritization is disabled
// or because calibration has detected sustained forecast drift.
func (s *Scheduler) IsFallbackActive() bool {
	return !s.config.Enabled || s.calibration.fallbackActive
}

// Schedule produces a prioritized scan plan for the current interval.
func (s *Scheduler) Schedule(now time.Time) ScanPlan {
	budget := s.config.ScanBudgetPerInterval

	if len(s.pathStats) == 0 || budget <= 0 {
		return ScanPlan{FallbackActive: s.IsFallbackActive(), BudgetTotal: budget}
	}

	if s.IsFallbackActive() {
		paths := make([]string, 0, len(s.pathStats))
		for p := range s.pathStats {
			paths = append(paths, p)
		}
		return s.scheduleRoundRobin(paths, budget)
	}

	paths := make([]string, 0, len(s.pathStats))
	for p := range s.pathStats {
		paths = append(paths, p)
	}
	return s.scheduleVOI(paths, budget, now)
}

func (s *Scheduler) scheduleRoundRobin(paths []string, budget int) ScanPlan {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	count := budget
	if len(sorted) < count {
		count = len(sorted)
	}
	entries := make([]model.ScanPlanEntry, 0, count)

	for i := 0; i < count; i++ {
		idx := (s.rrCursor + i) % len(sorted)
		entries = append(entries, model.ScanPlanEntry{Path: sorted[idx], Utility: 0.0, Exploration: false})
	}

	divisor := len(sorted)
	if divisor < 1 {
		divisor = 1
	}
	s.rrCursor = (s.rrCursor + count) % divisor

	return ScanPlan{Paths: entries, FallbackActive: true, BudgetUsed: count, BudgetTotal: budget}
}

type scoredPath struct {
	path    string
	utility float64
}

func (s *Scheduler) scheduleVOI(paths []string, budget int, now time.Time) ScanPlan {
	// Guarantee at least one exploitation slot when budget >= 1: under
	// pressure, the scheduler must scan the highest-yield path, not waste
	// the single slot on exploration.
	explorationBudget := int(math.Ceil(float64(budget) * s.config.ExplorationQuotaFraction))
	if cap := budget - 1; explorationBudget > cap {
		explorationBudget = cap
	}
	if explorationBudget < 0 {
		explorationBudget = 0
	}
	exploitationBudget := budget - explorationBudget
	if exploitationBudget < 0 {
		exploitationBudget = 0
	}

	scored := make([]scoredPath, 0, len(paths))
	for _, p := range paths {
		scored = append(scored, scoredPath{path: p, utility: s.computeUtility(p, now)})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].utility != scored[j].utility {
			return scored[i].utility > scored[j].utility
		}
		return scored[i].path < scored[j].path
	})

	selected := make([]model.ScanPlanEntry, 0, budget)
	selectedSet := make(map[string]struct{}, budget)

	top := scored
	if len(top) > exploitationBudget {
		top = top[:exploitationBudget]
	}
	for _, sp := range top {
		selected = append(selected, model.ScanPlanEntry{Path: sp.path, Utility: sp.utility, Exploration: false})
		selectedSet[sp.path] = struct{}{}
	}

	type explorationCandidate struct {
		path      string
		scanCount uint64
		staleness float64
	}
	candidates := make([]explorationCandidate, 0, len(paths))
	for _, p := range paths {
		if _, taken := selectedSet[p]; taken {
			continue
		}
		stats := s.pathStats[p]
		count := uint64(0)
		staleness := math.Inf(1)
		if stats != nil {
			count = stats.scanCount
			staleness = stats.staleness(now)
		}
		candidates = append(candidates, explorationCandidate{path: p, scanCount: count, staleness: staleness})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].scanCount != candidates[j].scanCount {
			return candidates[i].scanCount < candidates[j].scanCount
		}
		return candidates[i].staleness > candidates[j].staleness
	})
	if len(candidates) > explorationBudget {
		candidates = candidates[:explorationBudget]
	}
	for _, c := range candidates {
		utility := s.computeUtility(c.path, now)
		selected = append(selected, model.ScanPlanEntry{Path: c.path, Utility: utility, Exploration: true})
	}

	return ScanPlan{Paths: selected, FallbackActive: false, BudgetUsed: len(selected), BudgetTotal: budget}
}

func (s *Scheduler) computeUtility(path string, now time.Time) float64 {
	stats, ok := s.pathStats[path]
	if !ok {
		return 0.0
	}

	expectedReclaim := stats.ewmaReclaimPerScan

	minObs := s.config.MinObservationsForForecast
	if minObs < 1 {
		minObs = 1
	}
	observationRatio := math.Min(float64(stats.scanCount)/float64(minObs), 1.0)
	uncertaintyDiscount := 0.5*observationRatio + 0.5 // range [0.5, 1.0]

	ioPenalty := stats.ewmaIOCostPerScan * s.config.IOCostWeight
	fpPenalty := stats.fpRate() * expectedReclaim * s.config.FPRiskWeight

	stalenessHours := stats.staleness(now) / 3600.0
	explorationBonus := s.config.ExplorationWeight * math.Min(stalenessHours, 24.0) * (1.0 / (float64(stats.scanCount) + 1.0))

	utility := expectedReclaim*uncertaintyDiscount - ioPenalty - fpPenalty + explorationBonus
	return math.Max(utility, 0.0)
}

// PathStats returns a read-only snapshot of a path's statistics.
func (s *Scheduler) PathStats(path string) (model.PathStats, bool) {
	stats, ok := s.pathStats[path]
	if !ok {
		return model.PathStats{}, false
	}
	return stats.snapshot(path), true
}

// AllPathStats returns a snapshot of every tracked path's statistics, for
// periodic persistence to the state store.
func (s *Scheduler) AllPathStats() []model.PathStats {
	out := make([]model.PathStats, 0, len(s.pathStats))
	for path, stats := range s.pathStats {
		out = append(out, stats.snapshot(path))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// RestorePathStats seeds the scheduler from previously persisted snapshots,
// e.g. on daemon startup. Paths not already registered are registered.
func (s *Scheduler) RestorePathStats(snapshots []model.PathStats) {
	for _, snap := range snapshots {
		stats := newPathStats()
		stats.totalReclaimedBytes = snap.ReclaimedBytesTotal
		stats.scanCount = snap.ScanCount
		stats.totalItemsDeleted = snap.ItemsDeleted
		stats.falsePositiveCount = snap.FalsePositiveCount
		if !snap.LastScanAt.IsZero() {
			t := snap.LastScanAt
			stats.lastScanned = &t
		}
		stats.ewmaReclaimPerScan = snap.EWMAReclaimPerScan
		stats.ewmaIOCostPerScan = snap.EWMAIOCostPerScan
		stats.forecastReclaim = snap.CurrentForecast
		stats.lastPreScanForecast = snap.LastPreScanForecast
		stats.lastActualReclaim = uint64(snap.LastActualReclaim)
		stats.alphaUsed = snap.AlphaUsed
		s.pathStats[snap.Path] = stats
	}
}

// CalibrationSummary reports current calibration diagnostics.
func (s *Scheduler) CalibrationSummary() CalibrationSummary {
	return CalibrationSummary{
		FallbackActive:         s.calibration.fallbackActive,
		ConsecutiveBadWindows:  s.calibration.consecutiveBadWindows,
		ConsecutiveGoodWindows: s.calibration.consecutiveGoodWindows,
		RecentMAPEs:            append([]float64(nil), s.calibration.windowMAPEs...),
		TotalPathsTracked:      len(s.pathStats),
	}
}

func ewma(alpha, prev, current float64) float64 {
	return alpha*current + (1.0-alpha)*prev
}
