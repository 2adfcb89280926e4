package orchestrator

import (
	"context"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/diskguardian/diskguardian/internal/model"
	"github.com/diskguardian/diskguardian/internal/pressure"
	"github.com/diskguardian/diskguardian/internal/telemetry"
)

func processID() int { return os.Getpid() }

// tickPressure collects an FsStats reading for every configured mount,
// folds it through that mount's rate estimator and PID+hysteresis
// controller, and returns the worst (highest-severity) response across all
// mounts plus any level transitions observed this tick. ok is false only
// when every mount failed to report stats.
func (m *Monitor) tickPressure(now time.Time) (worst model.PressureResponse, transitions []levelTransition, ok bool) {
	cfg := m.cfgSnapshot()

	for _, mount := range m.mounts {
		stats, err := m.platform.FsStats(mount)
		if err != nil {
			m.logger.Warn("fs stats unavailable, skipping mount this tick", zap.String("mount", mount), zap.Error(err))
			m.counters.errors.Add(1)
			continue
		}

		threshold := uint64(float64(stats.Total) * cfg.Pressure.RedMinFreePct / 100.0)
		rate := m.estimators[mount].Update(stats.Free, stats.At, threshold)

		var predictedSecondsToRed *float64
		if cfg.Pressure.Prediction.Enabled && !rate.FallbackActive && rate.Confidence >= cfg.Pressure.Prediction.MinConfidence {
			s := rate.SecondsToThreshold
			predictedSecondsToRed = &s
		}

		reading := pressure.Reading{FreeBytes: stats.Free, TotalBytes: stats.Total}
		resp := m.controllers[mount].Update(reading, predictedSecondsToRed, now)
		resp.Mount = mount
		resp.CausingMount = mount

		m.lastFreePct[mount] = reading.FreePct()

		if m.metrics != nil {
			m.metrics.PressureLevel.WithLabelValues(mount).Set(float64(resp.Level))
			m.metrics.PressureUrgency.WithLabelValues(mount).Set(resp.Urgency)
			m.metrics.PressureFreePct.WithLabelValues(mount).Set(reading.FreePct())
			m.metrics.PressureRateBytesPerSec.WithLabelValues(mount).Set(rate.Rate)
		}

		sampleCount := rate.SamplesSeen
		_ = m.predictive.EvaluateWithSamples(rate, reading.FreePct(), mount, &sampleCount)

		if prev, seen := m.lastLevel[mount]; !seen || prev != resp.Level {
			transitions = append(transitions, levelTransition{Mount: mount, From: prev, To: resp.Level})
			m.lastLevel[mount] = resp.Level
		}

		if !ok || resp.Level > worst.Level || (resp.Level == worst.Level && resp.Urgency > worst.Urgency) {
			worst = resp
			ok = true
		}
	}

	return worst, transitions, ok
}

// applyBallastResponse drives ballast behavior for the current tick's
// worst pressure response: a single process-wide replenish at Green, a
// rate-limited release at Yellow/Orange/Red, and an unconditional release
// attempt plus emergency notification at Critical.
func (m *Monitor) applyBallastResponse(worst model.PressureResponse) {
	cfg := m.cfgSnapshot()

	if worst.Level == model.Green {
		for _, mount := range m.mounts {
			freePct := m.lastFreePct[mount]
			check := func() float64 { return freePct }
			if _, replenished := m.coord.ReplenishForMount(mount, check, cfg.Pressure.GreenMinFreePct); replenished {
				break
			}
		}
		return
	}

	available := m.coord.AvailableCount(worst.CausingMount)
	n := m.release.FilesToRelease(&worst, available)
	if n > 0 {
		report, released := m.coord.ReleaseForMount(worst.CausingMount, n)
		if released && m.metrics != nil {
			m.metrics.BallastReleasesTotal.WithLabelValues(worst.CausingMount).Add(float64(report.FilesReleased))
		}
	}

	if worst.Level == model.Critical {
		m.logger.Error("critical pressure: emergency ballast release",
			zap.String("mount", worst.CausingMount), zap.Float64("urgency", worst.Urgency))
		sendLogEvent(m.logCh, LogEvent{
			Kind:    LogEmergency,
			Mount:   worst.CausingMount,
			Message: "critical pressure level reached, emergency ballast release attempted",
		}, &m.counters.dropped)
	}
}

// dispatchScan sends a non-blocking scan request sized to the worst
// pressure response: at Green it drives routine maintenance across every
// VOI-scheduled root; at elevated levels it narrows to roots sharing the
// causing mount so scan effort concentrates where the pressure actually is.
func (m *Monitor) dispatchScan(worst model.PressureResponse) {
	plan := m.scheduler.Schedule(time.Now())

	var roots []string
	if worst.Level == model.Green {
		roots = plan.Paths
	} else {
		candidates := m.rootsForMount(worst.CausingMount)
		roots = intersectPaths(plan.Paths, candidates)
		if len(roots) == 0 && len(candidates) > 0 {
			roots = candidates[:1]
		}
	}
	if len(roots) == 0 {
		return
	}

	req := ScanRequest{
		Roots:          roots,
		Urgency:        worst.Urgency,
		PressureLevel:  worst.Level,
		MaxDeleteBatch: worst.MaxDeleteBatch,
		Mount:          worst.CausingMount,
	}
	select {
	case m.scanReqCh <- req:
	default:
		m.logger.Debug("scan request dropped, scanner busy; will retry next tick")
	}
}

// maybeScanSpecialLocations evaluates configured special locations (small,
// protected mounts) on their own, typically slower, cadence, independent of
// the main scan dispatch above.
func (m *Monitor) maybeScanSpecialLocations(now time.Time, worst model.PressureResponse) {
	if now.Sub(m.specialLocationLastRun) < m.specialLocationInterval {
		return
	}
	m.specialLocationLastRun = now

	cfg := m.cfgSnapshot()
	if len(cfg.Scoring.SpecialLocationBuffersBytes) == 0 {
		return
	}
	paths := make([]string, 0, len(cfg.Scoring.SpecialLocationBuffersBytes))
	for p := range cfg.Scoring.SpecialLocationBuffersBytes {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	req := ScanRequest{
		Roots:          paths,
		Urgency:        worst.Urgency,
		PressureLevel:  worst.Level,
		MaxDeleteBatch: 1,
		Mount:          worst.CausingMount,
	}
	select {
	case m.scanReqCh <- req:
	default:
	}
}

func (m *Monitor) rootsForMount(mount string) []string {
	var roots []string
	for root, mnt := range m.rootMount {
		if mnt == mount {
			roots = append(roots, root)
		}
	}
	sort.Strings(roots)
	return roots
}

func intersectPaths(a, allowed []string) []string {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, p := range allowed {
		allowedSet[p] = struct{}{}
	}
	var out []string
	for _, p := range a {
		if _, ok := allowedSet[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// drainReports non-blockingly folds every pending worker report into VOI
// state, self-monitor counters, and Prometheus metrics. It never blocks the
// tick waiting for a report that hasn't arrived yet.
func (m *Monitor) drainReports(now time.Time) {
	for {
		select {
		case rep := <-m.reportCh:
			m.applyReport(rep, now)
		default:
			return
		}
	}
}

func (m *Monitor) applyReport(rep WorkerReport, now time.Time) {
	switch rep.Kind {
	case ReportScanCompleted:
		m.counters.scans.Add(1)
		m.lastScanAt = now
		m.lastScanCandidates = rep.Candidates
		for _, rs := range rep.RootStats {
			m.scheduler.RecordScanResult(rs.Path, rs.PotentialBytes, 0, uint64(rs.FalsePositives), rs.Duration.Seconds(), now)
			if m.metrics != nil {
				m.metrics.ScansTotal.WithLabelValues(rs.Path).Inc()
			}
		}
	case ReportDeletionCompleted:
		m.counters.deletions.Add(rep.Deleted)
		m.counters.bytesFreed.Add(rep.BytesFreed)
		m.counters.errors.Add(rep.Failed)
		m.lastScanDeleted = int(rep.Deleted)
	}
}

// maybeWriteSnapshot persists a small, atomically-written state snapshot at
// the configured cadence so external tools can read daemon state without
// talking to the running process.
func (m *Monitor) maybeWriteSnapshot(now time.Time) {
	if m.snapshotPath == "" || m.snapshotInterval <= 0 {
		return
	}
	if now.Sub(m.lastSnapshotAt) < m.snapshotInterval {
		return
	}
	m.lastSnapshotAt = now

	mounts := make([]telemetry.MountSnapshot, 0, len(m.mounts))
	overall := model.Green
	for _, mount := range m.mounts {
		level := m.lastLevel[mount]
		if level > overall {
			overall = level
		}
		mounts = append(mounts, telemetry.MountSnapshot{
			Path:    mount,
			FreePct: m.lastFreePct[mount],
			Level:   level.String(),
		})
	}

	inventory := m.coord.Inventory()
	var available, total int
	for _, p := range inventory {
		available += p.FilesAvailable
		total += p.FilesTotal
	}

	snap := telemetry.Snapshot{
		PID:           processID(),
		StartedAt:     m.startedAt,
		UptimeSeconds: now.Sub(m.startedAt).Seconds(),
		Pressure: telemetry.PressureSnapshot{
			Overall: overall.String(),
			Mounts:  mounts,
		},
		Ballast: telemetry.BallastSnapshot{
			Available: available,
			Total:     total,
			Released:  int(m.release.ReleasedTotal()),
		},
		LastScan: telemetry.LastScanSnapshot{
			At:         m.lastScanAt,
			Candidates: m.lastScanCandidates,
			Deleted:    m.lastScanDeleted,
		},
		Counters: telemetry.CountersSnapshot{
			Scans:            m.counters.scans.Load(),
			Deletions:        m.counters.deletions.Load(),
			BytesFreed:       m.counters.bytesFreed.Load(),
			Errors:           m.counters.errors.Load(),
			DroppedLogEvents: m.counters.dropped.Load(),
		},
		PolicyMode: string(m.policy.State().Mode()),
	}
	if rss, err := m.platform.MemoryRSSBytes(); err == nil {
		snap.MemoryRSSBytes = rss
	}

	if err := telemetry.WriteSnapshot(m.snapshotPath, snap); err != nil {
		m.logger.Warn("snapshot write failed", zap.Error(err))
	}
}

// healthCheck drains pending worker crash notifications and respawns each
// crashed worker up to MaxRespawns times within RespawnWindow. It reports
// true only when a worker has exceeded its respawn budget, signalling that
// the process should shut down rather than keep limping with a dead role.
func (m *Monitor) healthCheck(ctx context.Context, now time.Time) bool {
	for {
		select {
		case id := <-m.crashCh:
			m.healthMu.Lock()
			health, ok := m.health[id]
			if !ok {
				health = newThreadHealth()
				m.health[id] = health
			}
			m.healthMu.Unlock()

			if health.recordPanic(now) {
				m.logger.Warn("respawning crashed worker", zap.String("worker", id))
				if fn, ok := m.spawns[id]; ok {
					m.launch(ctx, id, fn)
				}
			} else {
				m.logger.Error("worker exceeded respawn budget", zap.String("worker", id))
				return true
			}
		default:
			return false
		}
	}
}
