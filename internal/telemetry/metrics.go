// Package telemetry — metrics.go
//
// Prometheus metrics for the DISKGUARDIAN daemon.
//
// Endpoint: GET /metrics on 127.0.0.1:9092 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: diskguardian_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Mount and level labels are bounded (host mount count, 5 levels).
//   - Candidate path is NOT used as a label (unbounded cardinality).
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for DISKGUARDIAN.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Pressure ─────────────────────────────────────────────────────────────

	// PressureLevel is the current numeric pressure level per mount
	// (0=Green..4=Critical).
	PressureLevel *prometheus.GaugeVec

	// PressureUrgency is the current PID urgency per mount.
	PressureUrgency *prometheus.GaugeVec

	// PressureFreePct is the current free-space percentage per mount.
	PressureFreePct *prometheus.GaugeVec

	// PressureRateBytesPerSec is the EWMA consumption rate per mount.
	PressureRateBytesPerSec *prometheus.GaugeVec

	// PressureLevelTransitionsTotal counts level transitions.
	// Labels: mount, from_level, to_level.
	PressureLevelTransitionsTotal *prometheus.CounterVec

	// ─── Scanner / VOI ────────────────────────────────────────────────────────

	// ScansTotal counts completed scans, by root path.
	ScansTotal *prometheus.CounterVec

	// SchedulerFallbackActive is 1 when the VOI scheduler is in round-robin
	// fallback, 0 otherwise.
	SchedulerFallbackActive prometheus.Gauge

	// ─── Scoring / Policy ─────────────────────────────────────────────────────

	// CandidatesScoredTotal counts scored candidates, by action.
	CandidatesScoredTotal *prometheus.CounterVec

	// DeletionsTotal counts executed deletions, by policy mode.
	DeletionsTotal *prometheus.CounterVec

	// BytesFreedTotal counts cumulative reclaimed bytes.
	BytesFreedTotal prometheus.Counter

	// PolicyMode is the current policy mode as a label-only gauge (1 on the
	// active mode's label, 0 elsewhere).
	PolicyMode *prometheus.GaugeVec

	// GuardrailStatus is 1 when the guardrail's last verdict was Fail.
	GuardrailStatus prometheus.Gauge

	// ─── Executor ─────────────────────────────────────────────────────────────

	// ExecutorCircuitBreakerTripsTotal counts circuit breaker trips.
	ExecutorCircuitBreakerTripsTotal prometheus.Counter

	// ─── Ballast ──────────────────────────────────────────────────────────────

	// BallastFilesAvailable is the current available ballast file count, by
	// mount.
	BallastFilesAvailable *prometheus.GaugeVec

	// BallastReleasesTotal counts ballast file releases, by mount.
	BallastReleasesTotal *prometheus.CounterVec

	// ─── Queues ───────────────────────────────────────────────────────────────

	// QueueDroppedTotal counts dropped messages on a bounded queue, by queue
	// name and reason.
	QueueDroppedTotal *prometheus.CounterVec

	// ─── Agent ────────────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the daemon started.
	UptimeSeconds prometheus.Gauge

	// MemoryRSSBytes is the current resident set size.
	MemoryRSSBytes prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all DISKGUARDIAN Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		PressureLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "diskguardian",
			Subsystem: "pressure",
			Name:      "level",
			Help:      "Current pressure level per mount (0=Green 1=Yellow 2=Orange 3=Red 4=Critical).",
		}, []string{"mount"}),

		PressureUrgency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "diskguardian",
			Subsystem: "pressure",
			Name:      "urgency",
			Help:      "Current saturated PID urgency per mount.",
		}, []string{"mount"}),

		PressureFreePct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "diskguardian",
			Subsystem: "pressure",
			Name:      "free_pct",
			Help:      "Current free-space percentage per mount.",
		}, []string{"mount"}),

		PressureRateBytesPerSec: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "diskguardian",
			Subsystem: "pressure",
			Name:      "rate_bytes_per_second",
			Help:      "EWMA consumption rate per mount, signed (negative = recovering).",
		}, []string{"mount"}),

		PressureLevelTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "diskguardian",
			Subsystem: "pressure",
			Name:      "level_transitions_total",
			Help:      "Total pressure level transitions, by mount, from_level, to_level.",
		}, []string{"mount", "from_level", "to_level"}),

		ScansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "diskguardian",
			Subsystem: "scanner",
			Name:      "scans_total",
			Help:      "Total completed scans, by root path.",
		}, []string{"root"}),

		SchedulerFallbackActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "diskguardian",
			Subsystem: "scheduler",
			Name:      "fallback_active",
			Help:      "1 when the VOI scheduler is in round-robin fallback, 0 otherwise.",
		}),

		CandidatesScoredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "diskguardian",
			Subsystem: "scoring",
			Name:      "candidates_scored_total",
			Help:      "Total scored candidates, by recommended action.",
		}, []string{"action"}),

		DeletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "diskguardian",
			Subsystem: "executor",
			Name:      "deletions_total",
			Help:      "Total executed deletions, by policy mode.",
		}, []string{"policy_mode"}),

		BytesFreedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "diskguardian",
			Subsystem: "executor",
			Name:      "bytes_freed_total",
			Help:      "Cumulative bytes reclaimed by the deletion executor.",
		}),

		PolicyMode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "diskguardian",
			Subsystem: "policy",
			Name:      "mode",
			Help:      "1 on the currently active policy mode's label, 0 elsewhere.",
		}, []string{"mode"}),

		GuardrailStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "diskguardian",
			Subsystem: "policy",
			Name:      "guardrail_failing",
			Help:      "1 when the adaptive guardrail's last verdict was Fail.",
		}),

		ExecutorCircuitBreakerTripsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "diskguardian",
			Subsystem: "executor",
			Name:      "circuit_breaker_trips_total",
			Help:      "Total times the deletion executor's circuit breaker has tripped.",
		}),

		BallastFilesAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "diskguardian",
			Subsystem: "ballast",
			Name:      "files_available",
			Help:      "Current available ballast file count, by mount.",
		}, []string{"mount"}),

		BallastReleasesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "diskguardian",
			Subsystem: "ballast",
			Name:      "releases_total",
			Help:      "Total ballast file releases, by mount.",
		}, []string{"mount"}),

		QueueDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "diskguardian",
			Subsystem: "queues",
			Name:      "dropped_total",
			Help:      "Total messages dropped from a bounded queue, by queue and reason.",
		}, []string{"queue", "reason"}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "diskguardian",
			Subsystem: "agent",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the daemon started.",
		}),

		MemoryRSSBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "diskguardian",
			Subsystem: "agent",
			Name:      "memory_rss_bytes",
			Help:      "Current resident set size in bytes.",
		}),
	}

	reg.MustRegister(
		m.PressureLevel,
		m.PressureUrgency,
		m.PressureFreePct,
		m.PressureRateBytesPerSec,
		m.PressureLevelTransitionsTotal,
		m.ScansTotal,
		m.SchedulerFallbackActive,
		m.CandidatesScoredTotal,
		m.DeletionsTotal,
		m.BytesFreedTotal,
		m.PolicyMode,
		m.GuardrailStatus,
		m.ExecutorCircuitBreakerTripsTotal,
		m.BallastFilesAvailable,
		m.BallastReleasesTotal,
		m.QueueDroppedTotal,
		m.UptimeSeconds,
		m.MemoryRSSBytes,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
