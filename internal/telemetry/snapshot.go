package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// StaleAfter is the age beyond which a consumer must treat a persisted
// Snapshot as DEGRADED and fall back to live filesystem stats instead.
const StaleAfter = 90 * time.Second

// MountSnapshot is one mount's pressure summary within a Snapshot.
type MountSnapshot struct {
	Path      string  `json:"path"`
	FreePct   float64 `json:"free_pct"`
	Level     string  `json:"level"`
	RateBPS   float64 `json:"rate_bps"`
}

// BallastSnapshot summarizes ballast pool inventory across all mounts.
type BallastSnapshot struct {
	Available int `json:"available"`
	Total     int `json:"total"`
	Released  int `json:"released"`
}

// LastScanSnapshot summarizes the most recently completed scan.
type LastScanSnapshot struct {
	At         time.Time `json:"at"`
	Candidates int       `json:"candidates"`
	Deleted    int       `json:"deleted"`
}

// CountersSnapshot is the daemon's lifetime counters.
type CountersSnapshot struct {
	Scans             uint64 `json:"scans"`
	Deletions         uint64 `json:"deletions"`
	BytesFreed        uint64 `json:"bytes_freed"`
	Errors            uint64 `json:"errors"`
	DroppedLogEvents  uint64 `json:"dropped_log_events"`
}

// PressureSnapshot summarizes the worst-case level plus every mount.
type PressureSnapshot struct {
	Overall string          `json:"overall"`
	Mounts  []MountSnapshot `json:"mounts"`
}

// Snapshot is the small text object persisted atomically at bounded cadence
// so the dashboard/CLI (external collaborators) can read daemon state
// without talking to the running process.
type Snapshot struct {
	Version         int              `json:"version"`
	PID             int              `json:"pid"`
	StartedAt       time.Time        `json:"started_at"`
	UptimeSeconds   float64          `json:"uptime_seconds"`
	Pressure        PressureSnapshot `json:"pressure"`
	Ballast         BallastSnapshot  `json:"ballast"`
	LastScan        LastScanSnapshot `json:"last_scan"`
	Counters        CountersSnapshot `json:"counters"`
	MemoryRSSBytes  uint64           `json:"memory_rss_bytes"`
	PolicyMode      string           `json:"policy_mode"`
	WrittenAt       time.Time        `json:"written_at"`
}

// SnapshotVersion is the current persisted-state schema version.
const SnapshotVersion = 1

// WriteSnapshot serializes snap to JSON and writes it atomically: write to
// a temp file in the same directory, fsync, then rename over the target
// path. The rename is what makes concurrent readers never observe a
// partially written file. Mode 0600: the snapshot may reveal host paths.
func WriteSnapshot(path string, snap Snapshot) error {
	snap.Version = SnapshotVersion
	snap.WrittenAt = time.Now().UTC()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("telemetry.WriteSnapshot: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("telemetry.WriteSnapshot: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("telemetry.WriteSnapshot: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("telemetry.WriteSnapshot: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("telemetry.WriteSnapshot: close: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("telemetry.WriteSnapshot: chmod: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("telemetry.WriteSnapshot: rename: %w", err)
	}
	return nil
}

// ReadSnapshot reads and parses a persisted Snapshot, reporting whether it
// is older than StaleAfter.
func ReadSnapshot(path string) (snap Snapshot, degraded bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, true, fmt.Errorf("telemetry.ReadSnapshot: %w", err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, true, fmt.Errorf("telemetry.ReadSnapshot: parse: %w", err)
	}
	degraded = time.Since(snap.WrittenAt) > StaleAfter
	return snap, degraded, nil
}
