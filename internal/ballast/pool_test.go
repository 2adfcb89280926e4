package ballast

import (
	"testing"
	"time"

	"github.com/diskguardian/diskguardian/internal/config"
	"github.com/diskguardian/diskguardian/internal/model"
)

func testBallastConfig(dir string) config.BallastConfig {
	return config.BallastConfig{
		FileCount:                  3,
		FileSizeBytes:              4096,
		ReplenishCooldownMinutes:   0,
		AutoProvision:              true,
		MaxGlobalReleasesPerWindow: 10,
		ReleaseWindowSeconds:       60,
		Dir:                        dir,
	}
}

func TestProvisionAllIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	c := NewCoordinator(testBallastConfig(dir), []string{"/data"})

	first := c.ProvisionAll()
	if first.TotalFilesCreated != 3 {
		t.Fatalf("expected 3 files created on first provision, got %d", first.TotalFilesCreated)
	}

	second := c.ProvisionAll()
	if second.TotalFilesCreated != 0 {
		t.Fatalf("expected idempotent provision to create 0 files, got %d", second.TotalFilesCreated)
	}
	if c.AvailableCount("/data") != 3 {
		t.Fatalf("expected 3 files available, got %d", c.AvailableCount("/data"))
	}
}

func TestReleaseForMountRemovesFiles(t *testing.T) {
	dir := t.TempDir()
	c := NewCoordinator(testBallastConfig(dir), []string{"/data"})
	c.ProvisionAll()

	report, ok := c.ReleaseForMount("/data", 2)
	if !ok {
		t.Fatalf("expected pool for /data to exist")
	}
	if report.FilesReleased != 2 {
		t.Fatalf("expected 2 files released, got %d", report.FilesReleased)
	}
	if report.BytesFreed != 8192 {
		t.Fatalf("expected 8192 bytes freed, got %d", report.BytesFreed)
	}
	if c.AvailableCount("/data") != 1 {
		t.Fatalf("expected 1 file remaining, got %d", c.AvailableCount("/data"))
	}
}

func TestReleaseForUnknownMountReturnsFalse(t *testing.T) {
	c := NewCoordinator(testBallastConfig(t.TempDir()), []string{"/data"})
	if _, ok := c.ReleaseForMount("/other", 1); ok {
		t.Fatalf("expected release for unregistered mount to fail")
	}
}

func TestReplenishRecreatesAtMostOneFile(t *testing.T) {
	dir := t.TempDir()
	c := NewCoordinator(testBallastConfig(dir), []string{"/data"})
	c.ProvisionAll()
	c.ReleaseForMount("/data", 2)

	alwaysHealthy := func() float64 { return 50.0 }
	report, ok := c.ReplenishForMount("/data", alwaysHealthy, 20.0)
	if !ok {
		t.Fatalf("expected replenish to succeed")
	}
	if report.FilesCreated != 1 {
		t.Fatalf("expected exactly 1 file created, got %d", report.FilesCreated)
	}
	if c.AvailableCount("/data") != 2 {
		t.Fatalf("expected 2 files available after single replenish, got %d", c.AvailableCount("/data"))
	}
}

func TestReplenishSkipsWhenMountStillUnderPressure(t *testing.T) {
	dir := t.TempDir()
	c := NewCoordinator(testBallastConfig(dir), []string{"/data"})
	c.ProvisionAll()
	c.ReleaseForMount("/data", 1)

	stillLow := func() float64 { return 5.0 }
	_, ok := c.ReplenishForMount("/data", stillLow, 20.0)
	if ok {
		t.Fatalf("expected replenish to be skipped while free_pct remains below threshold")
	}
}

func TestReleaseControllerCapsAcrossMounts(t *testing.T) {
	rc := NewReleaseController(2, time.Hour)
	defer rc.Close()

	resp := &model.PressureResponse{ReleaseBallastFiles: 5}
	n := rc.FilesToRelease(resp, 10)
	if n != 2 {
		t.Fatalf("expected release to be capped at bucket capacity 2, got %d", n)
	}
	if rc.Remaining() != 0 {
		t.Fatalf("expected 0 tokens remaining, got %d", rc.Remaining())
	}

	n = rc.FilesToRelease(resp, 10)
	if n != 0 {
		t.Fatalf("expected 0 releases once bucket is exhausted, got %d", n)
	}
}

func TestReleaseControllerResetRefillsImmediately(t *testing.T) {
	rc := NewReleaseController(1, time.Hour)
	defer rc.Close()

	resp := &model.PressureResponse{ReleaseBallastFiles: 1}
	rc.FilesToRelease(resp, 5)
	if rc.Remaining() != 0 {
		t.Fatalf("expected bucket exhausted before reset")
	}
	rc.Reset()
	if rc.Remaining() != 1 {
		t.Fatalf("expected bucket refilled after Reset, got %d", rc.Remaining())
	}
}
