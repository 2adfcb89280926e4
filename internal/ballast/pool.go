package ballast

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/diskguardian/diskguardian/internal/config"
	"github.com/diskguardian/diskguardian/internal/errs"
	"github.com/diskguardian/diskguardian/internal/model"
)

// ReleaseReport summarizes one release_for_mount call.
type ReleaseReport struct {
	FilesReleased int
	BytesFreed    uint64
}

// ReplenishReport summarizes one replenish_for_mount call.
type ReplenishReport struct {
	FilesCreated int
	BytesCreated uint64
}

// ProvisionReport summarizes a provision_all call across every pool.
type ProvisionReport struct {
	TotalFilesCreated int
	TotalBytes        uint64
	SkippedMounts     map[string]error
}

func filledName(index int) string {
	return fmt.Sprintf("ballast-%04d.bin", index)
}

// pool is the per-mount ballast reserve: a fixed number of fixed-size filler
// files under cfg.Dir, named ballast-0000.bin.. so provisioning is
// idempotent (re-running it only creates files that are missing).
type pool struct {
	mount         string
	dir           string
	fileCount     int
	fileSizeBytes int64

	cooldown time.Duration

	mu            sync.Mutex
	available     map[int]struct{} // index -> present
	lastReleaseAt time.Time
	cooldownUntil time.Time
}

func newPool(mount string, cfg config.BallastConfig) *pool {
	return &pool{
		mount:         mount,
		dir:           cfg.Dir,
		fileCount:     cfg.FileCount,
		fileSizeBytes: cfg.FileSizeBytes,
		cooldown:      time.Duration(cfg.ReplenishCooldownMinutes) * time.Minute,
		available:     make(map[int]struct{}),
	}
}

func (p *pool) path(index int) string {
	return filepath.Join(p.dir, filledName(index))
}

// provision creates every missing ballast file up to fileCount. Idempotent:
// files that already exist (from a prior run) are left untouched and
// counted as available.
func (p *pool) provision() (created int, bytesCreated uint64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.MkdirAll(p.dir, 0o700); err != nil {
		return 0, 0, errs.WithPath(errs.KindIO, "ballast.pool.provision", p.dir, err)
	}

	for i := 0; i < p.fileCount; i++ {
		path := p.path(i)
		if info, statErr := os.Stat(path); statErr == nil {
			if info.Size() == p.fileSizeBytes {
				p.available[i] = struct{}{}
				continue
			}
			// Size drift (config changed file_size_bytes): recreate.
			_ = os.Remove(path)
		}
		if err := allocateFile(path, p.fileSizeBytes); err != nil {
			return created, bytesCreated, errs.WithPath(errs.KindIO, "ballast.pool.provision", path, err)
		}
		p.available[i] = struct{}{}
		created++
		bytesCreated += uint64(p.fileSizeBytes)
	}
	return created, bytesCreated, nil
}

// release removes up to n ballast files, lowest index first, and returns how
// many were actually removed and how many bytes that freed.
func (p *pool) release(n int) ReleaseReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n <= 0 {
		return ReleaseReport{}
	}

	indices := make([]int, 0, len(p.available))
	for i := range p.available {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	var report ReleaseReport
	for _, i := range indices {
		if report.FilesReleased >= n {
			break
		}
		if err := os.Remove(p.path(i)); err != nil && !os.IsNotExist(err) {
			continue
		}
		delete(p.available, i)
		report.FilesReleased++
		report.BytesFreed += uint64(p.fileSizeBytes)
	}
	if report.FilesReleased > 0 {
		p.lastReleaseAt = time.Now()
	}
	return report
}

// replenish recreates at most one missing ballast file, gated by cooldown
// and an optional freePctCheck that must report the mount has recovered
// enough headroom before replenishment is safe.
func (p *pool) replenish(freePctCheck func() float64, minFreePctToReplenish float64) (ReplenishReport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.available) >= p.fileCount {
		return ReplenishReport{}, false
	}
	now := time.Now()
	if now.Before(p.cooldownUntil) {
		return ReplenishReport{}, false
	}
	if freePctCheck != nil && freePctCheck() < minFreePctToReplenish {
		return ReplenishReport{}, false
	}

	var missing = -1
	for i := 0; i < p.fileCount; i++ {
		if _, ok := p.available[i]; !ok {
			missing = i
			break
		}
	}
	if missing < 0 {
		return ReplenishReport{}, false
	}

	if err := os.MkdirAll(p.dir, 0o700); err != nil {
		return ReplenishReport{}, false
	}
	if err := allocateFile(p.path(missing), p.fileSizeBytes); err != nil {
		return ReplenishReport{}, false
	}
	p.available[missing] = struct{}{}
	p.cooldownUntil = now.Add(p.cooldown)
	return ReplenishReport{FilesCreated: 1, BytesCreated: uint64(p.fileSizeBytes)}, true
}

func (p *pool) state() model.BallastPoolState {
	p.mu.Lock()
	defer p.mu.Unlock()
	var releasable uint64
	for range p.available {
		releasable += uint64(p.fileSizeBytes)
	}
	return model.BallastPoolState{
		Mount:           p.mount,
		FilesTotal:      p.fileCount,
		FilesAvailable:  len(p.available),
		ReleasableBytes: releasable,
		LastReleaseAt:   p.lastReleaseAt,
		CooldownUntil:   p.cooldownUntil,
	}
}

// allocateFile writes size bytes of zeros, the portable equivalent of
// fallocate: the file occupies real blocks on the mount, so deleting it
// returns that space immediately.
func allocateFile(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	buf := make([]byte, 1<<20)
	for remaining := size; remaining > 0; {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		if _, err := f.Write(buf[:n]); err != nil {
			return err
		}
		remaining -= n
	}
	return f.Sync()
}

// Coordinator owns one pool per monitored mount and is the component the
// orchestrator talks to: it discovers pools from configured root paths,
// provisions them at startup, and mediates every release/replenish through
// the shared ReleaseController so the global rate limit always applies.
type Coordinator struct {
	mu    sync.Mutex
	pools map[string]*pool
	cfg   config.BallastConfig
}

// NewCoordinator builds a Coordinator with one pool per distinct mount in
// mounts.
func NewCoordinator(cfg config.BallastConfig, mounts []string) *Coordinator {
	c := &Coordinator{pools: make(map[string]*pool, len(mounts)), cfg: cfg}
	for _, m := range mounts {
		c.pools[m] = newPool(m, cfg)
	}
	return c
}

// UpdateConfig applies new ballast configuration to every existing pool's
// file count/size/cooldown. Pool directories and inventories are retained;
// ProvisionAll should be called again after a restart-requiring change.
func (c *Coordinator) UpdateConfig(cfg config.BallastConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	for _, p := range c.pools {
		p.mu.Lock()
		p.fileCount = cfg.FileCount
		p.fileSizeBytes = cfg.FileSizeBytes
		p.cooldown = time.Duration(cfg.ReplenishCooldownMinutes) * time.Minute
		p.mu.Unlock()
	}
}

// PoolCount returns the number of monitored mounts with a ballast pool.
func (c *Coordinator) PoolCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pools)
}

// ProvisionAll idempotently creates every pool's ballast files. Mounts whose
// directory cannot be created or written are skipped and reported, not
// fatal: the daemon still runs without ballast on that volume.
func (c *Coordinator) ProvisionAll() ProvisionReport {
	c.mu.Lock()
	pools := make([]*pool, 0, len(c.pools))
	for _, p := range c.pools {
		pools = append(pools, p)
	}
	c.mu.Unlock()

	report := ProvisionReport{SkippedMounts: make(map[string]error)}
	for _, p := range pools {
		created, bytesCreated, err := p.provision()
		if err != nil {
			report.SkippedMounts[p.mount] = err
			continue
		}
		report.TotalFilesCreated += created
		report.TotalBytes += bytesCreated
	}
	return report
}

// ReleaseForMount releases up to n files from the pool owning mount.
// Returns false if no pool is registered for that mount.
func (c *Coordinator) ReleaseForMount(mount string, n int) (ReleaseReport, bool) {
	c.mu.Lock()
	p, ok := c.pools[mount]
	c.mu.Unlock()
	if !ok {
		return ReleaseReport{}, false
	}
	return p.release(n), true
}

// ReplenishForMount attempts to recreate one ballast file for mount, gated
// by cooldown and freePctCheck. Returns false if no pool is registered, the
// pool is already full, or replenishment was not yet due.
func (c *Coordinator) ReplenishForMount(mount string, freePctCheck func() float64, minFreePctToReplenish float64) (ReplenishReport, bool) {
	c.mu.Lock()
	p, ok := c.pools[mount]
	c.mu.Unlock()
	if !ok {
		return ReplenishReport{}, false
	}
	return p.replenish(freePctCheck, minFreePctToReplenish)
}

// AvailableCount reports how many ballast files remain for mount.
func (c *Coordinator) AvailableCount(mount string) int {
	c.mu.Lock()
	p, ok := c.pools[mount]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	return p.state().FilesAvailable
}

// Inventory returns a snapshot of every pool's state, sorted by mount for
// deterministic iteration (metrics scraping, state snapshot writing).
func (c *Coordinator) Inventory() []model.BallastPoolState {
	c.mu.Lock()
	mounts := make([]string, 0, len(c.pools))
	for m := range c.pools {
		mounts = append(mounts, m)
	}
	c.mu.Unlock()
	sort.Strings(mounts)

	out := make([]model.BallastPoolState, 0, len(mounts))
	for _, m := range mounts {
		c.mu.Lock()
		p := c.pools[m]
		c.mu.Unlock()
		out = append(out, p.state())
	}
	return out
}
