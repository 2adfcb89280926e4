// Package platform is the polymorphic capability set {fs_stats, mounts,
// memory} the rest of the daemon depends on instead of calling syscalls
// directly. It is chosen once at startup based on host detection and shared
// by pointer thereafter, the same posture the teacher uses for its BPF
// capability probe: detect once, fail fast, hand out a fixed interface.
//
// Responsibilities:
//   - Statfs a mount point and report total/free bytes.
//   - Enumerate mounted filesystems from /proc/self/mountinfo so the
//     orchestrator can group scan roots by the mount that owns them.
//   - Report resident memory for the self-monitor counters.
//
// Failure contract:
//   - FsStats on a path that does not exist or is not statable returns a
//     KindFsStats error; callers (the Pressure Controller's tick) recover
//     locally by sleeping and retrying, never by panicking.
package platform

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/diskguardian/diskguardian/internal/errs"
	"github.com/diskguardian/diskguardian/internal/model"
)

// Platform is the capability set the orchestrator depends on. A single
// instance is constructed at startup and shared by pointer across the
// pressure controllers, the scanner, and the self-monitor.
type Platform interface {
	// FsStats returns a total/free byte reading for the mount containing path.
	FsStats(path string) (model.FsStats, error)

	// Mounts enumerates the distinct local mount points that own the given
	// root paths, deduplicated by mount-point path.
	Mounts(rootPaths []string) ([]string, error)

	// MemoryRSSBytes returns this process's resident set size in bytes.
	MemoryRSSBytes() (uint64, error)
}

// Unix is the Linux/unix Platform implementation backed by unix.Statfs and
// /proc/self/mountinfo.
type Unix struct{}

// NewUnix constructs the unix Platform capability set.
func NewUnix() *Unix { return &Unix{} }

// FsStats statfs(2)s path and converts block counts into byte totals.
func (u *Unix) FsStats(path string) (model.FsStats, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return model.FsStats{}, errs.WithPath(errs.KindFsStats, "platform.Unix.FsStats", path, err)
	}
	blockSize := uint64(st.Bsize)
	return model.FsStats{
		Mount: path,
		Total: blockSize * st.Blocks,
		Free:  blockSize * st.Bavail,
		At:    time.Now(),
	}, nil
}

// Mounts resolves each root path to the mount point that owns it (the
// longest mountinfo mount point that prefixes the path) and returns the
// distinct set in order of first appearance.
func (u *Unix) Mounts(rootPaths []string) ([]string, error) {
	entries, err := parseMountinfo("/proc/self/mountinfo")
	if err != nil {
		return nil, errs.New(errs.KindFsStats, "platform.Unix.Mounts", err)
	}

	seen := make(map[string]struct{}, len(rootPaths))
	out := make([]string, 0, len(rootPaths))
	for _, root := range rootPaths {
		mp := longestMatchingMountPoint(entries, root)
		if mp == "" {
			mp = root
		}
		if _, ok := seen[mp]; ok {
			continue
		}
		seen[mp] = struct{}{}
		out = append(out, mp)
	}
	return out, nil
}

// MemoryRSSBytes reads /proc/self/statm and converts the resident page
// count into bytes using the system page size.
func (u *Unix) MemoryRSSBytes() (uint64, error) {
	data, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, errs.New(errs.KindIO, "platform.Unix.MemoryRSSBytes", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, errs.New(errs.KindIO, "platform.Unix.MemoryRSSBytes", fmt.Errorf("unexpected /proc/self/statm format"))
	}
	var residentPages uint64
	if _, err := fmt.Sscanf(fields[1], "%d", &residentPages); err != nil {
		return 0, errs.New(errs.KindIO, "platform.Unix.MemoryRSSBytes", err)
	}
	return residentPages * uint64(os.Getpagesize()), nil
}

// mountEntry is one parsed /proc/self/mountinfo line, reduced to the one
// field we need.
type mountEntry struct {
	mountPoint string
}

func parseMountinfo(path string) ([]mountEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []mountEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		// Format: id parent major:minor root mountpoint options ... - fstype source superopts
		if len(fields) < 5 {
			continue
		}
		entries = append(entries, mountEntry{mountPoint: fields[4]})
	}
	return entries, scanner.Err()
}

// longestMatchingMountPoint finds the mount entry whose mountPoint is the
// longest prefix of path — the standard "most specific mount wins" rule.
func longestMatchingMountPoint(entries []mountEntry, path string) string {
	best := ""
	for _, e := range entries {
		if e.mountPoint == "/" {
			if best == "" {
				best = "/"
			}
			continue
		}
		if strings.HasPrefix(path, e.mountPoint) && len(e.mountPoint) > len(best) {
			best = e.mountPoint
		}
	}
	return best
}

// Cache wraps a Platform's FsStats with a per-path TTL so the orchestrator
// thread (the only caller) doesn't re-statfs a mount more than once per
// tick interval, matching spec.md §5's "FsStats collector caches by
// (path, ttl) and is called from the orchestrator thread only" contract.
type Cache struct {
	inner Platform
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]cachedStat
}

type cachedStat struct {
	stats    model.FsStats
	cachedAt time.Time
}

// NewCache wraps inner with a TTL-based FsStats cache.
func NewCache(inner Platform, ttl time.Duration) *Cache {
	return &Cache{inner: inner, ttl: ttl, entries: make(map[string]cachedStat)}
}

// FsStats returns a cached reading if it is younger than the configured
// TTL, otherwise calls through to the wrapped Platform and caches the
// result.
func (c *Cache) FsStats(path string) (model.FsStats, error) {
	c.mu.Lock()
	if hit, ok := c.entries[path]; ok && time.Since(hit.cachedAt) < c.ttl {
		c.mu.Unlock()
		return hit.stats, nil
	}
	c.mu.Unlock()

	stats, err := c.inner.FsStats(path)
	if err != nil {
		return stats, err
	}

	c.mu.Lock()
	c.entries[path] = cachedStat{stats: stats, cachedAt: time.Now()}
	c.mu.Unlock()
	return stats, nil
}

// Mounts delegates directly; enumeration is cheap and only ever called at
// startup and on config reload.
func (c *Cache) Mounts(rootPaths []string) ([]string, error) { return c.inner.Mounts(rootPaths) }

// MemoryRSSBytes delegates directly.
func (c *Cache) MemoryRSSBytes() (uint64, error) { return c.inner.MemoryRSSBytes() }
