// Package walker performs the bounded, parallel directory traversal that
// feeds the scoring engine: it discovers files under the configured roots,
// skips excluded and protected subtrees entirely, and provides DetectSignals,
// which reads the structural signals (nearby .git, go.mod, package.json, ...)
// scoring needs to tell an intentional project from an abandoned one. The
// walked entries themselves carry no signals.
package walker

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/diskguardian/diskguardian/internal/model"
	"github.com/diskguardian/diskguardian/internal/protect"
)

// Config parameterizes one walk. RootPaths are walked independently and
// concurrently, up to Parallelism roots at a time.
type Config struct {
	RootPaths      []string
	MaxDepth       int
	FollowSymlinks bool
	CrossDevices   bool
	Parallelism    int
	ExcludedPaths  []string
	Protection     *protect.Registry
}

// Walker streams WalkedEntry values for every file under its configured
// roots, honoring depth limits, exclusions, and protection.
type Walker struct {
	cfg Config
}

// New constructs a Walker. cfg.Parallelism < 1 is treated as 1.
func New(cfg Config) *Walker {
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	return &Walker{cfg: cfg}
}

// Stream walks every configured root concurrently and returns a channel of
// WalkedEntry. The channel is closed once every root has been fully walked
// or ctx is cancelled.
func (w *Walker) Stream(ctx context.Context) <-chan model.WalkedEntry {
	out := make(chan model.WalkedEntry, 256)

	go func() {
		defer close(out)

		sem := make(chan struct{}, w.cfg.Parallelism)
		var wg sync.WaitGroup
		for _, root := range w.cfg.RootPaths {
			root := root
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				w.walkRoot(ctx, root, out)
			}()
		}
		wg.Wait()
	}()

	return out
}

func (w *Walker) walkRoot(ctx context.Context, root string, out chan<- model.WalkedEntry) {
	rootDev, haveRootDev := deviceID(root)

	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err != nil {
			// Best-effort: a single unreadable subtree does not abort the
			// whole walk, it is simply skipped.
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if path != root {
			if depth(root, path) > w.cfg.MaxDepth {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if w.excluded(path) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		if d.Type()&fs.ModeSymlink != 0 {
			if !w.cfg.FollowSymlinks {
				return nil
			}
		}

		if d.IsDir() {
			if path != root && !w.cfg.CrossDevices && haveRootDev {
				if dev, ok := deviceID(path); ok && dev != rootDev {
					return filepath.SkipDir
				}
			}
			if entries, err := readDirNames(path); err == nil {
				if w.cfg.Protection != nil && w.cfg.Protection.HasProtectionMarker(entries) {
					return filepath.SkipDir
				}
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		if w.cfg.Protection != nil && w.cfg.Protection.MatchesGlob(path) {
			return nil
		}

		select {
		case out <- model.WalkedEntry{
			Path:      path,
			SizeBytes: uint64(info.Size()),
			ModTime:   info.ModTime(),
			IsDir:     false,
			Mount:     root,
		}:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})
}

func (w *Walker) excluded(path string) bool {
	for _, ex := range w.cfg.ExcludedPaths {
		if path == ex || strings.HasPrefix(path, ex+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func depth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return 0
	}
	if rel == "." {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}

func readDirNames(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// deviceID returns the st_dev of path, used to detect mount boundaries when
// CrossDevices is false.
func deviceID(path string) (uint64, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return uint64(st.Dev), true
}

// DetectSignals inspects the directory containing path for build-system
// markers, the same ancestor-directory signal the scoring engine's
// structure factor depends on.
func DetectSignals(path string) model.StructuralSignals {
	dir := filepath.Dir(path)
	names, err := readDirNames(dir)
	if err != nil {
		return model.StructuralSignals{}
	}
	var sig model.StructuralSignals
	for _, n := range names {
		switch n {
		case ".git":
			sig.HasGit = true
		case "Cargo.toml":
			sig.HasCargoToml = true
		case "package.json":
			sig.HasPackageJSON = true
		case "go.mod":
			sig.HasGoMod = true
		case "Makefile":
			sig.HasMakefile = true
		case "Dockerfile":
			sig.HasDockerfile = true
		}
	}
	return sig
}
