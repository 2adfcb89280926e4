package walker

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// CollectOpenPathAncestors snapshots every path currently open by any
// process (via /proc/*/fd) under roots and returns the set of those paths
// plus all their ancestor directories. Checking candidate membership in this
// set (is the candidate an open file, or a directory holding one) is
// O(1) per candidate instead of re-scanning /proc per file, which matters
// once a scan has thousands of candidates.
func CollectOpenPathAncestors(roots []string) map[string]struct{} {
	ancestors := make(map[string]struct{})

	procEntries, err := os.ReadDir("/proc")
	if err != nil {
		return ancestors
	}

	for _, procEntry := range procEntries {
		if _, err := strconv.Atoi(procEntry.Name()); err != nil {
			continue
		}
		fdDir := filepath.Join("/proc", procEntry.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			target, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}
			if !underAnyRoot(target, roots) {
				continue
			}
			addAncestors(ancestors, target)
		}
	}

	return ancestors
}

func underAnyRoot(path string, roots []string) bool {
	for _, root := range roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func addAncestors(set map[string]struct{}, path string) {
	set[path] = struct{}{}
	for {
		parent := filepath.Dir(path)
		if parent == path || parent == "." || parent == string(filepath.Separator) {
			return
		}
		if _, ok := set[parent]; ok {
			return
		}
		set[parent] = struct{}{}
		path = parent
	}
}

// IsPathOpenByAncestor reports whether path or any of its ancestors is in
// the snapshot built by CollectOpenPathAncestors.
func IsPathOpenByAncestor(path string, ancestors map[string]struct{}) bool {
	if _, ok := ancestors[path]; ok {
		return true
	}
	for p := filepath.Dir(path); p != "." && p != string(filepath.Separator); p = filepath.Dir(p) {
		if _, ok := ancestors[p]; ok {
			return true
		}
	}
	return false
}
