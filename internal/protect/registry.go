// Package protect provides a minimal reference implementation of the
// protection-marker glob matcher that the core scoring engine treats as an
// external collaborator. It compiles a fixed set of glob patterns once at
// startup and fails fast on an invalid pattern, mirroring the teacher's
// "compile once, fail fast" posture for its platform capability checks.
package protect

import (
	"path/filepath"
	"strings"

	"github.com/diskguardian/diskguardian/internal/errs"
)

// Registry is a compiled set of protected-path glob patterns plus a fixed
// set of marker file names (e.g. ".diskguardian-keep") whose presence in a
// directory protects the whole subtree.
type Registry struct {
	globs       []string
	markerNames map[string]struct{}
}

// Compile validates and compiles the given glob patterns and marker file
// names into a Registry. Returns a KindProtectionRegistry error if any
// pattern is malformed.
func Compile(globs []string, markerNames []string) (*Registry, error) {
	compiled := make([]string, 0, len(globs))
	for _, g := range globs {
		if _, err := filepath.Match(g, "probe"); err != nil {
			return nil, errs.New(errs.KindProtectionRegistry, "protect.Compile", err)
		}
		compiled = append(compiled, g)
	}

	names := make(map[string]struct{}, len(markerNames))
	for _, n := range markerNames {
		names[n] = struct{}{}
	}

	return &Registry{globs: compiled, markerNames: names}, nil
}

// MatchesGlob reports whether path matches any compiled protected glob.
// Matching is attempted both against the full path and against each
// path-segment suffix, and a trailing "/**" matches every path below a
// directory that matches the rest of the pattern, so a pattern like
// "**/node_modules/.bin/**" protects the named subtree wherever it occurs.
func (r *Registry) MatchesGlob(path string) bool {
	normalized := filepath.ToSlash(path)
	for _, g := range r.globs {
		if ok, _ := filepath.Match(g, normalized); ok {
			return true
		}
		if matchesSuffix(g, normalized) {
			return true
		}
		if base := strings.TrimSuffix(g, "/**"); base != g {
			segments := strings.Split(normalized, "/")
			for i := 1; i < len(segments); i++ {
				ancestor := strings.Join(segments[:i], "/")
				if ok, _ := filepath.Match(base, ancestor); ok || matchesSuffix(base, ancestor) {
					return true
				}
			}
		}
	}
	return false
}

// matchesSuffix supports a simplified "**/" glob-class prefix: strip it and
// match the remaining pattern against every suffix of the path's segments.
func matchesSuffix(pattern, path string) bool {
	const anyPrefix = "**/"
	if !strings.HasPrefix(pattern, anyPrefix) {
		return false
	}
	rest := strings.TrimPrefix(pattern, anyPrefix)
	segments := strings.Split(path, "/")
	for i := range segments {
		suffix := strings.Join(segments[i:], "/")
		if ok, _ := filepath.Match(rest, suffix); ok {
			return true
		}
	}
	return false
}

// HasProtectionMarker reports whether any of the registry's marker file
// names is present among dirEntries (the names of entries in a candidate's
// own directory or an ancestor directory).
func (r *Registry) HasProtectionMarker(dirEntries []string) bool {
	for _, name := range dirEntries {
		if _, ok := r.markerNames[name]; ok {
			return true
		}
	}
	return false
}

// IsProtected is the veto entry point: a path is protected if it matches a
// glob or its directory carries a protection marker.
func (r *Registry) IsProtected(path string, dirEntries []string) bool {
	return r.MatchesGlob(path) || r.HasProtectionMarker(dirEntries)
}
