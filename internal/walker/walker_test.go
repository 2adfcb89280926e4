package walker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/diskguardian/diskguardian/internal/protect"
)

func collect(t *testing.T, cfg Config) []string {
	t.Helper()
	w := New(cfg)
	var paths []string
	for entry := range w.Stream(context.Background()) {
		paths = append(paths, entry.Path)
	}
	return paths
}

func TestWalkerFindsNestedFiles(t *testing.T) {
	root := t.TempDir()
	must(t, os.MkdirAll(filepath.Join(root, "a", "b"), 0o755))
	writeFile(t, filepath.Join(root, "top.txt"))
	writeFile(t, filepath.Join(root, "a", "mid.txt"))
	writeFile(t, filepath.Join(root, "a", "b", "deep.txt"))

	paths := collect(t, Config{RootPaths: []string{root}, MaxDepth: 10, Parallelism: 2})
	if len(paths) != 3 {
		t.Fatalf("expected 3 files, got %d: %v", len(paths), paths)
	}
}

func TestWalkerHonorsMaxDepth(t *testing.T) {
	root := t.TempDir()
	must(t, os.MkdirAll(filepath.Join(root, "a", "b", "c"), 0o755))
	writeFile(t, filepath.Join(root, "a", "b", "c", "too-deep.txt"))
	writeFile(t, filepath.Join(root, "a", "shallow.txt"))

	paths := collect(t, Config{RootPaths: []string{root}, MaxDepth: 2, Parallelism: 1})
	if len(paths) != 1 {
		t.Fatalf("expected 1 file within depth limit, got %d: %v", len(paths), paths)
	}
}

func TestWalkerSkipsExcludedPaths(t *testing.T) {
	root := t.TempDir()
	excluded := filepath.Join(root, "skip")
	must(t, os.MkdirAll(excluded, 0o755))
	writeFile(t, filepath.Join(excluded, "file.txt"))
	writeFile(t, filepath.Join(root, "keep.txt"))

	paths := collect(t, Config{RootPaths: []string{root}, MaxDepth: 10, Parallelism: 1, ExcludedPaths: []string{excluded}})
	if len(paths) != 1 {
		t.Fatalf("expected 1 file outside excluded subtree, got %d: %v", len(paths), paths)
	}
}

func TestWalkerSkipsProtectionMarkerSubtree(t *testing.T) {
	root := t.TempDir()
	protectedDir := filepath.Join(root, "protected")
	must(t, os.MkdirAll(protectedDir, 0o755))
	writeFile(t, filepath.Join(protectedDir, ".diskguardian-keep"))
	writeFile(t, filepath.Join(protectedDir, "important.dat"))
	writeFile(t, filepath.Join(root, "ordinary.txt"))

	reg, err := protect.Compile(nil, []string{".diskguardian-keep"})
	if err != nil {
		t.Fatalf("compile registry: %v", err)
	}

	paths := collect(t, Config{RootPaths: []string{root}, MaxDepth: 10, Parallelism: 1, Protection: reg})
	if len(paths) != 1 {
		t.Fatalf("expected only the ordinary file, got %d: %v", len(paths), paths)
	}
}

func TestDetectSignalsFindsGoMod(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "go.mod"))
	writeFile(t, filepath.Join(root, "main.go"))

	sig := DetectSignals(filepath.Join(root, "main.go"))
	if !sig.HasGoMod {
		t.Fatalf("expected HasGoMod to be true")
	}
	if sig.HasCargoToml {
		t.Fatalf("expected HasCargoToml to be false")
	}
}

func TestOpenPathAncestorsMatchesPrefix(t *testing.T) {
	ancestors := map[string]struct{}{
		"/data/projects/active": {},
	}
	if !IsPathOpenByAncestor("/data/projects/active/file.log", ancestors) {
		t.Fatalf("expected descendant path to be considered open")
	}
	if IsPathOpenByAncestor("/data/projects/other/file.log", ancestors) {
		t.Fatalf("expected unrelated path to not be considered open")
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
