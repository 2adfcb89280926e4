package protect

import "testing"

func TestCompileRejectsMalformedGlob(t *testing.T) {
	_, err := Compile([]string{"["}, nil)
	if err == nil {
		t.Fatalf("expected error for malformed glob")
	}
}

func TestMatchesGlobExactAndWildcard(t *testing.T) {
	r, err := Compile([]string{"/etc/important.conf", "**/node_modules/.bin/**"}, nil)
	if err != nil {
		t.Fatalf("unexpected compile error: %v", err)
	}
	if !r.MatchesGlob("/etc/important.conf") {
		t.Fatalf("expected exact match")
	}
	if !r.MatchesGlob("/home/user/project/node_modules/.bin/tsc") {
		t.Fatalf("expected wildcard subtree match")
	}
	if r.MatchesGlob("/home/user/project/src/main.go") {
		t.Fatalf("expected no match for unrelated path")
	}
}

func TestHasProtectionMarker(t *testing.T) {
	r, err := Compile(nil, []string{".diskguardian-keep"})
	if err != nil {
		t.Fatalf("unexpected compile error: %v", err)
	}
	if !r.HasProtectionMarker([]string{"README.md", ".diskguardian-keep"}) {
		t.Fatalf("expected marker detected")
	}
	if r.HasProtectionMarker([]string{"README.md"}) {
		t.Fatalf("expected no marker detected")
	}
}

func TestIsProtectedCombinesBothSignals(t *testing.T) {
	r, err := Compile([]string{"/data/archive/**"}, []string{".keep"})
	if err != nil {
		t.Fatalf("unexpected compile error: %v", err)
	}
	if !r.IsProtected("/data/archive/2024/report.csv", nil) {
		t.Fatalf("expected glob-protected path to be protected")
	}
	if !r.IsProtected("/data/scratch/file.tmp", []string{".keep"}) {
		t.Fatalf("expected marker-protected path to be protected")
	}
	if r.IsProtected("/data/scratch/file.tmp", []string{"other.txt"}) {
		t.Fatalf("expected unprotected path to not be protected")
	}
}
