package builder

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ops2deb/ops2deb/internal/log"
)

func writePackageDir(t *testing.T, outputDir, name, arch string) string {
	t.Helper()
	dir := filepath.Join(outputDir, name)
	if err := os.MkdirAll(filepath.Join(dir, "debian"), 0o755); err != nil {
		t.Fatal(err)
	}
	control := "Source: " + name + "\nPackage: " + name + "\nArchitecture: " + arch + "\n"
	if err := os.WriteFile(filepath.Join(dir, "debian", "control"), []byte(control), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestSourcePackageDirsFindsOnlyDebianControlDirs(t *testing.T) {
	outputDir := t.TempDir()
	writePackageDir(t, outputDir, "great-app_1.0.0-1~ops2deb_amd64", "amd64")
	if err := os.MkdirAll(filepath.Join(outputDir, "not-a-package"), 0o755); err != nil {
		t.Fatal(err)
	}

	paths, err := sourcePackageDirs(outputDir)
	if err != nil {
		t.Fatalf("sourcePackageDirs: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected 1 package dir, got %v", paths)
	}
}

func TestParseControlArchitecture(t *testing.T) {
	dir := writePackageDir(t, t.TempDir(), "great-app_1.0.0-1~ops2deb_armhf", "armhf")
	arch, err := parseControlArchitecture(filepath.Join(dir, "debian", "control"))
	if err != nil {
		t.Fatalf("parseControlArchitecture: %v", err)
	}
	if arch != "armhf" {
		t.Errorf("got %q, want armhf", arch)
	}
}

// TestBuildAllReportsFailureWithoutAbortingSiblings exercises the
// dpkg-buildpackage-invocation path against a directory with no such
// binary available (the build environment may not have dpkg installed),
// asserting the call fails per-package rather than aborting the batch.
func TestBuildAllReportsFailureWithoutAbortingSiblings(t *testing.T) {
	outputDir := t.TempDir()
	writePackageDir(t, outputDir, "great-app_1.0.0-1~ops2deb_amd64", "amd64")
	writePackageDir(t, outputDir, "other-app_2.0.0-1~ops2deb_all", "all")

	b := New(WithWorkers(2), WithLogger(log.NewNoop()))
	results := b.BuildAll(context.Background(), outputDir)

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Err == nil {
			t.Errorf("expected %s to fail without dpkg-buildpackage installed", r.Path)
		}
		if !strings.Contains(r.Path, "great-app") && !strings.Contains(r.Path, "other-app") {
			t.Errorf("unexpected result path %q", r.Path)
		}
	}
}

func TestBuildAllEmptyDirectory(t *testing.T) {
	outputDir := t.TempDir()
	b := New(WithLogger(log.NewNoop()))
	results := b.BuildAll(context.Background(), outputDir)
	if len(results) != 0 {
		t.Errorf("expected no results for an empty output dir, got %v", results)
	}
}
