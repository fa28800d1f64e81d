package materialiser

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ops2deb/ops2deb/internal/blueprint"
	"github.com/ops2deb/ops2deb/internal/fetcher"
	"github.com/ops2deb/ops2deb/internal/log"
)

func newTestBlueprint(t *testing.T) *blueprint.Blueprint {
	t.Helper()
	bp := blueprint.New()
	bp.Name = "great-app"
	bp.Version = "1.2.3"
	bp.Summary = "a great app"
	bp.Architecture = blueprint.ArchAmd64
	return bp
}

func newPackage(t *testing.T) *blueprint.SourcePackage {
	bp := newTestBlueprint(t)
	pkgs := blueprint.Expand(bp)
	if len(pkgs) != 1 {
		t.Fatalf("expected 1 expanded package, got %d", len(pkgs))
	}
	return pkgs[0]
}

func TestLayoutForUsesVersionNotDebianVersion(t *testing.T) {
	outDir := t.TempDir()
	m := New(outDir, log.NewNoop())
	pkg := newPackage(t)

	l := m.layoutFor(pkg)
	want := filepath.Join(outDir, "great-app_1.2.3_amd64")
	if l.packageDir != want {
		t.Errorf("packageDir = %q, want %q (scalar version, not the debian_version used by delta's Slug)", l.packageDir, want)
	}
}

func TestMaterialiseInitialisesLayout(t *testing.T) {
	outDir := t.TempDir()
	configDir := t.TempDir()
	m := New(outDir, log.NewNoop())
	pkg := newPackage(t)

	if err := m.Materialise(context.Background(), pkg, configDir, nil); err != nil {
		t.Fatalf("Materialise: %v", err)
	}

	l := m.layoutFor(pkg)
	for _, dir := range []string{l.debianDir, l.sourceDir} {
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("expected %s to exist: %v", dir, err)
		}
	}
	if _, err := os.Stat(filepath.Join(l.sourceDir, "usr/bin")); err != nil {
		t.Errorf("expected usr/bin pre-created: %v", err)
	}
}

func TestMaterialiseRendersDebianFiles(t *testing.T) {
	outDir := t.TempDir()
	configDir := t.TempDir()
	m := New(outDir, log.NewNoop())
	pkg := newPackage(t)

	if err := m.Materialise(context.Background(), pkg, configDir, nil); err != nil {
		t.Fatalf("Materialise: %v", err)
	}

	l := m.layoutFor(pkg)
	control, err := os.ReadFile(filepath.Join(l.debianDir, "control"))
	if err != nil {
		t.Fatalf("reading control: %v", err)
	}
	if !strings.Contains(string(control), "Source: great-app") {
		t.Errorf("unexpected control content: %s", control)
	}

	changelog, err := os.ReadFile(filepath.Join(l.debianDir, "changelog"))
	if err != nil {
		t.Fatalf("reading changelog: %v", err)
	}
	if !strings.Contains(string(changelog), pkg.Blueprint.DebianVersion()) {
		t.Errorf("expected changelog to contain debian version, got: %s", changelog)
	}
}

func TestMaterialisePopulatesFetchedFile(t *testing.T) {
	outDir := t.TempDir()
	configDir := t.TempDir()
	fetchedFile := filepath.Join(t.TempDir(), "archive.bin")
	if err := os.WriteFile(fetchedFile, []byte("binary data"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := New(outDir, log.NewNoop())
	pkg := newPackage(t)
	result := &fetcher.Result{StoragePath: fetchedFile}

	if err := m.Materialise(context.Background(), pkg, configDir, result); err != nil {
		t.Fatalf("Materialise: %v", err)
	}

	l := m.layoutFor(pkg)
	data, err := os.ReadFile(filepath.Join(l.fetchDir, "archive.bin"))
	if err != nil {
		t.Fatalf("reading fetched file: %v", err)
	}
	if string(data) != "binary data" {
		t.Errorf("unexpected content: %q", data)
	}
}

func TestMaterialisePopulatesFetchedDirectoryWithDanglingSymlink(t *testing.T) {
	outDir := t.TempDir()
	configDir := t.TempDir()
	extractedDir := t.TempDir()

	if err := os.WriteFile(filepath.Join(extractedDir, "bin_tool"), []byte("content"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("does-not-exist", filepath.Join(extractedDir, "dangling")); err != nil {
		t.Fatal(err)
	}

	m := New(outDir, log.NewNoop())
	pkg := newPackage(t)
	result := &fetcher.Result{StoragePath: extractedDir}

	if err := m.Materialise(context.Background(), pkg, configDir, result); err != nil {
		t.Fatalf("Materialise should not abort on a dangling symlink: %v", err)
	}

	l := m.layoutFor(pkg)
	if _, err := os.Lstat(filepath.Join(l.fetchDir, "dangling")); err != nil {
		t.Errorf("expected dangling symlink to be recreated: %v", err)
	}
}

func TestInstallHereDocRebasesAbsolutePath(t *testing.T) {
	outDir := t.TempDir()
	configDir := t.TempDir()
	bp := newTestBlueprint(t)
	bp.Install = []blueprint.InstallEntry{
		{HereDoc: &blueprint.HereDocument{Path: "/usr/bin/launcher", Content: "#!/bin/sh\necho hi\n"}},
	}
	pkgs := blueprint.Expand(bp)
	pkg := pkgs[0]

	m := New(outDir, log.NewNoop())
	if err := m.Materialise(context.Background(), pkg, configDir, nil); err != nil {
		t.Fatalf("Materialise: %v", err)
	}

	l := m.layoutFor(pkg)
	data, err := os.ReadFile(filepath.Join(l.sourceDir, "usr/bin/launcher"))
	if err != nil {
		t.Fatalf("expected here-doc rebased under src/: %v", err)
	}
	if !strings.Contains(string(data), "echo hi") {
		t.Errorf("unexpected content: %s", data)
	}
}

func TestInstallHereDocFailsIfDestinationExists(t *testing.T) {
	outDir := t.TempDir()
	configDir := t.TempDir()
	bp := newTestBlueprint(t)
	bp.Install = []blueprint.InstallEntry{
		{HereDoc: &blueprint.HereDocument{Path: "/usr/bin/dup", Content: "one"}},
		{HereDoc: &blueprint.HereDocument{Path: "/usr/bin/dup", Content: "two"}},
	}
	pkgs := blueprint.Expand(bp)
	pkg := pkgs[0]

	m := New(outDir, log.NewNoop())
	err := m.Materialise(context.Background(), pkg, configDir, nil)
	if err == nil {
		t.Fatal("expected failure when a later here-doc targets an already-written destination")
	}
}

func TestInstallCopyPairCopiesFile(t *testing.T) {
	outDir := t.TempDir()
	configDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(configDir, "tool"), []byte("tool binary"), 0o755); err != nil {
		t.Fatal(err)
	}

	bp := newTestBlueprint(t)
	bp.Install = []blueprint.InstallEntry{
		{Copy: &blueprint.CopyPair{Source: "tool", Destination: "/usr/bin/tool"}},
	}
	pkgs := blueprint.Expand(bp)
	pkg := pkgs[0]

	m := New(outDir, log.NewNoop())
	if err := m.Materialise(context.Background(), pkg, configDir, nil); err != nil {
		t.Fatalf("Materialise: %v", err)
	}

	l := m.layoutFor(pkg)
	data, err := os.ReadFile(filepath.Join(l.sourceDir, "usr/bin/tool"))
	if err != nil {
		t.Fatalf("expected copied file: %v", err)
	}
	if string(data) != "tool binary" {
		t.Errorf("unexpected content: %q", data)
	}
}

func TestInstallCopyPairFailsWhenSourceMissing(t *testing.T) {
	outDir := t.TempDir()
	configDir := t.TempDir()
	bp := newTestBlueprint(t)
	bp.Install = []blueprint.InstallEntry{
		{Copy: &blueprint.CopyPair{Source: "missing", Destination: "/usr/bin/tool"}},
	}
	pkgs := blueprint.Expand(bp)
	pkg := pkgs[0]

	m := New(outDir, log.NewNoop())
	if err := m.Materialise(context.Background(), pkg, configDir, nil); err == nil {
		t.Fatal("expected failure when copy source does not exist")
	}
}

func TestScriptStepRunsAndFailsOnNonZeroExit(t *testing.T) {
	outDir := t.TempDir()
	configDir := t.TempDir()
	bp := newTestBlueprint(t)
	bp.Script = []string{"exit 1"}
	pkgs := blueprint.Expand(bp)
	pkg := pkgs[0]

	m := New(outDir, log.NewNoop())
	err := m.Materialise(context.Background(), pkg, configDir, nil)
	if err == nil {
		t.Fatal("expected script step failure to propagate")
	}
}

func TestScriptStepSeesRenderedPathVars(t *testing.T) {
	outDir := t.TempDir()
	configDir := t.TempDir()
	bp := newTestBlueprint(t)
	bp.Script = []string{"test -d {{ src }}"}
	pkgs := blueprint.Expand(bp)
	pkg := pkgs[0]

	m := New(outDir, log.NewNoop())
	if err := m.Materialise(context.Background(), pkg, configDir, nil); err != nil {
		t.Fatalf("Materialise: %v", err)
	}
}
