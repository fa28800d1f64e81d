package updater

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ops2deb/ops2deb/internal/blueprint"
	"github.com/ops2deb/ops2deb/internal/configstore"
	"github.com/ops2deb/ops2deb/internal/fetcher"
	"github.com/ops2deb/ops2deb/internal/log"
)

// stubStrategy always resolves to a fixed version for blueprints whose
// name is in the names set.
type stubStrategy struct {
	names   map[string]bool
	version string
}

func (s *stubStrategy) IsSupported(bp *blueprint.Blueprint) bool { return s.names[bp.Name] }
func (s *stubStrategy) Resolve(ctx context.Context, bp *blueprint.Blueprint) (string, error) {
	return s.version, nil
}

func loadUpdaterResources(t *testing.T, yamlContent string) (*configstore.Resources, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "blueprints.yml")
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatal(err)
	}
	resources, err := configstore.LoadResources(filepath.Join(dir, "*.yml"))
	if err != nil {
		t.Fatalf("LoadResources: %v", err)
	}
	return resources, dir
}

func TestUpdaterRunRewritesCatalogueAndEmitsSummary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	resources, dir := loadUpdaterResources(t, fmt.Sprintf(`
name: great-app
version: "1.0.0"
summary: a great app
fetch: "%s/great-app-{{ version }}.tar.gz"
`, server.URL))

	f := fetcher.New(t.TempDir())
	strategy := &stubStrategy{names: map[string]bool{"great-app": true}, version: "1.1.0"}
	outputFile := filepath.Join(dir, "summary.txt")

	u := New(resources, f, []Strategy{strategy}, log.NewNoop())
	err := u.Run(context.Background(), Options{MaxVersions: 1, OutputFile: outputFile})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	summary, err := os.ReadFile(outputFile)
	if err != nil {
		t.Fatalf("reading summary: %v", err)
	}
	if !strings.Contains(string(summary), "Update great-app from v1.0.0 to v1.1.0") {
		t.Errorf("unexpected summary: %q", summary)
	}

	config, err := os.ReadFile(filepath.Join(dir, "blueprints.yml"))
	if err != nil {
		t.Fatalf("reading rewritten config: %v", err)
	}
	if !strings.Contains(string(config), "1.1.0") {
		t.Errorf("expected rewritten config to contain new version, got:\n%s", config)
	}
}

func TestUpdaterRunDryRunSkipsSave(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	resources, dir := loadUpdaterResources(t, fmt.Sprintf(`
name: great-app
version: "1.0.0"
summary: a great app
fetch: "%s/great-app-{{ version }}.tar.gz"
`, server.URL))

	f := fetcher.New(t.TempDir())
	strategy := &stubStrategy{names: map[string]bool{"great-app": true}, version: "1.1.0"}

	u := New(resources, f, []Strategy{strategy}, log.NewNoop())
	if err := u.Run(context.Background(), Options{MaxVersions: 1, DryRun: true}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	config, err := os.ReadFile(filepath.Join(dir, "blueprints.yml"))
	if err != nil {
		t.Fatalf("reading config: %v", err)
	}
	if strings.Contains(string(config), "1.1.0") {
		t.Errorf("dry-run must not persist the catalogue rewrite, got:\n%s", config)
	}
}

func TestUpdaterRunNoUpdatesWhenVersionAlreadyKnown(t *testing.T) {
	resources, dir := loadUpdaterResources(t, `
name: great-app
matrix:
  versions: ["1.0.0", "1.1.0"]
summary: a great app
fetch: "http://example.invalid/great-app-{{ version }}.tar.gz"
`)

	f := fetcher.New(t.TempDir())
	// Strategy claims "1.1.0" is the latest, but that's already a known
	// matrix version, so no release should be produced.
	strategy := &stubStrategy{names: map[string]bool{"great-app": true}, version: "1.1.0"}

	u := New(resources, f, []Strategy{strategy}, log.NewNoop())
	if err := u.Run(context.Background(), Options{MaxVersions: 2}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	config, err := os.ReadFile(filepath.Join(dir, "blueprints.yml"))
	if err != nil {
		t.Fatalf("reading config: %v", err)
	}
	if strings.Count(string(config), "1.1.0") != 1 {
		t.Errorf("expected config unchanged (version already known), got:\n%s", config)
	}
}

func TestSelectBlueprintsHonoursSkipOnlyAndDedup(t *testing.T) {
	resources, _ := loadUpdaterResources(t, `
- name: app-one
  version: "1.0.0"
  summary: first
  fetch: "http://example.invalid/one-{{ version }}.tar.gz"
- name: app-two
  version: "1.0.0"
  summary: second
  fetch: "http://example.invalid/two-{{ version }}.tar.gz"
- name: app-one
  version: "2.0.0"
  summary: first again
  fetch: "http://example.invalid/one-{{ version }}.tar.gz"
`)

	u := New(resources, fetcher.New(t.TempDir()), []Strategy{}, log.NewNoop())
	selected := u.selectBlueprints(nil, nil)
	if len(selected) != 2 {
		t.Fatalf("expected 2 deduplicated blueprints, got %d", len(selected))
	}
	for _, bp := range selected {
		if bp.Name == "app-one" && bp.Version != "2.0.0" {
			t.Errorf("expected the last app-one entry to win dedup, got version %s", bp.Version)
		}
	}

	skipped := u.selectBlueprints([]string{"app-two"}, nil)
	if len(skipped) != 1 || skipped[0].Name != "app-two" {
		t.Errorf("expected app-two skipped, got %v", skipped)
	}

	onlyOne := u.selectBlueprints(nil, []string{"app-one"})
	if len(onlyOne) != 1 || onlyOne[0].Name != "app-one" {
		t.Errorf("expected only app-one selected, got %v", onlyOne)
	}
}
