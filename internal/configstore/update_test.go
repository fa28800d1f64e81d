package configstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func loadResourcesForUpdate(t *testing.T, yamlContent string) (*Resources, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "blueprints.yml")
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatal(err)
	}
	resources, err := LoadResources(filepath.Join(dir, "*.yml"))
	if err != nil {
		t.Fatalf("LoadResources: %v", err)
	}
	return resources, path
}

func marshalNode(t *testing.T, node *yaml.Node) string {
	t.Helper()
	data, err := yaml.Marshal(node)
	if err != nil {
		t.Fatalf("yaml.Marshal: %v", err)
	}
	return string(data)
}

func TestUpdateVersionScalarReplacesVersion(t *testing.T) {
	resources, _ := loadResourcesForUpdate(t, `
name: great-app
version: "1.0.0"
revision: "2"
summary: a great app
`)
	bp := resources.Blueprints[0]
	file := resources.FileFor(bp.UID)

	removed, err := UpdateVersion(file, bp, "1.1.0", 1)
	if err != nil {
		t.Fatalf("UpdateVersion: %v", err)
	}
	if len(removed) != 1 || removed[0] != "1.0.0" {
		t.Errorf("expected removed=[1.0.0], got %v", removed)
	}
	if !file.Tainted {
		t.Error("expected file to be tainted")
	}

	out := marshalNode(t, file.Root)
	if !containsLine(out, "version: 1.1.0") {
		t.Errorf("expected rewritten version, got:\n%s", out)
	}
	if containsLine(out, "revision:") {
		t.Errorf("expected revision dropped, got:\n%s", out)
	}
}

func TestUpdateVersionMatrixMaxOneCollapsesToScalar(t *testing.T) {
	resources, _ := loadResourcesForUpdate(t, `
name: great-app
matrix:
  versions: ["1.0.0", "1.1.0"]
summary: a great app
`)
	bp := resources.Blueprints[0]
	file := resources.FileFor(bp.UID)

	removed, err := UpdateVersion(file, bp, "1.2.0", 1)
	if err != nil {
		t.Fatalf("UpdateVersion: %v", err)
	}
	if len(removed) != 2 || removed[0] != "1.0.0" || removed[1] != "1.1.0" {
		t.Errorf("expected both prior versions removed, got %v", removed)
	}

	out := marshalNode(t, file.Root)
	if containsLine(out, "matrix:") {
		t.Errorf("expected matrix collapsed away, got:\n%s", out)
	}
	if !containsLine(out, "version: 1.2.0") {
		t.Errorf("expected scalar version set, got:\n%s", out)
	}
}

func TestUpdateVersionMaxVersionsAppendsAndTrims(t *testing.T) {
	resources, _ := loadResourcesForUpdate(t, `
name: great-app
matrix:
  versions: ["1.0.0", "1.1.0"]
summary: a great app
`)
	bp := resources.Blueprints[0]
	file := resources.FileFor(bp.UID)

	removed, err := UpdateVersion(file, bp, "1.2.0", 2)
	if err != nil {
		t.Fatalf("UpdateVersion: %v", err)
	}
	if len(removed) != 1 || removed[0] != "1.0.0" {
		t.Errorf("expected oldest version trimmed, got %v", removed)
	}

	out := marshalNode(t, file.Root)
	if !containsLine(out, "- 1.1.0") || !containsLine(out, "- 1.2.0") {
		t.Errorf("expected kept+new versions in matrix, got:\n%s", out)
	}
	if containsLine(out, "- 1.0.0") {
		t.Errorf("expected oldest version dropped, got:\n%s", out)
	}
}

func TestUpdateVersionMaxVersionsSeedsMatrixFromScalar(t *testing.T) {
	resources, _ := loadResourcesForUpdate(t, `
name: great-app
version: "1.0.0"
summary: a great app
`)
	bp := resources.Blueprints[0]
	file := resources.FileFor(bp.UID)

	removed, err := UpdateVersion(file, bp, "1.1.0", 3)
	if err != nil {
		t.Fatalf("UpdateVersion: %v", err)
	}
	if len(removed) != 0 {
		t.Errorf("expected no removals when seeding a fresh matrix, got %v", removed)
	}

	out := marshalNode(t, file.Root)
	if !containsLine(out, "- 1.0.0") || !containsLine(out, "- 1.1.0") {
		t.Errorf("expected matrix seeded with old+new version, got:\n%s", out)
	}
	if containsLine(out, "version: 1.0.0") {
		t.Errorf("expected scalar version key removed, got:\n%s", out)
	}
}

func containsLine(haystack, needle string) bool {
	for _, line := range strings.Split(haystack, "\n") {
		if strings.TrimSpace(line) == needle {
			return true
		}
	}
	return false
}
