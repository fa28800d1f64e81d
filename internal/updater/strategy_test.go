package updater

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-github/v57/github"

	"github.com/ops2deb/ops2deb/internal/blueprint"
)

func newFetchBlueprint(version, urlTemplate string) *blueprint.Blueprint {
	bp := blueprint.New()
	bp.Name = "great-app"
	bp.Summary = "a great app"
	bp.Version = version
	bp.Fetch = &blueprint.Fetch{URL: urlTemplate}
	return bp
}

func TestGenericStrategyIsSupported(t *testing.T) {
	g := NewGenericStrategy(nil)
	if !g.IsSupported(newFetchBlueprint("1.2.3", "http://h/{{ version }}.tgz")) {
		t.Error("expected semver version to be supported")
	}
	if g.IsSupported(newFetchBlueprint("latest", "http://h/{{ version }}.tgz")) {
		t.Error("expected non-semver version to be unsupported")
	}
}

// TestGenericStrategyResolveBumpsMinorThenPatch serves OK only for
// versions on a specific minor/patch path, verifying the bump walk stops
// at the last version that served OK.
func TestGenericStrategyResolveBumpsMinorThenPatch(t *testing.T) {
	available := map[string]bool{
		"1.1.0": true,
		"1.2.0": true,
		"1.2.1": true,
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for v := range available {
			if strings.Contains(r.URL.Path, v) {
				w.WriteHeader(http.StatusOK)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	bp := newFetchBlueprint("1.0.0", server.URL+"/great-app-{{ version }}.tgz")
	g := NewGenericStrategy(server.Client())

	version, err := g.Resolve(context.Background(), bp)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if version != "1.2.1" {
		t.Errorf("Resolve() = %q, want %q", version, "1.2.1")
	}
}

func TestGenericStrategyResolveFallsBackToMajorWhenUnchanged(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "2.0.0") {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	bp := newFetchBlueprint("1.0.0", server.URL+"/great-app-{{ version }}.tgz")
	g := NewGenericStrategy(server.Client())

	version, err := g.Resolve(context.Background(), bp)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if version != "2.0.0" {
		t.Errorf("Resolve() = %q, want %q", version, "2.0.0")
	}
}

func TestTryVersionClassifiesServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	bp := newFetchBlueprint("1.0.0", server.URL+"/great-app-{{ version }}.tgz")
	_, err := tryVersion(context.Background(), server.Client(), bp, "1.1.0")
	if err == nil {
		t.Fatal("expected error on 5xx response")
	}
}

func TestTryVersionTrivialWhenURLUnchanged(t *testing.T) {
	bp := newFetchBlueprint("1.0.0", "http://h/great-app.tgz")
	ok, err := tryVersion(context.Background(), http.DefaultClient, bp, "2.0.0")
	if err != nil {
		t.Fatalf("tryVersion: %v", err)
	}
	if ok {
		t.Error("expected false when the rendered URL does not change with version")
	}
}

func TestGithubRepoFromBlueprintParsesOwnerAndName(t *testing.T) {
	bp := newFetchBlueprint("1.0.0", "https://github.com/owner/great-app/releases/download/v{{ version }}/great-app.tgz")
	owner, name, ok := githubRepoFromBlueprint(bp)
	if !ok || owner != "owner" || name != "great-app" {
		t.Fatalf("githubRepoFromBlueprint() = %q %q %v", owner, name, ok)
	}
}

func TestGithubRepoFromBlueprintRejectsNonGithubURL(t *testing.T) {
	bp := newFetchBlueprint("1.0.0", "https://example.com/great-app-{{ version }}.tgz")
	if _, _, ok := githubRepoFromBlueprint(bp); ok {
		t.Error("expected non-github.com URL to be rejected")
	}
}

func TestTrimLeadingV(t *testing.T) {
	if got, ok := trimLeadingV("v1.2.3"); !ok || got != "1.2.3" {
		t.Errorf("trimLeadingV(%q) = %q, %v", "v1.2.3", got, ok)
	}
	if got, ok := trimLeadingV("1.2.3"); ok || got != "1.2.3" {
		t.Errorf("trimLeadingV(%q) = %q, %v, want unchanged", "1.2.3", got, ok)
	}
	if got, ok := trimLeadingV("vNext"); ok || got != "vNext" {
		t.Errorf("trimLeadingV(%q) = %q, %v, want unchanged (not semver)", "vNext", got, ok)
	}
}

// TestGitHubStrategyResolveFetchesLatestRelease verifies the
// WithEnterpriseURLs wiring routes Repositories.GetLatestRelease at a
// fake API server and that the returned tag is trimmed.
func TestGitHubStrategyResolveFetchesLatestRelease(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"tag_name": "v1.3.0"}`)
	}))
	defer api.Close()

	latest, _, err := newGithubClientForTest(t, api.URL+"/").Repositories.GetLatestRelease(context.Background(), "owner", "great-app")
	if err != nil {
		t.Fatalf("GetLatestRelease: %v", err)
	}
	if latest.TagName == nil || *latest.TagName != "v1.3.0" {
		t.Fatalf("GetLatestRelease() tag = %v", latest.TagName)
	}

	version, ok := trimLeadingV(*latest.TagName)
	if !ok || version != "1.3.0" {
		t.Fatalf("trimLeadingV(%q) = %q, %v", *latest.TagName, version, ok)
	}
}

func newGithubClientForTest(t *testing.T, baseURL string) *github.Client {
	t.Helper()
	s := NewGitHubStrategy(baseURL)
	return s.github
}
