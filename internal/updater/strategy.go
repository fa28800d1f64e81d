package updater

import (
	"context"
	"errors"
	"net/http"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/ops2deb/ops2deb/internal/blueprint"
	"github.com/ops2deb/ops2deb/internal/config"
	"github.com/ops2deb/ops2deb/internal/httputil"
	"github.com/ops2deb/ops2deb/internal/ops2deberr"
)

var githubURLPattern = regexp.MustCompile(`^https://github\.com/(?P<owner>[\w-]+)/(?P<name>[\w-]+)/`)

// Strategy is one way of discovering a blueprint's latest upstream
// version. IsSupported is a cheap precondition check; Resolve does the
// actual network round-trip(s).
type Strategy interface {
	IsSupported(bp *blueprint.Blueprint) bool
	Resolve(ctx context.Context, bp *blueprint.Blueprint) (string, error)
}

// newProbeClient builds the HTTP client HEAD probes use, hardened the same
// way the rest of the system's outbound HTTP is.
func newProbeClient() *http.Client {
	return httputil.NewSecureClient(httputil.ClientOptions{})
}

// tryVersion implements the shared try_version probe helper: it is
// trivially false when the rendered URL does not change with version (no
// version placeholder) or when the blueprint has no fetch at all;
// otherwise it issues a HEAD request and classifies the response.
func tryVersion(ctx context.Context, client *http.Client, bp *blueprint.Blueprint, version string) (bool, error) {
	if version == bp.Version {
		return true, nil
	}

	url, ok, err := bp.RenderFetchURL(version, "")
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	currentURL, _, err := bp.RenderFetchURL(bp.Version, "")
	if err != nil {
		return false, err
	}
	if url == currentURL {
		return false, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, ops2deberr.Wrap(ops2deberr.KindUpdater, err, "failed to build HEAD request for %s", url)
	}
	req.Header.Set("User-Agent", httputil.DefaultUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return false, ops2deberr.Wrap(ops2deberr.KindUpdater, err, "Failed HEAD request to %s", url)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return false, ops2deberr.New(ops2deberr.KindUpdater, "Server error when requesting %s", url)
	case resp.StatusCode >= 400:
		return false, nil
	default:
		return true, nil
	}
}

// GenericStrategy brute-forces a newer version by bumping minor then
// patch (with limited gap-skipping), then major if neither moved.
type GenericStrategy struct {
	client *http.Client
}

// NewGenericStrategy creates a GenericStrategy. A nil client uses the
// default hardened probe client.
func NewGenericStrategy(client *http.Client) *GenericStrategy {
	if client == nil {
		client = newProbeClient()
	}
	return &GenericStrategy{client: client}
}

// IsSupported reports whether the blueprint's current version is valid semver.
func (g *GenericStrategy) IsSupported(bp *blueprint.Blueprint) bool {
	_, err := semver.NewVersion(bp.Version)
	return err == nil
}

// Resolve implements §4.H's generic strategy.
func (g *GenericStrategy) Resolve(ctx context.Context, bp *blueprint.Blueprint) (string, error) {
	current, err := semver.NewVersion(bp.Version)
	if err != nil {
		return "", ops2deberr.Wrap(ops2deberr.KindUpdater, err, "%s is not using semantic versioning", bp.Name)
	}

	version := *current
	for _, part := range []string{"minor", "patch"} {
		version, err = g.tryVersions(ctx, bp, version, part)
		if err != nil {
			return "", err
		}
	}
	if version.Equal(current) {
		version, err = g.tryVersions(ctx, bp, version, "major")
		if err != nil {
			return "", err
		}
	}
	return version.String(), nil
}

func (g *GenericStrategy) tryVersions(ctx context.Context, bp *blueprint.Blueprint, version semver.Version, part string) (semver.Version, error) {
	bumped := bump(version, part)
	ok, err := tryVersion(ctx, g.client, bp, bumped.String())
	if err != nil {
		return version, err
	}
	if !ok {
		if part != "patch" {
			gapped, found, err := g.tryAFewPatches(ctx, bp, bumped)
			if err != nil {
				return version, err
			}
			if found {
				return g.tryVersions(ctx, bp, gapped, part)
			}
		}
		return version, nil
	}
	return g.tryVersions(ctx, bp, bumped, part)
}

// tryAFewPatches implements the "gap skipping" probe: up to three patch
// bumps past a failed minor/major bump before giving up on that part.
func (g *GenericStrategy) tryAFewPatches(ctx context.Context, bp *blueprint.Blueprint, version semver.Version) (semver.Version, bool, error) {
	for i := 0; i < 3; i++ {
		version = version.IncPatch()
		ok, err := tryVersion(ctx, g.client, bp, version.String())
		if err != nil {
			return version, false, err
		}
		if ok {
			return version, true, nil
		}
	}
	return version, false, nil
}

func bump(v semver.Version, part string) semver.Version {
	switch part {
	case "minor":
		return v.IncMinor()
	case "major":
		return v.IncMajor()
	default:
		return v.IncPatch()
	}
}

// GitHubStrategy follows a repository's latest GitHub release.
type GitHubStrategy struct {
	github      *github.Client
	probeClient *http.Client
}

// NewGitHubStrategy creates a GitHubStrategy. baseURL overrides the
// GitHub API base URL (mainly for tests); empty uses the public API.
// Authentication uses OPS2DEB_GITHUB_TOKEN if set.
func NewGitHubStrategy(baseURL string) *GitHubStrategy {
	var httpClient *http.Client
	if token := config.GitHubToken(); token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(context.Background(), ts)
	}
	client := github.NewClient(httpClient)
	if baseURL != "" {
		client, _ = client.WithEnterpriseURLs(baseURL, baseURL)
	}
	return &GitHubStrategy{github: client, probeClient: newProbeClient()}
}

// IsSupported reports whether the blueprint's rendered fetch URL is a
// github.com release asset URL.
func (s *GitHubStrategy) IsSupported(bp *blueprint.Blueprint) bool {
	_, _, ok := githubRepoFromBlueprint(bp)
	return ok
}

func githubRepoFromBlueprint(bp *blueprint.Blueprint) (owner, name string, ok bool) {
	url, fetchOK, err := bp.RenderFetchURL(bp.Version, "")
	if err != nil || !fetchOK {
		return "", "", false
	}
	m := githubURLPattern.FindStringSubmatch(url)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// Resolve implements §4.H's GitHub strategy.
func (s *GitHubStrategy) Resolve(ctx context.Context, bp *blueprint.Blueprint) (string, error) {
	owner, name, ok := githubRepoFromBlueprint(bp)
	if !ok {
		return "", ops2deberr.New(ops2deberr.KindUpdater, "%s has no supported GitHub fetch URL", bp.Name)
	}

	latest, _, err := s.github.Repositories.GetLatestRelease(ctx, owner, name)
	if err != nil {
		var rateLimitErr *github.RateLimitError
		if errors.As(err, &rateLimitErr) {
			return "", ops2deberr.Wrap(ops2deberr.KindUpdater, err, "GitHub API rate limit exceeded (403)")
		}
		return "", ops2deberr.Wrap(ops2deberr.KindUpdater, err, "Failed to request Github API")
	}
	if latest.TagName == nil {
		return "", ops2deberr.New(ops2deberr.KindUpdater, "Failed to determine latest release version")
	}

	version := *latest.TagName
	if trimmed, isV := trimLeadingV(version); isV {
		version = trimmed
	}

	tagVersion, tagErr := semver.NewVersion(version)
	currentVersion, curErr := semver.NewVersion(bp.Version)
	if tagErr == nil && curErr == nil && tagVersion.LessThan(currentVersion) {
		version = bp.Version
	}

	ok, err = tryVersion(ctx, s.probeClient, bp, version)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ops2deberr.New(ops2deberr.KindUpdater, "Failed to determine latest release URL (latest tag is %s)", *latest.TagName)
	}
	return version, nil
}

func trimLeadingV(tag string) (string, bool) {
	if len(tag) > 1 && (tag[0] == 'v' || tag[0] == 'V') {
		if _, err := semver.NewVersion(tag[1:]); err == nil {
			return tag[1:], true
		}
	}
	return tag, false
}
