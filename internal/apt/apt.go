// Package apt lists the packages already published on a Debian
// repository, so the generator can skip rebuilding what is already out
// there (§4.G step 3) and the delta command can diff a catalogue against
// a repository (§4.I).
package apt

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ops2deb/ops2deb/internal/httputil"
	"github.com/ops2deb/ops2deb/internal/ops2deberr"
)

// Package is one (Package, Version, Architecture) triple parsed out of a
// repository's Packages index.
type Package struct {
	Name         string
	Version      string
	Architecture string
}

// RepositorySpec is a parsed "--repository" option: a base URL and a
// distribution name.
type RepositorySpec struct {
	URL          string
	Distribution string
}

// ParseRepositorySpec validates the "<url> <distribution>" option syntax
// of §4.J.
func ParseRepositorySpec(option string) (RepositorySpec, error) {
	fields := strings.Fields(option)
	if len(fields) != 2 {
		return RepositorySpec{}, ops2deberr.New(ops2deberr.KindApt,
			"The expected format for the --repository option is \"<url> <distribution>\"")
	}

	parsed, err := url.Parse(fields[0])
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return RepositorySpec{}, ops2deberr.New(ops2deberr.KindApt,
			"The expected format for the --repository option is \"<url> <distribution>\"")
	}

	return RepositorySpec{URL: strings.TrimRight(fields[0], "/"), Distribution: fields[1]}, nil
}

// Client fetches and parses a Debian repository's package index.
type Client struct {
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.httpClient = client }
}

// New creates an apt Client.
func New(opts ...Option) *Client {
	c := &Client{httpClient: httputil.NewSecureClient(httputil.ClientOptions{})}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListRepositoryPackages implements §4.J: fetch dists/<dist>/Release,
// extract Architectures and Components, then fetch every
// (component, architecture) Packages file in parallel and parse all
// stanzas.
func (c *Client) ListRepositoryPackages(ctx context.Context, spec RepositorySpec) ([]Package, error) {
	releaseURL := fmt.Sprintf("%s/dists/%s/Release", spec.URL, spec.Distribution)
	body, err := c.get(ctx, releaseURL)
	if err != nil {
		return nil, err
	}

	architectures, components := parseRelease(body)
	if len(architectures) == 0 || len(components) == 0 {
		return nil, ops2deberr.New(ops2deberr.KindApt, "Release file at %s has no Architectures or Components", releaseURL)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var all []Package

	for _, component := range components {
		for _, arch := range architectures {
			component, arch := component, arch
			group.Go(func() error {
				packagesURL := fmt.Sprintf("%s/dists/%s/%s/binary-%s/Packages", spec.URL, spec.Distribution, component, arch)
				body, err := c.get(groupCtx, packagesURL)
				if err != nil {
					return err
				}
				parsed := parsePackages(body, arch)
				mu.Lock()
				all = append(all, parsed...)
				mu.Unlock()
				return nil
			})
		}
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return all, nil
}

func (c *Client) get(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", ops2deberr.Wrap(ops2deberr.KindApt, err, "Failed to download APT repository file at %s", rawURL)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", ops2deberr.Wrap(ops2deberr.KindApt, err, "Failed to download APT repository file at %s", rawURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", ops2deberr.New(ops2deberr.KindApt, "Failed to download APT repository file at %s", rawURL)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", ops2deberr.Wrap(ops2deberr.KindApt, err, "Failed to download APT repository file at %s", rawURL)
	}
	return string(data), nil
}

// parseRelease extracts the space-separated Architectures and Components
// fields from a Release file's stanza.
func parseRelease(body string) (architectures, components []string) {
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "Architectures:"):
			architectures = strings.Fields(strings.TrimPrefix(line, "Architectures:"))
		case strings.HasPrefix(line, "Components:"):
			components = strings.Fields(strings.TrimPrefix(line, "Components:"))
		}
	}
	return architectures, components
}

// parsePackages parses a Packages file's RFC-822-style stanzas (blank-line
// separated) into Package triples, filling Architecture from the
// requested arch field when the stanza omits its own (binary-all indices
// still declare "Architecture: all").
func parsePackages(body, requestedArch string) []Package {
	var result []Package
	var name, version, arch string

	flush := func() {
		if name == "" {
			return
		}
		a := arch
		if a == "" {
			a = requestedArch
		}
		result = append(result, Package{Name: name, Version: version, Architecture: a})
		name, version, arch = "", "", ""
	}

	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		switch {
		case strings.HasPrefix(line, "Package:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "Package:"))
		case strings.HasPrefix(line, "Version:"):
			version = strings.TrimSpace(strings.TrimPrefix(line, "Version:"))
		case strings.HasPrefix(line, "Architecture:"):
			arch = strings.TrimSpace(strings.TrimPrefix(line, "Architecture:"))
		}
	}
	flush()
	return result
}
