// Package updater probes upstream for newer releases of each blueprint's
// fetch URL, re-pins the lockfile, and rewrites the catalogue in place.
//
// The strategy chain and node-rewrite bookkeeping generalize the teacher's
// internal/version.Resolver (GitHub release lookup, oauth2 bearer token
// from env, semver comparison) from "resolve one recipe's pinned version"
// to ops2deb's "find, fetch, and pin a newer blueprint version" pipeline.
package updater

import (
	"context"
	"fmt"
	"os"

	"github.com/ops2deb/ops2deb/internal/blueprint"
	"github.com/ops2deb/ops2deb/internal/configstore"
	"github.com/ops2deb/ops2deb/internal/fetcher"
	"github.com/ops2deb/ops2deb/internal/lockfile"
	"github.com/ops2deb/ops2deb/internal/log"
	"github.com/ops2deb/ops2deb/internal/ops2deberr"
)

// Options configures one Updater run.
type Options struct {
	SkipNames   []string
	OnlyNames   []string
	DryRun      bool
	OutputFile  string
	MaxVersions int
}

// release is one blueprint that a strategy found a newer version for.
type release struct {
	blueprint *blueprint.Blueprint
	version   string
}

// Updater drives §4.H: strategy chain, lockfile re-pin, catalogue rewrite.
type Updater struct {
	resources  *configstore.Resources
	fetcher    *fetcher.Fetcher
	strategies []Strategy
	logger     log.Logger
}

// New creates an Updater. strategies are tried in order for each
// blueprint; the first that is supported and succeeds wins.
func New(resources *configstore.Resources, f *fetcher.Fetcher, strategies []Strategy, logger log.Logger) *Updater {
	if logger == nil {
		logger = log.Default()
	}
	if strategies == nil {
		strategies = []Strategy{NewGitHubStrategy(""), NewGenericStrategy(nil)}
	}
	return &Updater{resources: resources, fetcher: f, strategies: strategies, logger: logger}
}

// Run executes §4.H end to end: find latest versions, fetch+pin them,
// rewrite the catalogue, emit a summary, and persist unless dry-run.
func (u *Updater) Run(ctx context.Context, opts Options) error {
	if opts.MaxVersions <= 0 {
		opts.MaxVersions = 1
	}

	candidates := u.selectBlueprints(opts.SkipNames, opts.OnlyNames)

	releases, errs := u.findLatestVersions(ctx, candidates)
	releases, fetchErrs := u.fetchAndPin(ctx, releases)
	errs = append(errs, fetchErrs...)

	summary := u.rewriteCatalogue(releases, opts.MaxVersions)

	if opts.OutputFile != "" {
		content := ""
		for _, line := range summary {
			content += line + "\n"
		}
		if err := os.WriteFile(opts.OutputFile, []byte(content), 0o644); err != nil {
			errs = append(errs, ops2deberr.Wrap(ops2deberr.KindUpdater, err, "failed to write summary to %s", opts.OutputFile))
		}
	}

	if len(releases) == 0 {
		u.logger.Info("did not find any updates")
	} else if !opts.DryRun {
		if err := u.resources.Save(); err != nil {
			errs = append(errs, err)
		} else {
			u.logger.Info("lockfile and configuration updated")
		}
	}

	return ops2deberr.NewAggregate(ops2deberr.KindUpdater, "update failures", errs)
}

// selectBlueprints applies --skip/--only and, among blueprints sharing a
// name, keeps only the last one in catalogue order.
func (u *Updater) selectBlueprints(skipNames, onlyNames []string) []*blueprint.Blueprint {
	skip := make(map[string]bool, len(skipNames))
	for _, n := range skipNames {
		skip[n] = true
	}
	only := make(map[string]bool, len(onlyNames))
	for _, n := range onlyNames {
		only[n] = true
	}

	byName := make(map[string]*blueprint.Blueprint)
	var order []string
	for _, bp := range u.resources.Blueprints {
		if bp.Fetch == nil {
			continue
		}
		if skip[bp.Name] {
			continue
		}
		if len(only) > 0 && !only[bp.Name] {
			continue
		}
		if _, seen := byName[bp.Name]; !seen {
			order = append(order, bp.Name)
		}
		byName[bp.Name] = bp
	}

	selected := make([]*blueprint.Blueprint, 0, len(order))
	for _, name := range order {
		selected = append(selected, byName[name])
	}
	return selected
}

// findLatestVersions runs the strategy chain against every candidate
// blueprint, one failure never blocking the rest.
func (u *Updater) findLatestVersions(ctx context.Context, candidates []*blueprint.Blueprint) ([]release, []error) {
	var releases []release
	var errs []error

	for _, bp := range candidates {
		version, err := u.findLatestVersion(ctx, bp)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if version == "" {
			continue
		}
		for _, existing := range bp.Versions() {
			if existing == version {
				version = ""
				break
			}
		}
		if version == "" {
			continue
		}
		u.logger.Info("newer version available", "blueprint", bp.Name, "from", bp.Version, "to", version)
		releases = append(releases, release{blueprint: bp, version: version})
	}
	return releases, errs
}

func (u *Updater) findLatestVersion(ctx context.Context, bp *blueprint.Blueprint) (string, error) {
	var supported []Strategy
	for _, s := range u.strategies {
		if s.IsSupported(bp) {
			supported = append(supported, s)
		}
	}
	if len(supported) == 0 {
		return "", nil
	}

	var lastErr error
	for _, s := range supported {
		version, err := s.Resolve(ctx, bp)
		if err == nil {
			return version, nil
		}
		u.logger.Debug("update strategy failed", "blueprint", bp.Name, "error", err)
		lastErr = err
	}
	return "", ops2deberr.Wrap(ops2deberr.KindUpdater, lastErr, "failed to update %s, enable debug logs for more information", bp.Name)
}

// fetchAndPin implements §4.H's "lockfile + catalogue rewrite" step 1-2:
// fetch every rendered URL for each release's new version, drop releases
// with any failed fetch, and pin the rest into their lockfile.
func (u *Updater) fetchAndPin(ctx context.Context, releases []release) ([]release, []error) {
	if len(releases) == 0 {
		return nil, nil
	}

	for i, r := range releases {
		urls, err := r.blueprint.RenderFetchURLsForVersion(r.version)
		if err != nil {
			continue
		}
		for _, fetchURL := range urls {
			u.fetcher.AddTask(fetchURL, i, "")
		}
	}

	results, failures := u.fetcher.RunTasks(ctx)

	failed := make(map[int]bool, len(failures))
	var errs []error
	for _, f := range failures {
		if idx, ok := f.TaskData.(int); ok {
			failed[idx] = true
		}
		errs = append(errs, f.Err)
	}

	resultsByRelease := make(map[int][]fetcher.Result)
	for _, r := range results {
		if idx, ok := r.TaskData.(int); ok {
			resultsByRelease[idx] = append(resultsByRelease[idx], r)
		}
	}

	var kept []release
	for i, r := range releases {
		if failed[i] {
			continue
		}
		lock := u.resources.LockfileFor(r.blueprint.UID)
		entries := make([]lockfile.UrlAndHash, 0, len(resultsByRelease[i]))
		for _, result := range resultsByRelease[i] {
			entries = append(entries, result)
		}
		lock.Add(entries)
		kept = append(kept, r)
	}
	return kept, errs
}

// rewriteCatalogue implements §4.H's rewrite + summary step: apply the
// node mutation per release, remove dropped versions from the lockfile,
// and produce the human-readable summary lines.
func (u *Updater) rewriteCatalogue(releases []release, maxVersions int) []string {
	var summary []string
	for _, r := range releases {
		file := u.resources.FileFor(r.blueprint.UID)
		removed, err := configstore.UpdateVersion(file, r.blueprint, r.version, maxVersions)
		if err != nil {
			u.logger.Error("failed to rewrite catalogue", "blueprint", r.blueprint.Name, "error", err)
			continue
		}

		if maxVersions <= 1 {
			summary = append(summary, fmt.Sprintf("Update %s from v%s to v%s", r.blueprint.Name, r.blueprint.Version, r.version))
		} else {
			summary = append(summary, fmt.Sprintf("Add %s v%s", r.blueprint.Name, r.version))
			for _, v := range removed {
				summary = append(summary, fmt.Sprintf("Remove %s v%s", r.blueprint.Name, v))
			}
		}

		lock := u.resources.LockfileFor(r.blueprint.UID)
		for _, v := range removed {
			urls, err := r.blueprint.RenderFetchURLsForVersion(v)
			if err != nil {
				continue
			}
			lock.Remove(urls)
		}
	}
	return summary
}
