// Package generator orchestrates turning a loaded catalogue into built
// source package trees: blueprint selection, matrix expansion, APT-delta
// filtering, digest-pinned fetch scheduling, and per-descriptor
// materialisation.
//
// The control flow generalizes the teacher's internal/batch/orchestrator.go
// "expand work items, dispatch to a bounded scheduler, collect per-item
// failures into one aggregate" shape to ops2deb's blueprint-expansion
// pipeline.
package generator

import (
	"context"
	"fmt"

	"github.com/ops2deb/ops2deb/internal/apt"
	"github.com/ops2deb/ops2deb/internal/blueprint"
	"github.com/ops2deb/ops2deb/internal/configstore"
	"github.com/ops2deb/ops2deb/internal/fetcher"
	"github.com/ops2deb/ops2deb/internal/log"
	"github.com/ops2deb/ops2deb/internal/materialiser"
	"github.com/ops2deb/ops2deb/internal/ops2deberr"
)

// Options configures one Generator run.
type Options struct {
	OutputDir  string
	ConfigDir  string
	Repository *apt.RepositorySpec // nil disables the APT-delta filter
	OnlyNames  []string
}

// Generator drives §4.G: select, expand, filter, fetch, materialise.
type Generator struct {
	resources    *configstore.Resources
	fetcher      *fetcher.Fetcher
	materialiser *materialiser.Materialiser
	aptClient    *apt.Client
	logger       log.Logger
}

// New creates a Generator over an already-loaded catalogue.
func New(resources *configstore.Resources, f *fetcher.Fetcher, m *materialiser.Materialiser, aptClient *apt.Client, logger log.Logger) *Generator {
	if logger == nil {
		logger = log.Default()
	}
	return &Generator{resources: resources, fetcher: f, materialiser: m, aptClient: aptClient, logger: logger}
}

// descriptor pairs one expanded SourcePackage with the uid of the
// blueprint it was expanded from, so its lockfile can be found.
type descriptor struct {
	pkg *blueprint.SourcePackage
	uid int
}

// Run executes §4.G steps 1-6, materialising every descriptor it can even
// when some fetches fail, then reporting the aggregate failure count.
func (g *Generator) Run(ctx context.Context, opts Options) error {
	descriptors, err := g.selectAndExpand(opts.OnlyNames)
	if err != nil {
		return err
	}

	if opts.Repository != nil {
		descriptors, err = g.filterPublished(ctx, descriptors, *opts.Repository)
		if err != nil {
			return err
		}
	}

	var withFetch []descriptor
	var withoutFetch []descriptor
	byTaskKey := make(map[int]descriptor, len(descriptors))
	taskKey := 0

	for _, d := range descriptors {
		fetchURL, ok, err := d.pkg.Blueprint.RenderFetchURL(d.pkg.Version, d.pkg.Architecture)
		if err != nil {
			return err
		}
		if !ok || fetchURL == "" {
			withoutFetch = append(withoutFetch, d)
			continue
		}

		lock := g.resources.LockfileFor(d.uid)
		expected, err := lock.SHA256(fetchURL)
		if err != nil {
			return err
		}

		taskKey++
		byTaskKey[taskKey] = d
		withFetch = append(withFetch, d)
		g.fetcher.AddTask(fetchURL, taskKey, expected)
	}

	var errs []error

	if len(withFetch) > 0 {
		results, failures := g.fetcher.RunTasks(ctx)
		for _, failure := range failures {
			errs = append(errs, failure.Err)
		}
		for _, result := range results {
			result := result
			key, _ := result.TaskData.(int)
			d, ok := byTaskKey[key]
			if !ok {
				continue
			}
			if err := g.materialiser.Materialise(ctx, d.pkg, opts.ConfigDir, &result); err != nil {
				errs = append(errs, err)
			}
		}
	}

	for _, d := range withoutFetch {
		if err := g.materialiser.Materialise(ctx, d.pkg, opts.ConfigDir, nil); err != nil {
			errs = append(errs, err)
		}
	}

	return ops2deberr.NewAggregate(ops2deberr.KindGenerator, "failures", errs)
}

// selectAndExpand implements §4.G steps 1-2.
func (g *Generator) selectAndExpand(onlyNames []string) ([]descriptor, error) {
	selected := selectBlueprints(g.resources.Blueprints, onlyNames)
	var descriptors []descriptor
	for _, bp := range selected {
		for _, pkg := range blueprint.Expand(bp) {
			descriptors = append(descriptors, descriptor{pkg: pkg, uid: bp.UID})
		}
	}
	return descriptors, nil
}

// filterPublished implements §4.G step 3: drop descriptors whose
// (name, debian_version, architecture) slug is already published.
func (g *Generator) filterPublished(ctx context.Context, descriptors []descriptor, repo apt.RepositorySpec) ([]descriptor, error) {
	published, err := g.aptClient.ListRepositoryPackages(ctx, repo)
	if err != nil {
		return nil, err
	}
	publishedSlugs := make(map[string]bool, len(published))
	for _, p := range published {
		publishedSlugs[fmt.Sprintf("%s_%s_%s", p.Name, p.Version, p.Architecture)] = true
	}

	var remaining []descriptor
	for _, d := range descriptors {
		if !publishedSlugs[d.pkg.Slug()] {
			remaining = append(remaining, d)
		}
	}
	return remaining, nil
}

// selectBlueprints implements §4.G step 1: an empty onlyNames keeps
// everything; otherwise only blueprints whose Name appears in onlyNames
// survive.
func selectBlueprints(all []*blueprint.Blueprint, onlyNames []string) []*blueprint.Blueprint {
	if len(onlyNames) == 0 {
		return all
	}
	wanted := make(map[string]bool, len(onlyNames))
	for _, n := range onlyNames {
		wanted[n] = true
	}
	var selected []*blueprint.Blueprint
	for _, bp := range all {
		if wanted[bp.Name] {
			selected = append(selected, bp)
		}
	}
	return selected
}
