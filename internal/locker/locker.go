// Package locker implements the "ops2deb lock" pipeline: fetch every
// blueprint's current-version URLs without an expected digest, then pin
// whatever was actually downloaded into each blueprint's lockfile.
//
// This is §4.H's fetch-and-pin half without the upstream-probing half:
// the same "fetch, drop failures, lock.Add the rest" shape as
// internal/updater's fetchAndPin, applied to the blueprints' own current
// version rather than a newly discovered one.
package locker

import (
	"context"

	"github.com/ops2deb/ops2deb/internal/blueprint"
	"github.com/ops2deb/ops2deb/internal/configstore"
	"github.com/ops2deb/ops2deb/internal/fetcher"
	"github.com/ops2deb/ops2deb/internal/lockfile"
	"github.com/ops2deb/ops2deb/internal/log"
	"github.com/ops2deb/ops2deb/internal/ops2deberr"
)

// Locker fetches and pins every selected blueprint's currently-pinned
// fetch URLs.
type Locker struct {
	resources *configstore.Resources
	fetcher   *fetcher.Fetcher
	logger    log.Logger
}

// New creates a Locker over an already-loaded catalogue.
func New(resources *configstore.Resources, f *fetcher.Fetcher, logger log.Logger) *Locker {
	if logger == nil {
		logger = log.Default()
	}
	return &Locker{resources: resources, fetcher: f, logger: logger}
}

// Run fetches every blueprint's rendered fetch URLs, pins the successful
// ones into their associated lockfile, and reports an aggregate of the
// rest. Callers save resources.Resources once Run returns.
func (l *Locker) Run(ctx context.Context, onlyNames []string) error {
	blueprints := l.selectBlueprints(onlyNames)

	type pending struct {
		bp  *blueprint.Blueprint
		uid int
	}
	byTaskKey := make(map[int]pending)
	taskKey := 0

	for _, bp := range blueprints {
		urls, err := bp.RenderFetchURLs()
		if err != nil {
			continue
		}
		for _, url := range urls {
			taskKey++
			byTaskKey[taskKey] = pending{bp: bp, uid: bp.UID}
			l.fetcher.AddTask(url, taskKey, "")
		}
	}

	if len(byTaskKey) == 0 {
		return nil
	}

	results, failures := l.fetcher.RunTasks(ctx)

	var errs []error
	for _, f := range failures {
		errs = append(errs, f.Err)
	}

	entriesByUID := make(map[int][]lockfile.UrlAndHash)
	for _, r := range results {
		key, _ := r.TaskData.(int)
		p, ok := byTaskKey[key]
		if !ok {
			continue
		}
		entriesByUID[p.uid] = append(entriesByUID[p.uid], r)
	}

	for uid, entries := range entriesByUID {
		lock := l.resources.LockfileFor(uid)
		lock.Add(entries)
	}

	l.logger.Info("locked fetch URLs", "blueprints", len(blueprints), "urls", len(byTaskKey))
	return ops2deberr.NewAggregate(ops2deberr.KindLockFile, "lock failures", errs)
}

func (l *Locker) selectBlueprints(onlyNames []string) []*blueprint.Blueprint {
	if len(onlyNames) == 0 {
		return l.resources.Blueprints
	}
	wanted := make(map[string]bool, len(onlyNames))
	for _, n := range onlyNames {
		wanted[n] = true
	}
	var selected []*blueprint.Blueprint
	for _, bp := range l.resources.Blueprints {
		if wanted[bp.Name] {
			selected = append(selected, bp)
		}
	}
	return selected
}
