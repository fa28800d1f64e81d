// Package builder invokes the external dpkg-buildpackage tool over every
// prepared source tree under an output directory, bounding how many run
// concurrently. The core hands it a directory and a worker count; it
// never parses the resulting .deb.
package builder

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ops2deb/ops2deb/internal/log"
	"github.com/ops2deb/ops2deb/internal/ops2deberr"
)

// Result is the outcome of building one source package directory.
type Result struct {
	Path   string
	Output string
	Err    error
}

// Builder drives §5's semaphore-bounded dpkg-buildpackage invocations.
type Builder struct {
	workers int
	logger  log.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithWorkers bounds the number of concurrent dpkg-buildpackage
// invocations. The default is 4, matching the teacher's build semaphore.
func WithWorkers(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.workers = n
		}
	}
}

// WithLogger overrides the logger used for per-package status lines.
func WithLogger(logger log.Logger) Option {
	return func(b *Builder) { b.logger = logger }
}

// New creates a Builder.
func New(opts ...Option) *Builder {
	b := &Builder{workers: 4, logger: log.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BuildAll finds every "<outputDir>/*/debian/control" source tree and
// runs dpkg-buildpackage in each, bounded by the configured worker count.
// One package failing never stops the others.
func (b *Builder) BuildAll(ctx context.Context, outputDir string) []Result {
	paths, err := sourcePackageDirs(outputDir)
	if err != nil {
		return []Result{{Path: outputDir, Err: ops2deberr.Wrap(ops2deberr.KindBuilder, err, "failed to scan %s", outputDir)}}
	}

	b.logger.Info("building source packages", "count", len(paths))

	var mu sync.Mutex
	var results []Result

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(b.workers)

	for _, path := range paths {
		path := path
		group.Go(func() error {
			result := b.buildOne(groupCtx, path)
			mu.Lock()
			results = append(results, result)
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	return results
}

// sourcePackageDirs lists immediate subdirectories of outputDir that
// contain a debian/control file.
func sourcePackageDirs(outputDir string) ([]string, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		candidate := filepath.Join(outputDir, e.Name())
		if _, err := os.Stat(filepath.Join(candidate, "debian", "control")); err == nil {
			paths = append(paths, candidate)
		}
	}
	return paths, nil
}

// buildOne runs "/usr/bin/dpkg-buildpackage -us -uc [--host-arch <arch>]"
// in path, extracting the target architecture from debian/control so
// "Architecture: all" packages skip --host-arch.
func (b *Builder) buildOne(ctx context.Context, path string) Result {
	b.logger.Info("building", "path", path)

	arch, err := parseControlArchitecture(filepath.Join(path, "debian", "control"))
	if err != nil {
		return Result{Path: path, Err: ops2deberr.Wrap(ops2deberr.KindBuilder, err, "failed to read debian/control in %s", path)}
	}

	args := []string{"-us", "-uc"}
	if arch != "all" {
		args = append(args, "--host-arch", arch)
	}

	cmd := exec.CommandContext(ctx, "/usr/bin/dpkg-buildpackage", args...)
	cmd.Dir = path
	output, err := cmd.CombinedOutput()
	if err != nil {
		b.logger.Error("build failed", "path", path)
		return Result{Path: path, Output: string(output), Err: ops2deberr.Wrap(ops2deberr.KindBuilder, err, "failed to build package in %s", path)}
	}
	b.logger.Info("build succeeded", "path", path)
	return Result{Path: path, Output: string(output)}
}

// parseControlArchitecture extracts the "Architecture:" field from a
// debian/control file.
func parseControlArchitecture(controlPath string) (string, error) {
	file, err := os.Open(controlPath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "Architecture:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "Architecture:")), nil
		}
	}
	return "", scanner.Err()
}
