// Package materialiser assembles one source package's on-disk tree —
// debian/, src/, fetched/ — from a blueprint, rendering the fixed Debian
// templates and running the blueprint's install and script steps.
//
// The copy/install-step logic generalizes the teacher's
// internal/executor.go copyDir (recursive tree copy preserving symlinks)
// and internal/actions/run_command.go (shell execution via
// exec.CommandContext, captured combined output) from "one recipe step
// against one install directory" to "one blueprint's install/script list
// against a debian/src/fetched layout".
package materialiser

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ops2deb/ops2deb/internal/blueprint"
	"github.com/ops2deb/ops2deb/internal/debian"
	"github.com/ops2deb/ops2deb/internal/fetcher"
	"github.com/ops2deb/ops2deb/internal/log"
	"github.com/ops2deb/ops2deb/internal/ops2deberr"
)

// commonSourceDirs are pre-created under src/ so install steps that write
// into standard FHS locations never need to create their own parents.
var commonSourceDirs = []string{
	"usr/bin",
	"usr/share",
	"usr/lib",
	"etc",
}

// Materialiser builds one package tree per call to Materialise.
type Materialiser struct {
	outputDir string
	logger    log.Logger
}

// New creates a Materialiser rooted at outputDir (the "out/" directory of
// §4.F).
func New(outputDir string, logger log.Logger) *Materialiser {
	if logger == nil {
		logger = log.Default()
	}
	return &Materialiser{outputDir: outputDir, logger: logger}
}

// layout holds the absolute paths computed once per package.
type layout struct {
	packageDir string
	debianDir  string
	sourceDir  string
	fetchDir   string
	tmpDir     string
}

func (m *Materialiser) layoutFor(pkg *blueprint.SourcePackage) layout {
	base := pkg.OutputDirName()
	packageDir := filepath.Join(m.outputDir, base)
	return layout{
		packageDir: packageDir,
		debianDir:  filepath.Join(packageDir, "debian"),
		sourceDir:  filepath.Join(packageDir, "src"),
		fetchDir:   filepath.Join(packageDir, "fetched"),
		tmpDir:     filepath.Join(os.TempDir(), "ops2deb_tmp", base),
	}
}

// Materialise runs the full per-package pipeline of §4.F: init, populate
// the fetched tree, render debian/*, run install steps, run script steps.
// configDir is the directory of the blueprint's source configuration
// file, used as the working directory for install/script steps when no
// fetch happened.
func (m *Materialiser) Materialise(ctx context.Context, pkg *blueprint.SourcePackage, configDir string, result *fetcher.Result) error {
	l := m.layoutFor(pkg)

	if err := m.initLayout(l); err != nil {
		return ops2deberr.Wrap(ops2deberr.KindGenerator, err, "failed to initialise %s", l.packageDir)
	}

	if err := m.populateFetchedTree(l, result); err != nil {
		return ops2deberr.Wrap(ops2deberr.KindGenerator, err, "failed to populate fetched tree for %s", pkg.Slug())
	}

	if err := m.renderDebianFiles(l, pkg.Blueprint); err != nil {
		return ops2deberr.Wrap(ops2deberr.KindGenerator, err, "failed to render debian files for %s", pkg.Slug())
	}

	cwd := configDir
	if result != nil {
		cwd = l.fetchDir
	}

	if err := m.runInstallSteps(l, pkg.Blueprint, cwd); err != nil {
		return ops2deberr.Wrap(ops2deberr.KindGenerator, err, "install step failed for %s", pkg.Slug())
	}

	if err := m.runScriptSteps(ctx, l, pkg.Blueprint, cwd); err != nil {
		return err
	}

	m.logger.Info("materialised package", "slug", pkg.Slug(), "dir", l.packageDir)
	return nil
}

// initLayout implements step 1: remove+recreate debian_dir/source_dir/
// tmp_dir, remove fetch_dir, pre-create standard src subdirectories.
func (m *Materialiser) initLayout(l layout) error {
	for _, dir := range []string{l.debianDir, l.sourceDir, l.tmpDir} {
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := os.RemoveAll(l.fetchDir); err != nil {
		return err
	}
	for _, sub := range commonSourceDirs {
		if err := os.MkdirAll(filepath.Join(l.sourceDir, sub), 0o755); err != nil {
			return err
		}
	}
	return nil
}

// populateFetchedTree implements step 2: copy a fetched file into
// fetch_dir, or mirror a fetched directory into it, tolerating dangling
// symlinks.
func (m *Materialiser) populateFetchedTree(l layout, result *fetcher.Result) error {
	if result == nil {
		return nil
	}

	info, err := os.Stat(result.StoragePath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(l.fetchDir, 0o755); err != nil {
		return err
	}

	if info.IsDir() {
		return copyTree(result.StoragePath, l.fetchDir)
	}
	return copyFile(result.StoragePath, filepath.Join(l.fetchDir, filepath.Base(result.StoragePath)), info.Mode())
}

// renderDebianFiles implements step 3.
func (m *Materialiser) renderDebianFiles(l layout, bp *blueprint.Blueprint) error {
	pkg := debian.PackageDict{
		Name:          bp.Name,
		Version:       bp.Version,
		DebianVersion: bp.DebianVersion(),
		Architecture:  string(bp.Architecture),
		Homepage:      bp.Homepage,
		Summary:       bp.Summary,
		Description:   bp.Description,
		BuildDepends:  bp.BuildDepends,
		Provides:      bp.Provides,
		Depends:       bp.Depends,
		Recommends:    bp.Recommends,
		Replaces:      bp.Replaces,
		Conflicts:     bp.Conflicts,
	}

	changelog, err := debian.RenderChangelog(pkg)
	if err != nil {
		return err
	}
	control, err := debian.RenderControl(pkg)
	if err != nil {
		return err
	}
	lintian, err := debian.RenderLintianOverrides(pkg)
	if err != nil {
		return err
	}

	files := map[string]string{
		"changelog":          changelog,
		"control":            control,
		"rules":              debian.RenderRules(),
		"compat":             debian.RenderCompat(),
		"install":            debian.RenderInstall(),
		"lintian-overrides":  lintian,
	}
	for name, content := range files {
		path := filepath.Join(l.debianDir, name)
		mode := os.FileMode(0o644)
		if name == "rules" {
			mode = 0o755
		}
		if err := os.WriteFile(path, []byte(content), mode); err != nil {
			return err
		}
	}
	return nil
}

// pathVars builds the {src, debian, cwd, tmp} context exposed to
// install/script step templates.
func (m *Materialiser) pathVars(l layout, cwd string) map[string]string {
	return map[string]string{
		"src":    l.sourceDir,
		"debian": l.debianDir,
		"cwd":    cwd,
		"tmp":    l.tmpDir,
	}
}

// resolveDest implements the destination rebasing rule of step 4: an
// absolute destination outside package_dir and outside tmp_dir is
// rebased under source_dir by stripping its leading "/"; a relative
// destination is rebased under package_dir.
func resolveDest(dest string, l layout) string {
	if filepath.IsAbs(dest) {
		if isWithin(dest, l.packageDir) || isWithin(dest, l.tmpDir) {
			return dest
		}
		return filepath.Join(l.sourceDir, strings.TrimPrefix(dest, "/"))
	}
	return filepath.Join(l.packageDir, dest)
}

func isWithin(path, base string) bool {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	absBase, err := filepath.Abs(base)
	if err != nil {
		return false
	}
	return absPath == absBase || strings.HasPrefix(absPath, absBase+string(os.PathSeparator))
}

// runInstallSteps implements step 4.
func (m *Materialiser) runInstallSteps(l layout, bp *blueprint.Blueprint, cwd string) error {
	vars := m.pathVars(l, cwd)

	for _, entry := range bp.Install {
		switch {
		case entry.HereDoc != nil:
			if err := m.installHereDoc(l, bp, entry.HereDoc, vars); err != nil {
				return err
			}
		case entry.Copy != nil:
			if err := m.installCopyPair(l, bp, entry.Copy, cwd, vars); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Materialiser) installHereDoc(l layout, bp *blueprint.Blueprint, doc *blueprint.HereDocument, vars map[string]string) error {
	path, err := bp.RenderString(doc.Path, vars)
	if err != nil {
		return err
	}
	content, err := bp.RenderString(doc.Content, vars)
	if err != nil {
		return err
	}

	dest := resolveDest(path, l)
	if _, err := os.Stat(dest); err == nil {
		return ops2deberr.New(ops2deberr.KindGenerator, "Failed to write %s, file already exists", dest)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dest, []byte(content), 0o644)
}

func (m *Materialiser) installCopyPair(l layout, bp *blueprint.Blueprint, pair *blueprint.CopyPair, cwd string, vars map[string]string) error {
	source, err := bp.RenderString(pair.Source, vars)
	if err != nil {
		return err
	}
	dest, err := bp.RenderString(pair.Destination, vars)
	if err != nil {
		return err
	}

	if !filepath.IsAbs(source) {
		source = filepath.Join(cwd, source)
	}
	info, err := os.Stat(source)
	if err != nil {
		return ops2deberr.New(ops2deberr.KindGenerator, "Source %s does not exist", source)
	}

	destPath := resolveDest(dest, l)
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	if info.IsDir() {
		return copyTree(source, destPath)
	}
	return copyFile(source, destPath, info.Mode())
}

// runScriptSteps implements step 5: each line is rendered and run in a
// shell, with combined output logged; a non-zero exit fails the package
// with GeneratorScriptError.
func (m *Materialiser) runScriptSteps(ctx context.Context, l layout, bp *blueprint.Blueprint, cwd string) error {
	vars := m.pathVars(l, cwd)
	for _, line := range bp.Script {
		rendered, err := bp.RenderString(line, vars)
		if err != nil {
			return ops2deberr.Wrap(ops2deberr.KindGeneratorScript, err, "failed to render script line")
		}

		cmd := exec.CommandContext(ctx, "sh", "-c", rendered)
		cmd.Dir = cwd
		output, err := cmd.CombinedOutput()
		m.logger.Debug("script step", "command", rendered, "output", strings.TrimSpace(string(output)))
		if err != nil {
			return ops2deberr.Wrap(ops2deberr.KindGeneratorScript, err, "command failed: %s\nOutput: %s", rendered, string(output))
		}
	}
	return nil
}

// copyFile copies a single regular file, creating its parent directory.
func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// copyTree mirrors src into dst, preserving symlinks and tolerating
// dangling ones (a symlink whose target does not resolve is still
// recreated as a symlink, never treated as an error).
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if info.Mode()&os.ModeSymlink != 0 {
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			os.Remove(target)
			return os.Symlink(linkTarget, target)
		}

		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}

		return copyFile(path, target, info.Mode())
	})
}
