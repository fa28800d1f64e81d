// Package blueprint implements the validated entity at the center of the
// catalogue: one declarative description of an upstream artifact and the
// Debian metadata needed to turn it into a source package.
package blueprint

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ops2deb/ops2deb/internal/template"
)

// Architecture is one of the four Debian architecture names this system
// understands.
type Architecture string

const (
	ArchAll   Architecture = "all"
	ArchAmd64 Architecture = "amd64"
	ArchArm64 Architecture = "arm64"
	ArchArmhf Architecture = "armhf"
)

var validArchitectures = map[Architecture]bool{
	ArchAll:   true,
	ArchAmd64: true,
	ArchArm64: true,
	ArchArmhf: true,
}

var revisionPattern = regexp.MustCompile(`^[1-9][a-z0-9+~]*$`)

// ArchitectureMap remaps architecture names inside a fetch URL, e.g. so an
// upstream release named "linux-arm" is found for Debian's "armhf".
type ArchitectureMap struct {
	Amd64 string
	Arm64 string
	Armhf string
}

func (m *ArchitectureMap) get(arch Architecture) (string, bool) {
	if m == nil {
		return "", false
	}
	switch arch {
	case ArchAmd64:
		return m.Amd64, m.Amd64 != ""
	case ArchArm64:
		return m.Arm64, m.Arm64 != ""
	case ArchArmhf:
		return m.Armhf, m.Armhf != ""
	default:
		return "", false
	}
}

// Fetch normalises the three-arm sum (absent | URL string | {url, targets})
// from §9 Design Notes into a single internal shape.
type Fetch struct {
	URL     string
	Targets *ArchitectureMap
}

// HereDocument writes literal content to a rendered path.
type HereDocument struct {
	Content string
	Path    string
}

// CopyPair copies a rendered source path to a rendered destination path.
// The source string form is "<source>:<destination>".
type CopyPair struct {
	Source      string
	Destination string
}

// InstallEntry is the tagged union an element of Blueprint.Install holds:
// exactly one of HereDoc or Copy is non-nil.
type InstallEntry struct {
	HereDoc *HereDocument
	Copy    *CopyPair
}

// Matrix expands a blueprint over the Cartesian product of architectures
// and versions; an absent field on either axis falls back to the scalar
// Architecture/Version field.
type Matrix struct {
	Architectures []Architecture
	Versions      []string
}

// Blueprint is the central catalogue entity: a validated, declarative
// description of one Debian source package (or a family of them, via a
// matrix).
type Blueprint struct {
	Name        string
	Matrix      *Matrix
	Version     string
	Revision    string
	Epoch       int
	Architecture Architecture
	Homepage    string
	Summary     string
	Description string

	BuildDepends []string
	Provides     []string
	Depends      []string
	Recommends   []string
	Replaces     []string
	Conflicts    []string

	Fetch   *Fetch
	Install []InstallEntry
	Script  []string

	// UID is assigned across all blueprints loaded in one process, in
	// load order; IndexInFile is the position within its source file.
	UID         int
	IndexInFile int
}

// New returns a Blueprint with defaults applied (Revision "1", Architecture
// "amd64"), matching the zero-value behaviour of the YAML schema.
func New() *Blueprint {
	return &Blueprint{
		Revision:     "1",
		Architecture: ArchAmd64,
	}
}

// Validate enforces the invariants of §3: required fields, mutually
// exclusive matrix/scalar pairs, revision grammar, and architecture
// enumeration. It does not run the template engine; callers invoke Render
// separately so that env() errors surface distinctly from schema errors.
func (b *Blueprint) Validate() error {
	if strings.TrimSpace(b.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(b.Summary) == "" {
		return fmt.Errorf("summary is required")
	}
	if b.Epoch < 0 {
		return fmt.Errorf("epoch must be non-negative")
	}
	if !revisionPattern.MatchString(b.Revision) {
		return fmt.Errorf("revision %q does not match %s", b.Revision, revisionPattern.String())
	}

	hasMatrixVersions := b.Matrix != nil && len(b.Matrix.Versions) > 0
	if hasMatrixVersions && b.Version != "" {
		return fmt.Errorf("'versions' cannot be used with 'version'")
	}
	if !hasMatrixVersions && b.Version == "" {
		return fmt.Errorf("version field is required when versions matrix is not used")
	}
	if hasMatrixVersions {
		b.Version = b.Matrix.Versions[len(b.Matrix.Versions)-1]
	}

	hasMatrixArches := b.Matrix != nil && len(b.Matrix.Architectures) > 0
	if hasMatrixArches && b.Architecture != "" && b.Architecture != ArchAmd64 {
		return fmt.Errorf("'architectures' cannot be used with 'architecture'")
	}
	if b.Architecture == "" {
		b.Architecture = ArchAmd64
	}
	if !hasMatrixArches && !validArchitectures[b.Architecture] {
		return fmt.Errorf("invalid architecture %q", b.Architecture)
	}
	for _, a := range b.matrixArchitectures() {
		if !validArchitectures[a] {
			return fmt.Errorf("invalid architecture %q in matrix", a)
		}
	}
	return nil
}

func (b *Blueprint) matrixArchitectures() []Architecture {
	if b.Matrix == nil {
		return nil
	}
	return b.Matrix.Architectures
}

// RenderStringFields runs the template engine eagerly, once, over
// {name, version, summary, description, homepage} per invariant 2 of §3.
func (b *Blueprint) RenderStringFields() error {
	vars := map[string]string{
		"name":    b.Name,
		"version": b.Version,
		"arch":    string(b.Architecture),
	}
	fields := []*string{&b.Name, &b.Version, &b.Summary, &b.Description, &b.Homepage}
	for _, f := range fields {
		rendered, err := template.Render(*f, vars)
		if err != nil {
			return err
		}
		*f = rendered
	}
	return nil
}

// Architectures returns matrix.architectures if set, otherwise the
// singleton scalar architecture.
func (b *Blueprint) Architectures() []Architecture {
	if b.Matrix != nil && len(b.Matrix.Architectures) > 0 {
		return b.Matrix.Architectures
	}
	return []Architecture{b.Architecture}
}

// Versions returns matrix.versions if set, otherwise the singleton scalar
// version.
func (b *Blueprint) Versions() []string {
	if b.Matrix != nil && len(b.Matrix.Versions) > 0 {
		return b.Matrix.Versions
	}
	return []string{b.Version}
}

// RenderString runs the template engine over s with the blueprint's
// {name, arch, version, target, goarch, rust_target} context merged with
// overrides (src, debian, cwd, tmp, sha256, or an architecture/version
// override).
func (b *Blueprint) RenderString(s string, overrides map[string]string) (string, error) {
	arch := Architecture(overrides["architecture"])
	if arch == "" {
		arch = b.Architecture
	}
	version := overrides["version"]
	if version == "" {
		version = b.Version
	}

	target := string(arch)
	if b.Fetch != nil {
		if mapped, ok := b.Fetch.Targets.get(arch); ok {
			target = mapped
		}
	}

	vars := map[string]string{
		"name":        b.Name,
		"arch":        string(arch),
		"version":     version,
		"target":      target,
		"goarch":      template.DefaultGoarchMap[string(arch)],
		"rust_target": template.DefaultRustTargetMap[string(arch)],
	}
	for k, v := range overrides {
		if k == "architecture" || k == "version" {
			continue
		}
		vars[k] = v
	}
	return template.Render(s, vars)
}

// RenderFetchURL renders the fetch URL for a given version/architecture
// pair, or returns ("", false) if the blueprint has no fetch at all.
func (b *Blueprint) RenderFetchURL(version string, architecture Architecture) (string, bool, error) {
	if b.Fetch == nil {
		return "", false, nil
	}
	overrides := map[string]string{}
	if version != "" {
		overrides["version"] = version
	}
	if architecture != "" {
		overrides["architecture"] = string(architecture)
	}
	rendered, err := b.RenderString(b.Fetch.URL, overrides)
	if err != nil {
		return "", false, err
	}
	return rendered, true, nil
}

// RenderFetchURLs returns the set of URLs produced over
// architectures() x versions(); the slice may contain duplicates and
// may be empty when Fetch is absent.
func (b *Blueprint) RenderFetchURLs() ([]string, error) {
	var urls []string
	for _, arch := range b.Architectures() {
		for _, version := range b.Versions() {
			url, ok, err := b.RenderFetchURL(version, arch)
			if err != nil {
				return nil, err
			}
			if ok && url != "" {
				urls = append(urls, url)
			}
		}
	}
	return urls, nil
}

// RenderFetchURLsForVersion returns the set of URLs produced by pairing
// every matrix architecture with a single given version, for the
// updater's re-pin step. The slice may contain duplicates and may be
// empty when Fetch is absent.
func (b *Blueprint) RenderFetchURLsForVersion(version string) ([]string, error) {
	var urls []string
	for _, arch := range b.Architectures() {
		url, ok, err := b.RenderFetchURL(version, arch)
		if err != nil {
			return nil, err
		}
		if ok && url != "" {
			urls = append(urls, url)
		}
	}
	return urls, nil
}

// DebianVersion formats "[epoch:]version-revision~ops2deb" per §3
// invariant 3, omitting the epoch prefix when it is zero.
func (b *Blueprint) DebianVersion() string {
	if b.Epoch == 0 {
		return fmt.Sprintf("%s-%s~ops2deb", b.Version, b.Revision)
	}
	return fmt.Sprintf("%d:%s-%s~ops2deb", b.Epoch, b.Version, b.Revision)
}
