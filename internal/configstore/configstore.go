// Package configstore loads and saves the YAML catalogue of blueprints: it
// resolves the glob of configuration files, parses each into validated
// Blueprints while retaining the raw yaml.Node document for round-tripping
// comments and key order, and locates each file's associated lockfile.
//
// The round-tripping facility generalizes the node-walking idiom of
// newstack-cloud-bluelink's schema package (decode into a typed shape
// while keeping a *yaml.Node handle for structural mutation) to ops2deb's
// catalogue-rewrite needs.
package configstore

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ops2deb/ops2deb/internal/blueprint"
	"github.com/ops2deb/ops2deb/internal/lockfile"
	"github.com/ops2deb/ops2deb/internal/ops2deberr"
)

var lockfileCommentPattern = regexp.MustCompile(`^#\s*lockfile=(.+)$`)

// ConfigurationFile is a loaded YAML document plus the bookkeeping the
// updater needs to rewrite it in place and the rest of the pipeline needs
// to locate its blueprints and lockfile.
type ConfigurationFile struct {
	Path         string
	LockfilePath string
	Root         *yaml.Node // document root; a sequence or a single mapping
	Blueprints   []*blueprint.Blueprint
	Tainted      bool

	// LegacyFetchDigests are URL/digest pairs recovered from a
	// pre-lockfile fetch.sha256 map during Migrate, still awaiting a
	// Lock.Add once LoadResources has a lockfile to pin them into.
	LegacyFetchDigests []lockfile.UrlAndHash
}

// Resources is the aggregate returned by loading the catalogue: every
// configuration file, every distinct lockfile, the union of blueprints,
// and the per-blueprint back-reference to its owning file and lockfile.
type Resources struct {
	Files      []*ConfigurationFile
	Lockfiles  []*lockfile.Lock
	Blueprints []*blueprint.Blueprint

	fileByUID     map[int]*ConfigurationFile
	lockfileByUID map[int]*lockfile.Lock
}

// FileFor returns the configuration file that owns the blueprint with the
// given uid.
func (r *Resources) FileFor(uid int) *ConfigurationFile {
	return r.fileByUID[uid]
}

// LockfileFor returns the lockfile associated with the blueprint with the
// given uid.
func (r *Resources) LockfileFor(uid int) *lockfile.Lock {
	return r.lockfileByUID[uid]
}

// LoadResources expands globPattern recursively, parses every matching
// file into blueprints, loads each distinct lockfile once, and assigns
// monotonically increasing uids across all blueprints in load order.
func LoadResources(globPattern string) (*Resources, error) {
	paths, err := expandGlob(globPattern)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, ops2deberr.New(ops2deberr.KindParser, "no configuration files matched %q", globPattern)
	}

	resources := &Resources{
		fileByUID:     make(map[int]*ConfigurationFile),
		lockfileByUID: make(map[int]*lockfile.Lock),
	}
	locksByPath := make(map[string]*lockfile.Lock)
	uid := 0

	for _, path := range paths {
		file, err := loadFile(path)
		if err != nil {
			return nil, err
		}

		lock, ok := locksByPath[file.LockfilePath]
		if !ok {
			lock, err = lockfile.Load(file.LockfilePath)
			if err != nil {
				return nil, err
			}
			locksByPath[file.LockfilePath] = lock
			resources.Lockfiles = append(resources.Lockfiles, lock)
		}
		if len(file.LegacyFetchDigests) > 0 {
			lock.Add(file.LegacyFetchDigests)
		}

		for _, bp := range file.Blueprints {
			bp.UID = uid
			resources.fileByUID[uid] = file
			resources.lockfileByUID[uid] = lock
			resources.Blueprints = append(resources.Blueprints, bp)
			uid++
		}
		resources.Files = append(resources.Files, file)
	}

	return resources, nil
}

// Save writes only tainted configuration files and lockfiles, per the
// "saved once at the end of a process" ownership rule of §5.
func (r *Resources) Save() error {
	for _, file := range r.Files {
		if !file.Tainted {
			continue
		}
		if err := saveFile(file); err != nil {
			return err
		}
		file.Tainted = false
	}
	for _, lock := range r.Lockfiles {
		if err := lock.Save(); err != nil {
			return err
		}
	}
	return nil
}

func expandGlob(pattern string) ([]string, error) {
	dir, base := splitGlobRoot(pattern)
	var matches []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ok, matchErr := filepath.Match(base, d.Name())
		if matchErr != nil {
			return matchErr
		}
		if !ok {
			return nil
		}
		if strings.HasSuffix(path, ".lock.yml") {
			return nil
		}
		matches = append(matches, path)
		return nil
	})
	if err != nil {
		return nil, ops2deberr.Wrap(ops2deberr.KindParser, err, "failed to expand configuration glob %q", pattern)
	}
	sort.Strings(matches)
	return matches, nil
}

// splitGlobRoot separates a pattern like "config/**/*.yml" into a root
// directory to walk and the base filename pattern to match, since
// filepath.Glob has no recursive "**" support.
func splitGlobRoot(pattern string) (dir, base string) {
	base = filepath.Base(pattern)
	dir = filepath.Dir(pattern)
	if dir == "" {
		dir = "."
	}
	dir = strings.ReplaceAll(dir, "**", "")
	dir = filepath.Clean(dir)
	return dir, base
}

func loadFile(path string) (*ConfigurationFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ops2deberr.New(ops2deberr.KindParser, "file not found: %s", path)
		}
		return nil, ops2deberr.Wrap(ops2deberr.KindParser, err, "failed to read configuration file").WithContext(path)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, ops2deberr.Wrap(ops2deberr.KindParser, err, "invalid YAML file").WithContext(path)
	}
	if len(root.Content) == 0 {
		return nil, ops2deberr.New(ops2deberr.KindParser, "empty configuration file").WithContext(path)
	}

	docRoot := root.Content[0]
	migrated, legacyDigests := Migrate(docRoot)

	blueprints, err := decodeBlueprints(docRoot, path)
	if err != nil {
		return nil, err
	}

	return &ConfigurationFile{
		Path:               path,
		LockfilePath:       resolveLockfilePath(path, data),
		Root:               &root,
		Blueprints:         blueprints,
		Tainted:            migrated,
		LegacyFetchDigests: legacyDigests,
	}, nil
}

// resolveLockfilePath implements §4.C step 2: a first-line comment
// "# lockfile=<path>" redirects the lockfile, resolved relative to the
// configuration file; otherwise the default "<name>.lock.yml" is used.
func resolveLockfilePath(configPath string, data []byte) string {
	firstLine := data
	if idx := strings.IndexByte(string(data), '\n'); idx >= 0 {
		firstLine = data[:idx]
	}
	trimmed := strings.TrimSpace(string(firstLine))
	if m := lockfileCommentPattern.FindStringSubmatch(trimmed); m != nil {
		rel := strings.TrimSpace(m[1])
		if filepath.IsAbs(rel) {
			return rel
		}
		return filepath.Join(filepath.Dir(configPath), rel)
	}

	ext := filepath.Ext(configPath)
	base := strings.TrimSuffix(filepath.Base(configPath), ext)
	return filepath.Join(filepath.Dir(configPath), base+".lock.yml")
}

func decodeBlueprints(docRoot *yaml.Node, path string) ([]*blueprint.Blueprint, error) {
	var rawList []*yaml.Node
	switch docRoot.Kind {
	case yaml.SequenceNode:
		rawList = docRoot.Content
	case yaml.MappingNode:
		rawList = []*yaml.Node{docRoot}
	default:
		return nil, ops2deberr.New(ops2deberr.KindParser, "configuration document must be a mapping or a list of mappings").WithContext(path)
	}

	blueprints := make([]*blueprint.Blueprint, 0, len(rawList))
	for index, node := range rawList {
		bp, err := decodeBlueprint(node)
		if err != nil {
			return nil, ops2deberr.Wrap(ops2deberr.KindParser, err, "invalid configuration file").WithContext(fmt.Sprintf("%s[%d]", path, index))
		}
		if err := bp.Validate(); err != nil {
			return nil, ops2deberr.Wrap(ops2deberr.KindParser, err, "invalid configuration file").WithContext(fmt.Sprintf("%s[%d]", path, index))
		}
		if err := bp.RenderStringFields(); err != nil {
			return nil, ops2deberr.Wrap(ops2deberr.KindParser, err, "failed to render blueprint fields").WithContext(fmt.Sprintf("%s[%d]", path, index))
		}
		bp.IndexInFile = index
		blueprints = append(blueprints, bp)
	}
	return blueprints, nil
}

func saveFile(file *ConfigurationFile) error {
	data, err := yaml.Marshal(file.Root)
	if err != nil {
		return ops2deberr.Wrap(ops2deberr.KindParser, err, "failed to serialise configuration file").WithContext(file.Path)
	}
	tmp := file.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return ops2deberr.Wrap(ops2deberr.KindParser, err, "failed to write configuration file").WithContext(file.Path)
	}
	if err := os.Rename(tmp, file.Path); err != nil {
		return ops2deberr.Wrap(ops2deberr.KindParser, err, "failed to commit configuration file").WithContext(file.Path)
	}
	return nil
}
