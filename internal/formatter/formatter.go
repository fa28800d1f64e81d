// Package formatter re-serialises loaded configuration files through
// configstore's YAML writer and reports which ones changed, implementing
// the "ops2deb format" check-or-rewrite pass.
package formatter

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ops2deb/ops2deb/internal/configstore"
	"github.com/ops2deb/ops2deb/internal/ops2deberr"
)

// Result records whether one configuration file's on-disk bytes changed
// after reformatting.
type Result struct {
	Path    string
	Changed bool
}

// Format re-serialises every file in resources and rewrites it in place
// when the formatted bytes differ from what's on disk. It is idempotent:
// running it twice in a row never reports a change on the second pass.
func Format(resources *configstore.Resources) ([]Result, error) {
	results := make([]Result, 0, len(resources.Files))
	for _, file := range resources.Files {
		result, err := formatFile(file)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

func formatFile(file *configstore.ConfigurationFile) (Result, error) {
	original, err := os.ReadFile(file.Path)
	if err != nil {
		return Result{}, ops2deberr.Wrap(ops2deberr.KindFormatter, err, "failed to read configuration file").WithContext(file.Path)
	}

	formatted, err := yaml.Marshal(file.Root)
	if err != nil {
		return Result{}, ops2deberr.Wrap(ops2deberr.KindFormatter, err, "failed to serialise configuration file").WithContext(file.Path)
	}

	changed := string(formatted) != string(original)
	if changed {
		tmp := file.Path + ".tmp"
		if err := os.WriteFile(tmp, formatted, 0o644); err != nil {
			return Result{}, ops2deberr.Wrap(ops2deberr.KindFormatter, err, "failed to write configuration file").WithContext(file.Path)
		}
		if err := os.Rename(tmp, file.Path); err != nil {
			return Result{}, ops2deberr.Wrap(ops2deberr.KindFormatter, err, "failed to commit configuration file").WithContext(file.Path)
		}
	}

	return Result{Path: file.Path, Changed: changed}, nil
}

// AnyChanged reports whether at least one file was reformatted, the
// signal the CLI uses to decide whether "format --check" should fail.
func AnyChanged(results []Result) bool {
	for _, r := range results {
		if r.Changed {
			return true
		}
	}
	return false
}
