package configstore

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ops2deb/ops2deb/internal/blueprint"
)

// rawBlueprint mirrors the YAML schema field-for-field; decoding into this
// shape first lets decodeBlueprint apply the three-arm fetch sum and the
// install tagged-union rules explicitly rather than relying on yaml.v3's
// generic unmarshalling for the polymorphic fields.
type rawBlueprint struct {
	Name        string      `yaml:"name"`
	Matrix      *rawMatrix  `yaml:"matrix"`
	Version     string      `yaml:"version"`
	Revision    string      `yaml:"revision"`
	Epoch       int         `yaml:"epoch"`
	Architecture string     `yaml:"architecture"`
	Homepage    string      `yaml:"homepage"`
	Summary     string      `yaml:"summary"`
	Description string      `yaml:"description"`

	BuildDepends []string `yaml:"build_depends"`
	Provides     []string `yaml:"provides"`
	Depends      []string `yaml:"depends"`
	Recommends   []string `yaml:"recommends"`
	Replaces     []string `yaml:"replaces"`
	Conflicts    []string `yaml:"conflicts"`

	Fetch   yaml.Node   `yaml:"fetch"`
	Install []yaml.Node `yaml:"install"`
	Script  []string    `yaml:"script"`
}

type rawMatrix struct {
	Architectures []string `yaml:"architectures"`
	Versions      []string `yaml:"versions"`
}

type rawFetchObject struct {
	URL     string          `yaml:"url"`
	Targets *rawArchMap     `yaml:"targets"`
}

type rawArchMap struct {
	Amd64 string `yaml:"amd64"`
	Arm64 string `yaml:"arm64"`
	Armhf string `yaml:"armhf"`
}

func decodeBlueprint(node *yaml.Node) (*blueprint.Blueprint, error) {
	var raw rawBlueprint
	if err := node.Decode(&raw); err != nil {
		return nil, err
	}

	bp := blueprint.New()
	bp.Name = raw.Name
	bp.Version = raw.Version
	if raw.Revision != "" {
		bp.Revision = raw.Revision
	}
	bp.Epoch = raw.Epoch
	if raw.Architecture != "" {
		bp.Architecture = blueprint.Architecture(raw.Architecture)
	}
	bp.Homepage = raw.Homepage
	bp.Summary = raw.Summary
	bp.Description = raw.Description
	bp.BuildDepends = raw.BuildDepends
	bp.Provides = raw.Provides
	bp.Depends = raw.Depends
	bp.Recommends = raw.Recommends
	bp.Replaces = raw.Replaces
	bp.Conflicts = raw.Conflicts
	bp.Script = raw.Script

	if raw.Matrix != nil {
		m := &blueprint.Matrix{Versions: raw.Matrix.Versions}
		for _, a := range raw.Matrix.Architectures {
			m.Architectures = append(m.Architectures, blueprint.Architecture(a))
		}
		bp.Matrix = m
	}

	fetch, err := decodeFetch(&raw.Fetch)
	if err != nil {
		return nil, err
	}
	bp.Fetch = fetch

	install, err := decodeInstall(raw.Install)
	if err != nil {
		return nil, err
	}
	bp.Install = install

	return bp, nil
}

// decodeFetch normalises the three-arm sum (absent | URL string |
// {url, targets}) per §9 Design Notes.
func decodeFetch(node *yaml.Node) (*blueprint.Fetch, error) {
	if node.Kind == 0 {
		return nil, nil
	}
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value == "" {
			return nil, nil
		}
		return &blueprint.Fetch{URL: node.Value}, nil
	case yaml.MappingNode:
		var raw rawFetchObject
		if err := node.Decode(&raw); err != nil {
			return nil, fmt.Errorf("invalid fetch object: %w", err)
		}
		fetch := &blueprint.Fetch{URL: raw.URL}
		if raw.Targets != nil {
			fetch.Targets = &blueprint.ArchitectureMap{
				Amd64: raw.Targets.Amd64,
				Arm64: raw.Targets.Arm64,
				Armhf: raw.Targets.Armhf,
			}
		}
		return fetch, nil
	default:
		return nil, fmt.Errorf("fetch must be a URL string or an object with a url field")
	}
}

// decodeInstall discriminates the polymorphic install entry: a here-document
// {content, path} mapping, or a copy-pair "<source>:<destination>" string.
func decodeInstall(nodes []yaml.Node) ([]blueprint.InstallEntry, error) {
	entries := make([]blueprint.InstallEntry, 0, len(nodes))
	for i := range nodes {
		node := &nodes[i]
		switch node.Kind {
		case yaml.MappingNode:
			var doc struct {
				Content string `yaml:"content"`
				Path    string `yaml:"path"`
			}
			if err := node.Decode(&doc); err != nil {
				return nil, fmt.Errorf("invalid install here-document: %w", err)
			}
			entries = append(entries, blueprint.InstallEntry{
				HereDoc: &blueprint.HereDocument{Content: doc.Content, Path: doc.Path},
			})
		case yaml.ScalarNode:
			pair, err := parseCopyPair(node.Value)
			if err != nil {
				return nil, err
			}
			entries = append(entries, blueprint.InstallEntry{Copy: pair})
		default:
			return nil, fmt.Errorf("invalid install entry: must be a here-document or \"source:destination\" string")
		}
	}
	return entries, nil
}

func parseCopyPair(s string) (*blueprint.CopyPair, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("install entry %q must have one ':' separator", s)
	}
	return &blueprint.CopyPair{Source: parts[0], Destination: parts[1]}, nil
}
