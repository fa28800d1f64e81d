package configstore

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/ops2deb/ops2deb/internal/blueprint"
)

// UpdateVersion implements the updater's §4.H node-mutation step (the only
// node-mutation pathway in the system): it rewrites the raw YAML blueprint
// node in place to pin a newly discovered version, following the
// max_versions==1 vs >1 branching rules, and marks the owning file
// tainted. It returns the versions the rewrite dropped, whose lockfile
// entries the caller must remove.
func UpdateVersion(file *ConfigurationFile, bp *blueprint.Blueprint, newVersion string, maxVersions int) ([]string, error) {
	node := blueprintNode(file, bp.IndexInFile)
	if node == nil {
		return nil, fmt.Errorf("blueprint %q not found in %s", bp.Name, file.Path)
	}

	var removed []string
	if maxVersions <= 1 {
		matrixNode := mappingValue(node, "matrix")
		if matrixNode != nil {
			if versionsNode := mappingValue(matrixNode, "versions"); versionsNode != nil {
				removed = scalarValues(versionsNode)
				removeMappingKey(matrixNode, "versions")
				if len(matrixNode.Content) == 0 {
					removeMappingKey(node, "matrix")
				}
			}
		}
		if removed == nil {
			removed = []string{bp.Version}
		}
		setMappingValue(node, "version", scalarNode(newVersion))
		removeMappingKey(node, "revision")
		reorderKeysFirst(node, "name", "matrix", "version")
	} else {
		matrixNode := mappingValue(node, "matrix")
		if matrixNode != nil {
			if versionsNode := mappingValue(matrixNode, "versions"); versionsNode != nil {
				existing := scalarValues(versionsNode)
				if len(existing)-maxVersions >= 0 {
					cut := len(existing) - maxVersions + 1
					removed = append([]string{}, existing[:cut]...)
					kept := existing[len(existing)-(maxVersions-1):]
					versionsNode.Content = make([]*yaml.Node, 0, len(kept))
					for _, v := range kept {
						versionsNode.Content = append(versionsNode.Content, scalarNode(v))
					}
				}
			}
		}
		if matrixNode == nil {
			matrixNode = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			setMappingValue(node, "matrix", matrixNode)
			reorderKeysFirst(node, "name", "matrix")
		}
		versionsNode := mappingValue(matrixNode, "versions")
		if versionsNode == nil {
			versionsNode = &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
			versionsNode.Content = append(versionsNode.Content, scalarNode(bp.Version))
			setMappingValue(matrixNode, "versions", versionsNode)
		}
		versionsNode.Content = append(versionsNode.Content, scalarNode(newVersion))
		removeMappingKey(node, "version")
	}

	file.Tainted = true
	return removed, nil
}

// blueprintNode locates the raw mapping node for the blueprint at
// indexInFile within a loaded configuration document (a single mapping, or
// a sequence of mappings).
func blueprintNode(file *ConfigurationFile, indexInFile int) *yaml.Node {
	docRoot := file.Root.Content[0]
	switch docRoot.Kind {
	case yaml.SequenceNode:
		if indexInFile < 0 || indexInFile >= len(docRoot.Content) {
			return nil
		}
		return docRoot.Content[indexInFile]
	case yaml.MappingNode:
		if indexInFile != 0 {
			return nil
		}
		return docRoot
	default:
		return nil
	}
}

func scalarValues(seq *yaml.Node) []string {
	values := make([]string, 0, len(seq.Content))
	for _, n := range seq.Content {
		values = append(values, n.Value)
	}
	return values
}

func scalarNode(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
}

// reorderKeysFirst moves each of keys (in the given order, skipping absent
// ones) to the front of mapping's content, preserving the relative order
// of everything else.
func reorderKeysFirst(mapping *yaml.Node, keys ...string) {
	content := mapping.Content
	type kv struct{ k, v *yaml.Node }
	pairs := make([]kv, 0, len(content)/2)
	for i := 0; i+1 < len(content); i += 2 {
		pairs = append(pairs, kv{content[i], content[i+1]})
	}

	used := make([]bool, len(pairs))
	front := make([]kv, 0, len(keys))
	for _, key := range keys {
		for i, p := range pairs {
			if !used[i] && p.k.Value == key {
				front = append(front, p)
				used[i] = true
				break
			}
		}
	}
	rest := make([]kv, 0, len(pairs))
	for i, p := range pairs {
		if !used[i] {
			rest = append(rest, p)
		}
	}

	ordered := append(front, rest...)
	newContent := make([]*yaml.Node, 0, len(content))
	for _, p := range ordered {
		newContent = append(newContent, p.k, p.v)
	}
	mapping.Content = newContent
}
