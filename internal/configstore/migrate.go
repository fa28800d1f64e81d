package configstore

import (
	"gopkg.in/yaml.v3"

	"github.com/ops2deb/ops2deb/internal/lockfile"
	"github.com/ops2deb/ops2deb/internal/template"
)

// urlAndHash adapts a rendered legacy fetch URL and its embedded digest to
// lockfile.UrlAndHash.
type urlAndHash struct {
	url    string
	sha256 string
}

func (u urlAndHash) GetURL() string    { return u.url }
func (u urlAndHash) GetSHA256() string { return u.sha256 }

// Migrate rewrites legacy blueprint shapes in place on the raw document,
// before decoding, so older catalogues keep loading. It mirrors
// migrate_blueprint's two rules: an embedded fetch.sha256 map (the
// pre-lockfile pinning mechanism) becomes a matrix over its keys, and a
// fetch object with no "targets" collapses back to a bare URL string.
//
// Before a sha256 value is stripped, Migrate renders the blueprint's
// pre-migration fetch URL for every architecture it covers and pairs it
// with the embedded digest, mirroring migrate_configuration_file's
// render-then-lock.add step: the caller must pin these into the lockfile
// before the legacy digest is gone for good, or the next fetch of that URL
// has nothing to verify against and silently re-trusts whatever bytes
// upstream returns.
//
// It also reports whether anything on the document was actually
// rewritten, so a loaded file picking up a legacy shape gets marked for a
// rewrite on save.
func Migrate(root *yaml.Node) (bool, []lockfile.UrlAndHash) {
	changed := false
	var digests []lockfile.UrlAndHash
	switch root.Kind {
	case yaml.DocumentNode:
		for _, child := range root.Content {
			c, d := Migrate(child)
			changed = changed || c
			digests = append(digests, d...)
		}
	case yaml.SequenceNode:
		for _, child := range root.Content {
			c, d := migrateBlueprintNode(child)
			changed = changed || c
			digests = append(digests, d...)
		}
	case yaml.MappingNode:
		c, d := migrateBlueprintNode(root)
		changed = changed || c
		digests = append(digests, d...)
	}
	return changed, digests
}

func migrateBlueprintNode(blueprintNode *yaml.Node) (bool, []lockfile.UrlAndHash) {
	if blueprintNode.Kind != yaml.MappingNode {
		return false, nil
	}
	fetchNode := mappingValue(blueprintNode, "fetch")
	if fetchNode == nil || fetchNode.Kind != yaml.MappingNode {
		return false, nil
	}

	changed := false
	var digests []lockfile.UrlAndHash

	sha256Node := mappingValue(fetchNode, "sha256")
	if sha256Node != nil {
		if urlNode := mappingValue(fetchNode, "url"); urlNode != nil {
			digests = renderLegacyDigests(blueprintNode, urlNode.Value, sha256Node)
		}
		removeMappingKey(fetchNode, "sha256")
		if sha256Node.Kind == yaml.MappingNode {
			archs := mappingKeys(sha256Node)
			setMappingValue(blueprintNode, "matrix", matrixArchitecturesNode(archs))
		}
		changed = true
	}

	if mappingValue(fetchNode, "targets") == nil {
		if urlNode := mappingValue(fetchNode, "url"); urlNode != nil {
			replaceMappingValue(blueprintNode, "fetch", &yaml.Node{
				Kind:  yaml.ScalarNode,
				Tag:   "!!str",
				Value: urlNode.Value,
			})
			changed = true
		}
	}

	return changed, digests
}

// renderLegacyDigests renders the pre-migration fetch URL once per
// architecture named in sha256Node (a mapping of arch -> digest) or once
// for a bare scalar digest applying to the blueprint's single
// architecture, pairing each rendered URL with its embedded digest.
func renderLegacyDigests(blueprintNode *yaml.Node, urlTemplate string, sha256Node *yaml.Node) []lockfile.UrlAndHash {
	name := scalarValue(blueprintNode, "name")
	version := scalarValue(blueprintNode, "version")

	render := func(arch string) (string, error) {
		vars := map[string]string{
			"name":        name,
			"version":     version,
			"arch":        arch,
			"target":      arch,
			"goarch":      template.DefaultGoarchMap[arch],
			"rust_target": template.DefaultRustTargetMap[arch],
		}
		return template.Render(urlTemplate, vars)
	}

	var digests []lockfile.UrlAndHash
	switch sha256Node.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(sha256Node.Content); i += 2 {
			arch := sha256Node.Content[i].Value
			sha := sha256Node.Content[i+1].Value
			url, err := render(arch)
			if err != nil || url == "" {
				continue
			}
			digests = append(digests, urlAndHash{url: url, sha256: sha})
		}
	case yaml.ScalarNode:
		arch := scalarValue(blueprintNode, "architecture")
		if arch == "" {
			arch = "amd64"
		}
		url, err := render(arch)
		if err == nil && url != "" {
			digests = append(digests, urlAndHash{url: url, sha256: sha256Node.Value})
		}
	}
	return digests
}

func scalarValue(mapping *yaml.Node, key string) string {
	if v := mappingValue(mapping, key); v != nil {
		return v.Value
	}
	return ""
}

func mappingValue(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

func mappingKeys(mapping *yaml.Node) []string {
	keys := make([]string, 0, len(mapping.Content)/2)
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		keys = append(keys, mapping.Content[i].Value)
	}
	return keys
}

func removeMappingKey(mapping *yaml.Node, key string) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			mapping.Content = append(mapping.Content[:i], mapping.Content[i+2:]...)
			return
		}
	}
}

func setMappingValue(mapping *yaml.Node, key string, value *yaml.Node) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			mapping.Content[i+1] = value
			return
		}
	}
	mapping.Content = append(mapping.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, value)
}

func replaceMappingValue(mapping *yaml.Node, key string, value *yaml.Node) {
	setMappingValue(mapping, key, value)
}

func matrixArchitecturesNode(architectures []string) *yaml.Node {
	seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	for _, a := range architectures {
		seq.Content = append(seq.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: a})
	}
	mapping := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	mapping.Content = append(mapping.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "architectures"}, seq)
	return mapping
}
