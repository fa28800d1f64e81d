// Package delta compares a loaded blueprint catalogue's expansion
// against a remote APT repository's package list, reporting what the
// catalogue would add or what the repository has lost.
package delta

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/ops2deb/ops2deb/internal/apt"
	"github.com/ops2deb/ops2deb/internal/blueprint"
)

// Entry is one (name, debian_version, architecture) slug, split back into
// its three fields for display.
type Entry struct {
	Name         string
	Version      string
	Architecture string
}

// State is the result of comparing a catalogue's closure to a repository's
// package list: Added is published by the catalogue but missing from the
// repository, Removed is published by the repository but gone from the
// catalogue.
type State struct {
	Added   []Entry
	Removed []Entry
}

// Compute implements §4.I: expand every blueprint over its matrix, slug
// both sides as "{name}_{debian_version}_{arch}", and set-difference them.
func Compute(blueprints []*blueprint.Blueprint, packages []apt.Package) State {
	blueprintSlugs := make(map[string]bool)
	for _, bp := range blueprints {
		for _, pkg := range blueprint.Expand(bp) {
			blueprintSlugs[pkg.Slug()] = true
		}
	}

	packageSlugs := make(map[string]bool, len(packages))
	for _, p := range packages {
		packageSlugs[fmt.Sprintf("%s_%s_%s", p.Name, p.Version, p.Architecture)] = true
	}

	var added, removed []Entry
	for slug := range blueprintSlugs {
		if !packageSlugs[slug] {
			added = append(added, parseSlug(slug))
		}
	}
	for slug := range packageSlugs {
		if !blueprintSlugs[slug] {
			removed = append(removed, parseSlug(slug))
		}
	}

	sortEntries(added)
	sortEntries(removed)

	return State{Added: added, Removed: removed}
}

// parseSlug splits "{name}_{debian_version}_{arch}" back into its three
// fields. Debian package names and versions never contain underscores,
// so a plain three-way split is exact.
func parseSlug(slug string) Entry {
	parts := strings.SplitN(slug, "_", 3)
	if len(parts) != 3 {
		return Entry{Name: slug}
	}
	return Entry{Name: parts[0], Version: parts[1], Architecture: parts[2]}
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		if entries[i].Version != entries[j].Version {
			return entries[i].Version < entries[j].Version
		}
		return entries[i].Architecture < entries[j].Architecture
	})
}

// jsonDocument is the §4.I JSON output shape: {added:[…], removed:[…]}.
type jsonDocument struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

func slugsOf(entries []Entry) []string {
	slugs := make([]string, 0, len(entries))
	for _, e := range entries {
		slugs = append(slugs, fmt.Sprintf("%s_%s_%s", e.Name, e.Version, e.Architecture))
	}
	return slugs
}

// WriteJSON writes the §4.I JSON document {added:[…], removed:[…]}.
func (s State) WriteJSON(w io.Writer) error {
	doc := jsonDocument{Added: slugsOf(s.Added), Removed: slugsOf(s.Removed)}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(doc)
}

// WriteTable renders a terminal table of added/removed packages.
func (s State) WriteTable(w io.Writer) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"State", "Name", "Version", "Architecture"})
	for _, e := range s.Added {
		t.AppendRow(table.Row{"added", e.Name, e.Version, e.Architecture})
	}
	for _, e := range s.Removed {
		t.AppendRow(table.Row{"removed", e.Name, e.Version, e.Architecture})
	}
	t.Render()
}

// IsEmpty reports whether the catalogue and repository are in sync.
func (s State) IsEmpty() bool {
	return len(s.Added) == 0 && len(s.Removed) == 0
}
