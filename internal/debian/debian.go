// Package debian renders the fixed Debian source-package templates
// (changelog, control, rules, compat, install, lintian-overrides) from a
// single blueprint/version/architecture descriptor. The templates
// themselves are ops2deb's own static Debian policy boilerplate, not
// user-authored blueprint templates, so they are rendered with Go's
// text/template rather than the internal/template engine.
package debian

import (
	"sort"
	"strings"
	"text/template"
)

// Maintainer is the fixed packager identity stamped into every generated
// control file and changelog entry.
const Maintainer = "ops2deb <ops2deb@upciti.com>"

// ChangelogDate is the fixed RFC 2822 date stamped into every generated
// changelog entry. ops2deb packages are a deterministic function of a
// blueprint and its pinned digests; a wall-clock timestamp would make two
// builds of the same blueprint produce byte-different .deb files.
const ChangelogDate = "Tue, 07 May 2019 20:31:30 +0000"

// StandardsVersion is the Debian Policy version every generated package
// declares conformance to.
const StandardsVersion = "3.9.6"

// PackageDict holds every blueprint field the debian/* templates need,
// i.e. every field of Blueprint except fetch and script.
type PackageDict struct {
	Name         string
	Version      string
	DebianVersion string
	Architecture string
	Homepage     string
	Summary      string
	Description  string

	BuildDepends []string
	Provides     []string
	Depends      []string
	Recommends   []string
	Replaces     []string
	Conflicts    []string
}

func sortedJoin(items []string) string {
	cp := append([]string(nil), items...)
	sort.Strings(cp)
	return strings.Join(cp, ", ")
}

var funcMap = template.FuncMap{
	"sortedJoin": sortedJoin,
}

var changelogTemplate = template.Must(template.New("changelog").Parse(
	`{{ .Name }} ({{ .DebianVersion }}) stable; urgency=medium

  * Release {{ .Version }}

 -- ` + Maintainer + `  {{ .Date }}
`))

var compatTemplate = "10\n"

var controlTemplate = template.Must(template.New("control").Funcs(funcMap).Parse(
	`Source: {{ .Name }}
Priority: optional
Maintainer: ` + Maintainer + `
Build-Depends: debhelper{{ if .BuildDepends }}, {{ sortedJoin .BuildDepends }}{{ end }}
Standards-Version: ` + StandardsVersion + `
{{- if .Homepage }}
Homepage: {{ .Homepage }}
{{- end }}

Package: {{ .Name }}
Architecture: {{ .Architecture }}
{{- if .Provides }}
Provides: {{ sortedJoin .Provides }}
{{- end }}
{{- if .Depends }}
Depends: {{ sortedJoin .Depends }}
{{- end }}
{{- if .Recommends }}
Recommends: {{ sortedJoin .Recommends }}
{{- end }}
{{- if .Replaces }}
Replaces: {{ sortedJoin .Replaces }}
{{- end }}
{{- if .Conflicts }}
Conflicts: {{ sortedJoin .Conflicts }}
{{- end }}
Description: {{ .Summary }}
{{ .DescriptionBody }}`))

var installTemplate = "src/* /\n"

var lintianOverridesTemplate = template.Must(template.New("lintian-overrides").Parse(
	`{{ .Name }}: statically-linked-binary
{{ .Name }}: binary-without-manpage
`))

var rulesTemplate = `#!/usr/bin/make -f

%:
	dh $@

override_dh_shlibdeps:
	true

override_dh_strip:
	dh_strip --no-ddebs

override_dh_builddeb:
	dh_builddeb -- -Zxz
`

type changelogData struct {
	PackageDict
	Date string
}

type controlData struct {
	PackageDict
	DescriptionBody string
}

// descriptionBody formats the multi-line description, indenting each line
// with a single space and replacing blank lines with ".", per the Debian
// control file grammar in §6.
func descriptionBody(description string) string {
	if description == "" {
		return ""
	}
	lines := strings.Split(description, "\n")
	out := make([]string, len(lines))
	for i, line := range lines {
		if line == "" {
			out[i] = " ."
		} else {
			out[i] = " " + line
		}
	}
	return strings.Join(out, "\n")
}

// RenderChangelog renders debian/changelog.
func RenderChangelog(pkg PackageDict) (string, error) {
	var sb strings.Builder
	data := changelogData{PackageDict: pkg, Date: ChangelogDate}
	if err := changelogTemplate.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// RenderCompat renders debian/compat.
func RenderCompat() string {
	return compatTemplate
}

// RenderControl renders debian/control.
func RenderControl(pkg PackageDict) (string, error) {
	var sb strings.Builder
	data := controlData{PackageDict: pkg, DescriptionBody: descriptionBody(pkg.Description)}
	if err := controlTemplate.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// RenderInstall renders debian/install.
func RenderInstall() string {
	return installTemplate
}

// RenderLintianOverrides renders debian/lintian-overrides.
func RenderLintianOverrides(pkg PackageDict) (string, error) {
	var sb strings.Builder
	if err := lintianOverridesTemplate.Execute(&sb, pkg); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// RenderRules renders debian/rules.
func RenderRules() string {
	return rulesTemplate
}
