package blueprint

import "fmt"

// SourcePackage is one (name, debian_version, architecture) descriptor
// produced by expanding a Blueprint over architectures() x versions(). It
// carries the scalar blueprint that §4.F's materialiser consumes after
// matrix expansion.
type SourcePackage struct {
	Blueprint    *Blueprint
	Architecture Architecture
	Version      string
}

// Expand produces one SourcePackage per (arch, version) pair in the
// Cartesian product of b.Architectures() x b.Versions(). Each descriptor
// carries a shallow-copied singleton-matrix blueprint so downstream code
// (the materialiser) is oblivious to whether the source had a matrix.
func Expand(b *Blueprint) []*SourcePackage {
	var packages []*SourcePackage
	for _, arch := range b.Architectures() {
		for _, version := range b.Versions() {
			scalar := *b
			scalar.Matrix = nil
			scalar.Architecture = arch
			scalar.Version = version
			packages = append(packages, &SourcePackage{
				Blueprint:    &scalar,
				Architecture: arch,
				Version:      version,
			})
		}
	}
	return packages
}

// Slug identifies a descriptor as "{name}_{debian_version}_{arch}", the key
// the delta engine uses to compare a generated package against an APT
// repository's Packages index.
func (p *SourcePackage) Slug() string {
	return fmt.Sprintf("%s_%s_%s", p.Blueprint.Name, p.Blueprint.DebianVersion(), p.Architecture)
}

// OutputDirName identifies a descriptor as "{name}_{version}_{arch}", the
// materialiser's on-disk output directory under out/. Unlike Slug, this
// uses the scalar upstream Version, not the Debian revision/epoch-qualified
// DebianVersion — the two formats are deliberately different.
func (p *SourcePackage) OutputDirName() string {
	return fmt.Sprintf("%s_%s_%s", p.Blueprint.Name, p.Version, p.Architecture)
}
