package model

// UnbuildableReason enumerates why a package is not buildable, per
// original_source/libbrep/common.hxx and spec §3.
type UnbuildableReason string

const (
	UnbuildableStub          UnbuildableReason = "stub"
	UnbuildableTest          UnbuildableReason = "test"
	UnbuildableExternal      UnbuildableReason = "external"
	UnbuildableUnbuildableConfig UnbuildableReason = "unbuildable-config"
)

// DependencyConstraint restricts a dependency to a version range. An empty
// Comparator means "any version".
type DependencyConstraint struct {
	Comparator string // e.g. "==", ">=", "~", "^"
	Version    Version
}

// Dependency is a single concrete dependency reference within an
// alternative. Resolved lazily: ResolvedPackage is nil until the loader's
// dependency-resolution pass fills it in.
type Dependency struct {
	Name             string
	Constraint       *DependencyConstraint
	ResolvedPackage  *PackageID
}

// DependencyAlternative is one alternative way to satisfy a dependency
// group (e.g. "libfoo | libbar").
type DependencyAlternative struct {
	Dependencies []Dependency
}

// DependencyGroup is a sequence of alternatives, any one of which must be
// satisfied. Package.Dependencies and Package.Tests are both sequences of
// groups, per spec §3.
type DependencyGroup struct {
	Alternatives []DependencyAlternative
	// Conditional groups are only required under a build configuration
	// condition; unresolved conditional dependencies can optionally be
	// ignored (spec §4.1, §9).
	Conditional bool
}

// PackageConfig is a named build variant declared in a package's manifest,
// per the Glossary.
type PackageConfig struct {
	Name          string
	Arguments     string
	Emails        PackageEmails
	BuildConstraints []string
	BotKeys       []string // fingerprints explicitly opted in for custom bots
}

// PackageEmails carries the effective build/warning/error notification
// addresses for a package or package configuration.
type PackageEmails struct {
	Build   *string
	Warning *string
	Error   *string
}

// Package is the normalized package-graph node, per spec §3.
type Package struct {
	ID PackageID

	UpstreamVersion *string
	Project         string
	Summary         string
	LicenseAlternatives [][]string
	Topics          []string
	Keywords        []string
	Description     *string
	Changes         *string
	URLs            map[string]string
	Emails          PackageEmails

	Dependencies []DependencyGroup
	Requirements []DependencyGroup
	Tests        []DependencyGroup

	Builds            []string
	BuildConstraints  []string
	BuildAuxiliaries  []string
	BuildBotKeys      []string
	BuildConfigs      []PackageConfig

	Location *string
	Fragment *string
	SHA256Sum *string

	// InternalRepository is non-nil iff the package is internal.
	InternalRepository *RepositoryID
	OtherRepositories  []RepositoryID

	Buildable         bool
	UnbuildableReason *UnbuildableReason

	// CustomBot reflects whether every package configuration requires a
	// custom (non-trusted) bot key (true), none do (false), or they're
	// mixed (nil), per spec §3.
	CustomBot *bool
}

// IsInternal reports whether the package is internal (spec §3: "A package
// is internal iff internal_repository≠∅").
func (p Package) IsInternal() bool { return p.InternalRepository != nil }

// Validate checks the structural invariants spec §3 states for Package.
func (p Package) Validate() error {
	if p.Buildable && p.UnbuildableReason != nil {
		return errInvariant("buildable package must not carry an unbuildable_reason")
	}
	if !p.Buildable && !p.IsInternal() && p.UnbuildableReason == nil {
		// External packages are unbuildable by construction even without an
		// explicit reason recorded (they carry no build configs at all).
	}
	return nil
}
