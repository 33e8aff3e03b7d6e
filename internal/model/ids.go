package model

import "fmt"

// SingleTenant is the tenant value used for single-tenant mode.
const SingleTenant = ""

// PackageID is the composite identity (tenant, name, canonical_version) of
// a package, per spec §3.
type PackageID struct {
	Tenant           string
	Name             string
	CanonicalVersion Version
}

func (id PackageID) String() string {
	return fmt.Sprintf("%s/%s/%s", id.Tenant, id.Name, id.CanonicalVersion.String())
}

// RepositoryID is the composite identity (tenant, canonical_name) of a
// repository.
type RepositoryID struct {
	Tenant        string
	CanonicalName string
}

func (id RepositoryID) String() string {
	return fmt.Sprintf("%s/%s", id.Tenant, id.CanonicalName)
}

// PublicKeyID is the composite identity (tenant, fingerprint) of a public
// key. Fingerprints are shared across packages by value.
type PublicKeyID struct {
	Tenant      string
	Fingerprint string
}

// BuildID is the composite identity of a build: a package plus the
// (target, target_config, package_config, toolchain) tuple it was built
// under, per spec §3.
type BuildID struct {
	Package            PackageID
	Target             string
	TargetConfigName   string
	PackageConfigName  string
	ToolchainName      string
	ToolchainVersion   string
}

func (id BuildID) String() string {
	return fmt.Sprintf("%s/%s/%s/%s/%s/%s",
		id.Package.String(), id.Target, id.TargetConfigName,
		id.PackageConfigName, id.ToolchainName, id.ToolchainVersion)
}

// ServiceRef identifies a tenant-service association by (type, id), unique
// across all tenant services.
type ServiceRef struct {
	Type string
	ID   string
}

func (r ServiceRef) String() string { return fmt.Sprintf("%s:%s", r.Type, r.ID) }
