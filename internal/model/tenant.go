package model

import "time"

// Tenant is an isolation scope for packages, repositories, and builds.
// The empty-string id denotes single-tenant mode (see SingleTenant).
type Tenant struct {
	ID          string
	Private     bool
	Interactive *string // login template; non-nil marks an interactive tenant
	CreatedAt   time.Time
	Archived    bool
	Service     *ServiceRef
	QueuedAt    *time.Time
	Toolchain   *string
	UnloadedAt  *time.Time
}

// IsSingleTenant reports whether t represents single-tenant mode.
func (t Tenant) IsSingleTenant() bool { return t.ID == SingleTenant }

// IsUnloaded reports whether the tenant was created by the CI `create` path
// and has not yet had its packages loaded.
func (t Tenant) IsUnloaded() bool { return t.UnloadedAt != nil }

// IsInteractive reports whether the tenant carries an interactive login
// template, restricting it to exactly one buildable configuration.
func (t Tenant) IsInteractive() bool { return t.Interactive != nil }

// TenantService is the opaque payload a callback owner maintains for a
// tenant, keyed by (type, id) and shared via ServiceRef. ref_count tracks
// how many tenants currently reference this service association.
type TenantService struct {
	Ref      ServiceRef
	Data     *string
	RefCount int
}

// DuplicateTenantMode controls how tenant creation reacts to an existing
// tenant sharing the same (service.type, service.id), per spec §4.4.
type DuplicateTenantMode string

const (
	DuplicateFail            DuplicateTenantMode = "fail"
	DuplicateIgnore          DuplicateTenantMode = "ignore"
	DuplicateReplace         DuplicateTenantMode = "replace"
	DuplicateReplaceArchived DuplicateTenantMode = "replace_archived"
)
