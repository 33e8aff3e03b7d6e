package model

import "time"

// Repository is a package source known to a tenant, per spec §3.
// priority > 0 iff Internal; Buildable implies Internal.
type Repository struct {
	ID           RepositoryID
	Location     string
	DisplayName  string
	Priority     uint16
	Internal     bool
	Buildable    bool
	CacheLocation string
	Certificate  *string

	// PackagesTimestamp/RepositoriesTimestamp mirror the mtimes of the
	// corresponding manifest files in the cache.
	PackagesTimestamp     time.Time
	RepositoriesTimestamp time.Time

	// Complements/Prerequisites reference other repositories by id. The
	// loader resolves these lazily via the database rather than holding
	// pointer edges in memory (spec §3 "Ownership").
	Complements   []RepositoryID
	Prerequisites []RepositoryID
}

// Validate checks the structural invariants spec §3 states for Repository.
func (r Repository) Validate() error {
	if r.Priority > 0 && !r.Internal {
		return errInvariant("repository priority>0 requires internal=true")
	}
	if r.Buildable && !r.Internal {
		return errInvariant("repository buildable=true requires internal=true")
	}
	return nil
}
