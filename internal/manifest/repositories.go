package manifest

import (
	"fmt"
	"io"

	"github.com/repoforge/brepd/internal/model"
)

// RepositoryManifestEntry is one repository's complement/prerequisite
// declaration within a repositories.manifest document (spec §3, §4.1).
type RepositoryManifestEntry struct {
	Location      string
	DisplayName   string
	Complements   []string
	Prerequisites []string
}

// ParseRepositories reads a repositories.manifest document: a sequence of
// repository entries, the first of which (by convention) describes the
// repository itself and the rest its prerequisites/complements.
func ParseRepositories(r io.Reader) ([]RepositoryManifestEntry, error) {
	docs, err := ParseAll(r)
	if err != nil {
		return nil, err
	}
	out := make([]RepositoryManifestEntry, 0, len(docs))
	for i, doc := range docs {
		e, err := repositoryEntryFromManifest(doc)
		if err != nil {
			return nil, fmt.Errorf("repository %d: %w", i+1, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func repositoryEntryFromManifest(m Manifest) (RepositoryManifestEntry, error) {
	var e RepositoryManifestEntry
	loc, ok := m.Get("location")
	if !ok {
		// The first (self) entry of a repositories.manifest conventionally
		// carries no location; subsequent complement/prerequisite entries
		// always do.
		loc = ""
	}
	e.Location = loc
	if name, ok := m.Get("display-name"); ok {
		e.DisplayName = name
	}
	for _, role := range m.All("role") {
		switch role {
		case "complement":
			e.Complements = append(e.Complements, loc)
		case "prerequisite":
			e.Prerequisites = append(e.Prerequisites, loc)
		}
	}
	return e, nil
}

// ApplyTo folds a parsed repositories.manifest document onto r, setting
// its display name and complement/prerequisite lists from the self
// (first) entry and the remaining entries respectively.
func ApplyTo(r *model.Repository, entries []RepositoryManifestEntry) {
	if len(entries) == 0 {
		return
	}
	self := entries[0]
	if self.DisplayName != "" {
		r.DisplayName = self.DisplayName
	}
	for _, e := range entries[1:] {
		for _, c := range e.Complements {
			r.Complements = append(r.Complements, model.RepositoryID{Tenant: r.ID.Tenant, CanonicalName: c})
		}
		for _, p := range e.Prerequisites {
			r.Prerequisites = append(r.Prerequisites, model.RepositoryID{Tenant: r.ID.Tenant, CanonicalName: p})
		}
	}
}
