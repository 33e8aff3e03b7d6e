package loader

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/repoforge/brepd/internal/errkind"
	"github.com/repoforge/brepd/internal/model"
)

// resolveDependencies walks every buildable package's dependency groups,
// resolving each unresolved dependency to the highest persisted version of
// the named package satisfying its constraint, then detects cycles in the
// resulting resolved graph (spec §4.1 "Dependency resolution", "Cycle
// detection"). Test groups are not walked.
//
// A dependency that cannot be resolved stays unresolved in the persisted
// package; the unresolved edges are logged and do not fail the load.
// config.UnresolvedDependencyPolicy is not consulted.
func (l *Loader) resolveDependencies(ctx context.Context, tx pgx.Tx, tenant string) error {
	pkgs, err := l.allBuildable(ctx, tx, tenant)
	if err != nil {
		return err
	}
	byName := map[string][]model.Package{}
	for _, p := range pkgs {
		byName[p.ID.Name] = append(byName[p.ID.Name], p)
	}

	var unresolved []string
	for pi := range pkgs {
		p := &pkgs[pi]
		changed := false
		for gi := range p.Dependencies {
			for ai := range p.Dependencies[gi].Alternatives {
				for di := range p.Dependencies[gi].Alternatives[ai].Dependencies {
					dep := &p.Dependencies[gi].Alternatives[ai].Dependencies[di]
					if dep.ResolvedPackage != nil {
						continue
					}
					resolved := resolveDependency(byName[dep.Name], dep.Constraint)
					if resolved == nil {
						unresolved = append(unresolved, fmt.Sprintf("%s -> %s", p.ID.String(), dep.Name))
						continue
					}
					dep.ResolvedPackage = resolved
					changed = true
				}
			}
		}
		if changed {
			if err := l.Packages.Upsert(ctx, tx, *p); err != nil {
				return errkind.New(errkind.Fatal, err)
			}
		}
	}

	if err := detectDependencyCycles(pkgs); err != nil {
		return errkind.New(errkind.Client, err)
	}

	if len(unresolved) > 0 {
		// Logged only; unresolved dependencies never fail the load.
		l.Logger.Info("unresolved dependencies remain after loading",
			zap.Int("count", len(unresolved)), zap.Strings("edges", unresolved))
	}
	return nil
}

func (l *Loader) allBuildable(ctx context.Context, tx pgx.Tx, tenant string) ([]model.Package, error) {
	return l.Packages.ListBuildable(ctx, tx, tenant)
}

// resolveDependency picks the highest version of candidates satisfying
// constraint (nil constraint matches any version), per spec §4.1.
func resolveDependency(candidates []model.Package, constraint *model.DependencyConstraint) *model.PackageID {
	var best *model.PackageID
	for i := range candidates {
		c := &candidates[i]
		if constraint != nil && !satisfies(c.ID.CanonicalVersion, *constraint) {
			continue
		}
		if best == nil || model.Less(best.CanonicalVersion, c.ID.CanonicalVersion) {
			id := c.ID
			best = &id
		}
	}
	return best
}

func satisfies(v model.Version, c model.DependencyConstraint) bool {
	cmp := model.Compare(v, c.Version)
	switch c.Comparator {
	case "==", "":
		return cmp == 0
	case "!=":
		return cmp != 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	default:
		return false
	}
}

// detectDependencyCycles runs a DFS over the resolved dependency graph,
// failing on any package name reachable from itself (spec §4.1/§8 "Cycle
// detection": "comparison is made up to a package name", so that a package
// of one version depending on the same package at another version is
// recognized as the same cycle participant, matching
// original_source/load/load.cxx:1550's "i.name == id.name"). Build-time
// "requires"/"tests" groups are excluded: only "depends" groups participate
// in the build dependency graph that can deadlock the scheduler.
func detectDependencyCycles(pkgs []model.Package) error {
	byID := map[string]*model.Package{}
	for i := range pkgs {
		byID[pkgs[i].ID.String()] = &pkgs[i]
	}

	visiting := map[string]bool{}         // package names on the current path
	reach := map[string]map[string]bool{} // full id -> names reachable from it

	var visit func(id string) (map[string]bool, error)
	visit = func(id string) (map[string]bool, error) {
		p, ok := byID[id]
		if !ok {
			return nil, nil
		}
		name := p.ID.Name
		if visiting[name] {
			return nil, fmt.Errorf("dependency cycle detected at package %q", name)
		}
		if r, done := reach[id]; done {
			for n := range r {
				if visiting[n] {
					return nil, fmt.Errorf("dependency cycle detected at package %q", n)
				}
			}
			return r, nil
		}
		visiting[name] = true
		defer delete(visiting, name)

		r := map[string]bool{name: true}
		for _, g := range p.Dependencies {
			for _, alt := range g.Alternatives {
				for _, dep := range alt.Dependencies {
					if dep.ResolvedPackage == nil {
						continue
					}
					sub, err := visit(dep.ResolvedPackage.String())
					if err != nil {
						return nil, err
					}
					for n := range sub {
						r[n] = true
					}
				}
			}
		}
		reach[id] = r
		return r, nil
	}

	for id := range byID {
		if _, err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

