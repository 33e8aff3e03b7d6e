package loader

import (
	"testing"

	"github.com/repoforge/brepd/internal/model"
)

func mustVersion(t *testing.T, s string) model.Version {
	t.Helper()
	v, err := model.ParseVersion(s)
	if err != nil {
		t.Fatalf("ParseVersion(%q): %v", s, err)
	}
	return v
}

func pkgID(t *testing.T, name, version string) model.PackageID {
	return model.PackageID{Tenant: "", Name: name, CanonicalVersion: mustVersion(t, version)}
}

func TestResolveDependencyPicksHighestSatisfyingVersion(t *testing.T) {
	candidates := []model.Package{
		{ID: pkgID(t, "libfoo", "1.0.0")},
		{ID: pkgID(t, "libfoo", "2.0.0")},
		{ID: pkgID(t, "libfoo", "1.5.0")},
	}
	got := resolveDependency(candidates, nil)
	if got == nil || got.CanonicalVersion.String() != "2.0.0" {
		t.Fatalf("resolveDependency: got %v, want 2.0.0", got)
	}
}

func TestResolveDependencyHonorsConstraint(t *testing.T) {
	candidates := []model.Package{
		{ID: pkgID(t, "libfoo", "1.0.0")},
		{ID: pkgID(t, "libfoo", "2.0.0")},
	}
	constraint := &model.DependencyConstraint{Comparator: "<", Version: mustVersion(t, "2.0.0")}
	got := resolveDependency(candidates, constraint)
	if got == nil || got.CanonicalVersion.String() != "1.0.0" {
		t.Fatalf("resolveDependency with constraint: got %v, want 1.0.0", got)
	}
}

func TestResolveDependencyReturnsNilWhenNothingSatisfies(t *testing.T) {
	candidates := []model.Package{{ID: pkgID(t, "libfoo", "1.0.0")}}
	constraint := &model.DependencyConstraint{Comparator: ">", Version: mustVersion(t, "5.0.0")}
	if got := resolveDependency(candidates, constraint); got != nil {
		t.Fatalf("resolveDependency: expected nil, got %v", got)
	}
}

func depOn(id model.PackageID) model.DependencyGroup {
	return model.DependencyGroup{
		Alternatives: []model.DependencyAlternative{
			{Dependencies: []model.Dependency{{Name: id.Name, ResolvedPackage: &id}}},
		},
	}
}

func TestDetectDependencyCyclesNoCycle(t *testing.T) {
	a := pkgID(t, "a", "1.0")
	b := pkgID(t, "b", "1.0")
	pkgs := []model.Package{
		{ID: a, Dependencies: []model.DependencyGroup{depOn(b)}},
		{ID: b},
	}
	if err := detectDependencyCycles(pkgs); err != nil {
		t.Fatalf("detectDependencyCycles: unexpected error: %v", err)
	}
}

func TestDetectDependencyCyclesDirectCycle(t *testing.T) {
	a := pkgID(t, "a", "1.0")
	b := pkgID(t, "b", "1.0")
	pkgs := []model.Package{
		{ID: a, Dependencies: []model.DependencyGroup{depOn(b)}},
		{ID: b, Dependencies: []model.DependencyGroup{depOn(a)}},
	}
	if err := detectDependencyCycles(pkgs); err == nil {
		t.Fatal("detectDependencyCycles: expected a cycle error, got nil")
	}
}

// TestDetectDependencyCyclesAcrossVersions covers the regression described
// in spec §4.1/§8 ("comparison is made up to a package name") and
// original_source/load/load.cxx:1550: a package of one version depending on
// the same package at a different version must still be recognized as the
// same cycle participant. a@1.0 -> b@2.0 -> a@1.1 is a name-cycle even
// though no two nodes share an exact (name, version) identity.
func TestDetectDependencyCyclesAcrossVersions(t *testing.T) {
	a10 := pkgID(t, "a", "1.0")
	a11 := pkgID(t, "a", "1.1")
	b20 := pkgID(t, "b", "2.0")
	pkgs := []model.Package{
		{ID: a10, Dependencies: []model.DependencyGroup{depOn(b20)}},
		{ID: b20, Dependencies: []model.DependencyGroup{depOn(a11)}},
		{ID: a11},
	}
	if err := detectDependencyCycles(pkgs); err == nil {
		t.Fatal("detectDependencyCycles: expected a name-cycle across differing versions to be detected")
	}
}

func TestDetectDependencyCyclesUnresolvedDependencyIgnored(t *testing.T) {
	a := pkgID(t, "a", "1.0")
	pkgs := []model.Package{
		{ID: a, Dependencies: []model.DependencyGroup{
			{Alternatives: []model.DependencyAlternative{{Dependencies: []model.Dependency{{Name: "unresolved"}}}}},
		}},
	}
	if err := detectDependencyCycles(pkgs); err != nil {
		t.Fatalf("detectDependencyCycles: unresolved dependency should be skipped, got %v", err)
	}
}
