package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/repoforge/brepd/internal/model"
)

// PackageStore persists model.Package rows.
type PackageStore struct{ pool *Pool }

func NewPackageStore(pool *Pool) *PackageStore { return &PackageStore{pool: pool} }

const packageColumns = `tenant, name, canonical_version, version_text, upstream_version, project, summary,
	license_alternatives, topics, keywords, description, changes, urls, emails, dependencies, requirements,
	tests, builds, build_constraints, build_auxiliaries, build_bot_keys, build_configs, location, fragment,
	sha256sum, internal_repository, other_repositories, buildable, unbuildable_reason, custom_bot`

func scanPackage(row pgx.Row) (model.Package, error) {
	var p model.Package
	var canonicalVersion, versionText string
	var licenseAlts, topics, keywords, urls, emails, deps, reqs, tests, builds, buildConstraints,
		buildAux, buildBotKeys, buildConfigs, otherRepos []byte
	var internalRepo *string

	err := row.Scan(&p.ID.Tenant, &p.ID.Name, &canonicalVersion, &versionText, &p.UpstreamVersion,
		&p.Project, &p.Summary, &licenseAlts, &topics, &keywords, &p.Description, &p.Changes,
		&urls, &emails, &deps, &reqs, &tests, &builds, &buildConstraints, &buildAux, &buildBotKeys,
		&buildConfigs, &p.Location, &p.Fragment, &p.SHA256Sum, &internalRepo, &otherRepos,
		&p.Buildable, &p.UnbuildableReason, &p.CustomBot)
	if err != nil {
		return model.Package{}, err
	}

	v, verr := model.ParseVersion(versionText)
	if verr != nil {
		return model.Package{}, verr
	}
	p.ID.CanonicalVersion = v

	_ = json.Unmarshal(licenseAlts, &p.LicenseAlternatives)
	_ = json.Unmarshal(topics, &p.Topics)
	_ = json.Unmarshal(keywords, &p.Keywords)
	_ = json.Unmarshal(urls, &p.URLs)
	_ = json.Unmarshal(emails, &p.Emails)
	_ = json.Unmarshal(deps, &p.Dependencies)
	_ = json.Unmarshal(reqs, &p.Requirements)
	_ = json.Unmarshal(tests, &p.Tests)
	_ = json.Unmarshal(builds, &p.Builds)
	_ = json.Unmarshal(buildConstraints, &p.BuildConstraints)
	_ = json.Unmarshal(buildAux, &p.BuildAuxiliaries)
	_ = json.Unmarshal(buildBotKeys, &p.BuildBotKeys)
	_ = json.Unmarshal(buildConfigs, &p.BuildConfigs)
	_ = json.Unmarshal(otherRepos, &p.OtherRepositories)

	if internalRepo != nil {
		p.InternalRepository = &model.RepositoryID{Tenant: p.ID.Tenant, CanonicalName: *internalRepo}
	}
	return p, nil
}

func (s *PackageStore) Get(ctx context.Context, tx pgx.Tx, id model.PackageID) (model.Package, error) {
	q := "SELECT " + packageColumns + " FROM packages WHERE tenant=$1 AND name=$2 AND canonical_version=$3"
	var row pgx.Row
	args := []any{id.Tenant, id.Name, canonicalKey(id.CanonicalVersion)}
	if tx != nil {
		row = tx.QueryRow(ctx, q, args...)
	} else {
		row = s.pool.QueryRow(ctx, q, args...)
	}
	p, err := scanPackage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Package{}, ErrNotFound
	}
	return p, err
}

// ListByName returns every persisted version of name for tenant, ordered
// by version descending — the order the dependency-resolution pass (spec
// §4.1) walks candidates in to pick "the highest that satisfies the
// constraint".
func (s *PackageStore) ListByName(ctx context.Context, tx pgx.Tx, tenant, name string) ([]model.Package, error) {
	q := "SELECT " + packageColumns + " FROM packages WHERE tenant=$1 AND name=$2"
	rows, err := tx.Query(ctx, q, tenant, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortPackagesByVersionDesc(out)
	return out, nil
}

// ListBuildable returns every buildable package for tenant, in the order
// the build scheduler iterates them (spec §4.2 "Selection loop": "either
// database order or a randomized order with wrap-around").
func (s *PackageStore) ListBuildable(ctx context.Context, tx pgx.Tx, tenant string) ([]model.Package, error) {
	q := "SELECT " + packageColumns + " FROM packages WHERE tenant=$1 AND buildable ORDER BY name, canonical_version"
	rows, err := tx.Query(ctx, q, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func sortPackagesByVersionDesc(pkgs []model.Package) {
	for i := 1; i < len(pkgs); i++ {
		j := i
		for j > 0 && model.Less(pkgs[j-1].ID.CanonicalVersion, pkgs[j].ID.CanonicalVersion) {
			pkgs[j-1], pkgs[j] = pkgs[j], pkgs[j-1]
			j--
		}
	}
}

func canonicalKey(v model.Version) string { return v.String() }

func (s *PackageStore) Upsert(ctx context.Context, tx pgx.Tx, p model.Package) error {
	if err := p.Validate(); err != nil {
		return err
	}
	licenseAlts, _ := json.Marshal(p.LicenseAlternatives)
	topics, _ := json.Marshal(p.Topics)
	keywords, _ := json.Marshal(p.Keywords)
	urls, _ := json.Marshal(p.URLs)
	emails, _ := json.Marshal(p.Emails)
	deps, _ := json.Marshal(p.Dependencies)
	reqs, _ := json.Marshal(p.Requirements)
	tests, _ := json.Marshal(p.Tests)
	builds, _ := json.Marshal(p.Builds)
	buildConstraints, _ := json.Marshal(p.BuildConstraints)
	buildAux, _ := json.Marshal(p.BuildAuxiliaries)
	buildBotKeys, _ := json.Marshal(p.BuildBotKeys)
	buildConfigs, _ := json.Marshal(p.BuildConfigs)
	otherRepos, _ := json.Marshal(p.OtherRepositories)

	var internalRepo *string
	if p.InternalRepository != nil {
		internalRepo = &p.InternalRepository.CanonicalName
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO packages (`+packageColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30)
		ON CONFLICT (tenant, name, canonical_version) DO UPDATE SET
			version_text=excluded.version_text, upstream_version=excluded.upstream_version,
			project=excluded.project, summary=excluded.summary,
			license_alternatives=excluded.license_alternatives, topics=excluded.topics,
			keywords=excluded.keywords, description=excluded.description, changes=excluded.changes,
			urls=excluded.urls, emails=excluded.emails, dependencies=excluded.dependencies,
			requirements=excluded.requirements, tests=excluded.tests, builds=excluded.builds,
			build_constraints=excluded.build_constraints, build_auxiliaries=excluded.build_auxiliaries,
			build_bot_keys=excluded.build_bot_keys, build_configs=excluded.build_configs,
			location=excluded.location, fragment=excluded.fragment, sha256sum=excluded.sha256sum,
			internal_repository=excluded.internal_repository, other_repositories=excluded.other_repositories,
			buildable=excluded.buildable, unbuildable_reason=excluded.unbuildable_reason,
			custom_bot=excluded.custom_bot`,
		p.ID.Tenant, p.ID.Name, canonicalKey(p.ID.CanonicalVersion), p.ID.CanonicalVersion.String(),
		p.UpstreamVersion, p.Project, p.Summary, licenseAlts, topics, keywords, p.Description, p.Changes,
		urls, emails, deps, reqs, tests, builds, buildConstraints, buildAux, buildBotKeys, buildConfigs,
		p.Location, p.Fragment, p.SHA256Sum, internalRepo, otherRepos, p.Buildable, p.UnbuildableReason, p.CustomBot)
	return err
}

// SetResolvedDependency writes back a single resolved dependency reference
// discovered by the loader's post-load resolution pass (spec §4.1). It
// re-reads, mutates, and re-writes the JSON blob rather than attempting a
// partial JSONB update, since the nesting (group → alternative →
// dependency) has no stable path for every shape of edit.
func (s *PackageStore) SetResolvedDependency(ctx context.Context, tx pgx.Tx, id model.PackageID, groupIdx, altIdx, depIdx int, resolved model.PackageID) error {
	p, err := s.Get(ctx, tx, id)
	if err != nil {
		return err
	}
	if groupIdx < 0 || groupIdx >= len(p.Dependencies) {
		return errors.New("dependency group index out of range")
	}
	group := p.Dependencies[groupIdx]
	if altIdx < 0 || altIdx >= len(group.Alternatives) {
		return errors.New("dependency alternative index out of range")
	}
	alt := group.Alternatives[altIdx]
	if depIdx < 0 || depIdx >= len(alt.Dependencies) {
		return errors.New("dependency index out of range")
	}
	alt.Dependencies[depIdx].ResolvedPackage = &resolved
	return s.Upsert(ctx, tx, p)
}
