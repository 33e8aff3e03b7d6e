package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/repoforge/brepd/internal/model"
)

// RepositoryStore persists model.Repository rows.
type RepositoryStore struct{ pool *Pool }

func NewRepositoryStore(pool *Pool) *RepositoryStore { return &RepositoryStore{pool: pool} }

const repositoryColumns = `tenant, canonical_name, location, display_name, priority, internal, buildable,
	cache_location, certificate, packages_timestamp, repositories_timestamp, complements, prerequisites`

func scanRepository(row pgx.Row) (model.Repository, error) {
	var r model.Repository
	var complements, prerequisites []byte
	var packagesTS, repositoriesTS *time.Time
	err := row.Scan(&r.ID.Tenant, &r.ID.CanonicalName, &r.Location, &r.DisplayName, &r.Priority,
		&r.Internal, &r.Buildable, &r.CacheLocation, &r.Certificate, &packagesTS, &repositoriesTS,
		&complements, &prerequisites)
	if err != nil {
		return model.Repository{}, err
	}
	if packagesTS != nil {
		r.PackagesTimestamp = *packagesTS
	}
	if repositoriesTS != nil {
		r.RepositoriesTimestamp = *repositoriesTS
	}
	_ = json.Unmarshal(complements, &r.Complements)
	_ = json.Unmarshal(prerequisites, &r.Prerequisites)
	return r, nil
}

func (s *RepositoryStore) Get(ctx context.Context, tx pgx.Tx, id model.RepositoryID) (model.Repository, error) {
	q := "SELECT " + repositoryColumns + " FROM repositories WHERE tenant=$1 AND canonical_name=$2"
	var row pgx.Row
	if tx != nil {
		row = tx.QueryRow(ctx, q, id.Tenant, id.CanonicalName)
	} else {
		row = s.pool.QueryRow(ctx, q, id.Tenant, id.CanonicalName)
	}
	r, err := scanRepository(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Repository{}, ErrNotFound
	}
	return r, err
}

// ListInternal returns every internal repository for a tenant, used by the
// loader's change-detection pass (spec §4.1).
func (s *RepositoryStore) ListInternal(ctx context.Context, tx pgx.Tx, tenant string) ([]model.Repository, error) {
	q := "SELECT " + repositoryColumns + " FROM repositories WHERE tenant=$1 AND internal"
	rows, err := tx.Query(ctx, q, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *RepositoryStore) Upsert(ctx context.Context, tx pgx.Tx, r model.Repository) error {
	if err := r.Validate(); err != nil {
		return err
	}
	complements, _ := json.Marshal(r.Complements)
	prerequisites, _ := json.Marshal(r.Prerequisites)
	_, err := tx.Exec(ctx, `
		INSERT INTO repositories (tenant, canonical_name, location, display_name, priority, internal,
			buildable, cache_location, certificate, packages_timestamp, repositories_timestamp,
			complements, prerequisites)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (tenant, canonical_name) DO UPDATE SET
			location=excluded.location, display_name=excluded.display_name, priority=excluded.priority,
			internal=excluded.internal, buildable=excluded.buildable, cache_location=excluded.cache_location,
			certificate=excluded.certificate, packages_timestamp=excluded.packages_timestamp,
			repositories_timestamp=excluded.repositories_timestamp, complements=excluded.complements,
			prerequisites=excluded.prerequisites`,
		r.ID.Tenant, r.ID.CanonicalName, r.Location, r.DisplayName, r.Priority, r.Internal, r.Buildable,
		r.CacheLocation, r.Certificate, r.PackagesTimestamp, r.RepositoriesTimestamp, complements, prerequisites)
	return err
}

func (s *RepositoryStore) Delete(ctx context.Context, tx pgx.Tx, id model.RepositoryID) error {
	_, err := tx.Exec(ctx, `DELETE FROM repositories WHERE tenant=$1 AND canonical_name=$2`, id.Tenant, id.CanonicalName)
	return err
}

// PublicKeyStore persists model.PublicKey rows, shared across packages by
// fingerprint and immutable once written (spec §3).
type PublicKeyStore struct{ pool *Pool }

func NewPublicKeyStore(pool *Pool) *PublicKeyStore { return &PublicKeyStore{pool: pool} }

func (s *PublicKeyStore) Get(ctx context.Context, tx pgx.Tx, id model.PublicKeyID) (model.PublicKey, error) {
	q := `SELECT tenant, fingerprint, data FROM public_keys WHERE tenant=$1 AND fingerprint=$2`
	var row pgx.Row
	if tx != nil {
		row = tx.QueryRow(ctx, q, id.Tenant, id.Fingerprint)
	} else {
		row = s.pool.QueryRow(ctx, q, id.Tenant, id.Fingerprint)
	}
	var pk model.PublicKey
	err := row.Scan(&pk.ID.Tenant, &pk.ID.Fingerprint, &pk.Data)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PublicKey{}, ErrNotFound
	}
	return pk, err
}

// Ensure inserts the key if it doesn't already exist; it is a no-op
// (not an update) if the fingerprint is already persisted, since public
// keys are immutable once written.
func (s *PublicKeyStore) Ensure(ctx context.Context, tx pgx.Tx, pk model.PublicKey) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO public_keys (tenant, fingerprint, data) VALUES ($1,$2,$3)
		ON CONFLICT (tenant, fingerprint) DO NOTHING`,
		pk.ID.Tenant, pk.ID.Fingerprint, pk.Data)
	return err
}
