package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/repoforge/brepd/internal/model"
)

// ErrNotFound is returned by Get-style lookups that find nothing.
var ErrNotFound = errors.New("not found")

// TenantStore persists model.Tenant rows.
type TenantStore struct{ pool *Pool }

func NewTenantStore(pool *Pool) *TenantStore { return &TenantStore{pool: pool} }

func scanTenant(row pgx.Row) (model.Tenant, error) {
	var t model.Tenant
	var serviceType, serviceID *string
	var interactive, toolchain *string
	var queuedAt, unloadedAt *time.Time
	err := row.Scan(&t.ID, &t.Private, &interactive, &t.CreatedAt, &t.Archived,
		&serviceType, &serviceID, &queuedAt, &toolchain, &unloadedAt)
	if err != nil {
		return model.Tenant{}, err
	}
	t.Interactive = interactive
	t.Toolchain = toolchain
	t.QueuedAt = queuedAt
	t.UnloadedAt = unloadedAt
	if serviceType != nil && serviceID != nil {
		t.Service = &model.ServiceRef{Type: *serviceType, ID: *serviceID}
	}
	return t, nil
}

const tenantColumns = `id, private, interactive, created_at, archived, service_type, service_id, queued_at, toolchain, unloaded_at`

// Get fetches a tenant by id within tx (or directly against the pool if tx
// is nil).
func (s *TenantStore) Get(ctx context.Context, tx pgx.Tx, id string) (model.Tenant, error) {
	q := "SELECT " + tenantColumns + " FROM tenants WHERE id = $1"
	var row pgx.Row
	if tx != nil {
		row = tx.QueryRow(ctx, q, id)
	} else {
		row = s.pool.QueryRow(ctx, q, id)
	}
	t, err := scanTenant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Tenant{}, ErrNotFound
	}
	return t, err
}

// GetByService looks up a tenant by its (service.type, service.id) pair —
// used for duplicate-tenant detection (spec §4.4).
func (s *TenantStore) GetByService(ctx context.Context, tx pgx.Tx, ref model.ServiceRef) (model.Tenant, error) {
	q := "SELECT " + tenantColumns + " FROM tenants WHERE service_type = $1 AND service_id = $2"
	var row pgx.Row
	if tx != nil {
		row = tx.QueryRow(ctx, q, ref.Type, ref.ID)
	} else {
		row = s.pool.QueryRow(ctx, q, ref.Type, ref.ID)
	}
	t, err := scanTenant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Tenant{}, ErrNotFound
	}
	return t, err
}

// Insert creates a new tenant row.
func (s *TenantStore) Insert(ctx context.Context, tx pgx.Tx, t model.Tenant) error {
	var serviceType, serviceID *string
	if t.Service != nil {
		serviceType, serviceID = &t.Service.Type, &t.Service.ID
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO tenants (id, private, interactive, created_at, archived, service_type, service_id, queued_at, toolchain, unloaded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		t.ID, t.Private, t.Interactive, t.CreatedAt, t.Archived, serviceType, serviceID, t.QueuedAt, t.Toolchain, t.UnloadedAt)
	return err
}

// Update overwrites an existing tenant row in full.
func (s *TenantStore) Update(ctx context.Context, tx pgx.Tx, t model.Tenant) error {
	var serviceType, serviceID *string
	if t.Service != nil {
		serviceType, serviceID = &t.Service.Type, &t.Service.ID
	}
	tag, err := tx.Exec(ctx, `
		UPDATE tenants SET private=$2, interactive=$3, archived=$4, service_type=$5, service_id=$6,
			queued_at=$7, toolchain=$8, unloaded_at=$9
		WHERE id=$1`,
		t.ID, t.Private, t.Interactive, t.Archived, serviceType, serviceID, t.QueuedAt, t.Toolchain, t.UnloadedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetQueuedAt stamps tenant.queued_timestamp — the race-window mitigation
// from spec §5/§9 Open Question #1: "not fully serialized", only reduced.
func (s *TenantStore) SetQueuedAt(ctx context.Context, tx pgx.Tx, id string, at time.Time) error {
	_, err := tx.Exec(ctx, `UPDATE tenants SET queued_at=$2 WHERE id=$1`, id, at)
	return err
}

// Delete removes a tenant row outright (only valid for still-unloaded
// tenants, per spec §4.4 "Cancel").
func (s *TenantStore) Delete(ctx context.Context, tx pgx.Tx, id string) error {
	_, err := tx.Exec(ctx, `DELETE FROM tenants WHERE id=$1`, id)
	return err
}

// WipeAll deletes every tenant — used by the loader in single-tenant mode,
// which wipes all tenants before loading (spec §4.1).
func (s *TenantStore) WipeAll(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx, `DELETE FROM tenants`)
	return err
}

// --- tenant services ---

// TenantServiceStore persists model.TenantService ref-counted rows.
type TenantServiceStore struct{ pool *Pool }

func NewTenantServiceStore(pool *Pool) *TenantServiceStore { return &TenantServiceStore{pool: pool} }

func (s *TenantServiceStore) Get(ctx context.Context, tx pgx.Tx, ref model.ServiceRef) (model.TenantService, error) {
	q := `SELECT type, id, data, ref_count FROM tenant_services WHERE type=$1 AND id=$2`
	var row pgx.Row
	if tx != nil {
		row = tx.QueryRow(ctx, q, ref.Type, ref.ID)
	} else {
		row = s.pool.QueryRow(ctx, q, ref.Type, ref.ID)
	}
	var ts model.TenantService
	err := row.Scan(&ts.Ref.Type, &ts.Ref.ID, &ts.Data, &ts.RefCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TenantService{}, ErrNotFound
	}
	return ts, err
}

func (s *TenantServiceStore) Insert(ctx context.Context, tx pgx.Tx, ts model.TenantService) error {
	_, err := tx.Exec(ctx, `INSERT INTO tenant_services (type, id, data, ref_count) VALUES ($1,$2,$3,$4)`,
		ts.Ref.Type, ts.Ref.ID, ts.Data, ts.RefCount)
	return err
}

func (s *TenantServiceStore) SetData(ctx context.Context, tx pgx.Tx, ref model.ServiceRef, data *string) error {
	tag, err := tx.Exec(ctx, `UPDATE tenant_services SET data=$3 WHERE type=$1 AND id=$2`, ref.Type, ref.ID, data)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementRefCount bumps ref_count by delta (positive or negative) and
// returns the resulting count.
func (s *TenantServiceStore) IncrementRefCount(ctx context.Context, tx pgx.Tx, ref model.ServiceRef, delta int) (int, error) {
	var count int
	err := tx.QueryRow(ctx, `
		UPDATE tenant_services SET ref_count = ref_count + $3
		WHERE type=$1 AND id=$2
		RETURNING ref_count`, ref.Type, ref.ID, delta).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return count, err
}

func (s *TenantServiceStore) Delete(ctx context.Context, tx pgx.Tx, ref model.ServiceRef) error {
	_, err := tx.Exec(ctx, `DELETE FROM tenant_services WHERE type=$1 AND id=$2`, ref.Type, ref.ID)
	return err
}
