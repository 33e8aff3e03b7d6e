//go:build integration
// +build integration

// Store integration tests — require a real Postgres instance.
// Run with: go test ./internal/store/ -tags=integration -v
// Set BREPD_TEST_DATABASE_URL to a reachable, disposable Postgres DSN.
package store

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/repoforge/brepd/internal/model"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	dsn := os.Getenv("BREPD_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("BREPD_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open migration db: %v", err)
	}
	defer db.Close()
	if err := Migrations.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	pool, err := Open(ctx, dsn, nil)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestTenantStoreInsertGetUpdateDelete(t *testing.T) {
	pool := newTestPool(t)
	store := NewTenantStore(pool)
	ctx := context.Background()

	tenant := model.Tenant{ID: "t1", Private: true, CreatedAt: time.Now().UTC()}
	err := pool.Serializable(ctx, DefaultRetryPolicy(), func(tx pgx.Tx) error {
		return store.Insert(ctx, tx, tenant)
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := store.Get(ctx, nil, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != tenant.ID || !got.Private {
		t.Fatalf("unexpected tenant: %+v", got)
	}

	got.Archived = true
	err = pool.Serializable(ctx, DefaultRetryPolicy(), func(tx pgx.Tx) error {
		return store.Update(ctx, tx, got)
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	err = pool.Serializable(ctx, DefaultRetryPolicy(), func(tx pgx.Tx) error {
		return store.Delete(ctx, tx, "t1")
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := store.Get(ctx, nil, "t1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBuildStoreGuardedTransitions(t *testing.T) {
	pool := newTestPool(t)
	tstore := NewTenantStore(pool)
	bstore := NewBuildStore(pool)
	ctx := context.Background()

	err := pool.Serializable(ctx, DefaultRetryPolicy(), func(tx pgx.Tx) error {
		return tstore.Insert(ctx, tx, model.Tenant{ID: "t1", CreatedAt: time.Now().UTC()})
	})
	if err != nil {
		t.Fatalf("insert tenant: %v", err)
	}

	id := model.BuildID{
		Package: model.PackageID{
			Tenant:           "t1",
			Name:             "libfoo",
			CanonicalVersion: mustVersion(t, "1.0.0"),
		},
		Target:            "x86_64-linux-gnu",
		TargetConfigName:  "default",
		PackageConfigName: "default",
		ToolchainName:     "gcc",
		ToolchainVersion:  "13",
	}

	now := time.Now().UTC()
	build := model.Build{ID: id, State: model.BuildQueued, Timestamp: now, SoftTimestamp: now, HardTimestamp: now}
	err = pool.Serializable(ctx, DefaultRetryPolicy(), func(tx pgx.Tx) error {
		return bstore.Insert(ctx, tx, build)
	})
	if err != nil {
		t.Fatalf("insert build: %v", err)
	}

	err = pool.Serializable(ctx, DefaultRetryPolicy(), func(tx pgx.Tx) error {
		return bstore.StartBuilding(ctx, tx, id, "agent-1", nil, nil, nil, time.Now().UTC())
	})
	if err != nil {
		t.Fatalf("start building: %v", err)
	}

	// A second StartBuilding attempt from queued/built should now fail —
	// the build is already building.
	err = pool.Serializable(ctx, DefaultRetryPolicy(), func(tx pgx.Tx) error {
		return bstore.StartBuilding(ctx, tx, id, "agent-2", nil, nil, nil, time.Now().UTC())
	})
	if err == nil {
		t.Fatal("expected invalid transition error, got nil")
	}

	err = pool.Serializable(ctx, DefaultRetryPolicy(), func(tx pgx.Tx) error {
		return bstore.Complete(ctx, tx, id, model.StatusSuccess, nil, time.Now().UTC())
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := bstore.Get(ctx, nil, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != model.BuildBuilt || got.Status == nil || *got.Status != model.StatusSuccess {
		t.Fatalf("unexpected build after complete: %+v", got)
	}
}

func mustVersion(t *testing.T, s string) model.Version {
	t.Helper()
	v, err := model.ParseVersion(s)
	if err != nil {
		t.Fatalf("parse version %q: %v", s, err)
	}
	return v
}
