//go:build integration
// +build integration

// Tenant-lifecycle integration tests — require a real Postgres instance.
// Run with: go test ./internal/tenantlifecycle/ -tags=integration -v
// Set BREPD_TEST_DATABASE_URL to a reachable, disposable Postgres DSN.
package tenantlifecycle

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/repoforge/brepd/internal/config"
	"github.com/repoforge/brepd/internal/errkind"
	"github.com/repoforge/brepd/internal/manifest"
	"github.com/repoforge/brepd/internal/model"
	"github.com/repoforge/brepd/internal/notify"
	"github.com/repoforge/brepd/internal/store"
)

func newTestLifecycle(t *testing.T) *Lifecycle {
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
	if err := store.Migrations.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	pool, err := store.Open(ctx, dsn, nil)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(pool.Close)

	cfg := config.Default()
	cfg.CIData = t.TempDir()
	cfg.TenantRetry = config.RetryPolicy{
		MaxAttempts:    8,
		InitialBackoff: 5 * time.Millisecond,
		Multiplier:     2,
		MaxBackoff:     50 * time.Millisecond,
	}
	return New(pool, notify.New(nil), cfg, nil)
}

// TestCreateDuplicateIgnoreSharesTenant covers the "Duplicate CI create"
// scenario: two consecutive creates for the same (service.type,
// service.id) under ignore mode return the same tenant id and raise
// ref_count to 2; one cancel drops it to 1 without archiving; a second
// cancel archives it.
func TestCreateDuplicateIgnoreSharesTenant(t *testing.T) {
	lc := newTestLifecycle(t)
	ctx := context.Background()
	ref := model.ServiceRef{Type: "ci", ID: "build-42"}

	id1, err := lc.Create(ctx, ref, nil, model.DuplicateIgnore)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}

	id2, err := lc.Create(ctx, ref, nil, model.DuplicateIgnore)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected same tenant id, got %q and %q", id1, id2)
	}

	ts, err := lc.Services.Get(ctx, nil, ref)
	if err != nil {
		t.Fatalf("get service: %v", err)
	}
	if ts.RefCount != 2 {
		t.Fatalf("ref_count = %d, want 2", ts.RefCount)
	}

	if _, err := lc.Cancel(ctx, ref); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	tenant, err := lc.Tenants.Get(ctx, nil, id1)
	if err != nil {
		t.Fatalf("get tenant after first cancel: %v", err)
	}
	if tenant.Archived {
		t.Fatal("tenant archived after first cancel, want still live")
	}

	if _, err := lc.Cancel(ctx, ref); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	tenant, err = lc.Tenants.Get(ctx, nil, id1)
	if err != nil {
		t.Fatalf("get tenant after second cancel: %v", err)
	}
	if !tenant.Archived {
		t.Fatal("expected tenant archived after ref count reaches zero")
	}
	if _, err := lc.Services.Get(ctx, nil, ref); err != store.ErrNotFound {
		t.Fatalf("expected service row removed, got err=%v", err)
	}
}

func TestCreateDuplicateFailRejectsSecondCreate(t *testing.T) {
	lc := newTestLifecycle(t)
	ctx := context.Background()
	ref := model.ServiceRef{Type: "ci", ID: "build-fail"}

	if _, err := lc.Create(ctx, ref, nil, model.DuplicateFail); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := lc.Create(ctx, ref, nil, model.DuplicateFail)
	if !errkind.Is(err, errkind.Client) {
		t.Fatalf("expected client error on duplicate, got %v", err)
	}
}

func TestCreateDuplicateReplaceDeletesUnloadedOldTenant(t *testing.T) {
	lc := newTestLifecycle(t)
	ctx := context.Background()
	ref := model.ServiceRef{Type: "ci", ID: "build-replace"}

	firstID, err := lc.Create(ctx, ref, nil, model.DuplicateReplace)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	secondID, err := lc.Create(ctx, ref, nil, model.DuplicateReplace)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if firstID == secondID {
		t.Fatal("expected a new tenant id under replace mode")
	}

	if _, err := lc.Tenants.Get(ctx, nil, firstID); err != store.ErrNotFound {
		t.Fatalf("expected still-unloaded old tenant deleted under replace mode, got err=%v", err)
	}

	fresh, err := lc.Tenants.GetByService(ctx, nil, ref)
	if err != nil {
		t.Fatalf("get fresh tenant: %v", err)
	}
	if fresh.ID != secondID {
		t.Fatalf("expected fresh tenant %q to own the service ref, got %q", secondID, fresh.ID)
	}
}

// TestLoadWritesRequestAndResultManifests covers spec §4.4 "Load": the
// unloaded tenant's ci-data directory receives a request.manifest and a
// result.manifest once Load runs.
func TestLoadWritesRequestAndResultManifests(t *testing.T) {
	lc := newTestLifecycle(t)
	ctx := context.Background()
	ref := model.ServiceRef{Type: "ci", ID: "build-load"}

	if _, err := lc.Create(ctx, ref, nil, model.DuplicateFail); err != nil {
		t.Fatalf("create: %v", err)
	}

	sub := manifest.CISubmission{
		ID:         "01234567-0123-4123-8123-0123456789ab",
		Repository: "https://example.test/repo.git",
		Packages:   []string{"libfoo"},
		Timestamp:  time.Now().UTC(),
	}
	if err := lc.Load(ctx, ref, sub); err != nil {
		t.Fatalf("load: %v", err)
	}

	dir := lc.CIData + "/" + sub.ID
	for _, name := range []string{"request.manifest", "result.manifest"} {
		if _, err := os.Stat(dir + "/" + name); err != nil {
			t.Errorf("expected %s to exist: %v", name, err)
		}
	}

	tenant, err := lc.Tenants.GetByService(ctx, nil, ref)
	if err != nil {
		t.Fatalf("get tenant: %v", err)
	}
	if tenant.IsUnloaded() {
		t.Fatal("expected tenant no longer unloaded after Load")
	}
}
