//go:build integration
// +build integration

// Loader integration tests — require a real Postgres instance.
// Run with: go test ./internal/loader/ -tags=integration -v
// Set BREPD_TEST_DATABASE_URL to a reachable, disposable Postgres DSN.
package loader

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/repoforge/brepd/internal/model"
	"github.com/repoforge/brepd/internal/store"
)

func newTestLoader(t *testing.T) *Loader {
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

	return New(pool, nil, "", nil)
}

const packagesManifest = "name: libfoo\nversion: 1.0.0\nsummary: a test package\n\n"

const repositoriesManifest = "display-name: test-repo\n\n"

func writeFixture(t *testing.T, cacheDir string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(cacheDir, "packages.manifest"), []byte(packagesManifest), 0o644); err != nil {
		t.Fatalf("write packages.manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cacheDir, "repositories.manifest"), []byte(repositoriesManifest), 0o644); err != nil {
		t.Fatalf("write repositories.manifest: %v", err)
	}
}

// TestRunHappyPathLoadsPackage covers spec §8's "Happy-path loader"
// scenario: a single internal repository with one buildable package is
// loaded into the database on the first run.
func TestRunHappyPathLoadsPackage(t *testing.T) {
	l := newTestLoader(t)
	ctx := context.Background()
	tenant := model.SingleTenant

	cacheDir := t.TempDir()
	writeFixture(t, cacheDir)

	loadtabPath := filepath.Join(t.TempDir(), "loadtab")
	loadtabContents := "https://example.test/test-repo.git\ttest-repo\tcache:" + cacheDir + "\tbuildable:yes\n"
	if err := os.WriteFile(loadtabPath, []byte(loadtabContents), 0o644); err != nil {
		t.Fatalf("write loadtab: %v", err)
	}

	res, err := Run(ctx, l, tenant, loadtabPath)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Loaded != 1 || res.Skipped != 0 || len(res.Failed) != 0 {
		t.Fatalf("Run result = %+v, want Loaded=1 Skipped=0 Failed=0", res)
	}

	repo, err := l.Repositories.Get(ctx, nil, model.RepositoryID{Tenant: tenant, CanonicalName: "test-repo"})
	if err != nil {
		t.Fatalf("get repository: %v", err)
	}
	if !repo.Internal || !repo.Buildable {
		t.Fatalf("repository = %+v, want internal and buildable", repo)
	}

	pkg, err := l.Packages.Get(ctx, nil, model.PackageID{Tenant: tenant, Name: "libfoo", CanonicalVersion: mustVersion(t, "1.0.0")})
	if err != nil {
		t.Fatalf("get package: %v", err)
	}
	if !pkg.Buildable {
		t.Fatal("expected package to be buildable")
	}
	if pkg.InternalRepository == nil || pkg.InternalRepository.CanonicalName != "test-repo" {
		t.Fatalf("package internal repository = %+v, want test-repo", pkg.InternalRepository)
	}
}

// TestRunIsIdempotentWhenUnchanged covers spec §8's "Idempotence of
// loader" invariant: a second run against unchanged manifest mtimes skips
// the repository instead of reloading it.
func TestRunIsIdempotentWhenUnchanged(t *testing.T) {
	l := newTestLoader(t)
	ctx := context.Background()
	tenant := model.SingleTenant

	cacheDir := t.TempDir()
	writeFixture(t, cacheDir)

	loadtabPath := filepath.Join(t.TempDir(), "loadtab")
	loadtabContents := "https://example.test/test-repo.git\ttest-repo\tcache:" + cacheDir + "\tbuildable:yes\n"
	if err := os.WriteFile(loadtabPath, []byte(loadtabContents), 0o644); err != nil {
		t.Fatalf("write loadtab: %v", err)
	}

	if _, err := Run(ctx, l, tenant, loadtabPath); err != nil {
		t.Fatalf("first run: %v", err)
	}

	res, err := Run(ctx, l, tenant, loadtabPath)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.Loaded != 0 || res.Skipped != 1 || len(res.Failed) != 0 {
		t.Fatalf("second run result = %+v, want Loaded=0 Skipped=1 Failed=0", res)
	}
}
