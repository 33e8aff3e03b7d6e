//go:build integration
// +build integration

// Build-result intake integration tests — require a real Postgres
// instance. Run with: go test ./internal/intake/ -tags=integration -v
// Set BREPD_TEST_DATABASE_URL to a reachable, disposable Postgres DSN.
package intake

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/repoforge/brepd/internal/buildtask"
	"github.com/repoforge/brepd/internal/manifest"
	"github.com/repoforge/brepd/internal/model"
	"github.com/repoforge/brepd/internal/store"
)

func newTestIntake(t *testing.T) *Intake {
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

	return &Intake{
		Pool:       pool,
		Builds:     store.NewBuildStore(pool),
		Packages:   store.NewPackageStore(pool),
		Tenants:    store.NewTenantStore(pool),
		Services:   store.NewTenantServiceStore(pool),
		PublicKeys: store.NewPublicKeyStore(pool),
		Logger:     zap.NewNop(),
	}
}

func testBuildID(t *testing.T, name string) model.BuildID {
	t.Helper()
	v, err := model.ParseVersion("1.0.0")
	if err != nil {
		t.Fatalf("ParseVersion: %v", err)
	}
	return model.BuildID{
		Package:           model.PackageID{Tenant: model.SingleTenant, Name: name, CanonicalVersion: v},
		Target:            "x86_64-linux",
		TargetConfigName:  "default",
		PackageConfigName: "default",
		ToolchainName:     "gcc",
		ToolchainVersion:  "13",
	}
}

func insertBuilding(t *testing.T, in *Intake, id model.BuildID, now time.Time, opts func(*model.Build)) {
	t.Helper()
	ctx := context.Background()
	b := model.Build{
		ID: id, State: model.BuildBuilding, Force: model.ForceUnforced,
		Timestamp: now, SoftTimestamp: now, HardTimestamp: now,
		Machine: "builder-1",
	}
	if opts != nil {
		opts(&b)
	}
	err := in.Pool.Serializable(ctx, store.DefaultRetryPolicy(), func(tx pgx.Tx) error {
		return in.Builds.Insert(ctx, tx, b)
	})
	if err != nil {
		t.Fatalf("insert building row: %v", err)
	}
}

// TestHandleOtherForcedRebuildClearsForce covers spec §8 scenario 4
// ("Forced rebuild"): a building build that was a forcing rebuild
// transitions to built with force=unforced and hard/soft timestamps reset
// once a success result arrives.
func TestHandleOtherForcedRebuildClearsForce(t *testing.T) {
	in := newTestIntake(t)
	ctx := context.Background()
	id := testBuildID(t, "libforced")
	now := time.Now().UTC().Truncate(time.Millisecond)

	insertBuilding(t, in, id, now, func(b *model.Build) { b.Force = model.ForceForcing })

	session := buildtask.BuildSession(id, now)
	req := manifest.ResultRequest{
		Session: session,
		Result: manifest.Result{
			PackageName:    id.Package.Name,
			PackageVersion: id.Package.CanonicalVersion.String(),
			Status:         model.StatusSuccess,
		},
	}

	outcome, err := in.Handle(ctx, model.SingleTenant, req)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if outcome.Kind != model.StatusSuccess {
		t.Fatalf("outcome.Kind = %v, want success", outcome.Kind)
	}

	got, err := in.Builds.Get(ctx, nil, id)
	if err != nil {
		t.Fatalf("get build: %v", err)
	}
	if got.State != model.BuildBuilt {
		t.Fatalf("state = %v, want built", got.State)
	}
	if got.Force != model.ForceUnforced {
		t.Fatalf("force = %v, want unforced", got.Force)
	}
	if got.Status == nil || *got.Status != model.StatusSuccess {
		t.Fatalf("status = %v, want success", got.Status)
	}
	if !got.HardTimestamp.Equal(got.SoftTimestamp) {
		t.Fatalf("hard_timestamp %v != soft_timestamp %v", got.HardTimestamp, got.SoftTimestamp)
	}
}

// TestHandleSkipChecksumMismatchReturnsClientError covers spec §8 scenario
// 5 ("Skip with checksum mismatch"): a skip result whose worker checksum
// disagrees with the stored value is rejected as a client error and the
// build row is left untouched.
func TestHandleSkipChecksumMismatchReturnsClientError(t *testing.T) {
	in := newTestIntake(t)
	ctx := context.Background()
	id := testBuildID(t, "libskip")
	now := time.Now().UTC().Truncate(time.Millisecond)

	agentSum, workerSum, depSum := "agent-sum", "worker-sum", "dep-sum"
	insertBuilding(t, in, id, now, func(b *model.Build) {
		b.AgentChecksum = &agentSum
		b.WorkerChecksum = &workerSum
		b.DependencyChecksum = &depSum
	})

	session := buildtask.BuildSession(id, now)
	mismatched := "wrong-sum"
	req := manifest.ResultRequest{
		Session:       session,
		AgentChecksum: &agentSum,
		Result: manifest.Result{
			PackageName:        id.Package.Name,
			PackageVersion:     id.Package.CanonicalVersion.String(),
			Status:             model.StatusSkip,
			WorkerChecksum:     &mismatched,
			DependencyChecksum: &depSum,
		},
	}

	_, err := in.Handle(ctx, model.SingleTenant, req)
	if err == nil {
		t.Fatal("Handle: expected a checksum-mismatch error, got nil")
	}

	got, getErr := in.Builds.Get(ctx, nil, id)
	if getErr != nil {
		t.Fatalf("get build: %v", getErr)
	}
	if got.State != model.BuildBuilding {
		t.Fatalf("state = %v, want unchanged building", got.State)
	}
}

// TestHandleSkipMatchingChecksumsAdvancesSoftTimestamp covers the success
// path of spec §4.3 "Skip": matching checksums leave status untouched and
// advance soft_timestamp.
func TestHandleSkipMatchingChecksumsAdvancesSoftTimestamp(t *testing.T) {
	in := newTestIntake(t)
	ctx := context.Background()
	id := testBuildID(t, "libskipok")
	now := time.Now().UTC().Truncate(time.Millisecond)

	agentSum, workerSum, depSum := "agent-sum", "worker-sum", "dep-sum"
	priorStatus := model.StatusWarning
	insertBuilding(t, in, id, now, func(b *model.Build) {
		b.AgentChecksum = &agentSum
		b.WorkerChecksum = &workerSum
		b.DependencyChecksum = &depSum
		b.Status = &priorStatus
	})

	session := buildtask.BuildSession(id, now)
	req := manifest.ResultRequest{
		Session:       session,
		AgentChecksum: &agentSum,
		Result: manifest.Result{
			PackageName:        id.Package.Name,
			PackageVersion:     id.Package.CanonicalVersion.String(),
			Status:             model.StatusSkip,
			WorkerChecksum:     &workerSum,
			DependencyChecksum: &depSum,
		},
	}

	outcome, err := in.Handle(ctx, model.SingleTenant, req)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if outcome.Kind != model.StatusSkip {
		t.Fatalf("outcome.Kind = %v, want skip", outcome.Kind)
	}

	got, err := in.Builds.Get(ctx, nil, id)
	if err != nil {
		t.Fatalf("get build: %v", err)
	}
	if got.State != model.BuildBuilt {
		t.Fatalf("state = %v, want built", got.State)
	}
	if got.Status == nil || *got.Status != model.StatusWarning {
		t.Fatalf("status = %v, want unchanged warning", got.Status)
	}
	if !got.SoftTimestamp.After(now) {
		t.Fatalf("soft_timestamp %v not advanced past %v", got.SoftTimestamp, now)
	}
}

// TestHandleInterruptDeletesInitialBuild covers spec §4.3 "Interrupt" for
// an initial (never-completed) build with no tenant service registered:
// the build row is deleted outright.
func TestHandleInterruptDeletesInitialBuild(t *testing.T) {
	in := newTestIntake(t)
	ctx := context.Background()
	id := testBuildID(t, "libinterrupt")
	now := time.Now().UTC().Truncate(time.Millisecond)

	insertBuilding(t, in, id, now, nil)

	session := buildtask.BuildSession(id, now)
	req := manifest.ResultRequest{
		Session: session,
		Result: manifest.Result{
			PackageName:    id.Package.Name,
			PackageVersion: id.Package.CanonicalVersion.String(),
			Status:         model.StatusInterrupt,
		},
	}

	outcome, err := in.Handle(ctx, model.SingleTenant, req)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if outcome.Kind != model.StatusInterrupt {
		t.Fatalf("outcome.Kind = %v, want interrupt", outcome.Kind)
	}

	if _, err := in.Builds.Get(ctx, nil, id); err != store.ErrNotFound {
		t.Fatalf("expected build row deleted, got err=%v", err)
	}
}
