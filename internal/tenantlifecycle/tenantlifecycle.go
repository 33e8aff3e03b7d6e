// Package tenantlifecycle implements the CI tenant lifecycle (spec §4.4):
// creating an unloaded tenant for an external CI submission, loading it
// (running the optional CI handler and persisting its result), and
// reference-counted cancellation when the owning service is done with it.
//
// Grounded on the teacher's internal/controlplane/jobs.retry (layered
// retry-policy resolution + exponential backoff, reused here for the
// recoverable-database-error retry loop spec §4.4 requires around every
// write path) and internal/controlplane/jobs/lifecycle_events.go's typed-
// event shape, generalized into the tenant-service Notify calls already
// used by internal/buildtask and internal/intake.
package tenantlifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/repoforge/brepd/internal/config"
	"github.com/repoforge/brepd/internal/errkind"
	"github.com/repoforge/brepd/internal/handler"
	"github.com/repoforge/brepd/internal/manifest"
	"github.com/repoforge/brepd/internal/model"
	"github.com/repoforge/brepd/internal/notify"
	"github.com/repoforge/brepd/internal/store"
)

// NotifyInterval/NotifyDelay parameterize the initial queued_at offset
// spec §4.4 "Create" specifies: "now − notify_interval + notify_delay", so
// the monitor does not alarm immediately after tenant creation.
type Lifecycle struct {
	Pool     *store.Pool
	Tenants  *store.TenantStore
	Services *store.TenantServiceStore
	Notifier *notify.Notifier
	Logger   *zap.Logger

	CIData           string
	CIHandler        string
	CIHandlerTimeout time.Duration

	Retry          config.RetryPolicy
	NotifyInterval time.Duration
	NotifyDelay    time.Duration
}

// New constructs a Lifecycle from its dependencies, applying config
// defaults where the caller leaves zero values.
func New(pool *store.Pool, notifier *notify.Notifier, cfg config.Config, logger *zap.Logger) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{
		Pool:             pool,
		Tenants:          store.NewTenantStore(pool),
		Services:         store.NewTenantServiceStore(pool),
		Notifier:         notifier,
		Logger:           logger,
		CIData:           cfg.CIData,
		CIHandler:        cfg.CIHandler,
		CIHandlerTimeout: cfg.CIHandlerTimeout,
		Retry:            cfg.TenantRetry,
		NotifyInterval:   10 * time.Minute,
		NotifyDelay:      1 * time.Minute,
	}
}

func (l *Lifecycle) retryPolicy() store.RetryPolicy {
	return store.RetryPolicy{
		MaxAttempts:    l.Retry.MaxAttempts,
		InitialBackoff: l.Retry.InitialBackoff,
		Multiplier:     l.Retry.Multiplier,
		MaxBackoff:     l.Retry.MaxBackoff,
	}
}

// ErrDuplicateTenant is returned by Create under
// model.DuplicateFail when a tenant already exists for the given service
// reference.
var ErrDuplicateTenant = fmt.Errorf("tenant-lifecycle: duplicate service reference")

// Create persists a fresh unloaded tenant for ref, or reacts to an
// existing one per mode (spec §4.4 "Create unloaded tenant"). The tenant
// id is a UUIDv4 text form, matching the CI request id.
func (l *Lifecycle) Create(ctx context.Context, ref model.ServiceRef, data *string, mode model.DuplicateTenantMode) (string, error) {
	var tenantID string
	err := l.Pool.Serializable(ctx, l.retryPolicy(), func(tx pgx.Tx) error {
		existing, err := l.Tenants.GetByService(ctx, tx, ref)
		if err != nil && err != store.ErrNotFound {
			return errkind.New(errkind.Fatal, err)
		}
		if err == store.ErrNotFound {
			tenantID, err = l.createFresh(ctx, tx, ref, data, 1)
			return err
		}

		effectiveMode := mode
		if mode == model.DuplicateReplaceArchived {
			if existing.Archived {
				effectiveMode = model.DuplicateReplace
			} else {
				effectiveMode = model.DuplicateIgnore
			}
		}

		switch effectiveMode {
		case model.DuplicateFail:
			return errkind.New(errkind.Client, ErrDuplicateTenant)
		case model.DuplicateIgnore:
			if _, err := l.Services.IncrementRefCount(ctx, tx, ref, 1); err != nil {
				return errkind.New(errkind.Fatal, err)
			}
			tenantID = existing.ID
			return nil
		case model.DuplicateReplace:
			ts, err := l.Services.Get(ctx, tx, ref)
			if err != nil && err != store.ErrNotFound {
				return errkind.New(errkind.Fatal, err)
			}
			refCount := 1
			if err == nil {
				refCount = ts.RefCount
			}
			if existing.IsUnloaded() {
				if err := l.Tenants.Delete(ctx, tx, existing.ID); err != nil {
					return errkind.New(errkind.Fatal, err)
				}
			} else {
				existing.Archived = true
				existing.Service = nil
				if err := l.Tenants.Update(ctx, tx, existing); err != nil {
					return errkind.New(errkind.Fatal, err)
				}
			}
			if err := l.Services.Delete(ctx, tx, ref); err != nil && err != store.ErrNotFound {
				return errkind.New(errkind.Fatal, err)
			}
			tenantID, err = l.createFresh(ctx, tx, ref, data, refCount)
			return err
		default:
			return errkind.Newf(errkind.Client, "tenant-lifecycle: unknown duplicate_tenant_mode %q", mode)
		}
	})
	return tenantID, err
}

func (l *Lifecycle) createFresh(ctx context.Context, tx pgx.Tx, ref model.ServiceRef, data *string, refCount int) (string, error) {
	id := uuid.NewString()
	now := time.Now()
	queuedAt := now.Add(-l.NotifyInterval).Add(l.NotifyDelay)

	if err := l.Services.Insert(ctx, tx, model.TenantService{Ref: ref, Data: data, RefCount: refCount}); err != nil {
		return "", errkind.New(errkind.Fatal, err)
	}
	t := model.Tenant{
		ID:         id,
		CreatedAt:  now,
		Service:    &ref,
		QueuedAt:   &queuedAt,
		UnloadedAt: &now,
	}
	if err := l.Tenants.Insert(ctx, tx, t); err != nil {
		return "", errkind.New(errkind.Fatal, err)
	}
	return id, nil
}

// Cancel decrements the ref-count for ref and, when it reaches zero,
// deletes the tenant if still unloaded or archives it otherwise (spec
// §4.4 "Cancel"); CancelTenant cancels by tenant id instead. Returns the final tenant-service state, or nil if the
// service row was deleted.
func (l *Lifecycle) Cancel(ctx context.Context, ref model.ServiceRef) (*model.TenantService, error) {
	var result *model.TenantService
	err := l.Pool.Serializable(ctx, l.retryPolicy(), func(tx pgx.Tx) error {
		count, err := l.Services.IncrementRefCount(ctx, tx, ref, -1)
		if err != nil {
			if err == store.ErrNotFound {
				return errkind.New(errkind.ExpiredSession, fmt.Errorf("tenant-lifecycle: no service %s/%s", ref.Type, ref.ID))
			}
			return errkind.New(errkind.Fatal, err)
		}
		if count > 0 {
			ts, err := l.Services.Get(ctx, tx, ref)
			if err != nil {
				return errkind.New(errkind.Fatal, err)
			}
			result = &ts
			return nil
		}
		return l.finalizeCancel(ctx, tx, ref)
	})
	return result, err
}

// CancelTenant cancels unconditionally by tenant id rather than service
// reference (spec §4.4 "Cancel": "given a (type, id) or a raw tenant id").
func (l *Lifecycle) CancelTenant(ctx context.Context, tenantID string) error {
	return l.Pool.Serializable(ctx, l.retryPolicy(), func(tx pgx.Tx) error {
		t, err := l.Tenants.Get(ctx, tx, tenantID)
		if err != nil {
			if err == store.ErrNotFound {
				return errkind.New(errkind.ExpiredSession, err)
			}
			return errkind.New(errkind.Fatal, err)
		}
		if t.Service == nil {
			return l.archiveOrDelete(ctx, tx, t)
		}
		return l.finalizeCancel(ctx, tx, *t.Service)
	})
}

// finalizeCancel drops the service row and archives/deletes every tenant
// referencing it once the ref-count has reached zero.
func (l *Lifecycle) finalizeCancel(ctx context.Context, tx pgx.Tx, ref model.ServiceRef) error {
	t, err := l.Tenants.GetByService(ctx, tx, ref)
	if err != nil && err != store.ErrNotFound {
		return errkind.New(errkind.Fatal, err)
	}
	if err == nil {
		if err := l.archiveOrDelete(ctx, tx, t); err != nil {
			return err
		}
	}
	if err := l.Services.Delete(ctx, tx, ref); err != nil && err != store.ErrNotFound {
		return errkind.New(errkind.Fatal, err)
	}
	return nil
}

func (l *Lifecycle) archiveOrDelete(ctx context.Context, tx pgx.Tx, t model.Tenant) error {
	if t.IsUnloaded() {
		return l.Tenants.Delete(ctx, tx, t.ID)
	}
	t.Archived = true
	t.Service = nil
	return l.Tenants.Update(ctx, tx, t)
}

// Load clears unloaded_at for the tenant owning ref and runs the shared
// Start routine over sub (spec §4.4 "Load"): serialize the CI request
// manifest to disk, run the optional CI handler, persist its result.
func (l *Lifecycle) Load(ctx context.Context, ref model.ServiceRef, sub manifest.CISubmission) error {
	var tenantID string
	err := l.Pool.Serializable(ctx, l.retryPolicy(), func(tx pgx.Tx) error {
		t, err := l.Tenants.GetByService(ctx, tx, ref)
		if err != nil {
			if err == store.ErrNotFound {
				return errkind.New(errkind.ExpiredSession, err)
			}
			return errkind.New(errkind.Fatal, err)
		}
		if !t.IsUnloaded() {
			return errkind.Newf(errkind.Client, "tenant-lifecycle: tenant %s already loaded", t.ID)
		}
		t.UnloadedAt = nil
		if err := l.Tenants.Update(ctx, tx, t); err != nil {
			return errkind.New(errkind.Fatal, err)
		}
		tenantID = t.ID
		return nil
	})
	if err != nil {
		return err
	}
	return l.start(ctx, tenantID, sub)
}

// start persists the CI submission's request/overrides manifests, runs
// the optional external CI handler, and writes its result manifest (spec
// §4.4 "Load", §6 "CI submission manifest"). The three manifests are not
// emailed.
func (l *Lifecycle) start(ctx context.Context, tenantID string, sub manifest.CISubmission) error {
	dir := filepath.Join(l.CIData, sub.ID)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return errkind.New(errkind.Fatal, fmt.Errorf("create ci-data dir: %w", err))
	}

	reqFile, err := os.Create(filepath.Join(dir, "request.manifest"))
	if err != nil {
		return errkind.New(errkind.Fatal, err)
	}
	werr := sub.WriteRequest(reqFile)
	cerr := reqFile.Close()
	if werr != nil {
		return errkind.New(errkind.Fatal, werr)
	}
	if cerr != nil {
		return errkind.New(errkind.Fatal, cerr)
	}

	if len(sub.Custom) > 0 {
		if err := l.writeOverrides(dir, sub.Custom); err != nil {
			return err
		}
	}

	result := l.runCIHandler(ctx, dir)

	resFile, err := os.Create(filepath.Join(dir, "result.manifest"))
	if err != nil {
		return errkind.New(errkind.Fatal, err)
	}
	werr = result.Write(resFile)
	cerr = resFile.Close()
	if werr != nil {
		return errkind.New(errkind.Fatal, werr)
	}
	if cerr != nil {
		return errkind.New(errkind.Fatal, cerr)
	}

	l.Logger.Info("ci tenant loaded", zap.String("tenant", tenantID), zap.String("request", sub.ID), zap.String("status", result.Status))
	return nil
}

func (l *Lifecycle) writeOverrides(dir string, custom []manifest.NameValue) error {
	f, err := os.Create(filepath.Join(dir, "overrides.manifest"))
	if err != nil {
		return errkind.New(errkind.Fatal, err)
	}
	defer f.Close()
	for _, nv := range custom {
		if _, err := fmt.Fprintf(f, "%s: %s\n", nv.Name, nv.Value); err != nil {
			return errkind.New(errkind.Fatal, err)
		}
	}
	return nil
}

// runCIHandler invokes the optional external CI pipeline handler with the
// request directory as its argument, translating its outcome into a
// CIResult. With no handler configured the submission is accepted
// without further action.
func (l *Lifecycle) runCIHandler(ctx context.Context, dir string) manifest.CIResult {
	if l.CIHandler == "" {
		return manifest.CIResult{Status: "success", Message: "no CI handler configured"}
	}
	timeout := l.CIHandlerTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	res, err := handler.Run(ctx, timeout, l.CIHandler, dir)
	if err != nil {
		l.Logger.Warn("ci handler failed to run", zap.Error(err))
		return manifest.CIResult{Status: "error", Message: err.Error()}
	}
	if res.ExitCode != 0 {
		return manifest.CIResult{Status: "error", Message: string(res.Stderr)}
	}
	return manifest.CIResult{Status: "success", Message: string(res.Stdout)}
}

// UpdateService persists data for ref in its own transaction (spec §4.4
// "Service-update helper"), used by callback owners (queued/building/
// built notifications) that return refreshed service data. If all
// retries are exhausted while the update is pending, the tenant is
// defensively canceled to avoid internal state diverging from the
// external service's.
func (l *Lifecycle) UpdateService(ctx context.Context, ref model.ServiceRef, data *string) error {
	err := l.Pool.Serializable(ctx, l.retryPolicy(), func(tx pgx.Tx) error {
		return l.Services.SetData(ctx, tx, ref, data)
	})
	if err != nil && errkind.Is(err, errkind.Recoverable) {
		l.Logger.Warn("tenant-service update exhausted retries; canceling defensively",
			zap.String("service_type", ref.Type), zap.String("service_id", ref.ID))
		if _, cerr := l.Cancel(ctx, ref); cerr != nil {
			l.Logger.Error("defensive cancel failed", zap.Error(cerr))
		}
	}
	return err
}
