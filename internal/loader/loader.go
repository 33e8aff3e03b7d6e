// Package loader implements the repository loader: the two-pass scan that
// brings a tenant's internal repositories into sync with their
// packages.manifest/repositories.manifest files on disk (spec §4.1).
//
// Grounded on the teacher's jobs.Scheduler shape (ticker-driven batch work
// guarded by a process-wide lock) but restructured as a single-shot Run
// invoked by cmd/brep-load, since the loader is a batch job, not a
// long-lived poller, per spec §1 "Non-goals".
package loader

import (
	"context"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/repoforge/brepd/internal/errkind"
	"github.com/repoforge/brepd/internal/handler"
	"github.com/repoforge/brepd/internal/manifest"
	"github.com/repoforge/brepd/internal/model"
	"github.com/repoforge/brepd/internal/store"
)

// Loader brings a tenant's internal repositories into sync with the
// on-disk loadtab and its referenced manifest files.
type Loader struct {
	Pool         *store.Pool
	Repositories *store.RepositoryStore
	Packages     *store.PackageStore
	PublicKeys   *store.PublicKeyStore
	Fetcher      *handler.Fetcher
	Logger       *zap.Logger

	// MetaDir is the optional reviews-metadata directory (spec §4.1
	// "Review-metadata ingestion").
	MetaDir string
}

// New constructs a Loader from its dependencies.
func New(pool *store.Pool, fetcher *handler.Fetcher, metaDir string, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		Pool:         pool,
		Repositories: store.NewRepositoryStore(pool),
		Packages:     store.NewPackageStore(pool),
		PublicKeys:   store.NewPublicKeyStore(pool),
		Fetcher:      fetcher,
		Logger:       logger,
		MetaDir:      metaDir,
	}
}

// Result summarizes one Run invocation for the caller (cmd/brep-load exit
// code selection, spec §4.1 "Failure semantics": exit 1 parse/db error, 2
// lock contention, 3 partial failure with some repositories loaded).
type Result struct {
	Loaded  int
	Skipped int
	Failed  []error
}

// Run loads every entry of loadtab for tenant, serialized against
// concurrent loader runs by the process-wide advisory lock (spec §5).
func Run(ctx context.Context, l *Loader, tenant, loadtabPath string) (Result, error) {
	release, ok, err := l.Pool.TryAdvisoryLock(ctx, store.LoaderLockKey)
	if err != nil {
		return Result{}, errkind.New(errkind.Fatal, err)
	}
	if !ok {
		return Result{}, errkind.Newf(errkind.Recoverable, "loader already running for this database")
	}
	defer release()

	f, err := os.Open(loadtabPath)
	if err != nil {
		return Result{}, errkind.New(errkind.Fatal, err)
	}
	defer f.Close()

	entries, err := manifest.ParseLoadtab(f)
	if err != nil {
		return Result{}, errkind.New(errkind.Client, err)
	}

	var res Result
	for _, e := range entries {
		changed, err := l.changed(ctx, tenant, e)
		if err != nil {
			res.Failed = append(res.Failed, err)
			continue
		}
		if !changed {
			res.Skipped++
			continue
		}
		if err := l.loadOne(ctx, tenant, e); err != nil {
			l.Logger.Warn("repository load failed", zap.String("location", e.Location), zap.Error(err))
			res.Failed = append(res.Failed, err)
			continue
		}
		res.Loaded++
	}

	if len(res.Failed) > 0 && res.Loaded > 0 {
		return res, errkind.Newf(errkind.Recoverable, "partial loader failure: %d of %d repositories failed", len(res.Failed), len(entries))
	}
	if len(res.Failed) > 0 {
		return res, errkind.Newf(errkind.Fatal, "loader failed for all %d repositories", len(entries))
	}
	return res, nil
}

// changed compares the packages.manifest/repositories.manifest mtimes in
// the entry's cache against the repository's persisted timestamps, per
// spec §4.1 "Change detection": a repository is reloaded only if either
// file's mtime has advanced.
func (l *Loader) changed(ctx context.Context, tenant string, e manifest.LoadtabEntry) (bool, error) {
	id := model.RepositoryID{Tenant: tenant, CanonicalName: e.DisplayName}
	existing, err := l.Repositories.Get(ctx, nil, id)
	if err != nil {
		if err == store.ErrNotFound {
			return true, nil
		}
		return false, err
	}

	pkgsStat, err := os.Stat(filepath.Join(e.CacheLocation, "packages.manifest"))
	if err != nil {
		return false, errkind.New(errkind.Client, err)
	}
	reposStat, err := os.Stat(filepath.Join(e.CacheLocation, "repositories.manifest"))
	if err != nil {
		return false, errkind.New(errkind.Client, err)
	}

	return pkgsStat.ModTime().After(existing.PackagesTimestamp) ||
		reposStat.ModTime().After(existing.RepositoriesTimestamp), nil
}

// loadOne runs both passes for a single loadtab entry inside one
// SERIALIZABLE transaction (spec §4.1, §5).
func (l *Loader) loadOne(ctx context.Context, tenant string, e manifest.LoadtabEntry) error {
	return l.Pool.Serializable(ctx, store.DefaultRetryPolicy(), func(tx pgx.Tx) error {
		repo, err := l.pass1(ctx, tx, tenant, e)
		if err != nil {
			return err
		}
		if err := l.pass2(ctx, tx, tenant, repo); err != nil {
			return err
		}
		return l.resolveDependencies(ctx, tx, tenant)
	})
}

// fetchCertificate resolves the signing certificate for a repository's
// cache location, computing it via the fetch tool if Fetcher is set (spec
// §4.1), or returning nil if no fetcher is configured (e.g. in tests
// against a cache that carries no certificate).
func (l *Loader) fetchCertificate(ctx context.Context, location string) (*string, error) {
	if l.Fetcher == nil {
		return nil, nil
	}
	cert, err := l.Fetcher.FetchCertificate(ctx, location)
	if err != nil {
		return nil, err
	}
	if cert == "" {
		return nil, nil
	}
	return &cert, nil
}
