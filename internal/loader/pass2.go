package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/repoforge/brepd/internal/errkind"
	"github.com/repoforge/brepd/internal/manifest"
	"github.com/repoforge/brepd/internal/model"
	"github.com/repoforge/brepd/internal/store"
)

// pass2 loads a repository's repositories.manifest, resolving its
// complement/prerequisite list and ensuring each directly referenced
// repository is persisted as a non-internal placeholder if not already
// known (spec §4.1 "Pass 2 — repositories"). The placeholders' own
// packages and repositories are not fetched or loaded.
func (l *Loader) pass2(ctx context.Context, tx pgx.Tx, tenant string, repo model.Repository) error {
	reposPath := filepath.Join(repo.CacheLocation, "repositories.manifest")
	f, err := os.Open(reposPath)
	if err != nil {
		return errkind.New(errkind.Client, err)
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return errkind.New(errkind.Client, err)
	}

	entries, err := manifest.ParseRepositories(f)
	if err != nil {
		return errkind.New(errkind.Client, err)
	}

	manifest.ApplyTo(&repo, entries)
	repo.RepositoriesTimestamp = stat.ModTime()
	if err := l.Repositories.Upsert(ctx, tx, repo); err != nil {
		return errkind.New(errkind.Fatal, err)
	}

	for _, ref := range append(append([]model.RepositoryID{}, repo.Complements...), repo.Prerequisites...) {
		if _, err := l.Repositories.Get(ctx, tx, ref); err == store.ErrNotFound {
			placeholder := model.Repository{
				ID:       ref,
				Location: ref.CanonicalName,
				Internal: false,
			}
			if err := l.Repositories.Upsert(ctx, tx, placeholder); err != nil {
				return errkind.New(errkind.Fatal, err)
			}
		} else if err != nil {
			return errkind.New(errkind.Fatal, err)
		}
	}

	if err := detectRepositoryCycle(ctx, l, tx, tenant, repo.ID, map[string]bool{}); err != nil {
		return errkind.New(errkind.Client, err)
	}

	return l.ingestReviewMetadata(tenant, repo)
}

// detectRepositoryCycle walks the complement/prerequisite graph by depth
// first search, failing on a repeated canonical name in the current path
// (spec §4.1 "Cycle detection"). Matches the package-graph cycle check's
// DFS shape but walks repositories instead of package dependencies.
func detectRepositoryCycle(ctx context.Context, l *Loader, tx pgx.Tx, tenant string, id model.RepositoryID, path map[string]bool) error {
	if path[id.CanonicalName] {
		return fmt.Errorf("repository cycle detected at %q", id.CanonicalName)
	}
	path[id.CanonicalName] = true
	defer delete(path, id.CanonicalName)

	r, err := l.Repositories.Get(ctx, tx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	for _, ref := range append(append([]model.RepositoryID{}, r.Complements...), r.Prerequisites...) {
		if err := detectRepositoryCycle(ctx, l, tx, tenant, ref, path); err != nil {
			return err
		}
	}
	return nil
}

// ingestReviewMetadata walks every file under <meta-dir>/<repository
// canonical name>/ and logs its presence at debug level. The files are not
// parsed and nothing is persisted from them.
func (l *Loader) ingestReviewMetadata(tenant string, repo model.Repository) error {
	if l.MetaDir == "" {
		return nil
	}
	root := filepath.Join(l.MetaDir, repo.ID.CanonicalName)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil
	}
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		l.Logger.Debug("review metadata present", zap.String("repository", repo.ID.CanonicalName), zap.String("path", path))
		return nil
	})
}
