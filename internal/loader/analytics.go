package loader

import (
	"context"
	"database/sql"
	"fmt"

	// Blank-imported for its driver registration only: this file's sole
	// purpose is mirroring the freshly-loaded package set into a
	// MySQL-backed analytics warehouse some sites run alongside the
	// Postgres system of record. It is never used to read the control
	// plane's own state.
	_ "github.com/go-sql-driver/mysql"

	"github.com/repoforge/brepd/internal/model"
)

// MirrorPackagesToMySQL writes a read-only snapshot of tenant's packages to
// an external MySQL analytics warehouse (spec §4.1 is silent on this; it is
// a site-local reporting convenience, never consulted by the loader or
// scheduler themselves). dsn uses the go-sql-driver/mysql DSN form
// ("user:pass@tcp(host:3306)/db"). The target table is assumed to already
// exist; this never issues DDL.
func MirrorPackagesToMySQL(ctx context.Context, dsn string, tenant string, packages []model.Package) error {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("open analytics mysql: %w", err)
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin analytics tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		REPLACE INTO brep_packages_analytics (tenant, name, version, project, summary)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare analytics insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range packages {
		if _, err := stmt.ExecContext(ctx, tenant, p.ID.Name, p.ID.CanonicalVersion.String(), p.Project, p.Summary); err != nil {
			return fmt.Errorf("mirror package %s/%s: %w", p.ID.Name, p.ID.CanonicalVersion, err)
		}
	}
	return tx.Commit()
}
