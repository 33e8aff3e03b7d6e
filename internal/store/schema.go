package store

import (
	"database/sql"

	"github.com/repoforge/brepd/internal/migration"
)

const storeName = "brepd"

// Migrations is the ordered schema history for the package/build model.
var Migrations = migration.NewRunner(storeName, []migration.Migration{
	{
		Version:     1,
		Description: "initial package/build schema",
		Up:          migrateUp1,
		Down:        migrateDown1,
	},
})

func migrateUp1(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tenant_services (
			type       TEXT NOT NULL,
			id         TEXT NOT NULL,
			data       TEXT,
			ref_count  INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (type, id)
		)`,
		`CREATE TABLE IF NOT EXISTS tenants (
			id           TEXT PRIMARY KEY,
			private      BOOLEAN NOT NULL DEFAULT false,
			interactive  TEXT,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			archived     BOOLEAN NOT NULL DEFAULT false,
			service_type TEXT,
			service_id   TEXT,
			queued_at    TIMESTAMPTZ,
			toolchain    TEXT,
			unloaded_at  TIMESTAMPTZ,
			FOREIGN KEY (service_type, service_id) REFERENCES tenant_services (type, id)
		)`,
		`CREATE TABLE IF NOT EXISTS repositories (
			tenant                 TEXT NOT NULL,
			canonical_name         TEXT NOT NULL,
			location               TEXT NOT NULL,
			display_name           TEXT NOT NULL,
			priority               INTEGER NOT NULL DEFAULT 0,
			internal               BOOLEAN NOT NULL,
			buildable              BOOLEAN NOT NULL DEFAULT false,
			cache_location         TEXT NOT NULL DEFAULT '',
			certificate            TEXT,
			packages_timestamp     TIMESTAMPTZ,
			repositories_timestamp TIMESTAMPTZ,
			complements            JSONB NOT NULL DEFAULT '[]',
			prerequisites          JSONB NOT NULL DEFAULT '[]',
			PRIMARY KEY (tenant, canonical_name)
		)`,
		`CREATE TABLE IF NOT EXISTS public_keys (
			tenant      TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			data        TEXT NOT NULL,
			PRIMARY KEY (tenant, fingerprint)
		)`,
		`CREATE TABLE IF NOT EXISTS packages (
			tenant               TEXT NOT NULL,
			name                 TEXT NOT NULL,
			canonical_version    TEXT NOT NULL,
			version_text         TEXT NOT NULL,
			upstream_version     TEXT,
			project              TEXT NOT NULL,
			summary              TEXT NOT NULL DEFAULT '',
			license_alternatives JSONB NOT NULL DEFAULT '[]',
			topics               JSONB NOT NULL DEFAULT '[]',
			keywords             JSONB NOT NULL DEFAULT '[]',
			description          TEXT,
			changes              TEXT,
			urls                 JSONB NOT NULL DEFAULT '{}',
			emails               JSONB NOT NULL DEFAULT '{}',
			dependencies         JSONB NOT NULL DEFAULT '[]',
			requirements         JSONB NOT NULL DEFAULT '[]',
			tests                JSONB NOT NULL DEFAULT '[]',
			builds               JSONB NOT NULL DEFAULT '[]',
			build_constraints    JSONB NOT NULL DEFAULT '[]',
			build_auxiliaries    JSONB NOT NULL DEFAULT '[]',
			build_bot_keys       JSONB NOT NULL DEFAULT '[]',
			build_configs        JSONB NOT NULL DEFAULT '[]',
			location             TEXT,
			fragment             TEXT,
			sha256sum            TEXT,
			internal_repository  TEXT,
			other_repositories   JSONB NOT NULL DEFAULT '[]',
			buildable            BOOLEAN NOT NULL DEFAULT false,
			unbuildable_reason   TEXT,
			custom_bot           BOOLEAN,
			PRIMARY KEY (tenant, name, canonical_version),
			FOREIGN KEY (tenant, internal_repository) REFERENCES repositories (tenant, canonical_name)
		)`,
		`CREATE TABLE IF NOT EXISTS builds (
			tenant                TEXT NOT NULL,
			package_name          TEXT NOT NULL,
			package_version       TEXT NOT NULL,
			target                TEXT NOT NULL,
			target_config_name    TEXT NOT NULL,
			package_config_name   TEXT NOT NULL,
			toolchain_name        TEXT NOT NULL,
			toolchain_version     TEXT NOT NULL,
			state                 TEXT NOT NULL,
			status                TEXT,
			force                 TEXT NOT NULL DEFAULT 'unforced',
			timestamp             TIMESTAMPTZ NOT NULL,
			soft_timestamp        TIMESTAMPTZ NOT NULL,
			hard_timestamp        TIMESTAMPTZ NOT NULL,
			completion_timestamp  TIMESTAMPTZ,
			interactive           TEXT,
			agent_fingerprint     TEXT,
			agent_challenge       BYTEA,
			machine               TEXT NOT NULL DEFAULT '',
			auxiliary_machines    JSONB NOT NULL DEFAULT '[]',
			controller_checksum   TEXT NOT NULL DEFAULT '',
			machine_checksum      TEXT NOT NULL DEFAULT '',
			agent_checksum        TEXT,
			worker_checksum       TEXT,
			dependency_checksum   TEXT,
			results               JSONB NOT NULL DEFAULT '[]',
			PRIMARY KEY (tenant, package_name, package_version, target, target_config_name, package_config_name, toolchain_name, toolchain_version)
		)`,
		`CREATE TABLE IF NOT EXISTS build_delays (
			tenant                TEXT NOT NULL,
			package_name          TEXT NOT NULL,
			package_version       TEXT NOT NULL,
			target                TEXT NOT NULL,
			target_config_name    TEXT NOT NULL,
			package_config_name   TEXT NOT NULL,
			toolchain_name        TEXT NOT NULL,
			toolchain_version     TEXT NOT NULL,
			report_timestamp      TIMESTAMPTZ,
			package_timestamp     TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant, package_name, package_version, target, target_config_name, package_config_name, toolchain_name, toolchain_version)
		)`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func migrateDown1(tx *sql.Tx) error {
	stmts := []string{
		`DROP TABLE IF EXISTS build_delays`,
		`DROP TABLE IF EXISTS builds`,
		`DROP TABLE IF EXISTS packages`,
		`DROP TABLE IF EXISTS public_keys`,
		`DROP TABLE IF EXISTS repositories`,
		`DROP TABLE IF EXISTS tenants`,
		`DROP TABLE IF EXISTS tenant_services`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			return err
		}
	}
	return nil
}
