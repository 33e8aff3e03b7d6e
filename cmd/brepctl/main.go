// Command brepctl is the build control plane's operator CLI: schema
// migration, a one-shot loader run, and direct tenant-lifecycle
// administration against the database, bypassing the HTTP surface.
//
// Grounded on the teacher's cmd/legator cobra usage pattern
// (root command + PersistentFlags + one file per subcommand, version
// injected at build time).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configPath  string
	databaseURL string
)

var rootCmd = &cobra.Command{
	Use:     "brepctl",
	Short:   "Operator CLI for the build control plane",
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("BREPD_CONFIG"), "path to the JSON configuration file")
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", os.Getenv("BREPD_DATABASE_URL"), "Postgres connection string (overrides config)")
	rootCmd.SetVersionTemplate(fmt.Sprintf("brepctl %s (commit: %s, built: %s)\n", version, commit, date))

	rootCmd.AddCommand(migrateCmd, loadCmd, tenantCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "brepctl:", err)
		os.Exit(1)
	}
}

// resolvedDatabaseURL merges the --database-url flag over the loaded
// config file, flag taking priority.
func resolvedDatabaseURL() (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	if databaseURL != "" {
		return databaseURL, nil
	}
	if cfg.DatabaseURL == "" {
		return "", fmt.Errorf("database_url is required (--database-url or config)")
	}
	return cfg.DatabaseURL, nil
}
