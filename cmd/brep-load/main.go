// Command brep-load is the repository loader batch binary (spec §4.1):
// it brings one tenant's internal repositories into sync with their
// loadtab and its referenced manifest files, then exits.
//
// Grounded on the teacher's convention of one binary per operational
// surface (cmd/probe, cmd/dashboard as siblings of the main server) —
// the loader is batch-driven (spec §1 "Non-goals": no poller), so it gets
// its own short-lived binary rather than a subcommand of the long-lived
// brepd service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/repoforge/brepd/internal/config"
	"github.com/repoforge/brepd/internal/errkind"
	"github.com/repoforge/brepd/internal/handler"
	"github.com/repoforge/brepd/internal/loader"
	"github.com/repoforge/brepd/internal/model"
	"github.com/repoforge/brepd/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", os.Getenv("BREPD_CONFIG"), "path to the JSON configuration file")
	tenant := flag.String("tenant", model.SingleTenant, "tenant to load into (empty for single-tenant mode)")
	loadtabPath := flag.String("loadtab", "", "path to the loadtab file (overrides config)")
	fetchTool := flag.String("fetch-tool", "bpkg-rep-fetch", "path to the external repository-fetch tool")
	mysqlDSN := flag.String("mysql-analytics-dsn", "", "optional MySQL DSN to mirror loaded packages into for analytics")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "brep-load: load config:", err)
		return 1
	}
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "brep-load: database_url is required")
		return 1
	}
	path := *loadtabPath
	if path == "" {
		path = cfg.LoadTab
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "brep-load: no loadtab path given (--loadtab or config)")
		return 1
	}

	ctx := context.Background()
	pool, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "brep-load: open database:", err)
		return 1
	}
	defer pool.Close()

	fetcher := handler.NewFetcher(*fetchTool, cfg.FetchTimeout, logger)
	l := loader.New(pool, fetcher, cfg.MetaDir, logger)

	res, err := loader.Run(ctx, l, *tenant, path)
	logger.Info("load complete",
		zap.Int("loaded", res.Loaded),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", len(res.Failed)),
	)

	if *mysqlDSN != "" && res.Loaded > 0 {
		if mirrErr := mirrorAnalytics(ctx, pool, *mysqlDSN, *tenant); mirrErr != nil {
			logger.Warn("mysql analytics mirror failed", zap.Error(mirrErr))
		}
	}

	if err == nil {
		return 0
	}

	kind, _ := errkind.As(err)
	switch kind {
	case errkind.Recoverable:
		if isLockContention(err) {
			fmt.Fprintln(os.Stderr, "brep-load:", err)
			return 2
		}
		fmt.Fprintln(os.Stderr, "brep-load:", err)
		return 3
	default:
		fmt.Fprintln(os.Stderr, "brep-load:", err)
		return 1
	}
}

func isLockContention(err error) bool {
	return err != nil && strings.Contains(err.Error(), "already running")
}

func mirrorAnalytics(ctx context.Context, pool *store.Pool, dsn, tenant string) error {
	packages := store.NewPackageStore(pool)
	pkgs, err := packages.ListBuildable(ctx, nil, tenant)
	if err != nil {
		return err
	}
	return loader.MirrorPackagesToMySQL(ctx, dsn, tenant, pkgs)
}
