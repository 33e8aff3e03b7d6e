package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/repoforge/brepd/internal/handler"
	"github.com/repoforge/brepd/internal/loader"
	"github.com/repoforge/brepd/internal/model"
	"github.com/repoforge/brepd/internal/store"
)

var (
	loadTenant    string
	loadLoadtab   string
	loadFetchTool string
)

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Run the repository loader once for a tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dsn, err := resolvedDatabaseURL()
		if err != nil {
			return err
		}
		path := loadLoadtab
		if path == "" {
			path = cfg.LoadTab
		}
		if path == "" {
			return fmt.Errorf("no loadtab path given (--loadtab or config)")
		}

		logger, _ := zap.NewProduction()
		defer logger.Sync()

		ctx := context.Background()
		pool, err := store.Open(ctx, dsn, logger)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer pool.Close()

		fetcher := handler.NewFetcher(loadFetchTool, cfg.FetchTimeout, logger)
		l := loader.New(pool, fetcher, cfg.MetaDir, logger)

		res, err := loader.Run(ctx, l, loadTenant, path)
		fmt.Printf("loaded=%d skipped=%d failed=%d\n", res.Loaded, res.Skipped, len(res.Failed))
		return err
	},
}

func init() {
	loadCmd.Flags().StringVar(&loadTenant, "tenant", model.SingleTenant, "tenant to load into (empty for single-tenant mode)")
	loadCmd.Flags().StringVar(&loadLoadtab, "loadtab", "", "path to the loadtab file (overrides config)")
	loadCmd.Flags().StringVar(&loadFetchTool, "fetch-tool", "bpkg-rep-fetch", "path to the external repository-fetch tool")
}
