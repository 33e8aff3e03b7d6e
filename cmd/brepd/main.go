// Command brepd is the build control plane's HTTP service: the build-task
// dispatcher, the build-result intake, and the CI tenant-lifecycle
// endpoints (spec §2, §4.2-§4.4, §6).
//
// Grounded on cmd/control-plane/main.go's signal-context shutdown and
// ServeMux wiring, now delegated to internal/server.Server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/repoforge/brepd/internal/config"
	"github.com/repoforge/brepd/internal/server"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("BREPD_CONFIG"), "path to the JSON configuration file")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	server.Version, server.Commit, server.Date = version, commit, date

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	if cfg.DatabaseURL == "" {
		logger.Fatal("database_url is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build server", zap.Error(err))
	}
	defer srv.Close()

	if err := srv.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "brepd:", err)
		os.Exit(1)
	}
}
