package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/repoforge/brepd/internal/model"
	"github.com/repoforge/brepd/internal/notify"
	"github.com/repoforge/brepd/internal/store"
	"github.com/repoforge/brepd/internal/tenantlifecycle"
)

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Administer CI tenant lifecycle state directly against the database",
}

var (
	tenantServiceType string
	tenantServiceID   string
)

var tenantCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel a tenant-service reference, archiving or deleting the tenant if its ref-count drops to zero",
	RunE: func(cmd *cobra.Command, args []string) error {
		if tenantServiceType == "" || tenantServiceID == "" {
			return fmt.Errorf("--service-type and --service-id are required")
		}
		lc, pool, err := newLifecycle(cmd.Context())
		if err != nil {
			return err
		}
		defer pool.Close()

		ref := model.ServiceRef{Type: tenantServiceType, ID: tenantServiceID}
		ts, err := lc.Cancel(cmd.Context(), ref)
		if err != nil {
			return err
		}
		if ts == nil {
			fmt.Println("tenant-service deleted")
			return nil
		}
		fmt.Printf("ref_count=%d\n", ts.RefCount)
		return nil
	},
}

func init() {
	tenantCancelCmd.Flags().StringVar(&tenantServiceType, "service-type", "", "tenant-service type")
	tenantCancelCmd.Flags().StringVar(&tenantServiceID, "service-id", "", "tenant-service id")
	tenantCmd.AddCommand(tenantCancelCmd)
}

func newLifecycle(ctx context.Context) (*tenantlifecycle.Lifecycle, *store.Pool, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	dsn, err := resolvedDatabaseURL()
	if err != nil {
		return nil, nil, err
	}
	logger, _ := zap.NewProduction()
	pool, err := store.Open(ctx, dsn, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return tenantlifecycle.New(pool, notify.New(logger), cfg, logger), pool, nil
}
