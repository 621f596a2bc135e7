package main

import (
	"github.com/spf13/cobra"

	"billingengine/internal/db"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE:  runMigrate,
	}
	cmd.Flags().Bool("status", false, "print migration status instead of applying")
	return cmd
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	logger := commandLogger(cmd)
	cfg, err := loadDBConfig()
	if err != nil {
		return err
	}

	pool, err := openPool(cmd.Context(), cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	if status, _ := cmd.Flags().GetBool("status"); status {
		return db.MigrationStatus(cmd.Context(), pool, logger)
	}
	if err := db.Migrate(cmd.Context(), pool, logger); err != nil {
		return err
	}
	logger.Info("migrations applied")
	return nil
}
