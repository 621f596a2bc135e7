package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"billingengine/internal/config"
	"billingengine/internal/db"
)

// NewRootCmd creates the root cobra command for billingctl.
func NewRootCmd(v string) *cobra.Command {
	root := &cobra.Command{
		Use:           "billingctl",
		Short:         "Billing engine operator CLI",
		Version:       v,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newMigrateCmd())
	root.AddCommand(newRunTaskCmd())
	root.AddCommand(newTasksCmd())
	root.AddCommand(newStateCmd())

	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	return root
}

// commandLogger logs to stderr so stdout stays machine-readable.
func commandLogger(cmd *cobra.Command) *slog.Logger {
	level, _ := cmd.Flags().GetString("log-level")
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: lvl}))
}

func secretProvider() config.SecretProvider {
	return config.NewSSMProvider(os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL"))
}

// dbConfig is what commands that only touch the database need.
type dbConfig struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Database    config.DatabaseConfig
}

func loadDBConfig() (*dbConfig, error) {
	var cfg dbConfig
	if err := config.LoadInto(secretProvider(), &cfg); err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return &cfg, nil
}

func openPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return pool, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
