package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"billingengine/internal/db"
	"billingengine/internal/types"
)

func newStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <identity-id>",
		Short: "Print the stored subscription state of an identity as JSON",
		Long: "Reads the composed state straight from the database, bypassing any cache.\n" +
			"Unknown identities are not initialized.",
		Args: cobra.ExactArgs(1),
		RunE: runState,
	}
}

// StateReader reads composed state. Implemented by db.StateRepository.
type StateReader interface {
	GetFromView(ctx context.Context, identityID string) (*types.SubscriptionState, error)
	GetFromBaseTables(ctx context.Context, identityID string) (*types.SubscriptionState, error)
}

func runState(cmd *cobra.Command, args []string) error {
	cfg, err := loadDBConfig()
	if err != nil {
		return err
	}
	pool, err := openPool(cmd.Context(), cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	return printState(cmd.Context(), cmd.OutOrStdout(), db.NewStateRepository(pool), args[0])
}

// printState prefers the view and falls back to the base tables, matching
// the API read path.
func printState(ctx context.Context, w io.Writer, states StateReader, identityID string) error {
	st, err := states.GetFromView(ctx, identityID)
	if err != nil && !types.HasCode(err, types.ErrCodeNotFoundIdentity) {
		st, err = states.GetFromBaseTables(ctx, identityID)
	}
	if err != nil {
		return fmt.Errorf("reading state for %s: %w", identityID, err)
	}
	return writeJSON(w, st)
}
