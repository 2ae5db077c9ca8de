package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/saint0x/incident-copilot/pkg/store"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			return runMigrations(ctx, pool)
		},
	}
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	logger.Step("Applying database migrations...")
	if err := store.Migrate(ctx, pool); err != nil {
		return err
	}
	logger.Success("Database schema is up to date")
	return nil
}
