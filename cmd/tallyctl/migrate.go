package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"tallystat/internal"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Runs database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *internal.Application) error {
				if err := app.DBManager.MigrateDatabase(); err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Migrations completed successfully")
				return nil
			})
		},
	})
}
