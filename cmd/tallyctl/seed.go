package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tallystat/internal"
	"tallystat/internal/seeder"
)

var (
	seedEvents int
	seedDays   int
	seedValue  uint64
)

func init() {
	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Populates the database with synthetic traffic",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *internal.Application) error {
				if app.Config.IsProduction() {
					return fmt.Errorf("refusing to seed a production database")
				}
				value := seedValue
				if value == 0 {
					value = uint64(time.Now().UnixNano())
				}
				s := seeder.NewSeeder(app.DBManager, app.Recorder, app.Logger, seedEvents, value)
				s.Days = seedDays
				report, err := s.Run(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sites=%d sessions=%d page_views=%d events=%d bots_denied=%d\n",
					report.Sites, report.Sessions, report.PageViews, report.Events, report.BotsDenied)
				return nil
			})
		},
	}
	seedCmd.Flags().IntVar(&seedEvents, "events", 1000, "Number of hits to attempt")
	seedCmd.Flags().IntVar(&seedDays, "days", 30, "Spread traffic over this many past days")
	seedCmd.Flags().Uint64Var(&seedValue, "seed", 0, "Random seed, 0 picks one")
	rootCmd.AddCommand(seedCmd)
}
