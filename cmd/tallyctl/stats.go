package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"tallystat/internal"
	"tallystat/internal/rollup"
)

var (
	statsSite        uint
	statsGranularity string
	statsFrom        string
	statsTo          string
	statsChart       bool
)

func init() {
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Shows rollup statistics",
		Long:  "Without --site prints the row and page view counts of every tier per site. With --site prints the site's summary, or chart with --chart, as JSON.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *internal.Application) error {
				if statsSite == 0 {
					return printCounts(ctx, cmd, app)
				}
				return printSiteStats(ctx, cmd, app)
			})
		},
	}
	statsCmd.Flags().UintVar(&statsSite, "site", 0, "Site id")
	statsCmd.Flags().StringVar(&statsGranularity, "granularity", "day", "Tier to read: hour, day or month")
	statsCmd.Flags().StringVar(&statsFrom, "from", "", "Range start (YYYY-MM-DD), defaults to 30 days ago")
	statsCmd.Flags().StringVar(&statsTo, "to", "", "Range end (YYYY-MM-DD), exclusive, defaults to tomorrow")
	statsCmd.Flags().BoolVar(&statsChart, "chart", false, "Print chart points instead of the summary")
	rootCmd.AddCommand(statsCmd)
}

func printCounts(ctx context.Context, cmd *cobra.Command, app *internal.Application) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIER\tSITE\tROWS\tPAGE VIEWS")
	for _, g := range rollup.Granularities {
		counts, err := app.Store.CountsBySite(ctx, g)
		if err != nil {
			return err
		}
		for _, c := range counts {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", g, c.SiteID, c.Rows, c.PageViews)
		}
	}
	return w.Flush()
}

func printSiteStats(ctx context.Context, cmd *cobra.Command, app *internal.Application) error {
	g, err := rollup.ParseGranularity(statsGranularity)
	if err != nil {
		return err
	}
	today := rollup.Day.Truncate(time.Now().UTC())
	from, to := today.AddDate(0, 0, -30), today.AddDate(0, 0, 1)
	if statsFrom != "" {
		if from, err = parseDay(statsFrom); err != nil {
			return err
		}
	}
	if statsTo != "" {
		if to, err = parseDay(statsTo); err != nil {
			return err
		}
	}

	var out any
	if statsChart {
		out, err = app.Engine.ChartData(ctx, statsSite, from, to, g)
	} else {
		out, err = app.Engine.SiteStats(ctx, statsSite, from, to, g)
	}
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return nil
}
