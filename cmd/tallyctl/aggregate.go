package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"tallystat/internal"
	"tallystat/internal/aggregation"
	"tallystat/internal/rollup"
)

var (
	aggregateSite uint
	aggregateDate string
	aggregateFrom string
	aggregateTo   string
)

func init() {
	aggregateCmd := &cobra.Command{
		Use:       "aggregate [hourly|daily|monthly|all]",
		Short:     "Runs rollup aggregation",
		Long:      "Without --site every site is swept like the scheduler does. With --site one site is aggregated, optionally for one --date, or backfilled over --from/--to. --from/--to without --site rebuilds daily and monthly rows of every site from its hourly rows, e.g. after an import.",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"hourly", "daily", "monthly", "all"},
		RunE: func(cmd *cobra.Command, args []string) error {
			level := "all"
			if len(args) == 1 {
				level = args[0]
			}
			return withApp(cmd, func(ctx context.Context, app *internal.Application) error {
				out := cmd.OutOrStdout()
				switch {
				case aggregateFrom != "" || aggregateTo != "":
					return backfill(ctx, out, app.Engine)
				case aggregateSite != 0:
					err := aggregateSiteLevel(ctx, out, app.Engine, level)
					app.Engine.InvalidateCache()
					return err
				default:
					return sweepLevel(ctx, out, app.Engine, level)
				}
			})
		},
	}
	aggregateCmd.Flags().UintVar(&aggregateSite, "site", 0, "Only aggregate this site id")
	aggregateCmd.Flags().StringVar(&aggregateDate, "date", "", "Day (YYYY-MM-DD) or month (YYYY-MM) to aggregate, requires --site")
	aggregateCmd.Flags().StringVar(&aggregateFrom, "from", "", "Backfill start day (YYYY-MM-DD)")
	aggregateCmd.Flags().StringVar(&aggregateTo, "to", "", "Backfill end day (YYYY-MM-DD), exclusive, defaults to today")
	rootCmd.AddCommand(aggregateCmd)
}

func sweepLevel(ctx context.Context, out io.Writer, engine *aggregation.Engine, level string) error {
	runs := map[string]func(context.Context) (*aggregation.SweepReport, error){
		"hourly":  engine.RunHourly,
		"daily":   engine.RunDaily,
		"monthly": engine.RunMonthly,
	}
	order := []string{level}
	if level == "all" {
		order = []string{"hourly", "daily", "monthly"}
	}

	var failed int
	for _, name := range order {
		report, err := runs[name](ctx)
		if err != nil {
			return fmt.Errorf("%s aggregation failed: %w", name, err)
		}
		fmt.Fprintf(out, "%-8s sites=%d buckets=%d deleted=%d failures=%d duration=%s\n",
			name, report.Sites, report.Buckets, report.Deleted, len(report.Failures), report.Duration.Round(time.Millisecond))
		for _, f := range report.Failures {
			fmt.Fprintf(out, "  site %d: %v\n", f.SiteID, f.Err)
		}
		failed += len(report.Failures)
	}
	if failed > 0 {
		return fmt.Errorf("%d site aggregations failed", failed)
	}
	return nil
}

func aggregateSiteLevel(ctx context.Context, out io.Writer, engine *aggregation.Engine, level string) error {
	if aggregateDate == "" {
		if level != "hourly" && level != "all" {
			return errors.New("--date is required for daily and monthly aggregation of one site")
		}
		n, err := engine.AggregateSiteHours(ctx, aggregateSite)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "site %d: %d hours aggregated\n", aggregateSite, n)
		return nil
	}

	date, err := parseDay(aggregateDate)
	if err != nil {
		return err
	}
	if level == "hourly" || level == "all" {
		hours := 0
		for h := rollup.Day.Truncate(date); h.Before(rollup.Day.Next(date)); h = rollup.Hour.Next(h) {
			ok, err := engine.AggregateHour(ctx, aggregateSite, h)
			if errors.Is(err, aggregation.ErrNotSettled) {
				break
			}
			if err != nil {
				return err
			}
			if ok {
				hours++
			}
		}
		fmt.Fprintf(out, "site %d: %d hours aggregated for %s\n", aggregateSite, hours, date.Format(time.DateOnly))
	}
	if level == "daily" || level == "all" {
		ok, err := engine.AggregateDay(ctx, aggregateSite, date)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "site %d: day %s written=%t\n", aggregateSite, date.Format(time.DateOnly), ok)
	}
	if level == "monthly" || level == "all" {
		ok, err := engine.AggregateMonth(ctx, date, aggregateSite)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "site %d: month %s written=%t\n", aggregateSite, date.Format("2006-01"), ok)
	}
	return nil
}

func backfill(ctx context.Context, out io.Writer, engine *aggregation.Engine) error {
	if aggregateFrom == "" {
		return errors.New("--from is required with --to")
	}
	from, err := parseDay(aggregateFrom)
	if err != nil {
		return err
	}
	to := rollup.Day.Truncate(time.Now().UTC())
	if aggregateTo != "" {
		if to, err = parseDay(aggregateTo); err != nil {
			return err
		}
	}
	if !to.After(from) {
		return fmt.Errorf("--to %s must be after --from %s", to.Format(time.DateOnly), from.Format(time.DateOnly))
	}

	if aggregateSite == 0 {
		n, err := engine.Derive(ctx, from, to)
		engine.InvalidateCache()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%d daily and monthly buckets rebuilt from %s to %s\n", n, from.Format(time.DateOnly), to.Format(time.DateOnly))
		return nil
	}

	n, err := engine.Backfill(ctx, aggregateSite, from, to)
	engine.InvalidateCache()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "site %d: %d buckets written from %s to %s\n", aggregateSite, n, from.Format(time.DateOnly), to.Format(time.DateOnly))
	return nil
}

// parseDay accepts YYYY-MM-DD or YYYY-MM, in UTC.
func parseDay(s string) (time.Time, error) {
	for _, layout := range []string{time.DateOnly, "2006-01"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD or YYYY-MM", s)
}
