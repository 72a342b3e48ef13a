package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"tallystat/internal"
	"tallystat/internal/statscache"
)

var (
	cleanupRollups bool
	cleanupCache   bool
	cleanupYes     bool
)

func init() {
	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Deletes data past retention",
		Long:  "Deletes raw events whose hours are aggregated and past retention. --rollups also prunes rollup rows past retention, --cache purges persisted cache records.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cleanupYes {
				ok, err := confirm(cmd.InOrStdin(), cmd.OutOrStdout(), "Delete data past retention?")
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted")
					return nil
				}
			}
			return withApp(cmd, func(ctx context.Context, app *internal.Application) error {
				out := cmd.OutOrStdout()
				deleted, err := app.Engine.CleanupSourceData(ctx)
				if err != nil {
					return fmt.Errorf("raw event cleanup failed: %w", err)
				}
				fmt.Fprintf(out, "raw events deleted: %d\n", deleted)

				if cleanupRollups {
					deleted, err := app.Engine.CleanupRollups(ctx)
					if err != nil {
						return fmt.Errorf("rollup cleanup failed: %w", err)
					}
					fmt.Fprintf(out, "rollup rows deleted: %d\n", deleted)
				}
				if cleanupCache {
					purged, err := statscache.PurgePersistent(app.DBManager.GetConnection().WithContext(ctx))
					if err != nil {
						return err
					}
					app.Engine.InvalidateCache()
					fmt.Fprintf(out, "cache records purged: %d\n", purged)
				}
				return nil
			})
		},
	}
	cleanupCmd.Flags().BoolVar(&cleanupRollups, "rollups", false, "Also prune rollup rows past retention")
	cleanupCmd.Flags().BoolVar(&cleanupCache, "cache", false, "Also purge persisted cache records")
	cleanupCmd.Flags().BoolVarP(&cleanupYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(cleanupCmd)
}

// confirm asks a yes/no question on an interactive terminal. Without a
// terminal it refuses, so scripts must pass --yes.
func confirm(in io.Reader, out io.Writer, question string) (bool, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, errors.New("refusing to delete data without a terminal, pass --yes")
	}
	fmt.Fprintf(out, "%s [y/N]: ", question)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}
