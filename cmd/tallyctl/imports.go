package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"tallystat/internal"
	"tallystat/internal/importer"
)

const importPollInterval = time.Second

var (
	importDryRun bool
	importWait   bool
	importName   string
)

func init() {
	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Imports an Umami SQL dump (plain or gzip)",
		Long:  "Submits the dump and, with --wait, processes it in this process until the job finishes. Without --wait the job is picked up the next time the daemon starts.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *internal.Application) error {
				if err := app.DBManager.MigrateDatabase(); err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				if importWait {
					app.Queue.Start()
				}

				job, err := app.Importer.Submit(ctx, importer.SubmitInput{
					Path:     args[0],
					FileName: importName,
					DryRun:   importDryRun,
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Import %d submitted (%s)\n", job.ID, job.PublicID)
				if !importWait {
					return nil
				}

				job, err = waitWithProgress(ctx, out, app.Importer, job.ID)
				if err != nil {
					return err
				}
				printJob(out, job)
				if job.Status == importer.StatusFailed {
					return errors.New(job.Summary)
				}
				return nil
			})
		},
	}
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Only analyze the dump")
	importCmd.Flags().BoolVar(&importWait, "wait", true, "Process the import now and wait for it to finish")
	importCmd.Flags().StringVar(&importName, "name", "", "File name recorded on the job")
	rootCmd.AddCommand(importCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "import-status [id]",
		Short: "Shows an import job, or the most recent ones",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *internal.Application) error {
				out := cmd.OutOrStdout()
				if len(args) == 1 {
					job, err := app.Importer.Jobs().Find(ctx, args[0])
					if err != nil {
						return err
					}
					printJob(out, job)
					return nil
				}
				jobs, err := app.Importer.Jobs().List(ctx, 20)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tFILE\tSTATUS\tPROGRESS\tSUMMARY")
				for _, j := range jobs {
					fmt.Fprintf(w, "%d\t%s\t%s\t%.1f%%\t%s\n", j.ID, j.FileName, j.Status, j.Progress(), j.Summary)
				}
				return w.Flush()
			})
		},
	})
}

// waitWithProgress waits for the job to finish. On a terminal the progress
// line is redrawn in place.
func waitWithProgress(ctx context.Context, out io.Writer, coord *importer.Coordinator, jobID uint) (*importer.ImportJob, error) {
	interactive := term.IsTerminal(int(os.Stdout.Fd()))
	last := ""
	job, err := coord.WaitForJob(ctx, jobID, importPollInterval, func(job *importer.ImportJob) {
		line := fmt.Sprintf("%s %5.1f%% %d/%d chunks, %d page views, %d events",
			job.Status, job.Progress(), job.ChunksProcessed+job.ChunksFailed, job.TotalChunks,
			job.PageViewsImported, job.EventsImported)
		switch {
		case interactive:
			fmt.Fprintf(out, "\r\033[K%s", line)
		case line != last:
			fmt.Fprintln(out, line)
		}
		last = line
	})
	if interactive {
		fmt.Fprintln(out)
	}
	return job, err
}

func printJob(out io.Writer, job *importer.ImportJob) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Job:\t%d (%s)\n", job.ID, job.PublicID)
	fmt.Fprintf(w, "File:\t%s\n", job.FileName)
	fmt.Fprintf(w, "Status:\t%s\n", job.Status)
	fmt.Fprintf(w, "Progress:\t%.1f%% (%d processed, %d failed of %d chunks)\n",
		job.Progress(), job.ChunksProcessed, job.ChunksFailed, job.TotalChunks)
	fmt.Fprintf(w, "Imported:\t%d page views, %d events, %d rows skipped\n",
		job.PageViewsImported, job.EventsImported, job.RowsSkipped)
	fmt.Fprintf(w, "Sites:\t%d created, %d updated\n", job.SitesCreated, job.SitesUpdated)
	if job.FirstEventAt != nil && job.LastEventAt != nil {
		fmt.Fprintf(w, "Range:\t%s to %s\n", job.FirstEventAt.Format(time.RFC3339), job.LastEventAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Summary:\t%s\n", job.Summary)
	if job.Error != "" {
		fmt.Fprintf(w, "Error:\t%s\n", job.Error)
	}
	w.Flush()
	if len(job.Details) > 0 {
		if b, err := json.MarshalIndent(job.Details, "", "  "); err == nil {
			fmt.Fprintf(out, "Details:\n%s\n", b)
		}
	}
}
