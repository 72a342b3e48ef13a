package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"tallystat/internal"
	"tallystat/internal/config"
)

const defaultShutdownTimeout = 30 * time.Second

var envFile string

var rootCmd = &cobra.Command{
	Use:   "tallyctl",
	Short: "Admin control tool for tallystat",
	Long:  "Runs migrations, rollup sweeps, retention cleanup and Umami imports against the tallystat database.",
}

// Execute runs the root command, cancelling its context on SIGINT or SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv file loaded before configuration")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: failed to load %s: %v\n", envFile, err)
		}
		return nil
	}
}

// withApp builds the application, runs fn and shuts the application down.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *internal.Application) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	app, err := internal.NewAppWithConfig(cfg, internal.WithLogName("tallyctl"))
	if err != nil {
		return fmt.Errorf("failed to initialize app: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if err := app.Shutdown(shutdownCtx); err != nil {
			log.Printf("Warning: Cleanup error: %v", err)
		}
	}()
	return fn(cmd.Context(), app)
}
