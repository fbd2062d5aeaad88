// Package cmd defines and implements the CLI commands for the watchtower executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/osint-watchtower/internal/app"
	"github.com/JakeFAU/osint-watchtower/internal/config"
	"github.com/JakeFAU/osint-watchtower/internal/osint"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use, so tests can inject a fake.
type App interface {
	Close()
	GetLogger() *zap.Logger
	GetConfig() config.Config
	Run(ctx context.Context, opts app.RunOptions) error
	CheckRules() (app.RuleSummary, error)
	Reindex(ctx context.Context) ([]osint.IndexInfo, error)
	Vacuum(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(_ context.Context, path string) (App, error) {
	return app.New(path)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watchtower",
		Short: "Polls public OSINT sources and records threat alerts.",
		Long: `watchtower fetches a configured set of public sources on independent
intervals, deduplicates what it sees, matches it against a hot-reloadable
rule pack and records alerts in a structured store and an append-only log.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Configuration errors are fatal before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: watchtower.yaml in ., ~/.watchtower or /etc/watchtower)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newReindexCmd())
	cmd.AddCommand(newVacuumCmd())
	cmd.AddCommand(newReloadCmd())

	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	ctx := context.Background()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "watchtower: %v\n", err)
		os.Exit(1)
	}
}
