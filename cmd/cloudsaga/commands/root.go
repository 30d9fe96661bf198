package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath  string
	logLevel    string
	logFormat   string
	jsonOutput  bool
	metricsAddr string

	version = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, ver, commit, buildDate string) error {
	version = ver
	rootCmd := newRootCommand(ver, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cloudsaga",
		Short: "cloudsaga - idempotent cloud provisioning with rollback",
		Long: `cloudsaga provisions a network, security group, optional shared file
system, instances, elastic IPs and DNS records on AWS or Azure as one saga.

Every stage is skipped when its resource already exists, so re-running a
deployment converges. When a stage fails, the resources created by that run
are deleted in reverse order; anything that cannot be deleted is reported
for manual cleanup.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "deployment config file (yaml, cue or star)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (console, json)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newActionCommand(actionCreate))
	rootCmd.AddCommand(newActionCommand(actionTerminate))
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newUnlockCommand())

	return rootCmd
}
