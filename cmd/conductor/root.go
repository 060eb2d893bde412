package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Task orchestration core",
	Long: `Conductor accepts units of work, assigns them priority, persists
their state, dispatches them to registered agents, retries them on
failure, and defers execution via one-time, recurring, or cron
schedules. Lifecycle changes are published to subscribers over an
in-process event bus.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (overrides discovery)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}
