package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "hivemind",
	Short: "Concurrent work orchestrator for capability-typed worker pools",
	Long: `Hivemind schedules dependency-aware task graphs across a dynamically
sized pool of typed workers. It handles priorities, retries, timeouts,
autoscaling, checkpoints, and a shared-knowledge store with consensus
voting.

Run a workload file with 'hivemind run workload.yaml'.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}
