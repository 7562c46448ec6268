package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "taskmesh",
	Short: "Distributed task orchestration engine",
	Long: `Taskmesh schedules dependency graphs of tasks onto pools of worker
agents. It tracks readiness through a DAG, matches ready tasks to capable
agents under a pluggable placement strategy, retries and dead-letters
failures behind per-agent circuit breakers, autoscales agent pools, and
reports latency percentiles and SLA compliance.

The run and loadtest commands host simulated agents in-process, which makes
the engine fully exercisable without external workers.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (YAML)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(loadtestCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}
