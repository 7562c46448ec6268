package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/taskmesh/taskmesh/internal/agentcall"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/loadtest"
	"github.com/taskmesh/taskmesh/internal/logging"
	"github.com/taskmesh/taskmesh/internal/orchestrator"
)

var (
	loadtestScenario string
	loadtestOutput   string
)

var loadtestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Run a load test scenario against an in-process engine",
	Long: `Loadtest starts a fresh engine with simulated agents, drives the
scenario's ramped workload through it, and prints a report with latency
percentiles, throughput, and any threshold violations. The command exits
non-zero when a threshold is violated.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		sc := loadtest.DefaultScenario()
		if loadtestScenario != "" {
			if sc, err = loadtest.LoadScenario(loadtestScenario); err != nil {
				return err
			}
		}

		log, err := logging.New(cfg.Logging.Level, cfg.Logging.Encoding)
		if err != nil {
			return err
		}

		sim := agentcall.NewSimChannel()
		engine, err := orchestrator.New(cfg, sim, log)
		if err != nil {
			return err
		}
		if err := engine.Start(cmd.Context()); err != nil {
			return err
		}
		defer engine.Stop()

		report, err := loadtest.NewHarness(engine, sim, sc, log).Run(cmd.Context())
		if err != nil {
			return err
		}

		report.Print(cmd.OutOrStdout())

		if loadtestOutput != "" {
			f, err := os.Create(loadtestOutput)
			if err != nil {
				return fmt.Errorf("creating report file: %w", err)
			}
			defer f.Close()
			if err := report.WriteYAML(f); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "report written to %s\n", loadtestOutput)
		}

		if !report.Passed() {
			return fmt.Errorf("%d SLA threshold violations", len(report.Violations))
		}
		return nil
	},
}

func init() {
	loadtestCmd.Flags().StringVarP(&loadtestScenario, "scenario", "s", "", "Scenario YAML file (defaults to a built-in smoke scenario)")
	loadtestCmd.Flags().StringVarP(&loadtestOutput, "output", "o", "", "Write the full report as YAML to this file")
}
