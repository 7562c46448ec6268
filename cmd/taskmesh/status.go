package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/taskmesh/taskmesh/internal/agentcall"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/logging"
	"github.com/taskmesh/taskmesh/internal/orchestrator"
	"github.com/taskmesh/taskmesh/pkg/models"
)

var statusTasks int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Run a short self-check workload and print system statistics",
	Long: `Status spins up an engine with a small simulated pool, pushes a burst
of tasks through it, and prints the resulting statistics and SLA report.
Useful as a smoke test of the installed binary and the active config.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg.Scheduler.PassInterval = 10 * time.Millisecond
		cfg.Autoscaler.Enabled = false

		sim := agentcall.NewSimChannel()
		engine, err := orchestrator.New(cfg, sim, logging.Nop())
		if err != nil {
			return err
		}

		if err := provisionPools(engine, sim, []string{"coder:2:4"}); err != nil {
			return err
		}
		if err := engine.Start(cmd.Context()); err != nil {
			return err
		}
		defer engine.Stop()

		ids := make([]string, 0, statusTasks)
		for i := 0; i < statusTasks; i++ {
			id, err := engine.SubmitTask(models.TaskSpec{Type: "coder", Priority: models.PriorityNormal})
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		if err := waitForAll(cmd.Context(), engine, ids, 30*time.Second); err != nil {
			return err
		}

		printStats(cmd.OutOrStdout(), engine)
		return nil
	},
}

// waitForAll polls until every task is terminal or the timeout elapses.
func waitForAll(ctx context.Context, engine *orchestrator.Engine, ids []string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		done := 0
		for _, id := range ids {
			task, err := engine.GetTask(id)
			if err != nil {
				return err
			}
			if task.Status.Terminal() {
				done++
			}
		}
		if done == len(ids) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	return fmt.Errorf("timed out waiting for %d tasks", len(ids))
}

// printStats renders the engine's statistics and SLA report.
func printStats(w io.Writer, engine *orchestrator.Engine) {
	bold := color.New(color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	stats := engine.Stats()

	fmt.Fprintf(w, "%s\n", bold("Tasks"))
	for _, status := range []models.TaskStatus{
		models.TaskStatusPending, models.TaskStatusReady, models.TaskStatusAssigned,
		models.TaskStatusRunning, models.TaskStatusCompleted, models.TaskStatusFailed,
		models.TaskStatusDeadLettered, models.TaskStatusCancelled,
	} {
		if n := stats.Tasks[status]; n > 0 {
			fmt.Fprintf(w, "  %-14s %d\n", status, n)
		}
	}

	fmt.Fprintf(w, "%s\n", bold("Agents"))
	for agentType, n := range stats.AgentsByType {
		fmt.Fprintf(w, "  %-14s %d\n", agentType, n)
	}
	fmt.Fprintf(w, "  %-14s %.1f\n", "total cost", stats.TotalCost)

	fmt.Fprintf(w, "%s\n", bold("Performance"))
	fmt.Fprintf(w, "  completed      %d\n", stats.Completed)
	fmt.Fprintf(w, "  failed         %d\n", stats.Failed)
	fmt.Fprintf(w, "  error rate     %.2f%%\n", stats.ErrorRate)
	fmt.Fprintf(w, "  latency        mean %s  p50 %s  p95 %s  p99 %s\n",
		stats.MeanLatency.Round(time.Millisecond), stats.P50.Round(time.Millisecond),
		stats.P95.Round(time.Millisecond), stats.P99.Round(time.Millisecond))
	fmt.Fprintf(w, "  uptime         %.3f%%\n", stats.UptimePercent)

	report := engine.SLAReport()
	fmt.Fprintf(w, "%s\n", bold("SLA"))
	for _, dim := range report.Dimensions {
		verdict := green("pass")
		if !dim.Passing {
			verdict = red("fail")
		}
		fmt.Fprintf(w, "  %-14s target %-10s actual %-10s %s\n", dim.Name, dim.Target, dim.Actual, verdict)
	}
}

func init() {
	statusCmd.Flags().IntVar(&statusTasks, "tasks", 50, "Number of self-check tasks to run")
}
