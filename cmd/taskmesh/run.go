package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/taskmesh/taskmesh/internal/agentcall"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/logging"
	"github.com/taskmesh/taskmesh/internal/orchestrator"
)

var runAgents []string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start an engine with simulated agent pools",
	Long: `Run starts the orchestration engine with in-process simulated agents
and keeps it alive until interrupted. Agent pools are given as
type:count:max_concurrent triples, for example:

  taskmesh run --agents coder:3:4 --agents reviewer:2:2`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
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

		if err := provisionPools(engine, sim, runAgents); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := engine.Start(ctx); err != nil {
			return err
		}

		fmt.Println("engine running; press Ctrl-C to stop")
		<-ctx.Done()

		engine.Stop()
		printStats(os.Stdout, engine)
		return nil
	},
}

// provisionPools registers agents from type:count:max_concurrent flags.
func provisionPools(engine *orchestrator.Engine, sim *agentcall.SimChannel, pools []string) error {
	for _, spec := range pools {
		parts := strings.Split(spec, ":")
		if len(parts) != 3 {
			return fmt.Errorf("invalid agent pool %q, want type:count:max_concurrent", spec)
		}
		count, err := strconv.Atoi(parts[1])
		if err != nil || count < 1 {
			return fmt.Errorf("invalid agent count in %q", spec)
		}
		maxConcurrent, err := strconv.Atoi(parts[2])
		if err != nil || maxConcurrent < 1 {
			return fmt.Errorf("invalid concurrency in %q", spec)
		}

		for i := 0; i < count; i++ {
			id, err := engine.RegisterAgent(parts[0], []string{parts[0]}, maxConcurrent, 1.0)
			if err != nil {
				return err
			}
			sim.AddAgent(id, agentcall.SimOptions{
				Capabilities:       []string{parts[0]},
				MaxConcurrentTasks: maxConcurrent,
			})
		}
	}
	return nil
}

func init() {
	runCmd.Flags().StringArrayVar(&runAgents, "agents", []string{"coder:2:4"},
		"Agent pools as type:count:max_concurrent (repeatable)")
}
