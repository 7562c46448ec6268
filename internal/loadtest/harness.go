package loadtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taskmesh/taskmesh/internal/agentcall"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/logging"
	"github.com/taskmesh/taskmesh/internal/orchestrator"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// Harness runs one load scenario against an engine backed by the simulated
// transport.
type Harness struct {
	engine *orchestrator.Engine
	sim    *agentcall.SimChannel
	sc     Scenario
	gen    *generator
	log    *logging.Logger
}

// NewHarness creates a harness for the scenario.
func NewHarness(engine *orchestrator.Engine, sim *agentcall.SimChannel, sc Scenario, log *logging.Logger) *Harness {
	seed := sc.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Harness{
		engine: engine,
		sim:    sim,
		sc:     sc,
		gen:    newGenerator(&sc, seed),
		log:    log.Named("loadtest"),
	}
}

// Run provisions the agent pools, drives the ramp, waits for the backlog to
// drain, and returns the evaluated report.
func (h *Harness) Run(ctx context.Context) (*Report, error) {
	if err := h.sc.Validate(); err != nil {
		return nil, err
	}
	if err := h.provisionAgents(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Feed completions back into the generator so dependency injection has
	// real tasks to reference.
	sub := h.engine.Bus().Subscribe(events.TopicTasks, 1024)
	go func() {
		for ev := range sub {
			if ev.Type == events.EventTaskCompleted {
				h.gen.markCompleted(ev.TaskID)
			}
		}
	}()

	report := &Report{Scenario: h.sc.Name, StartedAt: time.Now()}

	g, gctx := errgroup.WithContext(runCtx)
	start := time.Now()
	deadline := start.Add(h.sc.Duration)

	if h.sc.Chaos.Enabled {
		g.Go(func() error {
			return h.injectChaos(gctx, deadline)
		})
	}
	g.Go(func() error {
		h.sample(gctx, deadline, report)
		return nil
	})
	for i := 0; i < h.sc.Workers; i++ {
		g.Go(func() error {
			return h.submitLoop(gctx, start, deadline, report)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return nil, err
	}
	cancel()

	h.drain(ctx)
	h.finalize(report)
	return report, nil
}

// provisionAgents registers the scenario's initial agent pools.
func (h *Harness) provisionAgents() error {
	for _, pool := range h.sc.Agents {
		cost := pool.CostFactor
		if cost <= 0 {
			cost = 1
		}
		for i := 0; i < pool.Count; i++ {
			id, err := h.engine.RegisterAgent(pool.Type, []string{pool.Type}, pool.MaxConcurrent, cost)
			if err != nil {
				return fmt.Errorf("provisioning %s pool: %w", pool.Type, err)
			}
			h.sim.AddAgent(id, agentcall.SimOptions{
				Capabilities:       []string{pool.Type},
				MaxConcurrentTasks: pool.MaxConcurrent,
				BaseLatency:        pool.BaseLatency,
				Jitter:             pool.Jitter,
				FailureRate:        pool.FailureRate,
			})
		}
	}
	return nil
}

// submitLoop submits tasks at the worker's share of the ramped target rate
// until the run deadline.
func (h *Harness) submitLoop(ctx context.Context, start, deadline time.Time, report *Report) error {
	for {
		now := time.Now()
		if now.After(deadline) {
			return nil
		}

		rate := h.sc.rate(now.Sub(start)) / float64(h.sc.Workers)
		if rate <= 0 {
			rate = 1
		}
		interval := time.Duration(float64(time.Second) / rate)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		spec := h.gen.next()
		if _, err := h.engine.SubmitTask(spec); err != nil {
			// Injected dependencies can be swept between sampling and
			// submission; retry the task without them.
			spec.DependsOn = nil
			if _, err := h.engine.SubmitTask(spec); err != nil {
				report.addRejected()
				continue
			}
		}
		report.addSubmitted()
	}
}

// injectChaos turns on channel-wide failure injection after the configured
// warmup. A warmup longer than the run leaves chaos off.
func (h *Harness) injectChaos(ctx context.Context, deadline time.Time) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Until(deadline)):
		return nil
	case <-time.After(h.sc.Chaos.StartAfter):
	}

	h.sim.SetChaos(agentcall.Chaos{
		FailureRate: h.sc.Chaos.FailureRate,
		MaxDelay:    h.sc.Chaos.MaxDelay,
	})
	h.log.Infow("chaos injection enabled",
		"failure_rate", h.sc.Chaos.FailureRate, "max_delay", h.sc.Chaos.MaxDelay)
	return nil
}

// sample records a timeline point every second until the deadline.
func (h *Harness) sample(ctx context.Context, deadline time.Time, report *Report) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.After(deadline) {
				return
			}
			stats := h.engine.Stats()
			depth := 0
			for _, d := range stats.QueueDepth {
				depth += d
			}
			report.addSample(TimelinePoint{
				Offset:     now.Sub(report.StartedAt).Round(time.Second),
				Completed:  stats.Completed,
				QueueDepth: depth,
				Agents:     len(h.engine.Agents()),
			})
		}
	}
}

// drain waits for outstanding tasks to settle, bounded by the scenario's
// drain timeout.
func (h *Harness) drain(ctx context.Context) {
	timeout := h.sc.DrainTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		stats := h.engine.Stats()
		outstanding := stats.Tasks[models.TaskStatusPending] +
			stats.Tasks[models.TaskStatusReady] +
			stats.Tasks[models.TaskStatusAssigned] +
			stats.Tasks[models.TaskStatusRunning]
		if outstanding == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	h.log.Warnw("drain timeout reached with tasks outstanding")
}

// finalize folds engine statistics into the report and evaluates thresholds.
func (h *Harness) finalize(report *Report) {
	stats := h.engine.Stats()
	collector := h.engine.Collector()

	report.FinishedAt = time.Now()
	report.Duration = report.FinishedAt.Sub(report.StartedAt)
	report.Completed = stats.Completed
	report.Failed = stats.Failed
	report.DeadLettered = int64(stats.Tasks[models.TaskStatusDeadLettered])
	report.ErrorRate = stats.ErrorRate
	report.MeanLatency = stats.MeanLatency
	report.P50 = collector.CompletionPercentile(50)
	report.P95 = collector.CompletionPercentile(95)
	report.P99 = collector.CompletionPercentile(99)
	if secs := report.Duration.Seconds(); secs > 0 {
		report.Throughput = float64(report.Completed) / secs
	}
	report.Evaluate(h.sc.Thresholds)
}
