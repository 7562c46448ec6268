// Package orchestrator wires the task store, agent registry, scheduler,
// fault-tolerance layer, autoscaler, and observability collector into a
// running engine and exposes the external API.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/internal/agentcall"
	"github.com/taskmesh/taskmesh/internal/autoscaler"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/contextstore"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/fault"
	"github.com/taskmesh/taskmesh/internal/logging"
	"github.com/taskmesh/taskmesh/internal/observability"
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/internal/scheduler"
	"github.com/taskmesh/taskmesh/internal/state"
	"github.com/taskmesh/taskmesh/internal/store"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// Engine is the assembled orchestration engine.
type Engine struct {
	cfg *config.Config
	log *logging.Logger

	bus          *events.Bus
	store        *store.Store
	reg          *registry.Registry
	breakers     *fault.Breakers
	channel      agentcall.Channel
	dispatcher   *fault.Dispatcher
	sched        *scheduler.Scheduler
	scaler       *autoscaler.Autoscaler
	collector    *observability.Collector
	ctxStore     contextstore.Store
	checkpointer *fault.Checkpointer
	db           *state.DB

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New assembles an engine around the given transport. When the transport is
// the simulated channel, the autoscaler provisions simulated agents; other
// transports run without automatic scaling until a factory for them exists.
func New(cfg *config.Config, channel agentcall.Channel, log *logging.Logger) (*Engine, error) {
	bus := events.NewBus()

	e := &Engine{
		cfg:      cfg,
		log:      log.Named("engine"),
		bus:      bus,
		store:    store.New(bus, log, cfg.Store.Retention),
		reg:      registry.New(bus, log, cfg.Registry.HeartbeatTimeout),
		channel:  channel,
		ctxStore: contextstore.NewMemory(),
	}

	e.collector = observability.NewCollector(cfg.SLA, log)
	e.breakers = fault.NewBreakers(cfg.FaultTolerance, e.reg, log)
	e.dispatcher = fault.NewDispatcher(e.store, e.reg, e.breakers, channel, e.ctxStore,
		cfg.FaultTolerance, cfg.Scheduler.TaskTimeout, log)

	strategy, err := scheduler.NewStrategy(cfg.Scheduler.Strategy, e.collector)
	if err != nil {
		return nil, err
	}
	e.sched = scheduler.New(e.store, e.reg, e.dispatcher, strategy, cfg.Scheduler, log)

	if cfg.Autoscaler.Enabled {
		var factory autoscaler.Factory
		if sim, ok := channel.(*agentcall.SimChannel); ok {
			factory = NewSimFactory(e.reg, sim, agentcall.SimOptions{})
		}
		if factory != nil {
			e.scaler = autoscaler.New(e.reg, e.store, factory, bus, cfg.Autoscaler, log)
		}
	}

	if path := cfg.FaultTolerance.CheckpointPath; path != "" {
		db, err := state.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open checkpoint store: %w", err)
		}
		e.db = db
		e.checkpointer = fault.NewCheckpointer(e.store, db, e.dispatcher,
			cfg.FaultTolerance.CheckpointInterval, log)
	}

	return e, nil
}

// Start launches the background loops. Idempotent until Stop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("engine already started")
	}
	e.started = true

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if e.checkpointer != nil {
		if n, err := e.checkpointer.Restore(e.reg); err != nil {
			e.log.Errorw("checkpoint restore failed", "err", err)
		} else if n > 0 {
			e.log.Infow("recovered from checkpoint", "requeued", n)
		}
	}

	e.spawn(func() { e.collector.Run(e.bus.Subscribe(events.TopicTasks, 256)) })
	e.spawn(func() { e.sched.Run(runCtx) })
	e.spawn(func() { e.livenessLoop(runCtx) })
	e.spawn(func() { e.retentionLoop(runCtx) })
	if e.scaler != nil {
		e.spawn(func() { e.scaler.Run(runCtx) })
	}
	if e.checkpointer != nil {
		e.spawn(func() { e.checkpointer.Run(runCtx) })
	}

	e.log.Infow("engine started", "strategy", e.cfg.Scheduler.Strategy,
		"autoscaler", e.scaler != nil, "checkpointing", e.checkpointer != nil)
	return nil
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// Stop shuts the engine down, waiting for in-flight dispatches to resolve.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.dispatcher.Wait()
	// Closing the bus ends the collector's subscription loop; publishes on
	// a closed bus are safely dropped.
	e.bus.Close()
	e.wg.Wait()
	if e.db != nil {
		e.db.Close()
	}
	e.log.Infow("engine stopped")
}

// livenessLoop probes agents through the transport, refreshes heartbeats,
// and requeues the in-flight work of agents that went offline.
func (e *Engine) livenessLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Registry.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.probeAgents(ctx)
			for _, agentID := range e.reg.Sweep(now) {
				e.requeueAgentTasks(agentID)
			}
		}
	}
}

// probeAgents refreshes the heartbeat of every agent the transport can
// still reach.
func (e *Engine) probeAgents(ctx context.Context) {
	for _, agent := range e.reg.All() {
		status := agent.Status
		if status == models.AgentStatusOffline {
			status = models.AgentStatusAvailable
		}
		if err := e.channel.Heartbeat(ctx, agent.ID, status, models.ResourceUsage{}); err != nil {
			continue
		}
		e.reg.Heartbeat(agent.ID, status, models.ResourceUsage{})
	}
}

// requeueAgentTasks returns the in-flight tasks of a lost agent to the
// ready queue without spending a retry.
func (e *Engine) requeueAgentTasks(agentID string) {
	for _, task := range e.store.InFlight() {
		if task.AssignedAgentID != agentID {
			continue
		}
		if err := e.store.Requeue(task.ID, false); err != nil {
			continue
		}
		e.log.Warnw("requeued task of lost agent", "task", task.ID, "agent", agentID)
	}
	e.sched.Trigger()
}

// retentionLoop purges terminal tasks past the retention window.
func (e *Engine) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Store.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.store.Sweep(now)
		}
	}
}

// SubmitTask validates and enqueues a single task, returning its ID.
func (e *Engine) SubmitTask(spec models.TaskSpec) (string, error) {
	start := time.Now()
	id, err := e.store.Submit(spec)
	if err != nil {
		return "", err
	}
	e.collector.RecordSubmission(time.Since(start))
	e.sched.Trigger()
	return id, nil
}

// SubmitTasks atomically enqueues a batch; dependencies may reference
// pinned IDs within the batch.
func (e *Engine) SubmitTasks(specs []models.TaskSpec) ([]string, error) {
	start := time.Now()
	ids, err := e.store.SubmitSet(specs)
	if err != nil {
		return nil, err
	}
	e.collector.RecordSubmission(time.Since(start))
	e.sched.Trigger()
	return ids, nil
}

// GetTask returns a snapshot of the task.
func (e *Engine) GetTask(id string) (*models.Task, error) {
	return e.store.Get(id)
}

// CancelTask cancels a task and makes a best-effort stop request to the
// agent when it was already dispatched.
func (e *Engine) CancelTask(ctx context.Context, id string) error {
	task, err := e.store.Get(id)
	if err != nil {
		return err
	}

	dispatched := task.Status == models.TaskStatusAssigned || task.Status == models.TaskStatusRunning
	if err := e.store.Cancel(id); err != nil {
		return err
	}

	if dispatched {
		if _, err := e.channel.CancelTask(ctx, id, "cancelled by caller", false); err != nil {
			e.log.Debugw("agent cancel failed", "task", id, "err", err)
		}
	}
	return nil
}

// RegisterAgent adds an agent to the pool and returns its ID.
func (e *Engine) RegisterAgent(agentType string, capabilities []string, maxConcurrent int, costFactor float64) (string, error) {
	id, err := e.reg.Register(agentType, capabilities, maxConcurrent, costFactor)
	if err != nil {
		return "", err
	}
	e.sched.Trigger()
	return id, nil
}

// DeregisterAgent removes an agent and requeues its in-flight work.
func (e *Engine) DeregisterAgent(id string) error {
	if err := e.reg.Deregister(id); err != nil {
		return err
	}
	e.breakers.Remove(id)
	e.requeueAgentTasks(id)
	return nil
}

// Heartbeat records an agent-initiated heartbeat.
func (e *Engine) Heartbeat(id string, status models.AgentStatus, usage models.ResourceUsage) error {
	return e.reg.Heartbeat(id, status, usage)
}

// Agents returns snapshots of every registered agent.
func (e *Engine) Agents() []*models.Agent {
	return e.reg.All()
}

// RecordHealth feeds a health signal into uptime accounting.
func (e *Engine) RecordHealth(signal observability.HealthSignal) {
	e.collector.RecordHealth(signal)
}

// SLAReport evaluates current SLA compliance.
func (e *Engine) SLAReport() observability.Report {
	return e.collector.Check(time.Now())
}

// SystemStats is a point-in-time view of the whole system.
type SystemStats struct {
	Tasks           map[models.TaskStatus]int
	TasksByPriority map[models.Priority]int
	QueueDepth      map[string]int
	Agents          map[models.AgentStatus]int
	AgentsByType    map[string]int
	Completed       int64
	Failed          int64
	ErrorRate       float64
	MeanLatency     time.Duration
	P50             time.Duration
	P95             time.Duration
	P99             time.Duration
	UptimePercent   float64
	TotalCost       float64
}

// Stats gathers system-wide statistics.
func (e *Engine) Stats() SystemStats {
	completed, failed := e.collector.Counts()
	return SystemStats{
		Tasks:           e.store.CountsByStatus(),
		TasksByPriority: e.store.CountsByPriority(),
		QueueDepth:      e.store.QueueDepthByType(),
		Agents:          e.reg.CountsByStatus(),
		AgentsByType:    e.reg.CountsByType(),
		Completed:       completed,
		Failed:          failed,
		ErrorRate:       e.collector.ErrorRate(),
		MeanLatency:     e.collector.MeanCompletionLatency(),
		P50:             e.collector.CompletionPercentile(50),
		P95:             e.collector.CompletionPercentile(95),
		P99:             e.collector.CompletionPercentile(99),
		UptimePercent:   e.collector.UptimePercent(time.Now()),
		TotalCost:       e.reg.TotalCost(),
	}
}

// Bus exposes the event bus for subscribers like the load harness.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Store exposes the task store for advanced callers.
func (e *Engine) Store() *store.Store { return e.store }

// Registry exposes the agent registry for advanced callers.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// Collector exposes the metrics collector for advanced callers.
func (e *Engine) Collector() *observability.Collector { return e.collector }

// ContextStore exposes the shared context store.
func (e *Engine) ContextStore() contextstore.Store { return e.ctxStore }
