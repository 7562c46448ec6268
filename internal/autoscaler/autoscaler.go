// Package autoscaler implements the control loop that grows and shrinks
// agent pools based on utilization and queue depth, subject to pool bounds,
// a cost ceiling, and a per-type cooldown.
package autoscaler

import (
	"context"
	"fmt"
	"time"

	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/logging"
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/internal/store"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// Factory provisions and tears down agent instances. The engine supplies an
// implementation bound to its transport.
type Factory interface {
	// CreateAgent provisions a new agent of the given type and returns its ID.
	CreateAgent(agentType string) (string, error)
	// DestroyAgent tears down an autoscaled agent.
	DestroyAgent(agentID string) error
}

// Decision records one scaling action for logs and tests.
type Decision struct {
	AgentType string
	Delta     int
	Reason    string
}

// Autoscaler evaluates pool utilization on an interval and adjusts pool
// sizes through the factory.
type Autoscaler struct {
	reg     *registry.Registry
	store   *store.Store
	factory Factory
	bus     *events.Bus
	cfg     config.AutoscalerConfig
	log     *logging.Logger

	// lastAction enforces the per-type cooldown between decisions.
	lastAction map[string]time.Time
}

// New creates an autoscaler.
func New(reg *registry.Registry, s *store.Store, factory Factory, bus *events.Bus,
	cfg config.AutoscalerConfig, log *logging.Logger) *Autoscaler {
	return &Autoscaler{
		reg:        reg,
		store:      s,
		factory:    factory,
		bus:        bus,
		cfg:        cfg,
		log:        log.Named("autoscaler"),
		lastAction: make(map[string]time.Time),
	}
}

// Run evaluates the pools on the configured interval until ctx is cancelled.
func (a *Autoscaler) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.Evaluate(now)
		}
	}
}

// Evaluate runs one control iteration and returns the decisions taken.
func (a *Autoscaler) Evaluate(now time.Time) []Decision {
	var decisions []Decision

	depth := a.store.QueueDepthByType()
	for _, agentType := range a.poolTypes(depth) {
		if d, ok := a.evaluateType(agentType, depth[agentType], now); ok {
			decisions = append(decisions, d)
		}
	}
	return decisions
}

// poolTypes returns the union of registered agent types and task types with
// queued demand, so a pool can be grown from zero.
func (a *Autoscaler) poolTypes(depth map[string]int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range a.reg.Types() {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for t := range depth {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func (a *Autoscaler) evaluateType(agentType string, queueDepth int, now time.Time) (Decision, bool) {
	if last, ok := a.lastAction[agentType]; ok && now.Sub(last) < a.cfg.Cooldown {
		return Decision{}, false
	}

	agents := a.reg.ByType(agentType)
	busy, count := 0, 0
	costPerAgent := 1.0
	for _, ag := range agents {
		if ag.Status == models.AgentStatusOffline {
			continue
		}
		count++
		if ag.CurrentLoad >= ag.MaxConcurrentTasks {
			busy++
		}
	}
	if count > 0 {
		costPerAgent = poolCost(agents) / float64(count)
	}

	// Utilization is the fraction of the pool running at capacity. Agents
	// with spare slots count as headroom no matter how loaded they are.
	utilization := 0.0
	if count > 0 {
		utilization = float64(busy) / float64(count)
	}

	switch {
	case (utilization > a.cfg.ScaleUpThreshold || (count == 0 && queueDepth > 0)) && count < a.cfg.MaxAgentsPerType:
		added := a.scaleUp(agentType, count, costPerAgent)
		if added == 0 {
			return Decision{}, false
		}
		a.lastAction[agentType] = now
		d := Decision{AgentType: agentType, Delta: added, Reason: "utilization above threshold"}
		a.announce(events.EventScaledUp, agentType, added, utilization)
		return d, true

	case utilization < a.cfg.ScaleDownThreshold && queueDepth == 0 && count > a.cfg.MinAgentsPerType:
		removed := a.scaleDown(agentType, agents, count)
		if removed == 0 {
			return Decision{}, false
		}
		a.lastAction[agentType] = now
		d := Decision{AgentType: agentType, Delta: -removed, Reason: "utilization below threshold"}
		a.announce(events.EventScaledDown, agentType, removed, utilization)
		return d, true
	}

	return Decision{}, false
}

// scaleUp provisions up to ScaleUpRate agents, bounded by the pool maximum
// and the pool-wide cost ceiling.
func (a *Autoscaler) scaleUp(agentType string, count int, costPerAgent float64) int {
	added := 0
	for i := 0; i < a.cfg.ScaleUpRate && count+added < a.cfg.MaxAgentsPerType; i++ {
		if a.reg.TotalCost()+costPerAgent > a.cfg.MaxHourlyCost {
			a.log.Warnw("scale-up blocked by cost ceiling", "type", agentType,
				"total_cost", a.reg.TotalCost(), "ceiling", a.cfg.MaxHourlyCost)
			break
		}
		id, err := a.factory.CreateAgent(agentType)
		if err != nil {
			a.log.Errorw("agent provisioning failed", "type", agentType, "err", err)
			break
		}
		a.log.Infow("scaled up", "type", agentType, "agent", id)
		added++
	}
	return added
}

// scaleDown removes up to ScaleDownRate idle autoscaled agents. Manually
// registered agents are never touched.
func (a *Autoscaler) scaleDown(agentType string, agents []*models.Agent, count int) int {
	removed := 0
	for _, ag := range agents {
		if removed >= a.cfg.ScaleDownRate || count-removed <= a.cfg.MinAgentsPerType {
			break
		}
		if !ag.Autoscaled || ag.CurrentLoad > 0 {
			continue
		}
		if err := a.factory.DestroyAgent(ag.ID); err != nil {
			a.log.Errorw("agent teardown failed", "agent", ag.ID, "err", err)
			continue
		}
		a.log.Infow("scaled down", "type", agentType, "agent", ag.ID)
		removed++
	}
	return removed
}

func (a *Autoscaler) announce(t events.EventType, agentType string, n int, utilization float64) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(events.TopicScaling, events.Event{
		Type:      t,
		AgentType: agentType,
		Message:   scalingMessage(n, utilization),
		Timestamp: time.Now(),
	})
}

func scalingMessage(n int, utilization float64) string {
	return fmt.Sprintf("%d agents at %.0f%% utilization", n, utilization*100)
}

// poolCost sums the cost factors of the given agents.
func poolCost(agents []*models.Agent) float64 {
	var total float64
	for _, ag := range agents {
		total += ag.CostFactor
	}
	return total
}
