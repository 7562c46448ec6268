// Package registry manages worker agent descriptors: capabilities,
// concurrency limits, cost factors, liveness, and circuit state.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/logging"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// ErrNotFound indicates the agent ID is unknown to the registry.
var ErrNotFound = errors.New("agent not found")

// ErrLoadExceeded indicates an increment would push an agent past its
// concurrency limit.
var ErrLoadExceeded = errors.New("agent at max concurrent tasks")

// Registry is the thread-safe agent registry.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*models.Agent
	bus    *events.Bus
	log    *logging.Logger
	// heartbeatTimeout marks agents offline when exceeded.
	heartbeatTimeout time.Duration
}

// New creates an empty registry.
func New(bus *events.Bus, log *logging.Logger, heartbeatTimeout time.Duration) *Registry {
	return &Registry{
		agents:           make(map[string]*models.Agent),
		bus:              bus,
		log:              log.Named("registry"),
		heartbeatTimeout: heartbeatTimeout,
	}
}

// Register adds a new agent and returns its ID.
func (r *Registry) Register(agentType string, capabilities []string, maxConcurrent int, costFactor float64) (string, error) {
	return r.register(agentType, capabilities, maxConcurrent, costFactor, false)
}

// RegisterAutoscaled adds an agent created by the autoscaler. Only these
// instances are eligible for automatic removal on scale-down.
func (r *Registry) RegisterAutoscaled(agentType string, capabilities []string, maxConcurrent int, costFactor float64) (string, error) {
	return r.register(agentType, capabilities, maxConcurrent, costFactor, true)
}

func (r *Registry) register(agentType string, capabilities []string, maxConcurrent int, costFactor float64, autoscaled bool) (string, error) {
	if agentType == "" {
		return "", fmt.Errorf("agent type is required")
	}
	if len(capabilities) == 0 {
		return "", fmt.Errorf("at least one capability is required")
	}
	if maxConcurrent < 1 {
		return "", fmt.Errorf("max concurrent tasks must be >= 1, got %d", maxConcurrent)
	}
	if costFactor <= 0 {
		return "", fmt.Errorf("cost factor must be positive, got %v", costFactor)
	}

	now := time.Now()
	agent := &models.Agent{
		ID:                 uuid.New().String(),
		Type:               agentType,
		Capabilities:       append([]string(nil), capabilities...),
		MaxConcurrentTasks: maxConcurrent,
		CostFactor:         costFactor,
		Status:             models.AgentStatusAvailable,
		Circuit:            models.CircuitClosed,
		LastHeartbeat:      now,
		RegisteredAt:       now,
		Autoscaled:         autoscaled,
	}

	r.mu.Lock()
	r.agents[agent.ID] = agent
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(events.TopicAgents, events.Event{
			Type:      events.EventAgentRegistered,
			AgentID:   agent.ID,
			AgentType: agentType,
			Timestamp: now,
		})
	}
	r.log.Infow("agent registered", "agent", agent.ID, "type", agentType,
		"capabilities", capabilities, "max_concurrent", maxConcurrent, "autoscaled", autoscaled)

	return agent.ID, nil
}

// Deregister removes an agent.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.agents, id)
	return nil
}

// Heartbeat refreshes an agent's liveness and reported status. An agent
// that was marked OFFLINE comes back as AVAILABLE when it reports healthy.
func (r *Registry) Heartbeat(id string, status models.AgentStatus, usage models.ResourceUsage) error {
	if !status.Valid() {
		return fmt.Errorf("invalid agent status %q", status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	agent.LastHeartbeat = time.Now()
	agent.Status = status
	_ = usage // Reported usage informs future placement heuristics; load is tracked locally.
	return nil
}

// Get returns a snapshot of the agent, or ErrNotFound.
func (r *Registry) Get(id string) (*models.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return agent.Clone(), nil
}

// FindEligible returns snapshots of AVAILABLE agents that advertise the
// capability, have at least minSpare free slots, and whose breaker is not
// open. Ordering is left to the scheduling strategy.
func (r *Registry) FindEligible(capability string, minSpare int) []*models.Agent {
	if minSpare < 1 {
		minSpare = 1
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Agent
	for _, agent := range r.agents {
		if agent.Status != models.AgentStatusAvailable {
			continue
		}
		if agent.Circuit == models.CircuitOpen {
			continue
		}
		if !agent.HasCapability(capability) {
			continue
		}
		if agent.SpareCapacity() < minSpare {
			continue
		}
		out = append(out, agent.Clone())
	}
	return out
}

// IncrementLoad adds one in-flight task to the agent. Enforces the
// load <= max invariant and flips the agent to BUSY at the limit.
func (r *Registry) IncrementLoad(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if agent.CurrentLoad >= agent.MaxConcurrentTasks {
		return fmt.Errorf("%w: %s at %d", ErrLoadExceeded, id, agent.CurrentLoad)
	}

	agent.CurrentLoad++
	if agent.CurrentLoad == agent.MaxConcurrentTasks && agent.Status == models.AgentStatusAvailable {
		agent.Status = models.AgentStatusBusy
	}
	return nil
}

// DecrementLoad removes one in-flight task from the agent. A BUSY agent
// with spare capacity again becomes AVAILABLE.
func (r *Registry) DecrementLoad(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if agent.CurrentLoad > 0 {
		agent.CurrentLoad--
	}
	if agent.Status == models.AgentStatusBusy && agent.CurrentLoad < agent.MaxConcurrentTasks {
		agent.Status = models.AgentStatusAvailable
	}
	return nil
}

// SetCircuit records a breaker transition on the agent descriptor so that
// FindEligible can exclude open agents.
func (r *Registry) SetCircuit(id string, state models.CircuitState, failures int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return
	}

	prev := agent.Circuit
	agent.Circuit = state
	agent.FailureCount = failures
	agent.CircuitChangedAt = time.Now()

	if prev != state && r.bus != nil {
		r.bus.Publish(events.TopicAgents, events.Event{
			Type:      events.EventCircuitStateChanged,
			AgentID:   id,
			AgentType: agent.Type,
			Message:   fmt.Sprintf("%s -> %s", prev, state),
			Timestamp: time.Now(),
		})
	}
}

// Sweep marks agents whose heartbeat is older than the timeout as OFFLINE
// and returns their IDs so the caller can requeue their in-flight tasks.
func (r *Registry) Sweep(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var offline []string
	for id, agent := range r.agents {
		if agent.Status == models.AgentStatusOffline {
			continue
		}
		if now.Sub(agent.LastHeartbeat) <= r.heartbeatTimeout {
			continue
		}

		agent.Status = models.AgentStatusOffline
		offline = append(offline, id)

		if r.bus != nil {
			r.bus.Publish(events.TopicAgents, events.Event{
				Type:      events.EventAgentOffline,
				AgentID:   id,
				AgentType: agent.Type,
				Timestamp: now,
			})
		}
		r.log.Warnw("agent offline", "agent", id, "last_heartbeat", agent.LastHeartbeat)
	}
	return offline
}

// All returns snapshots of every registered agent.
func (r *Registry) All() []*models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, agent.Clone())
	}
	return out
}

// ByType returns snapshots of agents of the given type.
func (r *Registry) ByType(agentType string) []*models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Agent
	for _, agent := range r.agents {
		if agent.Type == agentType {
			out = append(out, agent.Clone())
		}
	}
	return out
}

// Types returns the distinct agent types currently registered.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, agent := range r.agents {
		if !seen[agent.Type] {
			seen[agent.Type] = true
			out = append(out, agent.Type)
		}
	}
	return out
}

// CountsByStatus returns the number of agents per status.
func (r *Registry) CountsByStatus() map[models.AgentStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[models.AgentStatus]int)
	for _, agent := range r.agents {
		out[agent.Status]++
	}
	return out
}

// CountsByType returns the number of agents per type.
func (r *Registry) CountsByType() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int)
	for _, agent := range r.agents {
		out[agent.Type]++
	}
	return out
}

// TotalCost returns the summed cost factor of all registered agents.
func (r *Registry) TotalCost() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total float64
	for _, agent := range r.agents {
		total += agent.CostFactor
	}
	return total
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
