package models

import "time"

// AgentStatus represents the current state of an agent.
type AgentStatus string

const (
	// AgentStatusAvailable indicates the agent can accept new tasks.
	AgentStatusAvailable AgentStatus = "available"
	// AgentStatusBusy indicates the agent is at its concurrency limit.
	AgentStatusBusy AgentStatus = "busy"
	// AgentStatusOffline indicates the agent missed its heartbeat window.
	AgentStatusOffline AgentStatus = "offline"
	// AgentStatusError indicates the agent reported a fault.
	AgentStatusError AgentStatus = "error"
	// AgentStatusMaintenance indicates the agent is deliberately drained.
	AgentStatusMaintenance AgentStatus = "maintenance"
)

// Valid returns true if the status is a known value.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusAvailable, AgentStatusBusy, AgentStatusOffline,
		AgentStatusError, AgentStatusMaintenance:
		return true
	default:
		return false
	}
}

// CircuitState represents the per-agent circuit breaker state.
type CircuitState string

const (
	// CircuitClosed allows dispatch calls through.
	CircuitClosed CircuitState = "closed"
	// CircuitOpen blocks dispatch and excludes the agent from scheduling.
	CircuitOpen CircuitState = "open"
	// CircuitHalfOpen allows a single probe call after the open timeout.
	CircuitHalfOpen CircuitState = "half_open"
)

// Agent represents a worker advertising capabilities and concurrency limits.
type Agent struct {
	// ID is the unique identifier for this agent.
	ID string `json:"id"`
	// Type is the agent pool this instance belongs to.
	Type string `json:"type"`
	// Capabilities lists the task types this agent can execute.
	Capabilities []string `json:"capabilities"`
	// MaxConcurrentTasks is the agent's concurrency limit.
	MaxConcurrentTasks int `json:"max_concurrent_tasks"`
	// CurrentLoad is the number of tasks currently assigned to the agent.
	CurrentLoad int `json:"current_load"`
	// CostFactor is the relative hourly cost of keeping this agent running.
	CostFactor float64 `json:"cost_factor"`
	// Status is the current state of the agent.
	Status AgentStatus `json:"status"`
	// Circuit is the agent's circuit breaker state.
	Circuit CircuitState `json:"circuit"`
	// FailureCount is the consecutive dispatch failure counter.
	FailureCount int `json:"failure_count,omitempty"`
	// CircuitChangedAt is when the breaker last changed state.
	CircuitChangedAt time.Time `json:"circuit_changed_at,omitempty"`
	// LastHeartbeat is when the agent last reported liveness.
	LastHeartbeat time.Time `json:"last_heartbeat"`
	// RegisteredAt is when the agent joined the pool.
	RegisteredAt time.Time `json:"registered_at"`
	// Autoscaled marks instances created by the autoscaler; only these are
	// eligible for automatic removal on scale-down.
	Autoscaled bool `json:"autoscaled,omitempty"`
}

// HasCapability returns true if the agent advertises the given capability.
func (a *Agent) HasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// SpareCapacity returns the number of additional tasks the agent can accept.
func (a *Agent) SpareCapacity() int {
	spare := a.MaxConcurrentTasks - a.CurrentLoad
	if spare < 0 {
		return 0
	}
	return spare
}

// Utilization returns the agent's load as a fraction of its concurrency limit.
func (a *Agent) Utilization() float64 {
	if a.MaxConcurrentTasks <= 0 {
		return 1.0
	}
	return float64(a.CurrentLoad) / float64(a.MaxConcurrentTasks)
}

// Clone returns a copy of the agent safe to hand outside the registry.
func (a *Agent) Clone() *Agent {
	cp := *a
	cp.Capabilities = append([]string(nil), a.Capabilities...)
	return &cp
}

// ResourceUsage is the utilization snapshot reported with a heartbeat.
type ResourceUsage struct {
	// CPUPercent is the agent's CPU utilization, 0-100.
	CPUPercent float64 `json:"cpu_percent"`
	// MemoryPercent is the agent's memory utilization, 0-100.
	MemoryPercent float64 `json:"memory_percent"`
	// ActiveTasks is the number of tasks the agent believes it is running.
	ActiveTasks int `json:"active_tasks"`
}
