// Package fault implements the fault-tolerance layer: per-agent circuit
// breakers, dispatch with bounded retries, and periodic checkpointing of
// in-flight assignments.
package fault

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/logging"
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// Breakers maintains one circuit breaker per agent. A breaker opens after a
// run of consecutive failures, rejects calls while open, and probes with a
// single trial call once the open timeout elapses.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	threshold uint32
	timeout   time.Duration
	reg       *registry.Registry
	log       *logging.Logger
}

// NewBreakers creates the per-agent breaker registry. Transitions are
// mirrored onto the agent registry so eligibility checks see them.
func NewBreakers(cfg config.FaultToleranceConfig, reg *registry.Registry, log *logging.Logger) *Breakers {
	return &Breakers{
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		threshold: uint32(cfg.CircuitBreakerThreshold),
		timeout:   cfg.CircuitBreakerTimeout,
		reg:       reg,
		log:       log.Named("breaker"),
	}
}

// Execute runs fn through the agent's breaker. While the breaker is open the
// call is rejected with gobreaker.ErrOpenState without invoking fn.
func (b *Breakers) Execute(agentID string, fn func() (any, error)) (any, error) {
	return b.forAgent(agentID).Execute(fn)
}

// State returns the agent's current circuit state.
func (b *Breakers) State(agentID string) models.CircuitState {
	return circuitState(b.forAgent(agentID).State())
}

// forAgent returns the agent's breaker, creating it on first use.
func (b *Breakers) forAgent(agentID string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[agentID]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        agentID,
		MaxRequests: 1,
		Timeout:     b.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= b.threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			state := circuitState(to)
			failures := 0
			if state == models.CircuitOpen {
				failures = int(b.threshold)
			}
			b.reg.SetCircuit(name, state, failures)
			b.log.Infow("circuit transition", "agent", name,
				"from", circuitState(from), "to", state)
		},
	})
	b.breakers[agentID] = cb
	return cb
}

// Remove drops the breaker of a deregistered agent.
func (b *Breakers) Remove(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.breakers, agentID)
}

// circuitState maps gobreaker states onto the registry's circuit states.
func circuitState(s gobreaker.State) models.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return models.CircuitOpen
	case gobreaker.StateHalfOpen:
		return models.CircuitHalfOpen
	default:
		return models.CircuitClosed
	}
}
