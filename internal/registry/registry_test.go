package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/logging"
	"github.com/taskmesh/taskmesh/pkg/models"
)

func newTestRegistry() *Registry {
	return New(events.NewBus(), logging.Nop(), 30*time.Second)
}

func TestRegisterAndGet(t *testing.T) {
	r := newTestRegistry()

	id, err := r.Register("coder", []string{"coder", "reviewer"}, 2, 1.5)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	agent, err := r.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if agent.Type != "coder" || agent.MaxConcurrentTasks != 2 || agent.CostFactor != 1.5 {
		t.Errorf("unexpected agent: %+v", agent)
	}
	if agent.Status != models.AgentStatusAvailable {
		t.Errorf("new agent should be available, got %s", agent.Status)
	}
	if agent.Circuit != models.CircuitClosed {
		t.Errorf("new agent breaker should be closed, got %s", agent.Circuit)
	}
}

func TestRegisterValidation(t *testing.T) {
	r := newTestRegistry()

	tests := []struct {
		name string
		fn   func() (string, error)
	}{
		{"empty type", func() (string, error) { return r.Register("", []string{"x"}, 1, 1) }},
		{"no capabilities", func() (string, error) { return r.Register("coder", nil, 1, 1) }},
		{"zero concurrency", func() (string, error) { return r.Register("coder", []string{"x"}, 0, 1) }},
		{"zero cost", func() (string, error) { return r.Register("coder", []string{"x"}, 1, 0) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.fn(); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestFindEligible(t *testing.T) {
	r := newTestRegistry()

	coder, _ := r.Register("coder", []string{"coder"}, 2, 1)
	r.Register("tester", []string{"tester"}, 2, 1)

	eligible := r.FindEligible("coder", 1)
	if len(eligible) != 1 || eligible[0].ID != coder {
		t.Fatalf("expected only the coder agent, got %v", eligible)
	}

	// Full agents are not eligible.
	r.IncrementLoad(coder)
	r.IncrementLoad(coder)
	if got := r.FindEligible("coder", 1); len(got) != 0 {
		t.Errorf("full agent must not be eligible, got %v", got)
	}
}

func TestFindEligibleExcludesOpenCircuit(t *testing.T) {
	r := newTestRegistry()

	id, _ := r.Register("coder", []string{"coder"}, 2, 1)
	r.SetCircuit(id, models.CircuitOpen, 5)

	if got := r.FindEligible("coder", 1); len(got) != 0 {
		t.Errorf("open-circuit agent must not be eligible, got %v", got)
	}

	// Half-open agents accept probe traffic.
	r.SetCircuit(id, models.CircuitHalfOpen, 5)
	if got := r.FindEligible("coder", 1); len(got) != 1 {
		t.Errorf("half-open agent should be eligible, got %v", got)
	}
}

func TestLoadInvariant(t *testing.T) {
	r := newTestRegistry()

	id, _ := r.Register("coder", []string{"coder"}, 2, 1)

	if err := r.IncrementLoad(id); err != nil {
		t.Fatalf("increment 1: %v", err)
	}
	if err := r.IncrementLoad(id); err != nil {
		t.Fatalf("increment 2: %v", err)
	}
	if err := r.IncrementLoad(id); !errors.Is(err, ErrLoadExceeded) {
		t.Errorf("expected ErrLoadExceeded, got %v", err)
	}

	agent, _ := r.Get(id)
	if agent.CurrentLoad != 2 {
		t.Errorf("load must never exceed max, got %d", agent.CurrentLoad)
	}
	if agent.Status != models.AgentStatusBusy {
		t.Errorf("agent at limit should be busy, got %s", agent.Status)
	}

	r.DecrementLoad(id)
	agent, _ = r.Get(id)
	if agent.CurrentLoad != 1 || agent.Status != models.AgentStatusAvailable {
		t.Errorf("expected available with load 1, got %s load %d", agent.Status, agent.CurrentLoad)
	}
}

func TestHeartbeatAndSweep(t *testing.T) {
	r := New(events.NewBus(), logging.Nop(), 50*time.Millisecond)

	id, _ := r.Register("coder", []string{"coder"}, 1, 1)

	// Fresh agent survives the sweep.
	if offline := r.Sweep(time.Now()); len(offline) != 0 {
		t.Errorf("fresh agent must not be swept, got %v", offline)
	}

	// Stale agent goes offline.
	offline := r.Sweep(time.Now().Add(time.Second))
	if len(offline) != 1 || offline[0] != id {
		t.Fatalf("expected [%s], got %v", id, offline)
	}

	agent, _ := r.Get(id)
	if agent.Status != models.AgentStatusOffline {
		t.Errorf("expected offline, got %s", agent.Status)
	}

	// A heartbeat brings it back.
	if err := r.Heartbeat(id, models.AgentStatusAvailable, models.ResourceUsage{}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	agent, _ = r.Get(id)
	if agent.Status != models.AgentStatusAvailable {
		t.Errorf("expected available after heartbeat, got %s", agent.Status)
	}
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	r := newTestRegistry()

	err := r.Heartbeat("ghost", models.AgentStatusAvailable, models.ResourceUsage{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCounts(t *testing.T) {
	r := newTestRegistry()

	r.Register("coder", []string{"coder"}, 1, 1)
	r.Register("coder", []string{"coder"}, 1, 2)
	r.Register("tester", []string{"tester"}, 1, 1)

	byType := r.CountsByType()
	if byType["coder"] != 2 || byType["tester"] != 1 {
		t.Errorf("unexpected counts by type: %v", byType)
	}

	byStatus := r.CountsByStatus()
	if byStatus[models.AgentStatusAvailable] != 3 {
		t.Errorf("unexpected counts by status: %v", byStatus)
	}

	if cost := r.TotalCost(); cost != 4 {
		t.Errorf("expected total cost 4, got %v", cost)
	}
}

func TestDeregister(t *testing.T) {
	r := newTestRegistry()

	id, _ := r.Register("coder", []string{"coder"}, 1, 1)

	if err := r.Deregister(id); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if _, err := r.Get(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after deregister, got %v", err)
	}
	if err := r.Deregister(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on double deregister, got %v", err)
	}
}
