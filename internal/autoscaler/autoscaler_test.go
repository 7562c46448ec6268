package autoscaler

import (
	"testing"
	"time"

	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/logging"
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/internal/store"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// regFactory provisions agents straight into the registry.
type regFactory struct {
	reg        *registry.Registry
	created    int
	destroyed  int
	costFactor float64
}

func (f *regFactory) CreateAgent(agentType string) (string, error) {
	f.created++
	return f.reg.RegisterAutoscaled(agentType, []string{agentType}, 2, f.costFactor)
}

func (f *regFactory) DestroyAgent(agentID string) error {
	f.destroyed++
	return f.reg.Deregister(agentID)
}

func testScalerConfig() config.AutoscalerConfig {
	return config.AutoscalerConfig{
		Enabled:            true,
		Interval:           time.Second,
		ScaleUpThreshold:   0.8,
		ScaleDownThreshold: 0.2,
		ScaleUpRate:        1,
		ScaleDownRate:      1,
		MinAgentsPerType:   1,
		MaxAgentsPerType:   5,
		MaxHourlyCost:      100,
		Cooldown:           time.Minute,
	}
}

type scalerFixture struct {
	reg     *registry.Registry
	store   *store.Store
	factory *regFactory
	scaler  *Autoscaler
}

func newScalerFixture(t *testing.T, cfg config.AutoscalerConfig) *scalerFixture {
	t.Helper()

	log := logging.Nop()
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	f := &scalerFixture{
		reg:   registry.New(bus, log, time.Minute),
		store: store.New(bus, log, time.Hour),
	}
	f.factory = &regFactory{reg: f.reg, costFactor: 1.0}
	f.scaler = New(f.reg, f.store, f.factory, bus, cfg, log)
	return f
}

// saturate fills every slot of the agent.
func saturate(t *testing.T, reg *registry.Registry, agentID string) {
	t.Helper()
	agent, err := reg.Get(agentID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	for i := 0; i < agent.MaxConcurrentTasks; i++ {
		if err := reg.IncrementLoad(agentID); err != nil {
			t.Fatalf("load: %v", err)
		}
	}
}

func TestScaleUpOnHighUtilization(t *testing.T) {
	f := newScalerFixture(t, testScalerConfig())

	agentID, _ := f.reg.Register("coder", []string{"coder"}, 2, 1.0)
	saturate(t, f.reg, agentID)

	decisions := f.scaler.Evaluate(time.Now())
	if len(decisions) != 1 || decisions[0].Delta != 1 {
		t.Fatalf("decisions = %v, want one +1", decisions)
	}
	if f.reg.Count() != 2 {
		t.Errorf("pool size = %d, want 2", f.reg.Count())
	}
	if f.factory.created != 1 {
		t.Errorf("created = %d, want 1", f.factory.created)
	}
}

func TestUtilizationCountsOnlySaturatedAgents(t *testing.T) {
	f := newScalerFixture(t, testScalerConfig())

	// Nine of ten slots in use, but one agent still has a free slot. The
	// pool has headroom, so no scale-up regardless of slot usage.
	a, _ := f.reg.Register("coder", []string{"coder"}, 5, 1.0)
	b, _ := f.reg.Register("coder", []string{"coder"}, 5, 1.0)
	saturate(t, f.reg, a)
	for i := 0; i < 4; i++ {
		if err := f.reg.IncrementLoad(b); err != nil {
			t.Fatalf("load: %v", err)
		}
	}

	if d := f.scaler.Evaluate(time.Now()); len(d) != 0 {
		t.Errorf("pool with a free slot must not scale up: %v", d)
	}

	// Filling the last slot saturates every agent in the pool.
	if err := f.reg.IncrementLoad(b); err != nil {
		t.Fatalf("load: %v", err)
	}
	decisions := f.scaler.Evaluate(time.Now())
	if len(decisions) != 1 || decisions[0].Delta != 1 {
		t.Fatalf("decisions = %v, want one +1", decisions)
	}
}

func TestCooldownBlocksRepeatedScaling(t *testing.T) {
	f := newScalerFixture(t, testScalerConfig())

	agentID, _ := f.reg.Register("coder", []string{"coder"}, 2, 1.0)
	saturate(t, f.reg, agentID)

	now := time.Now()
	f.scaler.Evaluate(now)

	// New agent is idle but pool utilization is still 100% on the original.
	saturate(t, f.reg, f.lastAutoscaled(t))
	if d := f.scaler.Evaluate(now.Add(time.Second)); len(d) != 0 {
		t.Errorf("decision within cooldown: %v", d)
	}
	if d := f.scaler.Evaluate(now.Add(2 * time.Minute)); len(d) != 1 {
		t.Errorf("expected scaling after cooldown, got %v", d)
	}
}

func (f *scalerFixture) lastAutoscaled(t *testing.T) string {
	t.Helper()
	for _, a := range f.reg.All() {
		if a.Autoscaled {
			return a.ID
		}
	}
	t.Fatal("no autoscaled agent found")
	return ""
}

func TestScaleUpRespectsMaxAgents(t *testing.T) {
	cfg := testScalerConfig()
	cfg.MaxAgentsPerType = 1
	f := newScalerFixture(t, cfg)

	agentID, _ := f.reg.Register("coder", []string{"coder"}, 2, 1.0)
	saturate(t, f.reg, agentID)

	if d := f.scaler.Evaluate(time.Now()); len(d) != 0 {
		t.Errorf("scaled beyond max pool size: %v", d)
	}
}

func TestScaleUpRespectsCostCeiling(t *testing.T) {
	cfg := testScalerConfig()
	cfg.MaxHourlyCost = 1.5
	f := newScalerFixture(t, cfg)

	agentID, _ := f.reg.Register("coder", []string{"coder"}, 2, 1.0)
	saturate(t, f.reg, agentID)

	// Adding another 1.0-cost agent would exceed the 1.5 ceiling.
	if d := f.scaler.Evaluate(time.Now()); len(d) != 0 {
		t.Errorf("scaled past cost ceiling: %v", d)
	}
	if f.factory.created != 0 {
		t.Errorf("created = %d, want 0", f.factory.created)
	}
}

func TestScaleDownIdleAutoscaledAgent(t *testing.T) {
	f := newScalerFixture(t, testScalerConfig())

	f.reg.Register("coder", []string{"coder"}, 2, 1.0)
	f.reg.RegisterAutoscaled("coder", []string{"coder"}, 2, 1.0)

	decisions := f.scaler.Evaluate(time.Now())
	if len(decisions) != 1 || decisions[0].Delta != -1 {
		t.Fatalf("decisions = %v, want one -1", decisions)
	}
	if f.reg.Count() != 1 {
		t.Errorf("pool size = %d, want 1", f.reg.Count())
	}
	if f.factory.destroyed != 1 {
		t.Errorf("destroyed = %d, want 1", f.factory.destroyed)
	}
}

func TestScaleDownSparesManualAgents(t *testing.T) {
	f := newScalerFixture(t, testScalerConfig())

	f.reg.Register("coder", []string{"coder"}, 2, 1.0)
	f.reg.Register("coder", []string{"coder"}, 2, 1.0)

	if d := f.scaler.Evaluate(time.Now()); len(d) != 0 {
		t.Errorf("manual agents must never be scaled down: %v", d)
	}
	if f.reg.Count() != 2 {
		t.Errorf("pool size = %d, want 2", f.reg.Count())
	}
}

func TestScaleDownHonorsMinAgents(t *testing.T) {
	f := newScalerFixture(t, testScalerConfig())

	f.reg.RegisterAutoscaled("coder", []string{"coder"}, 2, 1.0)

	if d := f.scaler.Evaluate(time.Now()); len(d) != 0 {
		t.Errorf("scaled below minimum pool size: %v", d)
	}
}

func TestScaleFromZeroOnQueueDepth(t *testing.T) {
	f := newScalerFixture(t, testScalerConfig())

	if _, err := f.store.Submit(models.TaskSpec{Type: "reviewer", Priority: models.PriorityNormal}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	decisions := f.scaler.Evaluate(time.Now())
	if len(decisions) != 1 || decisions[0].AgentType != "reviewer" || decisions[0].Delta != 1 {
		t.Fatalf("decisions = %v, want +1 reviewer", decisions)
	}
	if len(f.reg.ByType("reviewer")) != 1 {
		t.Error("reviewer pool should have been created")
	}
}
