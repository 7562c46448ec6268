package fault

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/taskmesh/taskmesh/internal/agentcall"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/contextstore"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/logging"
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/internal/state"
	"github.com/taskmesh/taskmesh/internal/store"
	"github.com/taskmesh/taskmesh/pkg/models"
)

func testFaultConfig() config.FaultToleranceConfig {
	return config.FaultToleranceConfig{
		MaxTaskRetries:          3,
		RetryInitialInterval:    time.Millisecond,
		RetryMaxInterval:        5 * time.Millisecond,
		CircuitBreakerThreshold: 3,
		CircuitBreakerTimeout:   50 * time.Millisecond,
		CheckpointInterval:      time.Second,
		ExactlyOnce:             true,
	}
}

type harness struct {
	store    *store.Store
	reg      *registry.Registry
	breakers *Breakers
	sim      *agentcall.SimChannel
	ctxStore *contextstore.Memory
	disp     *Dispatcher
}

func newHarness(t *testing.T, cfg config.FaultToleranceConfig, opts agentcall.SimOptions) (*harness, string) {
	t.Helper()

	log := logging.Nop()
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	h := &harness{
		store:    store.New(bus, log, time.Hour),
		reg:      registry.New(bus, log, time.Minute),
		sim:      agentcall.NewSimChannel(),
		ctxStore: contextstore.NewMemory(),
	}
	h.breakers = NewBreakers(cfg, h.reg, log)
	h.disp = NewDispatcher(h.store, h.reg, h.breakers, h.sim, h.ctxStore, cfg, time.Second, log)

	agentID, err := h.reg.Register("coder", []string{"coder"}, 4, 1.0)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	h.sim.AddAgent(agentID, opts)
	return h, agentID
}

// dispatchOnce assigns the task and runs a single dispatch to completion.
func (h *harness) dispatchOnce(t *testing.T, taskID, agentID string) {
	t.Helper()

	if err := h.store.MarkAssigned(taskID, agentID); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := h.reg.IncrementLoad(agentID); err != nil {
		t.Fatalf("increment load: %v", err)
	}
	task, err := h.store.Get(taskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	h.disp.Dispatch(context.Background(), task, agentID)
	h.disp.Wait()
}

func TestDispatchSuccess(t *testing.T) {
	h, agentID := newHarness(t, testFaultConfig(), agentcall.SimOptions{
		BaseLatency: time.Millisecond,
	})

	taskID, err := h.store.Submit(models.TaskSpec{Type: "coder", Priority: models.PriorityNormal})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	h.dispatchOnce(t, taskID, agentID)

	task, _ := h.store.Get(taskID)
	if task.Status != models.TaskStatusCompleted {
		t.Errorf("status = %s, want completed", task.Status)
	}

	agent, _ := h.reg.Get(agentID)
	if agent.CurrentLoad != 0 {
		t.Errorf("load = %d, want 0 after completion", agent.CurrentLoad)
	}
}

func TestDispatchRetriesThenDeadLetters(t *testing.T) {
	cfg := testFaultConfig()
	cfg.CircuitBreakerThreshold = 100 // keep the breaker out of this test
	h, agentID := newHarness(t, cfg, agentcall.SimOptions{FailureRate: 1.0})

	taskID, err := h.store.Submit(models.TaskSpec{Type: "coder", Priority: models.PriorityNormal})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Initial attempt plus MaxTaskRetries retries.
	attempts := 0
	for {
		task, _ := h.store.Get(taskID)
		if task.Status != models.TaskStatusReady {
			break
		}
		h.dispatchOnce(t, taskID, agentID)
		attempts++
		if attempts > 10 {
			t.Fatal("dispatch loop did not terminate")
		}
	}

	if attempts != cfg.MaxTaskRetries+1 {
		t.Errorf("attempts = %d, want %d", attempts, cfg.MaxTaskRetries+1)
	}

	task, _ := h.store.Get(taskID)
	if task.Status != models.TaskStatusDeadLettered {
		t.Errorf("status = %s, want dead_lettered", task.Status)
	}
	if task.RetryCount != cfg.MaxTaskRetries {
		t.Errorf("retry count = %d, want %d", task.RetryCount, cfg.MaxTaskRetries)
	}
	if task.Error == "" {
		t.Error("dead-lettered task must preserve the last error")
	}
}

func TestDispatchStoresOutputContext(t *testing.T) {
	h, agentID := newHarness(t, testFaultConfig(), agentcall.SimOptions{
		BaseLatency: time.Millisecond,
	})

	taskID, err := h.store.Submit(models.TaskSpec{Type: "coder", Priority: models.PriorityNormal})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	h.dispatchOnce(t, taskID, agentID)

	task, _ := h.store.Get(taskID)
	if task.Status != models.TaskStatusCompleted {
		t.Fatalf("status = %s, want completed", task.Status)
	}
	if task.Result == nil {
		t.Error("completed task should carry a result")
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cfg := testFaultConfig()
	h2, agent2 := newHarness(t, cfg, agentcall.SimOptions{})
	for i := 0; i < cfg.CircuitBreakerThreshold; i++ {
		h2.breakers.Execute(agent2, func() (any, error) {
			return nil, context.DeadlineExceeded
		})
	}

	if got := h2.breakers.State(agent2); got != models.CircuitOpen {
		t.Errorf("state = %s, want open", got)
	}

	// Transition is mirrored on the registry so eligibility excludes it.
	agent, _ := h2.reg.Get(agent2)
	if agent.Circuit != models.CircuitOpen {
		t.Errorf("registry circuit = %s, want open", agent.Circuit)
	}
	if eligible := h2.reg.FindEligible("coder", 1); len(eligible) != 0 {
		t.Errorf("open-circuit agent must not be eligible, got %d", len(eligible))
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	cfg := testFaultConfig()
	cfg.CircuitBreakerTimeout = 20 * time.Millisecond
	h, agentID := newHarness(t, cfg, agentcall.SimOptions{})

	for i := 0; i < cfg.CircuitBreakerThreshold; i++ {
		h.breakers.Execute(agentID, func() (any, error) {
			return nil, context.DeadlineExceeded
		})
	}
	if got := h.breakers.State(agentID); got != models.CircuitOpen {
		t.Fatalf("state = %s, want open", got)
	}

	time.Sleep(cfg.CircuitBreakerTimeout + 10*time.Millisecond)

	if got := h.breakers.State(agentID); got != models.CircuitHalfOpen {
		t.Fatalf("state after timeout = %s, want half_open", got)
	}

	// A successful trial call closes the breaker.
	if _, err := h.breakers.Execute(agentID, func() (any, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("trial call: %v", err)
	}
	if got := h.breakers.State(agentID); got != models.CircuitClosed {
		t.Errorf("state after trial success = %s, want closed", got)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cfg := testFaultConfig()
	cfg.CircuitBreakerTimeout = 20 * time.Millisecond
	h, agentID := newHarness(t, cfg, agentcall.SimOptions{})

	for i := 0; i < cfg.CircuitBreakerThreshold; i++ {
		h.breakers.Execute(agentID, func() (any, error) {
			return nil, context.DeadlineExceeded
		})
	}
	time.Sleep(cfg.CircuitBreakerTimeout + 10*time.Millisecond)

	h.breakers.Execute(agentID, func() (any, error) {
		return nil, context.DeadlineExceeded
	})
	if got := h.breakers.State(agentID); got != models.CircuitOpen {
		t.Errorf("state after trial failure = %s, want open", got)
	}
}

func TestDispatchWithOpenBreakerRequeuesWithoutRetry(t *testing.T) {
	cfg := testFaultConfig()
	h, agentID := newHarness(t, cfg, agentcall.SimOptions{BaseLatency: time.Millisecond})

	// Open the breaker out of band.
	for i := 0; i < cfg.CircuitBreakerThreshold; i++ {
		h.breakers.Execute(agentID, func() (any, error) {
			return nil, context.DeadlineExceeded
		})
	}

	taskID, err := h.store.Submit(models.TaskSpec{Type: "coder", Priority: models.PriorityNormal})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	h.dispatchOnce(t, taskID, agentID)

	task, _ := h.store.Get(taskID)
	if task.Status != models.TaskStatusReady {
		t.Errorf("status = %s, want ready (requeued)", task.Status)
	}
	if task.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0 for breaker rejection", task.RetryCount)
	}
}

func TestResolvedAttemptKeepsSuccessorToken(t *testing.T) {
	h, agentID := newHarness(t, testFaultConfig(), agentcall.SimOptions{
		BaseLatency: 100 * time.Millisecond,
	})

	taskID, err := h.store.Submit(models.TaskSpec{Type: "coder", Priority: models.PriorityNormal})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.store.MarkAssigned(taskID, agentID); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := h.reg.IncrementLoad(agentID); err != nil {
		t.Fatalf("increment load: %v", err)
	}
	task, err := h.store.Get(taskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	h.disp.Dispatch(context.Background(), task, agentID)

	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := h.disp.Token(taskID); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("dispatch never registered a token")
		}
		time.Sleep(time.Millisecond)
	}

	// A newer attempt registers its token while the first is still resolving.
	// When the first finishes it must not remove the successor's entry.
	h.disp.mu.Lock()
	h.disp.tokens[taskID] = "successor"
	h.disp.mu.Unlock()

	h.disp.Wait()

	tok, ok := h.disp.Token(taskID)
	if !ok || tok != "successor" {
		t.Errorf("token = %q, %v; want the successor's token kept", tok, ok)
	}
}

func TestCheckpointSnapshotAndRestore(t *testing.T) {
	cfg := testFaultConfig()
	h, agentID := newHarness(t, cfg, agentcall.SimOptions{BaseLatency: time.Minute})

	db, err := state.Open(filepath.Join(t.TempDir(), "checkpoint.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	taskID, err := h.store.Submit(models.TaskSpec{Type: "coder", Priority: models.PriorityNormal})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.store.MarkAssigned(taskID, agentID); err != nil {
		t.Fatalf("assign: %v", err)
	}

	cp := NewCheckpointer(h.store, db, h.disp, cfg.CheckpointInterval, logging.Nop())
	if err := cp.Snapshot(); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	entries, err := db.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(entries) != 1 || entries[0].TaskID != taskID || entries[0].AgentID != agentID {
		t.Fatalf("unexpected checkpoint: %v", entries)
	}

	// Agent alive: restore is a no-op.
	n, err := cp.Restore(h.reg)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n != 0 {
		t.Errorf("requeued %d with agent alive, want 0", n)
	}

	// Agent gone: the in-flight task is requeued without spending a retry.
	if err := h.reg.Deregister(agentID); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	n, err = cp.Restore(h.reg)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued %d, want 1", n)
	}

	task, _ := h.store.Get(taskID)
	if task.Status != models.TaskStatusReady {
		t.Errorf("status = %s, want ready", task.Status)
	}
	if task.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0 for recovery requeue", task.RetryCount)
	}
}
