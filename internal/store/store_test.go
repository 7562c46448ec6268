package store

import (
	"errors"
	"testing"
	"time"

	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/logging"
	"github.com/taskmesh/taskmesh/pkg/models"
)

func newTestStore() *Store {
	return New(events.NewBus(), logging.Nop(), time.Hour)
}

func TestSubmitNoDepsIsReady(t *testing.T) {
	s := newTestStore()

	id, err := s.Submit(models.TaskSpec{Type: "coder"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	task, err := s.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != models.TaskStatusReady {
		t.Errorf("expected ready, got %s", task.Status)
	}
	if task.EstimatedComplexity != 1.0 {
		t.Errorf("expected default complexity 1.0, got %v", task.EstimatedComplexity)
	}
}

func TestSubmitWithPendingDependency(t *testing.T) {
	s := newTestStore()

	depID, err := s.Submit(models.TaskSpec{Type: "planner"})
	if err != nil {
		t.Fatalf("submit dep: %v", err)
	}

	id, err := s.Submit(models.TaskSpec{Type: "coder", DependsOn: []string{depID}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	task, _ := s.Get(id)
	if task.Status != models.TaskStatusPending {
		t.Errorf("expected pending while dependency incomplete, got %s", task.Status)
	}
}

func TestSubmitUnknownDependency(t *testing.T) {
	s := newTestStore()

	_, err := s.Submit(models.TaskSpec{Type: "coder", DependsOn: []string{"ghost"}})
	if !errors.Is(err, ErrUnknownDependency) {
		t.Errorf("expected ErrUnknownDependency, got %v", err)
	}
	if s.Size() != 0 {
		t.Error("rejected submission must not enter the store")
	}
}

func TestSubmitSetCycle(t *testing.T) {
	s := newTestStore()

	_, err := s.SubmitSet([]models.TaskSpec{
		{ID: "a", Type: "coder", DependsOn: []string{"b"}},
		{ID: "b", Type: "coder", DependsOn: []string{"a"}},
	})
	if !errors.Is(err, ErrCyclicDependency) {
		t.Errorf("expected ErrCyclicDependency, got %v", err)
	}
	if s.Size() != 0 {
		t.Error("cyclic batch must be rejected atomically")
	}
}

func TestSubmitInvalidSpecs(t *testing.T) {
	s := newTestStore()

	tests := []struct {
		name string
		spec models.TaskSpec
	}{
		{"missing type", models.TaskSpec{}},
		{"bad priority", models.TaskSpec{Type: "coder", Priority: models.Priority(9)}},
		{"negative complexity", models.TaskSpec{Type: "coder", EstimatedComplexity: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Submit(tt.spec); !errors.Is(err, ErrInvalidSpec) {
				t.Errorf("expected ErrInvalidSpec, got %v", err)
			}
		})
	}
}

func TestGetUnknown(t *testing.T) {
	s := newTestStore()

	if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCompletionCascade(t *testing.T) {
	s := newTestStore()

	a, _ := s.Submit(models.TaskSpec{Type: "planner"})
	b, _ := s.Submit(models.TaskSpec{Type: "planner"})
	c, err := s.Submit(models.TaskSpec{Type: "coder", DependsOn: []string{a, b}})
	if err != nil {
		t.Fatalf("submit c: %v", err)
	}

	complete := func(id string) {
		t.Helper()
		if err := s.MarkAssigned(id, "agent-1"); err != nil {
			t.Fatalf("assign %s: %v", id, err)
		}
		if err := s.MarkCompleted(id, nil); err != nil {
			t.Fatalf("complete %s: %v", id, err)
		}
	}

	complete(a)

	task, _ := s.Get(c)
	if task.Status != models.TaskStatusPending {
		t.Fatalf("c must stay pending until all deps complete, got %s", task.Status)
	}

	complete(b)

	task, _ = s.Get(c)
	if task.Status != models.TaskStatusReady {
		t.Errorf("c should be ready after both deps complete, got %s", task.Status)
	}
}

func TestRoundTrip(t *testing.T) {
	s := newTestStore()

	id, err := s.Submit(models.TaskSpec{Type: "coder", Priority: models.PriorityNormal})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := s.MarkAssigned(id, "agent-1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := s.MarkRunning(id); err != nil {
		t.Fatalf("run: %v", err)
	}
	result := map[string]any{"artifact": "main.go"}
	if err := s.MarkCompleted(id, result); err != nil {
		t.Fatalf("complete: %v", err)
	}

	task, err := s.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != models.TaskStatusCompleted {
		t.Errorf("expected completed, got %s", task.Status)
	}
	if task.Result["artifact"] != "main.go" {
		t.Errorf("result not preserved: %v", task.Result)
	}
	if task.AssignedAgentID != "agent-1" {
		t.Errorf("expected assigned agent recorded, got %q", task.AssignedAgentID)
	}
}

func TestFailRequeueDeadLetter(t *testing.T) {
	s := newTestStore()

	id, _ := s.Submit(models.TaskSpec{Type: "coder"})

	if err := s.MarkAssigned(id, "agent-1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := s.MarkFailed(id, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	task, _ := s.Get(id)
	if task.Status != models.TaskStatusFailed || task.Error != "boom" {
		t.Errorf("unexpected task after failure: %+v", task)
	}

	if err := s.Requeue(id, true); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	task, _ = s.Get(id)
	if task.Status != models.TaskStatusReady || task.RetryCount != 1 {
		t.Errorf("expected ready with retry 1, got %s retry %d", task.Status, task.RetryCount)
	}
	if task.AssignedAgentID != "" {
		t.Error("requeue must clear assignment")
	}

	if err := s.MarkAssigned(id, "agent-2"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := s.MarkFailed(id, "boom again"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := s.DeadLetter(id, "boom again"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	task, _ = s.Get(id)
	if task.Status != models.TaskStatusDeadLettered {
		t.Errorf("expected dead_lettered, got %s", task.Status)
	}
	if task.Error != "boom again" {
		t.Errorf("terminal error not preserved: %q", task.Error)
	}
}

func TestCancel(t *testing.T) {
	s := newTestStore()

	id, _ := s.Submit(models.TaskSpec{Type: "coder"})

	if err := s.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	task, _ := s.Get(id)
	if task.Status != models.TaskStatusCancelled {
		t.Errorf("expected cancelled, got %s", task.Status)
	}

	// Terminal tasks cannot be cancelled again.
	if err := s.Cancel(id); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCompletionPublishesEvent(t *testing.T) {
	bus := events.NewBus()
	s := New(bus, logging.Nop(), time.Hour)
	sub := bus.Subscribe(events.TopicTasks, 16)

	id, _ := s.Submit(models.TaskSpec{Type: "coder"})
	s.MarkAssigned(id, "agent-1")
	s.MarkCompleted(id, nil)

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type == events.EventTaskCompleted && ev.TaskID == id {
				return
			}
		case <-deadline:
			t.Fatal("completion event never published")
		}
	}
}

func TestSweepRespectsRetention(t *testing.T) {
	s := New(events.NewBus(), logging.Nop(), time.Minute)

	id, _ := s.Submit(models.TaskSpec{Type: "coder"})
	s.MarkAssigned(id, "agent-1")
	s.MarkCompleted(id, nil)

	if removed := s.Sweep(time.Now()); removed != 0 {
		t.Errorf("task inside retention window must not be swept, removed %d", removed)
	}

	if removed := s.Sweep(time.Now().Add(2 * time.Minute)); removed != 1 {
		t.Errorf("expected 1 task swept, got %d", removed)
	}
	if s.Size() != 0 {
		t.Errorf("expected empty store, size %d", s.Size())
	}
}

func TestSweepKeepsGatingDependencies(t *testing.T) {
	s := New(events.NewBus(), logging.Nop(), time.Minute)

	a, _ := s.Submit(models.TaskSpec{Type: "planner"})
	s.Submit(models.TaskSpec{Type: "coder", DependsOn: []string{a}})

	s.MarkAssigned(a, "agent-1")
	s.MarkCompleted(a, nil)

	// The dependent is still live (ready), so a must survive the sweep.
	if removed := s.Sweep(time.Now().Add(2 * time.Minute)); removed != 0 {
		t.Errorf("completed task gating a live dependent must not be swept, removed %d", removed)
	}
}

func TestQueueDepthByType(t *testing.T) {
	s := newTestStore()

	s.Submit(models.TaskSpec{Type: "coder"})
	s.Submit(models.TaskSpec{Type: "coder"})
	s.Submit(models.TaskSpec{Type: "tester"})

	depths := s.QueueDepthByType()
	if depths["coder"] != 2 || depths["tester"] != 1 {
		t.Errorf("unexpected depths: %v", depths)
	}
}

func TestDependencyAgents(t *testing.T) {
	s := newTestStore()

	a, _ := s.Submit(models.TaskSpec{Type: "planner"})
	b, _ := s.Submit(models.TaskSpec{Type: "coder", DependsOn: []string{a}})

	s.MarkAssigned(a, "agent-7")
	s.MarkCompleted(a, nil)

	agents := s.DependencyAgents(b)
	if len(agents) != 1 || agents[0] != "agent-7" {
		t.Errorf("expected [agent-7], got %v", agents)
	}
}
