package agentcall

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/taskmesh/taskmesh/pkg/models"
)

func TestSimExecuteSuccess(t *testing.T) {
	c := NewSimChannel()
	c.AddAgent("agent-1", SimOptions{
		Capabilities:       []string{"coder"},
		MaxConcurrentTasks: 2,
		BaseLatency:        time.Millisecond,
	})

	res, err := c.ExecuteTask(context.Background(), ExecuteRequest{
		AgentID:       "agent-1",
		TaskID:        "task-1",
		TaskType:      "coder",
		DispatchToken: "token-1",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Errorf("expected success, got error %q", res.Error)
	}
}

func TestSimExecuteUnknownAgent(t *testing.T) {
	c := NewSimChannel()

	_, err := c.ExecuteTask(context.Background(), ExecuteRequest{AgentID: "ghost"})
	if !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("expected ErrUnknownAgent, got %v", err)
	}
}

func TestSimDuplicateTokenSuppressed(t *testing.T) {
	c := NewSimChannel()
	c.AddAgent("agent-1", SimOptions{BaseLatency: time.Millisecond})

	req := ExecuteRequest{
		AgentID:       "agent-1",
		TaskID:        "task-1",
		DispatchToken: "token-dup",
	}

	first, err := c.ExecuteTask(context.Background(), req)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if first.Metrics.Retried {
		t.Error("first delivery must not be marked retried")
	}

	second, err := c.ExecuteTask(context.Background(), req)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if !second.Metrics.Retried {
		t.Error("duplicate delivery should be served from the dedup cache")
	}
	if second.Success != first.Success {
		t.Error("cached result must match the original outcome")
	}
}

func TestSimAlwaysFailingAgent(t *testing.T) {
	c := NewSimChannel()
	c.AddAgent("agent-1", SimOptions{FailureRate: 1.0})

	res, err := c.ExecuteTask(context.Background(), ExecuteRequest{
		AgentID:       "agent-1",
		TaskID:        "task-1",
		DispatchToken: "t",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Success {
		t.Error("expected simulated failure")
	}
	if res.Error == "" {
		t.Error("failure must carry an error message")
	}
}

func TestSimExecuteRespectsContext(t *testing.T) {
	c := NewSimChannel()
	c.AddAgent("agent-1", SimOptions{BaseLatency: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.ExecuteTask(ctx, ExecuteRequest{
		AgentID:       "agent-1",
		TaskID:        "task-1",
		DispatchToken: "t",
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestSimCancelTask(t *testing.T) {
	c := NewSimChannel()
	c.AddAgent("agent-1", SimOptions{BaseLatency: time.Minute})

	done := make(chan error, 1)
	go func() {
		_, err := c.ExecuteTask(context.Background(), ExecuteRequest{
			AgentID:       "agent-1",
			TaskID:        "task-slow",
			DispatchToken: "t",
		})
		done <- err
	}()

	// Wait for the task to start running.
	deadline := time.After(time.Second)
	for {
		cancelled, err := c.CancelTask(context.Background(), "task-slow", "test", false)
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if cancelled {
			break
		}
		select {
		case <-deadline:
			t.Fatal("task never started")
		case <-time.After(time.Millisecond):
		}
	}

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled task did not return")
	}
}

func TestSimHeartbeatAndCapabilities(t *testing.T) {
	c := NewSimChannel()
	c.AddAgent("agent-1", SimOptions{
		Capabilities:       []string{"coder", "tester"},
		MaxConcurrentTasks: 3,
	})

	if err := c.Heartbeat(context.Background(), "agent-1", models.AgentStatusAvailable, models.ResourceUsage{}); err != nil {
		t.Errorf("heartbeat: %v", err)
	}
	if err := c.Heartbeat(context.Background(), "ghost", models.AgentStatusAvailable, models.ResourceUsage{}); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("expected ErrUnknownAgent, got %v", err)
	}

	caps, err := c.GetCapabilities(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("capabilities: %v", err)
	}
	if len(caps.Capabilities) != 2 || caps.MaxConcurrentTasks != 3 {
		t.Errorf("unexpected capabilities: %+v", caps)
	}
}
