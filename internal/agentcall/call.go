// Package agentcall defines the remote-call contract used to invoke worker
// agents. The engine depends on this contract only; production transports
// live behind it, and a simulated in-process implementation is provided for
// tests and load runs.
package agentcall

import (
	"context"
	"time"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// ExecuteRequest is the dispatch payload handed to an agent.
//
// DispatchToken is the idempotency key for exactly-once delivery: every
// dispatch attempt carries a fresh token, and the receiving agent is
// responsible for suppressing duplicate deliveries of the same token. The
// engine makes no further delivery guarantee.
type ExecuteRequest struct {
	// AgentID routes the call to a specific agent.
	AgentID string `json:"agent_id"`
	// TaskID identifies the task being executed.
	TaskID string `json:"task_id"`
	// TaskType is the capability being exercised.
	TaskType string `json:"task_type"`
	// Payload is the task's opaque input.
	Payload map[string]any `json:"payload,omitempty"`
	// Context carries intermediate artifacts from completed dependencies.
	Context map[string]any `json:"context,omitempty"`
	// Dependencies lists the task IDs this task depended on.
	Dependencies []string `json:"dependencies,omitempty"`
	// Priority is the task's scheduling tier.
	Priority models.Priority `json:"priority"`
	// Deadline is when the engine will consider the call timed out.
	Deadline time.Time `json:"deadline"`
	// DispatchToken is the per-attempt idempotency key.
	DispatchToken string `json:"dispatch_token"`
}

// Metrics is the agent's self-reported execution accounting.
type Metrics struct {
	// Duration is wall-clock execution time.
	Duration time.Duration `json:"duration"`
	// Retried indicates the agent served this token from its dedup cache.
	Retried bool `json:"retried,omitempty"`
}

// ExecuteResult is the agent's response to an ExecuteRequest.
type ExecuteResult struct {
	// Success is true when the task completed.
	Success bool `json:"success"`
	// Result is the task output on success.
	Result map[string]any `json:"result,omitempty"`
	// Error describes the failure when Success is false.
	Error string `json:"error,omitempty"`
	// Artifacts lists produced artifact references.
	Artifacts []string `json:"artifacts,omitempty"`
	// OutputContext carries values for dependent tasks via the context store.
	OutputContext map[string]any `json:"output_context,omitempty"`
	// Metrics is the agent's execution accounting.
	Metrics Metrics `json:"metrics"`
}

// Capabilities is an agent's advertised capability set and limits.
type Capabilities struct {
	// Capabilities lists the task types the agent accepts.
	Capabilities []string `json:"capabilities"`
	// MaxConcurrentTasks is the agent's concurrency limit.
	MaxConcurrentTasks int `json:"max_concurrent_tasks"`
}

// Channel is the remote-call contract for invoking agents. All calls carry
// a context deadline and are expected to be idempotent under the dispatch
// token in ExecuteRequest.
type Channel interface {
	// ExecuteTask runs a task on the routed agent and blocks until it
	// finishes, fails, or ctx expires.
	ExecuteTask(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error)
	// Heartbeat reports agent liveness.
	Heartbeat(ctx context.Context, agentID string, status models.AgentStatus, usage models.ResourceUsage) error
	// CancelTask requests a best-effort stop of a running task.
	CancelTask(ctx context.Context, taskID, reason string, force bool) (bool, error)
	// GetCapabilities returns the agent's advertised capabilities.
	GetCapabilities(ctx context.Context, agentID string) (*Capabilities, error)
}
