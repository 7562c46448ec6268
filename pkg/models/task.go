// Package models defines the core data types shared across the engine.
package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting on incomplete dependencies.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusReady indicates all dependencies are completed and the task is queued.
	TaskStatusReady TaskStatus = "ready"
	// TaskStatusAssigned indicates the task has been matched to an agent.
	TaskStatusAssigned TaskStatus = "assigned"
	// TaskStatusRunning indicates the agent has started executing the task.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the most recent attempt failed; the task may still be retried.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusDeadLettered indicates the task exhausted its retries.
	TaskStatusDeadLettered TaskStatus = "dead_lettered"
	// TaskStatusCancelled indicates the task was cancelled before completion.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusReady, TaskStatusAssigned, TaskStatusRunning,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusDeadLettered, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions are possible from this status.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusDeadLettered, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Priority orders tasks for scheduling. Lower values schedule first.
type Priority int

const (
	// PriorityCritical is drained before all other tiers.
	PriorityCritical Priority = iota
	// PriorityHigh is for latency-sensitive work.
	PriorityHigh
	// PriorityNormal is the default tier.
	PriorityNormal
	// PriorityLow is for deferrable work.
	PriorityLow
	// PriorityBackground is drained only when all other tiers are empty.
	PriorityBackground
)

// NumPriorities is the number of priority tiers.
const NumPriorities = 5

// String returns the lowercase name of the priority tier.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// Valid returns true if the priority is a known tier.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

// ParsePriority maps a tier name to its Priority. Unknown names map to
// PriorityNormal with ok=false.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "critical":
		return PriorityCritical, true
	case "high":
		return PriorityHigh, true
	case "normal":
		return PriorityNormal, true
	case "low":
		return PriorityLow, true
	case "background":
		return PriorityBackground, true
	default:
		return PriorityNormal, false
	}
}

// TaskSpec is the submission request for a new task.
type TaskSpec struct {
	// ID optionally pins the task identifier. Generated when empty. Batch
	// submissions use pinned IDs to express dependencies within the batch.
	ID string `json:"id,omitempty"`
	// Type is the capability tag an agent must advertise to run this task.
	Type string `json:"type"`
	// Payload is opaque structured data handed to the agent.
	Payload map[string]any `json:"payload,omitempty"`
	// Priority is the scheduling tier.
	Priority Priority `json:"priority"`
	// DependsOn lists task IDs that must complete before this task.
	DependsOn []string `json:"depends_on,omitempty"`
	// EstimatedComplexity is a positive weight used for capacity accounting.
	EstimatedComplexity float64 `json:"estimated_complexity"`
	// GangID groups tasks that must be dispatched simultaneously, if set.
	GangID string `json:"gang_id,omitempty"`
}

// Task represents a unit of work in the system.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// Type is the capability tag required to execute this task.
	Type string `json:"type"`
	// Payload is opaque structured data handed to the agent.
	Payload map[string]any `json:"payload,omitempty"`
	// Priority is the scheduling tier.
	Priority Priority `json:"priority"`
	// DependsOn lists task IDs that must complete before this task.
	DependsOn []string `json:"depends_on,omitempty"`
	// EstimatedComplexity is a positive weight used for capacity accounting.
	EstimatedComplexity float64 `json:"estimated_complexity"`
	// GangID groups tasks for all-or-nothing dispatch, if set.
	GangID string `json:"gang_id,omitempty"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// RetryCount is the number of times this task has been retried.
	RetryCount int `json:"retry_count,omitempty"`
	// AssignedAgentID is the agent currently (or last) assigned to this task.
	AssignedAgentID string `json:"assigned_agent_id,omitempty"`
	// Result holds the agent's output after successful completion.
	Result map[string]any `json:"result,omitempty"`
	// Error contains the last error message if the task failed.
	Error string `json:"error,omitempty"`
	// CreatedAt is when the task was submitted.
	CreatedAt time.Time `json:"created_at"`
	// ReadyAt is when the task last became ready, used for aging and queue latency.
	ReadyAt time.Time `json:"ready_at,omitempty"`
	// AssignedAt is when the task was last assigned, used for timeout enforcement.
	AssignedAt time.Time `json:"assigned_at,omitempty"`
	// CompletedAt is when the task reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a copy of the task safe to hand outside the store.
// Payload and Result maps are shared; callers must not mutate them.
func (t *Task) Clone() *Task {
	cp := *t
	cp.DependsOn = append([]string(nil), t.DependsOn...)
	return &cp
}
