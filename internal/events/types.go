// Package events provides the channel-based pub/sub bus connecting the
// task store, scheduler, and observability collector.
package events

import (
	"time"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// Topic names used on the bus.
const (
	// TopicTasks carries task lifecycle events.
	TopicTasks = "tasks"
	// TopicAgents carries agent registration, heartbeat, and breaker events.
	TopicAgents = "agents"
	// TopicScaling carries autoscaler decisions.
	TopicScaling = "scaling"
)

// EventType represents the kind of event.
type EventType string

const (
	// EventTaskSubmitted indicates a task entered the store.
	EventTaskSubmitted EventType = "task_submitted"
	// EventTaskReady indicates a task became eligible for scheduling.
	EventTaskReady EventType = "task_ready"
	// EventTaskAssigned indicates a task was matched to an agent.
	EventTaskAssigned EventType = "task_assigned"
	// EventTaskCompleted indicates a task finished successfully.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates a task attempt failed.
	EventTaskFailed EventType = "task_failed"
	// EventTaskDeadLettered indicates a task exhausted its retries.
	EventTaskDeadLettered EventType = "task_dead_lettered"
	// EventTaskCancelled indicates a task was cancelled.
	EventTaskCancelled EventType = "task_cancelled"
	// EventAgentRegistered indicates an agent joined the pool.
	EventAgentRegistered EventType = "agent_registered"
	// EventAgentOffline indicates an agent missed its heartbeat window.
	EventAgentOffline EventType = "agent_offline"
	// EventCircuitStateChanged indicates a breaker transition.
	EventCircuitStateChanged EventType = "circuit_state_changed"
	// EventScaledUp indicates the autoscaler grew a pool.
	EventScaledUp EventType = "scaled_up"
	// EventScaledDown indicates the autoscaler shrank a pool.
	EventScaledDown EventType = "scaled_down"
)

// Event is a single bus message.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// TaskID is the related task, if applicable.
	TaskID string
	// AgentID is the related agent, if applicable.
	AgentID string
	// AgentType is the related agent pool, if applicable.
	AgentType string
	// TaskStatus is the task's status after the transition, if applicable.
	TaskStatus models.TaskStatus
	// Message provides additional context.
	Message string
	// Latency is the measured duration for completion events.
	Latency time.Duration
	// Timestamp is when the event occurred.
	Timestamp time.Time
}
