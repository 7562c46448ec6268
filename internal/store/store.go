// Package store implements the task graph store: task records, their
// dependency edges, and readiness computation. Validation errors are
// rejected synchronously at submission and never enter the queue.
package store

import (
	"errors"
	"fmt"
	"time"

	"sync"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/graph"
	"github.com/taskmesh/taskmesh/internal/logging"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// Store holds task records and their dependency DAG.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]*models.Task
	dag   *graph.DAG
	bus   *events.Bus
	log   *logging.Logger
	// retention is how long terminal tasks are kept before Sweep purges them.
	retention time.Duration
}

// New creates an empty store publishing lifecycle events on bus.
func New(bus *events.Bus, log *logging.Logger, retention time.Duration) *Store {
	return &Store{
		tasks:     make(map[string]*models.Task),
		dag:       graph.New(),
		bus:       bus,
		log:       log.Named("store"),
		retention: retention,
	}
}

// Submit validates and records a single task. Returns the task ID.
func (s *Store) Submit(spec models.TaskSpec) (string, error) {
	ids, err := s.SubmitSet([]models.TaskSpec{spec})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// SubmitSet atomically validates and records a batch of tasks. Dependencies
// may reference existing tasks or pinned IDs within the batch; either the
// whole batch is accepted or none of it is.
func (s *Store) SubmitSet(specs []models.TaskSpec) ([]string, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidSpec)
	}

	prepared := make([]*models.Task, 0, len(specs))
	nodes := make(map[string][]string, len(specs))
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range specs {
		task, err := s.prepareLocked(&specs[i], now)
		if err != nil {
			return nil, err
		}
		if _, dup := nodes[task.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %s in batch", ErrInvalidSpec, task.ID)
		}
		prepared = append(prepared, task)
		nodes[task.ID] = task.DependsOn
	}

	if err := s.dag.AddSet(nodes); err != nil {
		switch {
		case errors.Is(err, graph.ErrCycleDetected):
			return nil, fmt.Errorf("%w: %v", ErrCyclicDependency, err)
		case errors.Is(err, graph.ErrUnknownNode):
			return nil, fmt.Errorf("%w: %v", ErrUnknownDependency, err)
		default:
			return nil, err
		}
	}

	ids := make([]string, len(prepared))
	for i, task := range prepared {
		if s.dag.DepsSatisfied(task.ID) {
			task.Status = models.TaskStatusReady
			task.ReadyAt = now
		}
		s.tasks[task.ID] = task
		ids[i] = task.ID

		s.publish(events.EventTaskSubmitted, task, 0)
		if task.Status == models.TaskStatusReady {
			s.publish(events.EventTaskReady, task, 0)
		}
		s.log.Debugw("task submitted", "task", task.ID, "type", task.Type,
			"priority", task.Priority.String(), "status", task.Status)
	}

	return ids, nil
}

// prepareLocked validates a spec against the current store contents and
// builds the task record. Caller must hold s.mu.
func (s *Store) prepareLocked(spec *models.TaskSpec, now time.Time) (*models.Task, error) {
	if spec.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidSpec)
	}
	if !spec.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %d", ErrInvalidSpec, spec.Priority)
	}
	if spec.EstimatedComplexity < 0 {
		return nil, fmt.Errorf("%w: negative complexity %v", ErrInvalidSpec, spec.EstimatedComplexity)
	}

	complexity := spec.EstimatedComplexity
	if complexity == 0 {
		complexity = 1.0
	}

	id := spec.ID
	if id == "" {
		id = uuid.New().String()
	}
	if _, exists := s.tasks[id]; exists {
		return nil, fmt.Errorf("%w: id %s already exists", ErrInvalidSpec, id)
	}

	return &models.Task{
		ID:                  id,
		Type:                spec.Type,
		Payload:             spec.Payload,
		Priority:            spec.Priority,
		DependsOn:           append([]string(nil), spec.DependsOn...),
		EstimatedComplexity: complexity,
		GangID:              spec.GangID,
		Status:              models.TaskStatusPending,
		CreatedAt:           now,
	}, nil
}

// Get returns a snapshot of the task, or ErrNotFound.
func (s *Store) Get(id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return task.Clone(), nil
}

// MarkAssigned transitions READY -> ASSIGNED and records the agent.
func (s *Store) MarkAssigned(id, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if task.Status != models.TaskStatusReady {
		return fmt.Errorf("%w: %s -> assigned", ErrInvalidTransition, task.Status)
	}

	task.Status = models.TaskStatusAssigned
	task.AssignedAgentID = agentID
	task.AssignedAt = time.Now()
	s.publish(events.EventTaskAssigned, task, 0)
	return nil
}

// MarkRunning transitions ASSIGNED -> RUNNING.
func (s *Store) MarkRunning(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if task.Status != models.TaskStatusAssigned {
		return fmt.Errorf("%w: %s -> running", ErrInvalidTransition, task.Status)
	}

	task.Status = models.TaskStatusRunning
	return nil
}

// MarkCompleted records a successful result and cascades readiness to
// direct dependents: each becomes READY only when all of its dependencies
// are COMPLETED.
func (s *Store) MarkCompleted(id string, result map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	switch task.Status {
	case models.TaskStatusAssigned, models.TaskStatusRunning:
	default:
		return fmt.Errorf("%w: %s -> completed", ErrInvalidTransition, task.Status)
	}

	now := time.Now()
	task.Status = models.TaskStatusCompleted
	task.Result = result
	task.CompletedAt = &now
	s.dag.MarkComplete(id)
	s.publish(events.EventTaskCompleted, task, now.Sub(task.CreatedAt))

	for _, depID := range s.dag.Dependents(id) {
		dep, ok := s.tasks[depID]
		if !ok || dep.Status != models.TaskStatusPending {
			continue
		}
		if s.dag.DepsSatisfied(depID) {
			dep.Status = models.TaskStatusReady
			dep.ReadyAt = now
			s.publish(events.EventTaskReady, dep, 0)
			s.log.Debugw("dependent unblocked", "task", depID, "completed_dependency", id)
		}
	}

	return nil
}

// MarkFailed records a failed attempt. The retry decision belongs to the
// fault-tolerance layer, which follows up with Requeue or DeadLetter.
func (s *Store) MarkFailed(id, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	switch task.Status {
	case models.TaskStatusAssigned, models.TaskStatusRunning:
	default:
		return fmt.Errorf("%w: %s -> failed", ErrInvalidTransition, task.Status)
	}

	task.Status = models.TaskStatusFailed
	task.Error = errMsg
	s.publish(events.EventTaskFailed, task, 0)
	return nil
}

// Requeue returns a task to READY for another attempt, incrementing its
// retry counter when countRetry is set. Allowed from FAILED (retry path)
// and from ASSIGNED/RUNNING (agent loss, checkpoint recovery).
func (s *Store) Requeue(id string, countRetry bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	switch task.Status {
	case models.TaskStatusFailed, models.TaskStatusAssigned, models.TaskStatusRunning:
	default:
		return fmt.Errorf("%w: %s -> ready", ErrInvalidTransition, task.Status)
	}

	task.Status = models.TaskStatusReady
	task.AssignedAgentID = ""
	task.ReadyAt = time.Now()
	if countRetry {
		task.RetryCount++
	}
	s.publish(events.EventTaskReady, task, 0)
	return nil
}

// DeadLetter moves a task to DEAD_LETTERED with the terminal error preserved
// for operator inspection.
func (s *Store) DeadLetter(id, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if task.Status.Terminal() {
		return fmt.Errorf("%w: %s -> dead_lettered", ErrInvalidTransition, task.Status)
	}

	now := time.Now()
	task.Status = models.TaskStatusDeadLettered
	if errMsg != "" {
		task.Error = errMsg
	}
	task.CompletedAt = &now
	s.publish(events.EventTaskDeadLettered, task, 0)
	s.log.Warnw("task dead-lettered", "task", id, "retries", task.RetryCount, "error", task.Error)
	return nil
}

// Cancel marks a non-terminal task CANCELLED. The caller is responsible for
// the best-effort cancel request to the agent if the task was dispatched.
func (s *Store) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if task.Status.Terminal() {
		return fmt.Errorf("%w: %s -> cancelled", ErrInvalidTransition, task.Status)
	}

	now := time.Now()
	task.Status = models.TaskStatusCancelled
	task.CompletedAt = &now
	s.publish(events.EventTaskCancelled, task, 0)
	return nil
}

// Ready returns snapshots of all READY tasks.
func (s *Store) Ready() []*models.Task {
	return s.withStatus(models.TaskStatusReady)
}

// InFlight returns snapshots of all ASSIGNED and RUNNING tasks.
func (s *Store) InFlight() []*models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Task
	for _, task := range s.tasks {
		if task.Status == models.TaskStatusAssigned || task.Status == models.TaskStatusRunning {
			out = append(out, task.Clone())
		}
	}
	return out
}

// withStatus returns snapshots of tasks with the given status.
func (s *Store) withStatus(status models.TaskStatus) []*models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Task
	for _, task := range s.tasks {
		if task.Status == status {
			out = append(out, task.Clone())
		}
	}
	return out
}

// GangMembers returns snapshots of every task sharing the gang ID.
func (s *Store) GangMembers(gangID string) []*models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Task
	for _, task := range s.tasks {
		if task.GangID == gangID {
			out = append(out, task.Clone())
		}
	}
	return out
}

// DependencyAgents returns the agents that executed the task's dependencies,
// most recently completed first not guaranteed. Used by affinity scheduling.
func (s *Store) DependencyAgents(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil
	}

	var agents []string
	for _, depID := range task.DependsOn {
		if dep, ok := s.tasks[depID]; ok && dep.AssignedAgentID != "" {
			agents = append(agents, dep.AssignedAgentID)
		}
	}
	return agents
}

// CountsByStatus returns the number of tasks per status.
func (s *Store) CountsByStatus() map[models.TaskStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[models.TaskStatus]int)
	for _, task := range s.tasks {
		out[task.Status]++
	}
	return out
}

// CountsByPriority returns the number of tasks per priority tier.
func (s *Store) CountsByPriority() map[models.Priority]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[models.Priority]int)
	for _, task := range s.tasks {
		out[task.Priority]++
	}
	return out
}

// QueueDepthByType returns the number of PENDING and READY tasks per task
// type. The autoscaler reads this as demand signal.
func (s *Store) QueueDepthByType() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int)
	for _, task := range s.tasks {
		if task.Status == models.TaskStatusPending || task.Status == models.TaskStatusReady {
			out[task.Type]++
		}
	}
	return out
}

// Size returns the number of task records held.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// Sweep purges terminal tasks older than the retention window. Returns the
// number of tasks removed. A terminal task is only removed once none of its
// dependents still need its completion state, which holds because dependents
// of a COMPLETED task keep their own records until they are terminal too.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int
	for id, task := range s.tasks {
		if !task.Status.Terminal() || task.CompletedAt == nil {
			continue
		}
		if now.Sub(*task.CompletedAt) < s.retention {
			continue
		}

		// Keep completed tasks that still gate a live dependent.
		blocking := false
		for _, depID := range s.dag.Dependents(id) {
			if dep, ok := s.tasks[depID]; ok && !dep.Status.Terminal() {
				blocking = true
				break
			}
		}
		if blocking {
			continue
		}

		s.dag.Remove(id)
		delete(s.tasks, id)
		removed++
	}

	if removed > 0 {
		s.log.Debugw("retention sweep", "removed", removed, "remaining", len(s.tasks))
	}
	return removed
}

// publish emits a task lifecycle event. Caller must hold s.mu.
func (s *Store) publish(t events.EventType, task *models.Task, latency time.Duration) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.TopicTasks, events.Event{
		Type:       t,
		TaskID:     task.ID,
		AgentID:    task.AssignedAgentID,
		AgentType:  task.Type,
		TaskStatus: task.Status,
		Latency:    latency,
		Timestamp:  time.Now(),
	})
}
