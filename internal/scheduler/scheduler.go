package scheduler

import (
	"context"
	"time"

	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/logging"
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/internal/store"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// Runner launches the execution of an assigned task. The fault-tolerance
// dispatcher implements it.
type Runner interface {
	Dispatch(ctx context.Context, task *models.Task, agentID string)
}

// Scheduler runs the matching loop between the ready set and the agent pool.
type Scheduler struct {
	store    *store.Store
	reg      *registry.Registry
	runner   Runner
	strategy Strategy
	cfg      config.SchedulerConfig
	log      *logging.Logger
	trigger  chan struct{}
}

// New creates a scheduler with the given placement strategy.
func New(s *store.Store, reg *registry.Registry, runner Runner, strategy Strategy,
	cfg config.SchedulerConfig, log *logging.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		reg:      reg,
		runner:   runner,
		strategy: strategy,
		cfg:      cfg,
		log:      log.Named("scheduler"),
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests an immediate scheduling pass. Safe to call from any
// goroutine; coalesces when a pass is already pending.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run executes scheduling passes until ctx is cancelled. A pass runs on
// every trigger and at least once per pass interval.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PassInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.trigger:
		case <-ticker.C:
		}
		s.Pass(ctx)
	}
}

// Pass performs one scheduling pass and returns the number of tasks
// assigned. Committed placements increment registry load immediately, so
// later picks in the same pass already see the consumed slot; only gang
// plans track capacity locally, because their placements stay tentative
// until the whole gang fits.
func (s *Scheduler) Pass(ctx context.Context) int {
	ready := s.store.Ready()
	if len(ready) == 0 {
		return 0
	}

	now := time.Now()
	q := buildQueue(ready, s.cfg.AgingThreshold, now)

	assigned := 0
	handledGangs := make(map[string]bool)

	for _, task := range q.ordered() {
		if s.cfg.GangScheduling && task.GangID != "" {
			if handledGangs[task.GangID] {
				continue
			}
			handledGangs[task.GangID] = true
			assigned += s.scheduleGang(ctx, task.GangID)
			continue
		}

		agent := s.pick(task, nil)
		if agent == nil {
			continue
		}
		if s.assign(ctx, task, agent.ID) {
			assigned++
		}
	}

	if assigned > 0 {
		s.log.Debugw("scheduling pass", "ready", len(ready), "assigned", assigned)
	}
	return assigned
}

// pick selects an agent for the task, or nil when none fits. held carries
// capacity claimed by an uncommitted gang plan and may be nil.
func (s *Scheduler) pick(task *models.Task, held map[string]int) *models.Agent {
	candidates := s.eligible(task, held)
	if len(candidates) == 0 {
		return nil
	}
	return s.strategy.Pick(task, candidates)
}

// eligible filters the registry's candidate set by tentatively held capacity
// and, when affinity is on, by dependency placement.
func (s *Scheduler) eligible(task *models.Task, held map[string]int) []*models.Agent {
	candidates := s.reg.FindEligible(task.Type, 1)

	filtered := candidates[:0]
	for _, a := range candidates {
		if a.SpareCapacity()-held[a.ID] >= 1 {
			filtered = append(filtered, a)
		}
	}
	candidates = filtered

	if s.cfg.Affinity && len(candidates) > 1 {
		if preferred := s.affinityFilter(task, candidates); len(preferred) > 0 {
			candidates = preferred
		}
	}
	return candidates
}

// affinityFilter narrows candidates to agents that executed one of the
// task's dependencies, keeping intermediate artifacts local.
func (s *Scheduler) affinityFilter(task *models.Task, candidates []*models.Agent) []*models.Agent {
	depAgents := s.store.DependencyAgents(task.ID)
	if len(depAgents) == 0 {
		return nil
	}

	prior := make(map[string]bool, len(depAgents))
	for _, id := range depAgents {
		prior[id] = true
	}

	var preferred []*models.Agent
	for _, a := range candidates {
		if prior[a.ID] {
			preferred = append(preferred, a)
		}
	}
	return preferred
}

// scheduleGang assigns every ready member of the gang at once, or none of
// them. Members are tentatively matched first; the plan only commits when
// the whole gang fits.
func (s *Scheduler) scheduleGang(ctx context.Context, gangID string) int {
	members := s.store.GangMembers(gangID)

	var ready []*models.Task
	for _, m := range members {
		switch m.Status {
		case models.TaskStatusReady:
			ready = append(ready, m)
		case models.TaskStatusPending:
			// A member still blocked on dependencies holds the whole gang.
			return 0
		}
	}
	if len(ready) == 0 {
		return 0
	}

	// Tentative placement. Nothing commits until every member has a slot,
	// so the claimed capacity is tracked here rather than in the registry.
	held := make(map[string]int, len(ready))
	plan := make(map[string]string, len(ready))
	for _, m := range ready {
		agent := s.pick(m, held)
		if agent == nil {
			s.log.Debugw("gang withheld", "gang", gangID, "blocked_on", m.ID)
			return 0
		}
		plan[m.ID] = agent.ID
		held[agent.ID]++
	}

	assigned := 0
	for _, m := range ready {
		if s.assign(ctx, m, plan[m.ID]) {
			assigned++
		}
	}
	return assigned
}

// assign commits one placement: state transition, load accounting, dispatch.
func (s *Scheduler) assign(ctx context.Context, task *models.Task, agentID string) bool {
	if err := s.store.MarkAssigned(task.ID, agentID); err != nil {
		s.log.Debugw("assignment lost", "task", task.ID, "err", err)
		return false
	}
	if err := s.reg.IncrementLoad(agentID); err != nil {
		s.log.Warnw("agent refused load", "task", task.ID, "agent", agentID, "err", err)
		s.store.Requeue(task.ID, false)
		return false
	}

	snapshot, err := s.store.Get(task.ID)
	if err != nil {
		snapshot = task
	}
	s.runner.Dispatch(ctx, snapshot, agentID)
	return true
}
