// Package scheduler matches ready tasks to eligible agents. A scheduling
// pass drains the ready set in priority order, applies the configured
// placement strategy, and hands assignments to the dispatcher.
package scheduler

import (
	"sort"
	"time"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// queue orders the ready set for one scheduling pass. Tasks are bucketed by
// effective priority, with long-waiting tasks promoted one tier per elapsed
// aging threshold so background work cannot starve indefinitely.
type queue struct {
	tiers [models.NumPriorities][]*models.Task
}

// buildQueue snapshots the ready tasks into priority buckets, FIFO within
// each bucket by the time the task became ready.
func buildQueue(tasks []*models.Task, agingThreshold time.Duration, now time.Time) *queue {
	q := &queue{}
	for _, task := range tasks {
		tier := effectivePriority(task, agingThreshold, now)
		q.tiers[tier] = append(q.tiers[tier], task)
	}
	for i := range q.tiers {
		sort.Slice(q.tiers[i], func(a, b int) bool {
			return q.tiers[i][a].ReadyAt.Before(q.tiers[i][b].ReadyAt)
		})
	}
	return q
}

// ordered returns the tasks in dispatch order, highest tier first.
func (q *queue) ordered() []*models.Task {
	var out []*models.Task
	for i := range q.tiers {
		out = append(out, q.tiers[i]...)
	}
	return out
}

// effectivePriority promotes a task one tier per aging threshold waited,
// never above critical. A zero threshold disables aging.
func effectivePriority(task *models.Task, agingThreshold time.Duration, now time.Time) models.Priority {
	p := task.Priority
	if agingThreshold <= 0 || task.ReadyAt.IsZero() {
		return p
	}

	promotions := int(now.Sub(task.ReadyAt) / agingThreshold)
	p -= models.Priority(promotions)
	if p < models.PriorityCritical {
		p = models.PriorityCritical
	}
	return p
}
