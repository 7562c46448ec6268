package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/observability"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// Strategy picks the agent a task should run on from a non-empty candidate
// set. Candidates have already passed eligibility filtering.
type Strategy interface {
	Name() string
	Pick(task *models.Task, candidates []*models.Agent) *models.Agent
}

// NewStrategy builds the named strategy. The collector is only used by the
// performance strategy and may be nil for the others.
func NewStrategy(name string, collector *observability.Collector) (Strategy, error) {
	switch name {
	case config.StrategyRoundRobin:
		return &roundRobin{}, nil
	case config.StrategyLeastBusy:
		return leastBusy{}, nil
	case config.StrategyCostBased:
		return costBased{}, nil
	case config.StrategyPerformance:
		return &performanceBased{collector: collector}, nil
	default:
		return nil, fmt.Errorf("unknown scheduling strategy %q", name)
	}
}

// sortByID gives map-ordered candidate sets a stable base ordering.
func sortByID(candidates []*models.Agent) {
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ID < candidates[j].ID
	})
}

// roundRobin cycles through candidates per task type so load spreads evenly
// regardless of capacity differences.
type roundRobin struct {
	mu   sync.Mutex
	next map[string]int
}

func (r *roundRobin) Name() string { return config.StrategyRoundRobin }

func (r *roundRobin) Pick(task *models.Task, candidates []*models.Agent) *models.Agent {
	sortByID(candidates)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next == nil {
		r.next = make(map[string]int)
	}
	i := r.next[task.Type] % len(candidates)
	r.next[task.Type]++
	return candidates[i]
}

// leastBusy picks the candidate with the lowest utilization.
type leastBusy struct{}

func (leastBusy) Name() string { return config.StrategyLeastBusy }

func (leastBusy) Pick(task *models.Task, candidates []*models.Agent) *models.Agent {
	sortByID(candidates)

	best := candidates[0]
	for _, a := range candidates[1:] {
		if a.Utilization() < best.Utilization() {
			best = a
		}
	}
	return best
}

// costBased picks the cheapest candidate, breaking ties by utilization.
type costBased struct{}

func (costBased) Name() string { return config.StrategyCostBased }

func (costBased) Pick(task *models.Task, candidates []*models.Agent) *models.Agent {
	sortByID(candidates)

	best := candidates[0]
	for _, a := range candidates[1:] {
		if a.CostFactor < best.CostFactor ||
			(a.CostFactor == best.CostFactor && a.Utilization() < best.Utilization()) {
			best = a
		}
	}
	return best
}

// performanceBased prefers the candidate with the best historical success
// rate, breaking ties by mean latency. Candidates without history fall back
// to least-busy selection.
type performanceBased struct {
	collector *observability.Collector
}

func (p *performanceBased) Name() string { return config.StrategyPerformance }

func (p *performanceBased) Pick(task *models.Task, candidates []*models.Agent) *models.Agent {
	sortByID(candidates)

	var best *models.Agent
	var bestRate float64
	var bestLatency time.Duration

	for _, a := range candidates {
		rate, mean, ok := p.collector.AgentPerformance(a.ID)
		if !ok {
			continue
		}
		if best == nil || rate > bestRate || (rate == bestRate && mean < bestLatency) {
			best = a
			bestRate = rate
			bestLatency = mean
		}
	}

	if best == nil {
		return leastBusy{}.Pick(task, candidates)
	}
	return best
}
