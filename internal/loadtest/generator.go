package loadtest

import (
	"math/rand"
	"sync"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// generator produces task specs following the scenario's distributions.
// Safe for concurrent use by the submitter workers.
type generator struct {
	mu  sync.Mutex
	sc  *Scenario
	rng *rand.Rand

	typeWeights []float64
	typeTotal   float64
	prioNames   []string
	prioWeights []float64
	prioTotal   float64

	// completed is the pool of finished task IDs available as dependencies.
	completed []string
}

func newGenerator(sc *Scenario, seed int64) *generator {
	g := &generator{sc: sc, rng: rand.New(rand.NewSource(seed))}

	for _, m := range sc.TaskMix {
		g.typeWeights = append(g.typeWeights, m.Weight)
		g.typeTotal += m.Weight
	}
	for name, w := range sc.Priorities {
		g.prioNames = append(g.prioNames, name)
		g.prioWeights = append(g.prioWeights, w)
		g.prioTotal += w
	}
	if g.prioTotal == 0 {
		g.prioNames = []string{"normal"}
		g.prioWeights = []float64{1}
		g.prioTotal = 1
	}
	return g
}

// next generates one task spec.
func (g *generator) next() models.TaskSpec {
	g.mu.Lock()
	defer g.mu.Unlock()

	mix := g.sc.TaskMix[g.weighted(g.typeWeights, g.typeTotal)]
	prio, _ := models.ParsePriority(g.prioNames[g.weighted(g.prioWeights, g.prioTotal)])

	complexity := mix.MinComplexity
	if mix.MaxComplexity > mix.MinComplexity {
		complexity += g.rng.Float64() * (mix.MaxComplexity - mix.MinComplexity)
	}
	if complexity <= 0 {
		complexity = 1
	}

	spec := models.TaskSpec{
		Type:                mix.Type,
		Priority:            prio,
		EstimatedComplexity: complexity,
		Payload:             map[string]any{"synthetic": true},
	}

	if g.sc.DependencyProbability > 0 && len(g.completed) > 0 &&
		g.rng.Float64() < g.sc.DependencyProbability {
		spec.DependsOn = g.sampleDeps()
	}
	return spec
}

// sampleDeps picks 1..MaxDependencies distinct completed task IDs.
// Caller must hold g.mu.
func (g *generator) sampleDeps() []string {
	max := g.sc.MaxDependencies
	if max < 1 {
		max = 1
	}
	n := 1 + g.rng.Intn(max)
	if n > len(g.completed) {
		n = len(g.completed)
	}

	seen := make(map[string]bool, n)
	var deps []string
	for len(deps) < n {
		id := g.completed[g.rng.Intn(len(g.completed))]
		if seen[id] {
			continue
		}
		seen[id] = true
		deps = append(deps, id)
	}
	return deps
}

// markCompleted adds a finished task to the dependency pool.
func (g *generator) markCompleted(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.completed = append(g.completed, id)
	// Keep the pool bounded; recent completions are the interesting ones.
	if len(g.completed) > 1024 {
		g.completed = g.completed[len(g.completed)-1024:]
	}
}

// weighted picks an index proportionally to weights.
// Caller must hold g.mu.
func (g *generator) weighted(weights []float64, total float64) int {
	r := g.rng.Float64() * total
	for i, w := range weights {
		r -= w
		if r < 0 {
			return i
		}
	}
	return len(weights) - 1
}
