// Package loadtest drives a synthetic workload against a running engine and
// reports latency percentiles, throughput, and SLA violations.
package loadtest

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// TaskMix is one weighted task type in the generated workload.
type TaskMix struct {
	// Type is the capability the generated tasks require.
	Type string `yaml:"type"`
	// Weight is the relative share of this type in the mix.
	Weight float64 `yaml:"weight"`
	// MinComplexity and MaxComplexity bound the sampled complexity.
	MinComplexity float64 `yaml:"min_complexity"`
	MaxComplexity float64 `yaml:"max_complexity"`
}

// AgentPool describes the initial agents provisioned for the run.
type AgentPool struct {
	Type          string        `yaml:"type"`
	Count         int           `yaml:"count"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	BaseLatency   time.Duration `yaml:"base_latency"`
	Jitter        time.Duration `yaml:"jitter"`
	FailureRate   float64       `yaml:"failure_rate"`
	CostFactor    float64       `yaml:"cost_factor"`
}

// ChaosSpec configures mid-run failure injection.
type ChaosSpec struct {
	Enabled bool `yaml:"enabled"`
	// StartAfter delays injection so the system reaches steady state first.
	StartAfter  time.Duration `yaml:"start_after"`
	FailureRate float64       `yaml:"failure_rate"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// Thresholds are the pass/fail limits the report is evaluated against.
type Thresholds struct {
	// P95Latency bounds the 95th percentile completion latency.
	P95Latency time.Duration `yaml:"p95_latency"`
	// P99Latency bounds the 99th percentile completion latency.
	P99Latency time.Duration `yaml:"p99_latency"`
	// MaxErrorRate bounds the failure percentage (0-100).
	MaxErrorRate float64 `yaml:"max_error_rate"`
	// MinThroughput bounds completed tasks per second.
	MinThroughput float64 `yaml:"min_throughput"`
}

// Scenario is a complete load test description.
type Scenario struct {
	Name     string        `yaml:"name"`
	Duration time.Duration `yaml:"duration"`
	// Workers is the number of concurrent submitters.
	Workers int `yaml:"workers"`
	// InitialRate and MaxRate bound the linear submission ramp, tasks/sec.
	InitialRate float64 `yaml:"initial_rate"`
	MaxRate     float64 `yaml:"max_rate"`
	// RampPeriod is how long the ramp from initial to max takes.
	RampPeriod time.Duration `yaml:"ramp_period"`
	// DrainTimeout bounds the post-submission wait for outstanding tasks.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	TaskMix []TaskMix `yaml:"task_mix"`
	// Priorities maps tier names to weights.
	Priorities map[string]float64 `yaml:"priorities"`
	// DependencyProbability is the chance a generated task depends on
	// previously completed work.
	DependencyProbability float64 `yaml:"dependency_probability"`
	// MaxDependencies caps the dependencies injected per task.
	MaxDependencies int `yaml:"max_dependencies"`

	Agents     []AgentPool `yaml:"agents"`
	Chaos      ChaosSpec   `yaml:"chaos"`
	Thresholds Thresholds  `yaml:"thresholds"`

	// Seed makes the generated workload reproducible. Zero seeds from time.
	Seed int64 `yaml:"seed"`
}

// DefaultScenario returns a small, fast scenario suitable for smoke runs.
func DefaultScenario() Scenario {
	return Scenario{
		Name:         "default",
		Duration:     10 * time.Second,
		Workers:      4,
		InitialRate:  5,
		MaxRate:      50,
		RampPeriod:   5 * time.Second,
		DrainTimeout: 30 * time.Second,
		TaskMix: []TaskMix{
			{Type: "coder", Weight: 3, MinComplexity: 0.5, MaxComplexity: 2},
			{Type: "reviewer", Weight: 1, MinComplexity: 0.5, MaxComplexity: 1},
		},
		Priorities: map[string]float64{
			"high":   1,
			"normal": 3,
			"low":    1,
		},
		DependencyProbability: 0.2,
		MaxDependencies:       3,
		Agents: []AgentPool{
			{Type: "coder", Count: 3, MaxConcurrent: 4, BaseLatency: 20 * time.Millisecond, Jitter: 10 * time.Millisecond, CostFactor: 1},
			{Type: "reviewer", Count: 2, MaxConcurrent: 2, BaseLatency: 10 * time.Millisecond, Jitter: 5 * time.Millisecond, CostFactor: 0.5},
		},
		Thresholds: Thresholds{
			P95Latency:   2 * time.Second,
			P99Latency:   5 * time.Second,
			MaxErrorRate: 1.0,
		},
	}
}

// LoadScenario reads a scenario from a YAML file, filling unset fields from
// the default scenario.
func LoadScenario(path string) (Scenario, error) {
	sc := DefaultScenario()

	data, err := os.ReadFile(path)
	if err != nil {
		return sc, fmt.Errorf("reading scenario %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return sc, fmt.Errorf("parsing scenario %s: %w", path, err)
	}
	if err := sc.Validate(); err != nil {
		return sc, err
	}
	return sc, nil
}

// Validate checks the scenario for contradictions before a run starts.
func (s *Scenario) Validate() error {
	if s.Duration <= 0 {
		return fmt.Errorf("duration must be positive, got %s", s.Duration)
	}
	if s.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", s.Workers)
	}
	if s.InitialRate <= 0 || s.MaxRate < s.InitialRate {
		return fmt.Errorf("rates must satisfy 0 < initial (%v) <= max (%v)", s.InitialRate, s.MaxRate)
	}
	if len(s.TaskMix) == 0 {
		return fmt.Errorf("task_mix must not be empty")
	}
	for _, m := range s.TaskMix {
		if m.Type == "" || m.Weight <= 0 {
			return fmt.Errorf("task_mix entries need a type and positive weight")
		}
	}
	for name := range s.Priorities {
		if _, ok := models.ParsePriority(name); !ok {
			return fmt.Errorf("unknown priority tier %q", name)
		}
	}
	if p := s.DependencyProbability; p < 0 || p > 1 {
		return fmt.Errorf("dependency_probability must be in [0, 1], got %v", p)
	}
	if len(s.Agents) == 0 {
		return fmt.Errorf("at least one agent pool is required")
	}
	return nil
}

// rate returns the target submission rate at the given run offset,
// ramping linearly from InitialRate to MaxRate over RampPeriod.
func (s *Scenario) rate(elapsed time.Duration) float64 {
	if s.RampPeriod <= 0 || elapsed >= s.RampPeriod {
		return s.MaxRate
	}
	frac := float64(elapsed) / float64(s.RampPeriod)
	return s.InitialRate + (s.MaxRate-s.InitialRate)*frac
}
