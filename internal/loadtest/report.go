package loadtest

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

// TimelinePoint is one periodic sample taken during the run.
type TimelinePoint struct {
	Offset     time.Duration `yaml:"offset"`
	Completed  int64         `yaml:"completed"`
	QueueDepth int           `yaml:"queue_depth"`
	Agents     int           `yaml:"agents"`
}

// Report is the outcome of one load test run.
type Report struct {
	Scenario   string        `yaml:"scenario"`
	StartedAt  time.Time     `yaml:"started_at"`
	FinishedAt time.Time     `yaml:"finished_at"`
	Duration   time.Duration `yaml:"duration"`

	Submitted    int64 `yaml:"submitted"`
	Rejected     int64 `yaml:"rejected"`
	Completed    int64 `yaml:"completed"`
	Failed       int64 `yaml:"failed"`
	DeadLettered int64 `yaml:"dead_lettered"`

	Throughput  float64       `yaml:"throughput_per_sec"`
	ErrorRate   float64       `yaml:"error_rate_percent"`
	MeanLatency time.Duration `yaml:"mean_latency"`
	P50         time.Duration `yaml:"p50"`
	P95         time.Duration `yaml:"p95"`
	P99         time.Duration `yaml:"p99"`

	Violations []string        `yaml:"violations,omitempty"`
	Timeline   []TimelinePoint `yaml:"timeline,omitempty"`

	mu sync.Mutex `yaml:"-"`
}

func (r *Report) addSubmitted() {
	r.mu.Lock()
	r.Submitted++
	r.mu.Unlock()
}

func (r *Report) addRejected() {
	r.mu.Lock()
	r.Rejected++
	r.mu.Unlock()
}

func (r *Report) addSample(p TimelinePoint) {
	r.mu.Lock()
	r.Timeline = append(r.Timeline, p)
	r.mu.Unlock()
}

// Passed reports whether the run met every threshold.
func (r *Report) Passed() bool {
	return len(r.Violations) == 0
}

// Evaluate compares the measured results against the thresholds and records
// a violation line per failed limit. Zero thresholds are not enforced.
func (r *Report) Evaluate(t Thresholds) {
	r.Violations = nil

	if t.P95Latency > 0 && r.P95 > t.P95Latency {
		r.Violations = append(r.Violations,
			fmt.Sprintf("p95 latency %s exceeds limit %s", r.P95, t.P95Latency))
	}
	if t.P99Latency > 0 && r.P99 > t.P99Latency {
		r.Violations = append(r.Violations,
			fmt.Sprintf("p99 latency %s exceeds limit %s", r.P99, t.P99Latency))
	}
	if t.MaxErrorRate > 0 && r.ErrorRate > t.MaxErrorRate {
		r.Violations = append(r.Violations,
			fmt.Sprintf("error rate %.2f%% exceeds limit %.2f%%", r.ErrorRate, t.MaxErrorRate))
	}
	if t.MinThroughput > 0 && r.Throughput < t.MinThroughput {
		r.Violations = append(r.Violations,
			fmt.Sprintf("throughput %.1f/s below limit %.1f/s", r.Throughput, t.MinThroughput))
	}
}

// WriteYAML dumps the report as YAML.
func (r *Report) WriteYAML(w io.Writer) error {
	return yaml.NewEncoder(w).Encode(r)
}

// Print writes a colorized human-readable summary.
func (r *Report) Print(w io.Writer) {
	bold := color.New(color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	fmt.Fprintf(w, "%s %s\n", bold("Load test:"), r.Scenario)
	fmt.Fprintf(w, "  duration     %s\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  submitted    %d (rejected %d)\n", r.Submitted, r.Rejected)
	fmt.Fprintf(w, "  completed    %d\n", r.Completed)
	if r.Failed > 0 || r.DeadLettered > 0 {
		fmt.Fprintf(w, "  failed       %s (dead-lettered %d)\n", yellow(r.Failed), r.DeadLettered)
	}
	fmt.Fprintf(w, "  throughput   %.1f/s\n", r.Throughput)
	fmt.Fprintf(w, "  error rate   %.2f%%\n", r.ErrorRate)
	fmt.Fprintf(w, "  latency      mean %s  p50 %s  p95 %s  p99 %s\n",
		r.MeanLatency.Round(time.Millisecond), r.P50.Round(time.Millisecond),
		r.P95.Round(time.Millisecond), r.P99.Round(time.Millisecond))

	if r.Passed() {
		fmt.Fprintf(w, "  %s\n", green("PASS: all thresholds met"))
		return
	}
	fmt.Fprintf(w, "  %s\n", red("FAIL:"))
	for _, v := range r.Violations {
		fmt.Fprintf(w, "    - %s\n", red(v))
	}
}
