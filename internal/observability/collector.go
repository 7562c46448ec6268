// Package observability aggregates latency, throughput, and error samples
// and evaluates SLA compliance against configured targets.
package observability

import (
	"sort"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/logging"
)

// HealthSignal is a coarse component health report.
type HealthSignal string

const (
	// HealthHealthy indicates normal operation.
	HealthHealthy HealthSignal = "healthy"
	// HealthDegraded indicates reduced but functioning service.
	HealthDegraded HealthSignal = "degraded"
	// HealthUnhealthy indicates the system is failing its duties.
	HealthUnhealthy HealthSignal = "unhealthy"
	// HealthCritical indicates an outage.
	HealthCritical HealthSignal = "critical"
)

// down reports whether the signal counts as downtime.
func (h HealthSignal) down() bool {
	return h == HealthUnhealthy || h == HealthCritical
}

// window is a bounded rolling sample of durations.
type window struct {
	samples []time.Duration
	next    int
	full    bool
}

func newWindow(size int) *window {
	return &window{samples: make([]time.Duration, size)}
}

func (w *window) add(d time.Duration) {
	w.samples[w.next] = d
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
}

func (w *window) snapshot() []time.Duration {
	if w.full {
		out := make([]time.Duration, len(w.samples))
		copy(out, w.samples)
		return out
	}
	out := make([]time.Duration, w.next)
	copy(out, w.samples[:w.next])
	return out
}

// agentStats tracks per-agent outcome history for performance-based scheduling.
type agentStats struct {
	successes    int64
	failures     int64
	totalLatency time.Duration
}

// Collector maintains rolling latency windows, per-agent stats, and uptime
// accounting.
type Collector struct {
	mu         sync.RWMutex
	submission *window
	completion *window
	completed  int64
	failed     int64
	agents     map[string]*agentStats

	// downtime accounting: closed intervals plus the currently open one.
	startedAt time.Time
	downSince *time.Time
	downTotal time.Duration

	cfg config.SLAConfig
	log *logging.Logger
}

// NewCollector creates a collector with the configured window size.
func NewCollector(cfg config.SLAConfig, log *logging.Logger) *Collector {
	return &Collector{
		submission: newWindow(cfg.WindowSize),
		completion: newWindow(cfg.WindowSize),
		agents:     make(map[string]*agentStats),
		startedAt:  time.Now(),
		cfg:        cfg,
		log:        log.Named("observability"),
	}
}

// Consume folds a single bus event into the rolling statistics.
func (c *Collector) Consume(ev events.Event) {
	switch ev.Type {
	case events.EventTaskSubmitted:
		// Submission latency is recorded by the caller via RecordSubmission;
		// the event only contributes to throughput counters.
	case events.EventTaskCompleted:
		c.RecordCompletion(ev.AgentID, ev.Latency, true)
	case events.EventTaskFailed, events.EventTaskDeadLettered:
		c.RecordCompletion(ev.AgentID, 0, false)
	}
}

// Run consumes task events from the bus until the channel closes.
func (c *Collector) Run(sub <-chan events.Event) {
	for ev := range sub {
		c.Consume(ev)
	}
}

// RecordSubmission adds a submission latency sample.
func (c *Collector) RecordSubmission(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submission.add(d)
}

// RecordCompletion adds a completion outcome. Successful completions also
// contribute a latency sample.
func (c *Collector) RecordCompletion(agentID string, latency time.Duration, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.agents[agentID]
	if st == nil {
		st = &agentStats{}
		c.agents[agentID] = st
	}

	if success {
		c.completed++
		c.completion.add(latency)
		st.successes++
		st.totalLatency += latency
	} else {
		c.failed++
		st.failures++
	}
}

// SubmissionPercentile returns the p-th percentile (0-100) of the
// submission latency window, or 0 when empty.
func (c *Collector) SubmissionPercentile(p float64) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return percentile(c.submission.snapshot(), p)
}

// CompletionPercentile returns the p-th percentile (0-100) of the
// completion latency window, or 0 when empty.
func (c *Collector) CompletionPercentile(p float64) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return percentile(c.completion.snapshot(), p)
}

// MeanCompletionLatency returns the mean of the completion window.
func (c *Collector) MeanCompletionLatency() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	samples := c.completion.snapshot()
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range samples {
		total += s
	}
	return total / time.Duration(len(samples))
}

// ErrorRate returns the percentage of failed outcomes.
func (c *Collector) ErrorRate() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.completed + c.failed
	if total == 0 {
		return 0
	}
	return float64(c.failed) / float64(total) * 100
}

// Counts returns the completed and failed totals.
func (c *Collector) Counts() (completed, failed int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.completed, c.failed
}

// AgentPerformance returns an agent's historical success rate (0-1) and
// mean completion latency. ok is false when the agent has no history.
func (c *Collector) AgentPerformance(agentID string) (successRate float64, meanLatency time.Duration, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := c.agents[agentID]
	if st == nil {
		return 0, 0, false
	}
	total := st.successes + st.failures
	if total == 0 {
		return 0, 0, false
	}
	rate := float64(st.successes) / float64(total)
	var mean time.Duration
	if st.successes > 0 {
		mean = st.totalLatency / time.Duration(st.successes)
	}
	return rate, mean, true
}

// RecordHealth records a health signal, opening a downtime interval on
// unhealthy/critical and closing it on recovery.
func (c *Collector) RecordHealth(signal HealthSignal) {
	c.recordHealthAt(signal, time.Now())
}

func (c *Collector) recordHealthAt(signal HealthSignal, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if signal.down() {
		if c.downSince == nil {
			t := now
			c.downSince = &t
			c.log.Warnw("downtime interval opened", "signal", signal)
		}
		return
	}

	if c.downSince != nil {
		c.downTotal += now.Sub(*c.downSince)
		c.downSince = nil
		c.log.Infow("downtime interval closed", "signal", signal)
	}
}

// UptimePercent returns cumulative uptime since the collector started.
func (c *Collector) UptimePercent(now time.Time) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	elapsed := now.Sub(c.startedAt)
	if elapsed <= 0 {
		return 100
	}

	down := c.downTotal
	if c.downSince != nil {
		down += now.Sub(*c.downSince)
	}

	up := elapsed - down
	if up < 0 {
		up = 0
	}
	return float64(up) / float64(elapsed) * 100
}

// percentile computes the p-th percentile (0-100) by nearest-rank over a
// sorted copy of the samples.
func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}

	rank := int(float64(len(samples))*p/100+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(samples) {
		rank = len(samples) - 1
	}
	return samples[rank]
}
