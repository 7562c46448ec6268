package observability

import (
	"fmt"
	"time"
)

// Dimension is the pass/fail result for one SLA target.
type Dimension struct {
	// Name identifies the dimension (uptime, latency, error_rate).
	Name string
	// Target is the configured threshold, rendered as a string.
	Target string
	// Actual is the measured value, rendered as a string.
	Actual string
	// Passing is true when the measurement meets the target.
	Passing bool
}

// Report is the result of an SLA compliance check.
type Report struct {
	// Dimensions holds the independent pass/fail results.
	Dimensions []Dimension
	// Score is the fraction of passing dimensions, 0-1.
	Score float64
	// CheckedAt is when the check ran.
	CheckedAt time.Time
}

// Compliant returns true when every dimension passes.
func (r Report) Compliant() bool {
	return r.Score == 1
}

// Check evaluates current uptime, mean latency, and error rate against the
// configured targets. Each dimension is independently pass/fail.
func (c *Collector) Check(now time.Time) Report {
	uptime := c.UptimePercent(now)
	latency := c.MeanCompletionLatency()
	errRate := c.ErrorRate()

	dims := []Dimension{
		{
			Name:    "uptime",
			Target:  percentString(c.cfg.UptimeTarget),
			Actual:  percentString(uptime),
			Passing: uptime >= c.cfg.UptimeTarget,
		},
		{
			Name:    "latency",
			Target:  c.cfg.LatencyTarget.String(),
			Actual:  latency.String(),
			Passing: latency <= c.cfg.LatencyTarget,
		},
		{
			Name:    "error_rate",
			Target:  percentString(c.cfg.ErrorRateTarget),
			Actual:  percentString(errRate),
			Passing: errRate <= c.cfg.ErrorRateTarget,
		},
	}

	passing := 0
	for _, d := range dims {
		if d.Passing {
			passing++
		}
	}

	return Report{
		Dimensions: dims,
		Score:      float64(passing) / float64(len(dims)),
		CheckedAt:  now,
	}
}

func percentString(v float64) string {
	return fmt.Sprintf("%.2f%%", v)
}
