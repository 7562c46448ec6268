package orchestrator

import (
	"time"

	"github.com/taskmesh/taskmesh/internal/agentcall"
	"github.com/taskmesh/taskmesh/internal/registry"
)

// SimFactory provisions simulated agents for the autoscaler. New instances
// get one capability matching their type and a modest concurrency limit,
// mirroring how a homogeneous pool would be grown.
type SimFactory struct {
	reg  *registry.Registry
	sim  *agentcall.SimChannel
	opts agentcall.SimOptions
	// CostFactor is the hourly cost attributed to each provisioned agent.
	CostFactor float64
}

// NewSimFactory creates a factory backed by the simulated transport.
func NewSimFactory(reg *registry.Registry, sim *agentcall.SimChannel, opts agentcall.SimOptions) *SimFactory {
	if opts.MaxConcurrentTasks <= 0 {
		opts.MaxConcurrentTasks = 2
	}
	if opts.BaseLatency <= 0 {
		opts.BaseLatency = 10 * time.Millisecond
	}
	return &SimFactory{reg: reg, sim: sim, opts: opts, CostFactor: 1.0}
}

// CreateAgent provisions a simulated agent advertising its type as its
// single capability.
func (f *SimFactory) CreateAgent(agentType string) (string, error) {
	opts := f.opts
	opts.Capabilities = []string{agentType}

	id, err := f.reg.RegisterAutoscaled(agentType, opts.Capabilities, opts.MaxConcurrentTasks, f.CostFactor)
	if err != nil {
		return "", err
	}
	f.sim.AddAgent(id, opts)
	return id, nil
}

// DestroyAgent tears down a provisioned agent.
func (f *SimFactory) DestroyAgent(agentID string) error {
	f.sim.RemoveAgent(agentID)
	return f.reg.Deregister(agentID)
}
