package agentcall

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// ErrUnknownAgent indicates the call was routed to an agent the channel
// does not host.
var ErrUnknownAgent = errors.New("unknown agent")

// SimOptions configures a simulated agent's behavior.
type SimOptions struct {
	// Capabilities lists the task types the agent accepts.
	Capabilities []string
	// MaxConcurrentTasks is advertised via GetCapabilities.
	MaxConcurrentTasks int
	// BaseLatency is the minimum simulated execution time.
	BaseLatency time.Duration
	// Jitter adds up to this much random extra latency.
	Jitter time.Duration
	// FailureRate is the probability (0-1) that an execution fails.
	FailureRate float64
}

// simAgent is one simulated worker hosted by a SimChannel.
type simAgent struct {
	opts SimOptions
	// seen caches results by dispatch token for duplicate suppression.
	seen map[string]*ExecuteResult
	// running maps task IDs to their cancel functions.
	running map[string]context.CancelFunc
}

// Chaos configures channel-wide failure injection, used by the load harness.
type Chaos struct {
	// FailureRate is an extra probability (0-1) of a simulated agent crash.
	FailureRate float64
	// MaxDelay adds up to this much random network delay per call.
	MaxDelay time.Duration
}

// SimChannel is an in-process Channel hosting simulated agents. It
// implements the dispatch-token idempotency contract: a token already seen
// returns the cached result instead of re-executing.
type SimChannel struct {
	mu     sync.Mutex
	agents map[string]*simAgent
	chaos  Chaos
	rng    *rand.Rand
}

// NewSimChannel creates an empty simulated channel.
func NewSimChannel() *SimChannel {
	return &SimChannel{
		agents: make(map[string]*simAgent),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// AddAgent hosts a new simulated agent under the given ID.
func (c *SimChannel) AddAgent(id string, opts SimOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents[id] = &simAgent{
		opts:    opts,
		seen:    make(map[string]*ExecuteResult),
		running: make(map[string]context.CancelFunc),
	}
}

// RemoveAgent stops hosting an agent. In-flight calls fail on their next
// cancellation check.
func (c *SimChannel) RemoveAgent(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if agent, ok := c.agents[id]; ok {
		for _, cancel := range agent.running {
			cancel()
		}
	}
	delete(c.agents, id)
}

// SetChaos updates channel-wide failure injection.
func (c *SimChannel) SetChaos(chaos Chaos) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chaos = chaos
}

// ExecuteTask simulates task execution: optional chaos delay, simulated
// work, failure injection, and duplicate-token suppression.
func (c *SimChannel) ExecuteTask(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	c.mu.Lock()
	agent, ok := c.agents[req.AgentID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, req.AgentID)
	}

	// Idempotency check: a duplicate delivery returns the cached result.
	if cached, dup := agent.seen[req.DispatchToken]; dup {
		c.mu.Unlock()
		out := *cached
		out.Metrics.Retried = true
		return &out, nil
	}

	opts := agent.opts
	chaos := c.chaos
	delay := opts.BaseLatency
	if opts.Jitter > 0 {
		delay += time.Duration(c.rng.Int63n(int64(opts.Jitter)))
	}
	if chaos.MaxDelay > 0 {
		delay += time.Duration(c.rng.Int63n(int64(chaos.MaxDelay)))
	}
	fail := c.rng.Float64() < opts.FailureRate || (chaos.FailureRate > 0 && c.rng.Float64() < chaos.FailureRate)

	execCtx, cancel := context.WithCancel(ctx)
	agent.running[req.TaskID] = cancel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if a, ok := c.agents[req.AgentID]; ok {
			delete(a.running, req.TaskID)
		}
		cancel()
		c.mu.Unlock()
	}()

	start := time.Now()
	select {
	case <-time.After(delay):
	case <-execCtx.Done():
		return nil, execCtx.Err()
	}

	result := &ExecuteResult{
		Metrics: Metrics{Duration: time.Since(start)},
	}
	if fail {
		result.Success = false
		result.Error = "simulated agent failure"
	} else {
		result.Success = true
		result.Result = map[string]any{
			"task_id": req.TaskID,
			"type":    req.TaskType,
		}
		result.OutputContext = map[string]any{
			"task:" + req.TaskID: "done",
		}
	}

	c.mu.Lock()
	if a, ok := c.agents[req.AgentID]; ok {
		a.seen[req.DispatchToken] = result
	}
	c.mu.Unlock()

	return result, nil
}

// Heartbeat acknowledges liveness for hosted agents.
func (c *SimChannel) Heartbeat(ctx context.Context, agentID string, status models.AgentStatus, usage models.ResourceUsage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.agents[agentID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return nil
}

// CancelTask cancels a running simulated execution. Returns true when a
// running task was found and cancelled.
func (c *SimChannel) CancelTask(ctx context.Context, taskID, reason string, force bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, agent := range c.agents {
		if cancel, ok := agent.running[taskID]; ok {
			cancel()
			delete(agent.running, taskID)
			return true, nil
		}
	}
	return false, nil
}

// GetCapabilities returns the simulated agent's advertised capabilities.
func (c *SimChannel) GetCapabilities(ctx context.Context, agentID string) (*Capabilities, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	agent, ok := c.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return &Capabilities{
		Capabilities:       append([]string(nil), agent.opts.Capabilities...),
		MaxConcurrentTasks: agent.opts.MaxConcurrentTasks,
	}, nil
}
