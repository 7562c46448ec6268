package fault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/taskmesh/taskmesh/internal/agentcall"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/contextstore"
	"github.com/taskmesh/taskmesh/internal/logging"
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/internal/store"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// Dispatcher executes assigned tasks on agents. Every dispatch carries a
// fresh token so transport-level retries of the same attempt can be
// deduplicated by the agent, while task-level retries re-enter the queue
// through the store and may land on a different agent.
type Dispatcher struct {
	store    *store.Store
	reg      *registry.Registry
	breakers *Breakers
	channel  agentcall.Channel
	ctxStore contextstore.Store
	cfg      config.FaultToleranceConfig
	// taskTimeout bounds a single execution attempt.
	taskTimeout time.Duration
	log         *logging.Logger

	mu     sync.Mutex
	tokens map[string]string
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. ctxStore may be nil when artifact
// passing between dependent tasks is not needed.
func NewDispatcher(s *store.Store, reg *registry.Registry, breakers *Breakers,
	channel agentcall.Channel, ctxStore contextstore.Store,
	cfg config.FaultToleranceConfig, taskTimeout time.Duration, log *logging.Logger) *Dispatcher {
	return &Dispatcher{
		store:       s,
		reg:         reg,
		breakers:    breakers,
		channel:     channel,
		ctxStore:    ctxStore,
		cfg:         cfg,
		taskTimeout: taskTimeout,
		log:         log.Named("dispatcher"),
		tokens:      make(map[string]string),
	}
}

// Dispatch launches the execution of an assigned task in the background.
// The caller has already transitioned the task to ASSIGNED and incremented
// the agent's load; both are unwound here when the attempt resolves.
func (d *Dispatcher) Dispatch(ctx context.Context, task *models.Task, agentID string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.execute(ctx, task, agentID)
	}()
}

// Wait blocks until all in-flight dispatches have resolved.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Token returns the dispatch token of an in-flight task, for checkpointing.
func (d *Dispatcher) Token(taskID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tok, ok := d.tokens[taskID]
	return tok, ok
}

func (d *Dispatcher) execute(ctx context.Context, task *models.Task, agentID string) {
	token := uuid.New().String()
	d.mu.Lock()
	d.tokens[task.ID] = token
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		// A re-dispatch may have registered a newer attempt's token by the
		// time this one resolves; only remove our own.
		if d.tokens[task.ID] == token {
			delete(d.tokens, task.ID)
		}
		d.mu.Unlock()
	}()

	callCtx, cancel := context.WithTimeout(ctx, d.taskTimeout)
	defer cancel()

	req := agentcall.ExecuteRequest{
		AgentID:       agentID,
		TaskID:        task.ID,
		TaskType:      task.Type,
		Payload:       task.Payload,
		Context:       d.dependencyContext(task),
		Dependencies:  task.DependsOn,
		Priority:      task.Priority,
		Deadline:      time.Now().Add(d.taskTimeout),
		DispatchToken: token,
	}

	if err := d.store.MarkRunning(task.ID); err != nil {
		// Cancelled between assignment and dispatch; release the slot.
		d.log.Debugw("dispatch aborted", "task", task.ID, "err", err)
		d.reg.DecrementLoad(agentID)
		return
	}

	result, err := d.call(callCtx, agentID, req)
	d.reg.DecrementLoad(agentID)

	switch {
	case err == nil:
		d.complete(task, agentID, result)
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		// The agent is quarantined, not the task. Requeue without counting
		// a retry so another agent can pick it up.
		d.log.Warnw("dispatch rejected by open circuit", "task", task.ID, "agent", agentID)
		d.requeue(task.ID, false)
	default:
		d.fail(task, agentID, err)
	}
}

// call delivers the request through the agent's breaker, retrying transport
// errors with exponential backoff. Retries reuse the same dispatch token, so
// a delivery that executed but lost its response is served from the agent's
// dedup cache instead of running twice.
func (d *Dispatcher) call(ctx context.Context, agentID string, req agentcall.ExecuteRequest) (*agentcall.ExecuteResult, error) {
	var result *agentcall.ExecuteResult

	op := func() error {
		raw, err := d.breakers.Execute(agentID, func() (any, error) {
			res, err := d.channel.ExecuteTask(ctx, req)
			if err != nil {
				return nil, err
			}
			if !res.Success {
				return res, fmt.Errorf("agent reported failure: %s", res.Error)
			}
			return res, nil
		})
		if res, ok := raw.(*agentcall.ExecuteResult); ok {
			result = res
		}
		if err == nil {
			return nil
		}
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(err)
		case result != nil:
			// The agent answered; this is an execution failure, not a
			// delivery failure. Task-level retry handles it.
			return backoff.Permanent(err)
		case ctx.Err() != nil:
			return backoff.Permanent(err)
		default:
			return err
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.RetryInitialInterval
	bo.MaxInterval = d.cfg.RetryMaxInterval

	err := backoff.Retry(op, backoff.WithContext(bo, ctx))
	return result, err
}

func (d *Dispatcher) complete(task *models.Task, agentID string, result *agentcall.ExecuteResult) {
	if err := d.store.MarkCompleted(task.ID, result.Result); err != nil {
		d.log.Debugw("completion dropped", "task", task.ID, "err", err)
		return
	}

	if d.ctxStore != nil {
		for k, v := range result.OutputContext {
			d.ctxStore.Set(contextKey(task.ID, k), v, 0)
		}
	}
	d.log.Debugw("task completed", "task", task.ID, "agent", agentID,
		"duration", result.Metrics.Duration)
}

// fail records the failed attempt and decides between requeue and
// dead-letter based on the task's retry budget.
func (d *Dispatcher) fail(task *models.Task, agentID string, cause error) {
	if err := d.store.MarkFailed(task.ID, cause.Error()); err != nil {
		d.log.Debugw("failure dropped", "task", task.ID, "err", err)
		return
	}

	snapshot, err := d.store.Get(task.ID)
	if err != nil {
		return
	}

	if snapshot.RetryCount < d.cfg.MaxTaskRetries {
		d.log.Infow("task failed, retrying", "task", task.ID, "agent", agentID,
			"attempt", snapshot.RetryCount+1, "max", d.cfg.MaxTaskRetries, "err", cause)
		d.requeue(task.ID, true)
		return
	}

	d.log.Warnw("task exhausted retries", "task", task.ID, "retries", snapshot.RetryCount)
	if err := d.store.DeadLetter(task.ID, cause.Error()); err != nil {
		d.log.Debugw("dead-letter dropped", "task", task.ID, "err", err)
	}
}

func (d *Dispatcher) requeue(taskID string, countRetry bool) {
	if err := d.store.Requeue(taskID, countRetry); err != nil {
		d.log.Debugw("requeue dropped", "task", taskID, "err", err)
	}
}

// dependencyContext gathers the results of completed dependencies plus any
// published context-store values for them.
func (d *Dispatcher) dependencyContext(task *models.Task) map[string]any {
	if len(task.DependsOn) == 0 {
		return nil
	}

	out := make(map[string]any, len(task.DependsOn))
	for _, depID := range task.DependsOn {
		dep, err := d.store.Get(depID)
		if err != nil || dep.Result == nil {
			continue
		}
		out[depID] = dep.Result
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// contextKey namespaces a context-store entry by its producing task.
func contextKey(taskID, key string) string {
	return "task:" + taskID + ":" + key
}
