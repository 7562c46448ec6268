package fault

import (
	"context"
	"time"

	"github.com/taskmesh/taskmesh/internal/logging"
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/internal/state"
	"github.com/taskmesh/taskmesh/internal/store"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// TokenSource reports the dispatch token of an in-flight task. The
// dispatcher implements it.
type TokenSource interface {
	Token(taskID string) (string, bool)
}

// Checkpointer periodically persists the in-flight assignment set so that
// assignments survive a restart of the engine process.
type Checkpointer struct {
	store    *store.Store
	db       *state.DB
	tokens   TokenSource
	interval time.Duration
	log      *logging.Logger
}

// NewCheckpointer creates a checkpointer writing to db every interval.
func NewCheckpointer(s *store.Store, db *state.DB, tokens TokenSource, interval time.Duration, log *logging.Logger) *Checkpointer {
	return &Checkpointer{
		store:    s,
		db:       db,
		tokens:   tokens,
		interval: interval,
		log:      log.Named("checkpoint"),
	}
}

// Run writes checkpoints on the configured interval until ctx is cancelled.
// A final checkpoint is taken on shutdown.
func (c *Checkpointer) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := c.Snapshot(); err != nil {
				c.log.Errorw("final checkpoint failed", "err", err)
			}
			return
		case <-ticker.C:
			if err := c.Snapshot(); err != nil {
				c.log.Errorw("checkpoint failed", "err", err)
			}
		}
	}
}

// Snapshot persists the current in-flight set, replacing the previous one.
func (c *Checkpointer) Snapshot() error {
	inFlight := c.store.InFlight()

	entries := make([]state.Entry, 0, len(inFlight))
	for _, task := range inFlight {
		e := state.Entry{
			TaskID:     task.ID,
			AgentID:    task.AssignedAgentID,
			Status:     string(task.Status),
			RetryCount: task.RetryCount,
			AssignedAt: task.AssignedAt,
		}
		if c.tokens != nil {
			e.DispatchToken, _ = c.tokens.Token(task.ID)
		}
		entries = append(entries, e)
	}

	return c.db.Save(entries)
}

// Restore reconciles the last checkpoint against the live system. Tasks
// whose recorded agent is gone or offline are requeued for another attempt
// without spending a retry. Returns the number of tasks requeued.
func (c *Checkpointer) Restore(reg *registry.Registry) (int, error) {
	entries, err := c.db.Load()
	if err != nil {
		return 0, err
	}

	var requeued int
	for _, e := range entries {
		task, err := c.store.Get(e.TaskID)
		if err != nil {
			continue
		}
		if task.Status != models.TaskStatusAssigned && task.Status != models.TaskStatusRunning {
			continue
		}

		agent, err := reg.Get(e.AgentID)
		if err == nil && agent.Status != models.AgentStatusOffline {
			continue
		}

		if err := c.store.Requeue(e.TaskID, false); err != nil {
			c.log.Debugw("restore requeue dropped", "task", e.TaskID, "err", err)
			continue
		}
		requeued++
		c.log.Infow("recovered in-flight task", "task", e.TaskID, "agent", e.AgentID)
	}

	if requeued > 0 {
		c.log.Infow("checkpoint restore complete", "requeued", requeued, "entries", len(entries))
	}
	return requeued, nil
}
