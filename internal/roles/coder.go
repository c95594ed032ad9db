package roles

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/datablogin/entropy-playground/internal/agent"
	"github.com/datablogin/entropy-playground/internal/claude"
	"github.com/datablogin/entropy-playground/internal/state"
)

// Coder drains the pending task queue. Each tick it takes one pending
// task under that task's lock, adopts it as its current task, asks the
// model for an implementation plan, and records the outcome in its
// history before clearing the task.
type Coder struct {
	base

	tasksDone   atomic.Int64
	tasksFailed atomic.Int64
}

func NewCoder(cfg agent.Config, deps Deps) *Coder {
	return &Coder{base: newBase(cfg, deps)}
}

func (c *Coder) Initialize(ctx context.Context) error {
	// A crashed predecessor may have left a task adopted but
	// unfinished; pick it up rather than orphaning it.
	task, err := c.scope.Task(ctx)
	if err != nil {
		return err
	}
	if task != nil {
		c.logger.Info("resuming unfinished task", zap.String("task_id", task.TaskID))
	}
	return nil
}

func (c *Coder) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.deps.poll())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if c.paused() {
				continue
			}
			if err := c.tick(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("work tick failed", zap.Error(err))
			}
		}
	}
}

func (c *Coder) tick(ctx context.Context) error {
	task, err := c.scope.Task(ctx)
	if err != nil {
		return err
	}
	if task == nil {
		task, err = c.adoptPending(ctx)
		if err != nil || task == nil {
			return err
		}
	}
	return c.process(ctx, task)
}

// adoptPending moves one pending task into this agent's namespace.
// The per-task lock makes the pending-delete plus current-task-set
// pair atomic against other coders.
func (c *Coder) adoptPending(ctx context.Context) (*state.TaskRecord, error) {
	var adopted *state.TaskRecord
	err := c.deps.Coordinator.Store().Scan(ctx, pendingTaskPrefix+"*", func(key string) error {
		if adopted != nil {
			return nil
		}
		taskID := key[len(pendingTaskPrefix):]
		lockErr := c.deps.Locker.WithLock(ctx, "adopt:"+taskID, claimAcquireTimeout, claimLeaseTimeout, func(ctx context.Context) error {
			value, ok, err := c.deps.Coordinator.Store().Get(ctx, key)
			if err != nil || !ok {
				return err
			}
			data, _ := value.(map[string]any)
			if err := c.scope.SetTask(ctx, taskID, data); err != nil {
				return err
			}
			if _, err := c.deps.Coordinator.Store().Delete(ctx, key); err != nil {
				return err
			}
			adopted = &state.TaskRecord{TaskID: taskID, TaskData: data}
			return nil
		})
		if errors.Is(lockErr, state.ErrLockUnavailable) {
			return nil
		}
		return lockErr
	})
	if err != nil {
		return nil, err
	}
	if adopted != nil {
		c.logger.Info("task adopted", zap.String("task_id", adopted.TaskID))
	}
	return adopted, nil
}

func (c *Coder) process(ctx context.Context, task *state.TaskRecord) error {
	title, _ := task.TaskData["title"].(string)
	prompt := fmt.Sprintf("Propose an implementation plan for this issue.\n\nTask: %s\nTitle: %s", task.TaskID, title)

	resp, err := c.deps.Claude.CreateMessage(ctx, claude.Request{
		System:   "You are a software engineer working through a repository issue backlog.",
		Messages: []claude.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		c.tasksFailed.Add(1)
		if histErr := c.scope.AppendHistory(ctx, state.HistoryEvent{
			Type:   "task_failed",
			Detail: map[string]any{"task_id": task.TaskID, "error": err.Error()},
		}); histErr != nil {
			c.logger.Warn("history append failed", zap.Error(histErr))
		}
		return fmt.Errorf("completion for %s: %w", task.TaskID, err)
	}

	if err := c.scope.AppendHistory(ctx, state.HistoryEvent{
		Type: "task_completed",
		Detail: map[string]any{
			"task_id":       task.TaskID,
			"plan":          resp.Text(),
			"output_tokens": resp.Usage.OutputTokens,
		},
	}); err != nil {
		c.logger.Warn("history append failed", zap.Error(err))
	}
	if _, err := c.scope.ClearTask(ctx); err != nil {
		return err
	}

	c.tasksDone.Add(1)
	c.logger.Info("task completed", zap.String("task_id", task.TaskID))
	return nil
}

func (c *Coder) Cleanup(context.Context) error { return nil }

func (c *Coder) HealthChecks(ctx context.Context) (map[string]bool, error) {
	return map[string]bool{
		"store": c.deps.Coordinator.HealthCheck(ctx),
		"model": c.deps.Claude.Healthy(),
	}, nil
}

func (c *Coder) Metrics(context.Context) (map[string]float64, error) {
	usage := c.deps.Claude.TotalUsage()
	return map[string]float64{
		"tasks_done":    float64(c.tasksDone.Load()),
		"tasks_failed":  float64(c.tasksFailed.Load()),
		"input_tokens":  float64(usage.InputTokens),
		"output_tokens": float64(usage.OutputTokens),
	}, nil
}
