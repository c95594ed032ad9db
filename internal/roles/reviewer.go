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

const reviewedKeyPrefix = "reviews:done:"

// Reviewer watches open pull requests and produces one model review
// per PR. The reviewed marker is written with SetNX under a lock, so a
// fleet of reviewers still yields a single review per pull request.
type Reviewer struct {
	base

	reviewsDone atomic.Int64
	lastPollOK  atomic.Bool
}

func NewReviewer(cfg agent.Config, deps Deps) *Reviewer {
	return &Reviewer{base: newBase(cfg, deps)}
}

func (v *Reviewer) Initialize(ctx context.Context) error {
	if _, err := v.deps.GitHub.GetRepository(ctx, v.deps.Owner, v.deps.Repo); err != nil {
		return fmt.Errorf("repository check: %w", err)
	}
	v.lastPollOK.Store(true)
	return nil
}

func (v *Reviewer) Run(ctx context.Context) error {
	ticker := time.NewTicker(v.deps.poll())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if v.paused() {
				continue
			}
			if err := v.sweep(ctx); err != nil {
				v.lastPollOK.Store(false)
				v.logger.Warn("review sweep failed", zap.Error(err))
				continue
			}
			v.lastPollOK.Store(true)
		}
	}
}

func (v *Reviewer) sweep(ctx context.Context) error {
	prs, err := v.deps.GitHub.ListPullRequests(ctx, v.deps.Owner, v.deps.Repo, "open")
	if err != nil {
		return err
	}

	for _, pr := range prs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := v.review(ctx, pr.Number, pr.Title, pr.Body); err != nil {
			v.logger.Warn("review failed", zap.Int("pr", pr.Number), zap.Error(err))
		}
	}
	return nil
}

func (v *Reviewer) review(ctx context.Context, number int, title, body string) error {
	markerKey := fmt.Sprintf("%s%s/%s/%d", reviewedKeyPrefix, v.deps.Owner, v.deps.Repo, number)
	lockName := fmt.Sprintf("review:%s/%s/%d", v.deps.Owner, v.deps.Repo, number)

	err := v.deps.Locker.WithLock(ctx, lockName, claimAcquireTimeout, claimLeaseTimeout, func(ctx context.Context) error {
		done, err := v.deps.Coordinator.Store().Exists(ctx, markerKey)
		if err != nil || done {
			return err
		}

		resp, err := v.deps.Claude.CreateMessage(ctx, claude.Request{
			System:   "You are reviewing a pull request. Point out risks and missing tests.",
			Messages: []claude.Message{{Role: "user", Content: fmt.Sprintf("PR #%d: %s\n\n%s", number, title, body)}},
		})
		if err != nil {
			return err
		}

		if err := v.deps.Coordinator.Store().Set(ctx, markerKey, map[string]any{
			"pr":          number,
			"reviewed_by": v.cfg.Name,
			"reviewed_at": time.Now().UTC(),
			"review":      resp.Text(),
		}, 0); err != nil {
			return err
		}

		v.reviewsDone.Add(1)
		v.logger.Info("pull request reviewed", zap.Int("pr", number))
		return v.scope.AppendHistory(ctx, state.HistoryEvent{
			Type:   "task_completed",
			Detail: map[string]any{"pr": number, "review": resp.Text()},
		})
	})
	if errors.Is(err, state.ErrLockUnavailable) {
		return nil
	}
	return err
}

func (v *Reviewer) Cleanup(context.Context) error { return nil }

func (v *Reviewer) HealthChecks(ctx context.Context) (map[string]bool, error) {
	return map[string]bool{
		"store":     v.deps.Coordinator.HealthCheck(ctx),
		"model":     v.deps.Claude.Healthy(),
		"last_poll": v.lastPollOK.Load(),
	}, nil
}

func (v *Reviewer) Metrics(context.Context) (map[string]float64, error) {
	return map[string]float64{
		"reviews_done": float64(v.reviewsDone.Load()),
	}, nil
}
