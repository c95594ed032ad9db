// Package roles holds the built-in agent behaviors: reading issues off
// the tracker, coding against claimed tasks, and reviewing open pull
// requests. Each role is registered under its name and built by the
// factory from the shared dependency set.
package roles

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/datablogin/entropy-playground/internal/agent"
	"github.com/datablogin/entropy-playground/internal/claude"
	"github.com/datablogin/entropy-playground/internal/github"
	"github.com/datablogin/entropy-playground/internal/state"
)

const (
	RoleIssueReader = "issue-reader"
	RoleCoder       = "coder"
	RoleReviewer    = "reviewer"

	defaultPollInterval = 30 * time.Second

	pendingTaskPrefix = "tasks:pending:"

	claimAcquireTimeout = 2 * time.Second
	claimLeaseTimeout   = 5 * time.Minute
)

// Deps is everything a role needs from the outside world.
type Deps struct {
	Coordinator *state.Coordinator
	Locker      *state.Locker
	GitHub      *github.Client
	Claude      claude.Messenger
	Owner       string
	Repo        string

	PollInterval time.Duration
	Logger       *zap.Logger
}

func (d Deps) validate() error {
	if d.Coordinator == nil {
		return fmt.Errorf("coordinator is required")
	}
	if d.Locker == nil {
		return fmt.Errorf("locker is required")
	}
	if d.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	return nil
}

func (d Deps) poll() time.Duration {
	if d.PollInterval > 0 {
		return d.PollInterval
	}
	return defaultPollInterval
}

// RegisterDefaults registers the built-in roles on the given registry.
func RegisterDefaults(r *agent.Registry, deps Deps) error {
	if err := deps.validate(); err != nil {
		return err
	}

	needGitHub := func(cfg agent.Config) error {
		if deps.GitHub == nil {
			return fmt.Errorf("role %s requires a github client", cfg.Role)
		}
		return nil
	}
	needClaude := func(cfg agent.Config) error {
		if deps.Claude == nil {
			return fmt.Errorf("role %s requires a claude client", cfg.Role)
		}
		return nil
	}

	if err := agent.RegisterBehavior(r, RoleIssueReader, func(cfg agent.Config) (*IssueReader, error) {
		return NewIssueReader(cfg, deps), nil
	}, needGitHub); err != nil {
		return err
	}
	if err := agent.RegisterBehavior(r, RoleCoder, func(cfg agent.Config) (*Coder, error) {
		return NewCoder(cfg, deps), nil
	}, needClaude); err != nil {
		return err
	}
	return agent.RegisterBehavior(r, RoleReviewer, func(cfg agent.Config) (*Reviewer, error) {
		return NewReviewer(cfg, deps), nil
	}, func(cfg agent.Config) error {
		if err := needGitHub(cfg); err != nil {
			return err
		}
		return needClaude(cfg)
	})
}

// base carries the plumbing every role shares: the supervisor handle
// for pause awareness and the scoped coordinator namespace.
type base struct {
	cfg    agent.Config
	deps   Deps
	scope  *state.AgentScope
	sup    agent.Supervisor
	logger *zap.Logger
}

func newBase(cfg agent.Config, deps Deps) base {
	return base{
		cfg:    cfg,
		deps:   deps,
		scope:  deps.Coordinator.Agent(cfg.Name),
		logger: deps.Logger.Named("roles." + cfg.Role).With(zap.String("agent", cfg.Name)),
	}
}

func (b *base) Bind(sup agent.Supervisor) { b.sup = sup }

// paused reports whether the supervisor has the agent paused. Roles
// idle through their poll tick while paused.
func (b *base) paused() bool {
	return b.sup != nil && b.sup.State() == agent.StatePaused
}
