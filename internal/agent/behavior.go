package agent

import (
	"context"
	"time"
)

// Behavior is the role-specific body of an agent. The lifecycle manager
// owns the state machine and calls these hooks in order: Initialize
// once before READY, Run for the whole working period (it should return
// promptly once ctx is cancelled), Cleanup once during shutdown even if
// Run failed.
//
// HealthChecks and Metrics are polled by the health monitor and must be
// safe to call concurrently with Run.
type Behavior interface {
	Initialize(ctx context.Context) error
	Run(ctx context.Context) error
	Cleanup(ctx context.Context) error
	HealthChecks(ctx context.Context) (map[string]bool, error)
	Metrics(ctx context.Context) (map[string]float64, error)
}

// Supervisor is the slice of the lifecycle manager a behavior may see:
// enough to idle while paused and to label its own output, nothing that
// would let it drive its own state machine.
type Supervisor interface {
	Name() string
	State() State
	Uptime() time.Duration
}

// Bindable is implemented by behaviors that want a handle on their
// supervisor. Bind is called once, before Initialize.
type Bindable interface {
	Bind(sup Supervisor)
}
