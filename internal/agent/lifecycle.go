package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StateCallback observes lifecycle transitions. HealthCallback observes
// monitor verdict changes. Both run synchronously on the transitioning
// goroutine; panics are contained and logged.
type (
	StateCallback  func(agent string, from, to State)
	HealthCallback func(agent string, status HealthStatus)
)

const restartPause = time.Second

// Agent drives one behavior through the lifecycle state machine. The
// manager owns three concerns the behavior must not: the state
// transitions, the supervised task set, and the periodic health
// monitor.
//
// Concurrency layout: opMu serializes the lifecycle operations
// (Start/Stop/Pause/Resume/Restart) against each other; mu guards the
// mutable snapshot (state, health, tasks) and is never held across a
// behavior call.
type Agent struct {
	cfg      Config
	behavior Behavior
	logger   *zap.Logger

	opMu sync.Mutex

	mu        sync.RWMutex
	state     State
	health    HealthStatus
	startedAt time.Time
	tasks     map[string]struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	healthWG  sync.WaitGroup

	stateCallbacks  []StateCallback
	healthCallbacks []HealthCallback
}

// New validates the config, binds the behavior if it asks for a
// supervisor handle, and returns an agent in the initializing state.
func New(cfg Config, behavior Behavior, logger *zap.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if behavior == nil {
		return nil, fmt.Errorf("agent %s: behavior is required", cfg.Name)
	}
	a := &Agent{
		cfg:      cfg,
		behavior: behavior,
		logger:   logger.Named("agent." + cfg.Name),
		state:    StateInitializing,
		health:   HealthStatus{Health: HealthUnknown, State: StateInitializing},
		tasks:    make(map[string]struct{}),
	}
	if b, ok := behavior.(Bindable); ok {
		b.Bind(a)
	}
	return a, nil
}

func (a *Agent) Name() string    { return a.cfg.Name }
func (a *Agent) Role() string    { return a.cfg.Role }
func (a *Agent) Version() string { return a.cfg.Version }
func (a *Agent) Config() Config  { return a.cfg }

// State returns the current lifecycle state.
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Uptime is the time since the last successful Start, zero when the
// agent is not between Start and Stop.
func (a *Agent) Uptime() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.startedAt.IsZero() {
		return 0
	}
	return time.Since(a.startedAt)
}

// Tasks lists the names of supervised tasks currently in flight.
func (a *Agent) Tasks() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.tasks))
	for name := range a.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OnStateChange registers a transition observer. Register before Start;
// registration is not synchronized against running transitions.
func (a *Agent) OnStateChange(fn StateCallback) {
	a.stateCallbacks = append(a.stateCallbacks, fn)
}

// OnHealthChange registers a health verdict observer.
func (a *Agent) OnHealthChange(fn HealthCallback) {
	a.healthCallbacks = append(a.healthCallbacks, fn)
}

// GetHealthStatus returns the last monitor observation, with the
// current state and uptime folded in.
func (a *Agent) GetHealthStatus() HealthStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	status := a.health
	status.State = a.state
	metrics := make(map[string]float64, len(status.Metrics)+1)
	for k, v := range status.Metrics {
		metrics[k] = v
	}
	metrics["uptime_seconds"] = 0
	if !a.startedAt.IsZero() {
		metrics["uptime_seconds"] = time.Since(a.startedAt).Seconds()
	}
	status.Metrics = metrics
	return status
}

// Start transitions to READY, runs Initialize, then launches the
// behavior's Run and the health monitor and settles in RUNNING. Valid
// from initializing or stopped; an Initialize failure lands in ERROR.
//
// The ctx argument bounds Initialize only. The running agent is
// detached from it: shutdown happens through Stop, not through the
// caller's context.
func (a *Agent) Start(ctx context.Context) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	switch a.State() {
	case StateInitializing, StateStopped:
	default:
		return fmt.Errorf("agent %s: cannot start from state %s", a.cfg.Name, a.State())
	}

	a.logger.Info("starting", zap.String("role", a.cfg.Role), zap.String("version", a.cfg.Version))
	a.setState(StateReady)

	initCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	err := a.callBehavior(initCtx, "initialize", a.behavior.Initialize)
	cancel()
	if err != nil {
		a.setState(StateError)
		return fmt.Errorf("agent %s: initialize: %w", a.cfg.Name, err)
	}

	a.mu.Lock()
	a.startedAt = time.Now()
	a.runCtx, a.runCancel = context.WithCancel(context.Background())
	a.mu.Unlock()

	a.healthWG.Add(1)
	go a.healthMonitor()

	a.Go("run", a.behavior.Run)
	a.setState(StateRunning)
	return nil
}

// Go launches a supervised task. The task receives the run context and
// is expected to return once it is cancelled. A panic or a failure
// other than the shutdown cancellation is caught and logged at the
// task boundary; the lifecycle state is not touched.
func (a *Agent) Go(name string, fn func(ctx context.Context) error) {
	a.mu.Lock()
	if a.runCtx == nil {
		a.mu.Unlock()
		a.logger.Error("task submitted before start", zap.String("task", name))
		return
	}
	ctx := a.runCtx
	a.tasks[name] = struct{}{}
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			a.mu.Lock()
			delete(a.tasks, name)
			a.mu.Unlock()
		}()
		err := a.callBehavior(ctx, name, fn)
		if err == nil || ctx.Err() != nil {
			return
		}
		a.logger.Error("task failed", zap.String("task", name), zap.Error(err))
	}()
}

// ShuttingDown is closed when shutdown begins. Nil before Start.
func (a *Agent) ShuttingDown() <-chan struct{} {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.runCtx == nil {
		return nil
	}
	return a.runCtx.Done()
}

// Stop cancels the run context, waits up to ShutdownTimeout for
// supervised tasks to drain, then runs Cleanup. Stragglers past the
// deadline are abandoned and logged, not killed. Idempotent: stopping
// a stopped agent is a no-op.
func (a *Agent) Stop(ctx context.Context) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	switch a.State() {
	case StateStopped, StateInitializing:
		return nil
	}

	a.logger.Info("stopping")
	a.setState(StateStopping)

	a.mu.Lock()
	cancel := a.runCancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	a.healthWG.Wait()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(a.cfg.ShutdownTimeout):
		a.logger.Warn("shutdown timeout, abandoning tasks",
			zap.Strings("tasks", a.Tasks()),
			zap.Duration("timeout", a.cfg.ShutdownTimeout))
	}

	// Cleanup runs even after a failed Run, on a fresh context: the
	// run context is already cancelled.
	cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), a.cfg.Timeout)
	if err := a.callBehavior(cleanupCtx, "cleanup", a.behavior.Cleanup); err != nil {
		a.logger.Error("cleanup failed", zap.Error(err))
	}
	cancelCleanup()

	a.mu.Lock()
	a.startedAt = time.Time{}
	a.mu.Unlock()

	a.setState(StateStopped)
	a.logger.Info("stopped")
	return nil
}

// Pause marks a running agent paused. The behavior keeps its goroutine
// and is expected to idle while State() reports paused.
func (a *Agent) Pause() error {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	if a.State() != StateRunning {
		return fmt.Errorf("agent %s: cannot pause from state %s", a.cfg.Name, a.State())
	}
	a.setState(StatePaused)
	return nil
}

// Resume returns a paused agent to running.
func (a *Agent) Resume() error {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	if a.State() != StatePaused {
		return fmt.Errorf("agent %s: cannot resume from state %s", a.cfg.Name, a.State())
	}
	a.setState(StateRunning)
	return nil
}

// Restart stops the agent, waits a beat for external resources to
// settle, then starts it again.
func (a *Agent) Restart(ctx context.Context) error {
	if err := a.Stop(ctx); err != nil {
		return err
	}
	select {
	case <-time.After(restartPause):
	case <-ctx.Done():
		return ctx.Err()
	}
	return a.Start(ctx)
}

func (a *Agent) setState(to State) {
	a.mu.Lock()
	from := a.state
	if from == to {
		a.mu.Unlock()
		return
	}
	a.state = to
	a.mu.Unlock()

	a.logger.Info("state changed", zap.String("from", string(from)), zap.String("to", string(to)))
	for _, fn := range a.stateCallbacks {
		a.invoke("state callback", func() { fn(a.cfg.Name, from, to) })
	}
}

func (a *Agent) healthMonitor() {
	defer a.healthWG.Done()

	a.mu.RLock()
	ctx := a.runCtx
	a.mu.RUnlock()

	ticker := time.NewTicker(a.cfg.HealthCheckInterval)
	defer ticker.Stop()

	a.runHealthCheck(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.runHealthCheck(ctx)
		}
	}
}

func (a *Agent) runHealthCheck(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, a.cfg.HealthCheckInterval)
	defer cancel()

	status := HealthStatus{CheckedAt: time.Now().UTC()}
	checks, err := a.behavior.HealthChecks(checkCtx)
	if err != nil {
		a.logger.Warn("health checks failed", zap.Error(err))
		status.Health = HealthUnknown
		status.Message = "health checks unavailable: " + err.Error()
	} else {
		status.Checks = checks
		status.Health = Classify(checks)
		var failed []string
		for name, ok := range checks {
			if !ok {
				failed = append(failed, name)
			}
		}
		if len(failed) > 0 {
			sort.Strings(failed)
			status.Message = "failing checks: " + strings.Join(failed, ", ")
		}
	}
	if metrics, err := a.behavior.Metrics(checkCtx); err == nil {
		status.Metrics = metrics
	}

	a.mu.Lock()
	prev := a.health.Health
	status.State = a.state
	a.health = status
	a.mu.Unlock()

	if status.Health != prev {
		a.logger.Info("health changed",
			zap.String("from", string(prev)), zap.String("to", string(status.Health)))
		for _, fn := range a.healthCallbacks {
			a.invoke("health callback", func() { fn(a.cfg.Name, status) })
		}
	}
}

// callBehavior shields the state machine from a panicking hook.
func (a *Agent) callBehavior(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", name, r)
		}
	}()
	return fn(ctx)
}

func (a *Agent) invoke(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("callback panicked", zap.String("callback", what), zap.Any("panic", r))
		}
	}()
	fn()
}
