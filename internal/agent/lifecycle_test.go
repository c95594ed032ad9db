package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubBehavior is a programmable behavior for lifecycle tests. Run
// blocks until the context is cancelled unless runErr is set.
type stubBehavior struct {
	mu       sync.Mutex
	initErr  error
	runErr   error
	cleanErr error
	checks   map[string]bool

	initCalls  int
	cleanCalls int
	runStarted chan struct{}
}

func newStubBehavior() *stubBehavior {
	return &stubBehavior{
		checks:     map[string]bool{"ok": true},
		runStarted: make(chan struct{}, 8),
	}
}

func (s *stubBehavior) Initialize(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initCalls++
	return s.initErr
}

func (s *stubBehavior) Run(ctx context.Context) error {
	s.runStarted <- struct{}{}
	s.mu.Lock()
	err := s.runErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (s *stubBehavior) Cleanup(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanCalls++
	return s.cleanErr
}

func (s *stubBehavior) HealthChecks(context.Context) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	checks := make(map[string]bool, len(s.checks))
	for k, v := range s.checks {
		checks[k] = v
	}
	return checks, nil
}

func (s *stubBehavior) Metrics(context.Context) (map[string]float64, error) {
	return map[string]float64{"work": 1}, nil
}

func (s *stubBehavior) setChecks(checks map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks = checks
}

func testConfig(name string) Config {
	return Config{
		Name:                name,
		Role:                "stub",
		Timeout:             2 * time.Second,
		HealthCheckInterval: 20 * time.Millisecond,
		ShutdownTimeout:     time.Second,
	}
}

func newTestAgent(t *testing.T, behavior Behavior) *Agent {
	t.Helper()
	a, err := New(testConfig("stub-1"), behavior, zap.NewNop())
	require.NoError(t, err)
	return a
}

func waitForTaskGone(t *testing.T, a *Agent, name string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		gone := true
		for _, task := range a.Tasks() {
			if task == name {
				gone = false
			}
		}
		if gone {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never finished", name)
}

func TestAgentStartSequence(t *testing.T) {
	stub := newStubBehavior()
	a := newTestAgent(t, stub)

	var transitions [][2]State
	var mu sync.Mutex
	a.OnStateChange(func(_ string, from, to State) {
		mu.Lock()
		transitions = append(transitions, [2]State{from, to})
		mu.Unlock()
	})

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	assert.Equal(t, StateRunning, a.State())
	assert.Equal(t, 1, stub.initCalls)
	assert.Greater(t, a.Uptime(), time.Duration(0))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, transitions, 2)
	assert.Equal(t, [2]State{StateInitializing, StateReady}, transitions[0])
	assert.Equal(t, [2]State{StateReady, StateRunning}, transitions[1])
}

func TestAgentStartFromRunningRejected(t *testing.T) {
	a := newTestAgent(t, newStubBehavior())
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	assert.Error(t, a.Start(context.Background()))
}

func TestAgentInitializeFailure(t *testing.T) {
	stub := newStubBehavior()
	stub.initErr = errors.New("no credentials")
	a := newTestAgent(t, stub)

	var transitions [][2]State
	a.OnStateChange(func(_ string, from, to State) {
		transitions = append(transitions, [2]State{from, to})
	})

	err := a.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateError, a.State())

	// Observers see the ready transition before the failure.
	require.Len(t, transitions, 2)
	assert.Equal(t, [2]State{StateInitializing, StateReady}, transitions[0])
	assert.Equal(t, [2]State{StateReady, StateError}, transitions[1])
}

func TestAgentStopDrainsAndCleansUp(t *testing.T) {
	stub := newStubBehavior()
	a := newTestAgent(t, stub)
	require.NoError(t, a.Start(context.Background()))
	<-stub.runStarted

	require.NoError(t, a.Stop(context.Background()))
	assert.Equal(t, StateStopped, a.State())
	assert.Equal(t, 1, stub.cleanCalls)
	assert.Equal(t, time.Duration(0), a.Uptime())
	assert.Equal(t, float64(0), a.GetHealthStatus().Metrics["uptime_seconds"])

	// Idempotent.
	require.NoError(t, a.Stop(context.Background()))
	assert.Equal(t, 1, stub.cleanCalls)
}

func TestAgentRunFailureDoesNotChangeState(t *testing.T) {
	stub := newStubBehavior()
	stub.runErr = errors.New("upstream gone")
	a := newTestAgent(t, stub)

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())
	waitForTaskGone(t, a, "run")

	// The failure is caught at the task boundary; the state machine is
	// untouched.
	assert.Equal(t, StateRunning, a.State())
}

func TestAgentRestartAfterRunFailure(t *testing.T) {
	stub := newStubBehavior()
	stub.runErr = errors.New("transient")
	a := newTestAgent(t, stub)

	require.NoError(t, a.Start(context.Background()))
	waitForTaskGone(t, a, "run")

	stub.mu.Lock()
	stub.runErr = nil
	stub.mu.Unlock()

	require.NoError(t, a.Restart(context.Background()))
	defer a.Stop(context.Background())

	assert.Equal(t, StateRunning, a.State())
	assert.Equal(t, 2, stub.initCalls)
}

func TestAgentRestartResetsUptime(t *testing.T) {
	stub := newStubBehavior()
	a := newTestAgent(t, stub)

	require.NoError(t, a.Start(context.Background()))
	<-stub.runStarted
	time.Sleep(100 * time.Millisecond)

	before := a.Uptime()
	require.Greater(t, before, time.Duration(0))

	require.NoError(t, a.Restart(context.Background()))
	defer a.Stop(context.Background())

	after := a.Uptime()
	assert.Greater(t, after, time.Duration(0))
	assert.Less(t, after, before)
}

func TestAgentPauseResume(t *testing.T) {
	a := newTestAgent(t, newStubBehavior())

	// Pause before start is invalid.
	assert.Error(t, a.Pause())

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	require.NoError(t, a.Pause())
	assert.Equal(t, StatePaused, a.State())

	// Double pause is invalid, resume restores running.
	assert.Error(t, a.Pause())
	require.NoError(t, a.Resume())
	assert.Equal(t, StateRunning, a.State())
	assert.Error(t, a.Resume())
}

func TestAgentSupervisedTasks(t *testing.T) {
	a := newTestAgent(t, newStubBehavior())
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	started := make(chan struct{})
	a.Go("poller", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return nil
	})
	<-started

	assert.Contains(t, a.Tasks(), "poller")
	assert.Contains(t, a.Tasks(), "run")
}

func TestAgentTaskPanicIsContained(t *testing.T) {
	a := newTestAgent(t, newStubBehavior())
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	a.Go("bad", func(context.Context) error {
		panic("boom")
	})
	waitForTaskGone(t, a, "bad")

	assert.Equal(t, StateRunning, a.State())
	assert.NotContains(t, a.Tasks(), "bad")
}

func TestAgentHealthMonitor(t *testing.T) {
	stub := newStubBehavior()
	a := newTestAgent(t, stub)

	var mu sync.Mutex
	var observed []Health
	a.OnHealthChange(func(_ string, status HealthStatus) {
		mu.Lock()
		observed = append(observed, status.Health)
		mu.Unlock()
	})

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	// First check already ran on start.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && a.GetHealthStatus().Health != HealthHealthy {
		time.Sleep(5 * time.Millisecond)
	}
	status := a.GetHealthStatus()
	assert.Equal(t, HealthHealthy, status.Health)
	assert.Contains(t, status.Metrics, "uptime_seconds")
	assert.Contains(t, status.Metrics, "work")

	stub.setChecks(map[string]bool{"a": false, "b": false, "c": true})

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && a.GetHealthStatus().Health != HealthUnhealthy {
		time.Sleep(5 * time.Millisecond)
	}
	unhealthy := a.GetHealthStatus()
	assert.Equal(t, HealthUnhealthy, unhealthy.Health)
	assert.Equal(t, "failing checks: a, b", unhealthy.Message)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, observed, HealthUnhealthy)
}

func TestAgentCallbackPanicIsContained(t *testing.T) {
	a := newTestAgent(t, newStubBehavior())
	a.OnStateChange(func(string, State, State) {
		panic("observer bug")
	})

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())
	assert.Equal(t, StateRunning, a.State())
}

func TestAgentBindsSupervisor(t *testing.T) {
	b := &bindableStub{stubBehavior: newStubBehavior()}
	a, err := New(testConfig("bound"), b, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, b.sup)
	assert.Equal(t, "bound", b.sup.Name())
	assert.Equal(t, StateInitializing, b.sup.State())
	_ = a
}

type bindableStub struct {
	*stubBehavior
	sup Supervisor
}

func (b *bindableStub) Bind(sup Supervisor) { b.sup = sup }
