package agent

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// State is an agent lifecycle state.
type State string

const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateRunning      State = "running"
	StatePaused       State = "paused"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateError        State = "error"
)

// Health is the aggregate health verdict from the periodic monitor.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
	HealthUnknown   Health = "unknown"
)

// HealthStatus is one monitor observation: the per-check results plus
// the aggregate verdict and whatever metrics the behavior reported.
type HealthStatus struct {
	Health    Health             `json:"health"`
	State     State              `json:"state"`
	Message   string             `json:"message,omitempty"`
	Checks    map[string]bool    `json:"checks"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	CheckedAt time.Time          `json:"checked_at"`
}

// Classify folds individual check results into an aggregate verdict:
// all passing is healthy, fewer than half failing is degraded, half or
// more failing is unhealthy. No checks at all counts as healthy.
func Classify(checks map[string]bool) Health {
	failed := 0
	for _, ok := range checks {
		if !ok {
			failed++
		}
	}
	switch {
	case failed == 0:
		return HealthHealthy
	case failed*2 < len(checks):
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Config describes one agent instance.
type Config struct {
	Name                string         `json:"name" mapstructure:"name"`
	Role                string         `json:"role" mapstructure:"role"`
	Version             string         `json:"version" mapstructure:"version"`
	MaxRetries          int            `json:"max_retries" mapstructure:"max_retries"`
	Timeout             time.Duration  `json:"timeout" mapstructure:"timeout"`
	HealthCheckInterval time.Duration  `json:"health_check_interval" mapstructure:"health_check_interval"`
	ShutdownTimeout     time.Duration  `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	Metadata            map[string]any `json:"metadata,omitempty" mapstructure:"metadata"`
}

// Validate normalizes the config in place and reports the first
// problem found. Names are lowercased so the same identity written two
// ways cannot produce two namespaces.
func (c *Config) Validate() error {
	c.Name = strings.ToLower(strings.TrimSpace(c.Name))
	if c.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	if !nameRe.MatchString(c.Name) {
		return fmt.Errorf("agent name %q may only contain letters, digits, '_' and '-'", c.Name)
	}
	if c.Role == "" {
		return fmt.Errorf("agent %s: role is required", c.Name)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("agent %s: max_retries must be >= 0", c.Name)
	}
	if c.Version == "" {
		c.Version = "1.0.0"
	}
	if c.Timeout <= 0 {
		c.Timeout = 300 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return nil
}
