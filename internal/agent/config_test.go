package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{Name: "Worker-1", Role: "coder"}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "worker-1", cfg.Name)
	assert.Equal(t, "1.0.0", cfg.Version)
	assert.Equal(t, 300*time.Second, cfg.Timeout)
	assert.Equal(t, 30*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
}

func TestConfigValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"empty name", Config{Role: "coder"}},
		{"whitespace name", Config{Name: "   ", Role: "coder"}},
		{"bad characters", Config{Name: "worker 1!", Role: "coder"}},
		{"missing role", Config{Name: "worker-1"}},
		{"negative retries", Config{Name: "worker-1", Role: "coder", MaxRetries: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, tc.cfg.Validate())
		})
	}
}

func TestConfigValidateKeepsExplicitValues(t *testing.T) {
	cfg := Config{
		Name:                "w",
		Role:                "coder",
		Version:             "2.1.0",
		Timeout:             time.Second,
		HealthCheckInterval: 2 * time.Second,
		ShutdownTimeout:     3 * time.Second,
	}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "2.1.0", cfg.Version)
	assert.Equal(t, time.Second, cfg.Timeout)
	assert.Equal(t, 2*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		checks map[string]bool
		want   Health
	}{
		{"no checks", map[string]bool{}, HealthHealthy},
		{"all passing", map[string]bool{"a": true, "b": true}, HealthHealthy},
		{"minority failing", map[string]bool{"a": true, "b": true, "c": false}, HealthDegraded},
		{"half failing", map[string]bool{"a": true, "b": false}, HealthUnhealthy},
		{"majority failing", map[string]bool{"a": false, "b": false, "c": true}, HealthUnhealthy},
		{"all failing", map[string]bool{"a": false}, HealthUnhealthy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.checks))
		})
	}
}
