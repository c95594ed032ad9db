package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewWithNilRegisterer(t *testing.T) {
	// Nil gets a detached registry; construction must not panic.
	m := New(nil)
	m.StateTransitions.WithLabelValues("w-1", "ready", "running").Inc()
}

func TestSetHealthScale(t *testing.T) {
	m := New(prometheus.NewRegistry())

	for health, want := range map[string]float64{
		"unknown":   0,
		"healthy":   1,
		"degraded":  2,
		"unhealthy": 3,
	} {
		m.SetHealth("w-1", health)
		assert.Equal(t, want, testutil.ToFloat64(m.HealthState.WithLabelValues("w-1")), health)
	}
}

func TestObserveStoreOp(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveStoreOp("get", nil)
	m.ObserveStoreOp("get", nil)
	m.ObserveStoreOp("get", errors.New("timeout"))

	assert.Equal(t, float64(2), testutil.ToFloat64(m.StoreOps.WithLabelValues("get", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StoreOps.WithLabelValues("get", "error")))
}
