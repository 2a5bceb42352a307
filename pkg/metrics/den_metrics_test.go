package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	require.NotNil(t, c)

	c.ObserveOperation("task.update", OutcomeSuccess, "", 20*time.Millisecond)
	c.IncRetry("task.update")
	c.IncRetry("task.update")
	c.SetBreakerState("api", 1)
	c.SetConnected(true)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.retries.WithLabelValues("task.update")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.breakerState.WithLabelValues("api")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.wsConnected))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.operations.WithLabelValues("task.update", OutcomeSuccess, "")))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ObserveOperation("x", OutcomeFailure, "network", time.Second)
		c.IncRetry("x")
		c.SetBreakerState("x", 2)
		c.IncBreakerRejection("x")
		c.IncDedupShared("x")
		c.ObserveBatch("x", 3)
		c.IncRollback("task")
		c.SetConnected(false)
		c.IncReconnect()
		c.IncEvent("task:created")
		c.SetRelayClients(1)
		c.SetRelayRooms(1)
		c.IncRelayMessage("task:created", "local")
	})
}

func TestLatencyTracker(t *testing.T) {
	lt := NewLatencyTracker(4)
	for _, ms := range []int{10, 20, 30, 40, 50, 60} {
		lt.Record(time.Duration(ms) * time.Millisecond)
	}

	stats := lt.Stats()
	assert.Equal(t, 4, stats.Count)
	assert.Equal(t, 30*time.Millisecond, stats.Min)
	assert.Equal(t, 60*time.Millisecond, stats.Max)
	assert.Equal(t, 45*time.Millisecond, stats.Avg)

	lt.Reset()
	assert.Equal(t, LatencyStats{}, lt.Stats())
}

func TestLatencyRegistry(t *testing.T) {
	r := NewLatencyRegistry(10)
	r.Record("task.create", time.Millisecond)
	r.Record("task.create", 3*time.Millisecond)
	r.Record("project.get", 2*time.Millisecond)

	all := r.AllStats()
	assert.Len(t, all, 2)
	assert.Equal(t, 2, all["task.create"].Count)
	assert.Equal(t, 0, all["missing"].Count)
}
