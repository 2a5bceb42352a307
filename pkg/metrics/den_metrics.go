// Package metrics exposes prometheus collectors and in-process latency
// percentiles for the sync layer and the relay.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hackerden"

// Outcome labels
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeRejected = "rejected"
)

// =============================================================================
// Collector
// =============================================================================

// Collector groups every metric emitted by the client and the relay. A nil
// *Collector is valid and records nothing.
type Collector struct {
	operations        *prometheus.CounterVec
	operationLatency  *prometheus.HistogramVec
	retries           *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec
	breakerRejections *prometheus.CounterVec
	dedupShared       *prometheus.CounterVec
	batchSize         *prometheus.HistogramVec
	rollbacks         *prometheus.CounterVec

	wsConnected  prometheus.Gauge
	wsReconnects prometheus.Counter
	wsEvents     *prometheus.CounterVec

	relayClients  prometheus.Gauge
	relayRooms    prometheus.Gauge
	relayMessages *prometheus.CounterVec
}

// NewCollector registers all collectors with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Collector{
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Remote operations by name and final outcome.",
		}, []string{"operation", "outcome", "error_type"}),
		operationLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Wall time of a remote operation including retries.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"operation"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retry attempts scheduled after a failed attempt.",
		}, []string{"operation"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open).",
		}, []string{"breaker"}),
		breakerRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_rejections_total",
			Help:      "Calls rejected without invoking the operation.",
		}, []string{"breaker"}),
		dedupShared: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_shared_total",
			Help:      "Calls answered by an in-flight or recently settled request.",
		}, []string{"deduplicator"}),
		batchSize: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Items per dispatched batch.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		}, []string{"batcher"}),
		rollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimistic_rollbacks_total",
			Help:      "Optimistic mutations restored to their snapshot.",
		}, []string{"entity"}),
		wsConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connected",
			Help:      "1 while the realtime connection is up.",
		}),
		wsReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_reconnect_attempts_total",
			Help:      "Automatic reconnect attempts.",
		}),
		wsEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_events_received_total",
			Help:      "Server events dispatched to handlers.",
		}, []string{"event"}),
		relayClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_clients",
			Help:      "Connected relay clients.",
		}),
		relayRooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_rooms",
			Help:      "Rooms with at least one member.",
		}),
		relayMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Frames fanned out by the relay.",
		}, []string{"event", "source"}),
	}
}

// ObserveOperation records the final outcome of an executor run.
func (c *Collector) ObserveOperation(operation, outcome, errorType string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.operations.WithLabelValues(operation, outcome, errorType).Inc()
	c.operationLatency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (c *Collector) IncRetry(operation string) {
	if c == nil {
		return
	}
	c.retries.WithLabelValues(operation).Inc()
}

func (c *Collector) SetBreakerState(breaker string, state int) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(breaker).Set(float64(state))
}

func (c *Collector) IncBreakerRejection(breaker string) {
	if c == nil {
		return
	}
	c.breakerRejections.WithLabelValues(breaker).Inc()
}

func (c *Collector) IncDedupShared(name string) {
	if c == nil {
		return
	}
	c.dedupShared.WithLabelValues(name).Inc()
}

func (c *Collector) ObserveBatch(name string, size int) {
	if c == nil {
		return
	}
	c.batchSize.WithLabelValues(name).Observe(float64(size))
}

func (c *Collector) IncRollback(entity string) {
	if c == nil {
		return
	}
	c.rollbacks.WithLabelValues(entity).Inc()
}

func (c *Collector) SetConnected(up bool) {
	if c == nil {
		return
	}
	if up {
		c.wsConnected.Set(1)
	} else {
		c.wsConnected.Set(0)
	}
}

func (c *Collector) IncReconnect() {
	if c == nil {
		return
	}
	c.wsReconnects.Inc()
}

func (c *Collector) IncEvent(event string) {
	if c == nil {
		return
	}
	c.wsEvents.WithLabelValues(event).Inc()
}

func (c *Collector) SetRelayClients(n int) {
	if c == nil {
		return
	}
	c.relayClients.Set(float64(n))
}

func (c *Collector) SetRelayRooms(n int) {
	if c == nil {
		return
	}
	c.relayRooms.Set(float64(n))
}

// IncRelayMessage counts a fanned-out frame. source is "local" or "redis".
func (c *Collector) IncRelayMessage(event, source string) {
	if c == nil {
		return
	}
	c.relayMessages.WithLabelValues(event, source).Inc()
}
