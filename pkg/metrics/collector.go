// Package metrics exposes Prometheus instrumentation for executions, nodes and event streams.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the engine metrics. A nil *Collector is valid and records nothing.
type Collector struct {
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	runningExecutions prometheus.Gauge

	nodeExecutionsTotal *prometheus.CounterVec
	nodeDuration        *prometheus.HistogramVec

	iterationsTotal     prometheus.Counter
	eventsDroppedTotal  *prometheus.CounterVec
	recoveredExecutions prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewCollector registers the engine metrics under namespace with a fresh registry
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	return NewCollectorWith(namespace, reg, reg)
}

// NewCollectorWith registers the engine metrics with the given registerer
func NewCollectorWith(namespace string, registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Collector {
	factory := promauto.With(registerer)

	c := &Collector{gatherer: gatherer}

	c.executionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of finished executions",
		},
		[]string{"status", "source"},
	)

	c.executionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Execution duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"status"},
	)

	c.runningExecutions = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_executions",
			Help:      "Number of executions currently running",
		},
	)

	c.nodeExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_executions_total",
			Help:      "Total number of node invocations",
		},
		[]string{"node_type", "status"},
	)

	c.nodeDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Node invocation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node_type"},
	)

	c.iterationsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_total",
			Help:      "Total number of completed loop iterations",
		},
	)

	c.eventsDroppedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber queue was full",
		},
		[]string{"stream_kind"},
	)

	c.recoveredExecutions = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovered_executions_total",
			Help:      "Executions marked failed by startup recovery",
		},
	)

	return c
}

// ExecutionStarted increments the running gauge
func (c *Collector) ExecutionStarted() {
	if c == nil {
		return
	}
	c.runningExecutions.Inc()
}

// ExecutionFinished records a terminal execution
func (c *Collector) ExecutionFinished(status, source string, duration time.Duration) {
	if c == nil {
		return
	}
	c.runningExecutions.Dec()
	c.executionsTotal.WithLabelValues(status, source).Inc()
	c.executionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// NodeFinished records one node invocation
func (c *Collector) NodeFinished(nodeType, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.nodeExecutionsTotal.WithLabelValues(nodeType, status).Inc()
	c.nodeDuration.WithLabelValues(nodeType).Observe(duration.Seconds())
}

// IterationCompleted counts a loop pass
func (c *Collector) IterationCompleted() {
	if c == nil {
		return
	}
	c.iterationsTotal.Inc()
}

// EventsDropped counts events discarded by drop-oldest queues
func (c *Collector) EventsDropped(streamKind string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.eventsDroppedTotal.WithLabelValues(streamKind).Add(float64(n))
}

// ExecutionsRecovered counts orphans closed at startup
func (c *Collector) ExecutionsRecovered(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.recoveredExecutions.Add(float64(n))
}

// Handler serves the collected metrics
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
