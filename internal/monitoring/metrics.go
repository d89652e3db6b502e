// Package monitoring exposes Prometheus metrics for the execution pipeline.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects pipeline counters and broker call latencies
type Metrics struct {
	ordersSplit       *prometheus.CounterVec
	slicesExecuted    *prometheus.CounterVec
	brokerRequests    *prometheus.CounterVec
	brokerDuration    *prometheus.HistogramVec
	workerErrors      *prometheus.CounterVec
	executionTimeouts prometheus.Counter
}

// NewMetrics registers the pipeline collectors on the given registerer
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ordersSplit: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_orders_split_total",
			Help: "Parent orders processed by the splitting worker, by outcome",
		}, []string{"outcome"}),
		slicesExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_slices_executed_total",
			Help: "Order slices driven to a terminal state, by execution result",
		}, []string{"result"}),
		brokerRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_broker_requests_total",
			Help: "Broker wire calls, by event type and success",
		}, []string{"event_type", "success"}),
		brokerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pulse_broker_request_duration_seconds",
			Help:    "Broker wire call latency, by event type",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type"}),
		workerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_worker_iteration_errors_total",
			Help: "Worker loop iterations that ended in an error, by worker",
		}, []string{"worker"}),
		executionTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "pulse_execution_timeouts_total",
			Help: "Executions finalized by the timeout monitor",
		}),
	}
}

// OrderSplit records one splitting outcome (completed or failed)
func (m *Metrics) OrderSplit(outcome string) {
	m.ordersSplit.WithLabelValues(outcome).Inc()
}

// SliceExecuted records one terminal execution result
func (m *Metrics) SliceExecuted(result string) {
	m.slicesExecuted.WithLabelValues(result).Inc()
}

// BrokerRequest records one broker wire call
func (m *Metrics) BrokerRequest(eventType string, success bool, duration time.Duration) {
	label := "false"
	if success {
		label = "true"
	}
	m.brokerRequests.WithLabelValues(eventType, label).Inc()
	m.brokerDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

// WorkerError records one failed worker iteration
func (m *Metrics) WorkerError(worker string) {
	m.workerErrors.WithLabelValues(worker).Inc()
}

// ExecutionTimeout records one lease-expiry recovery
func (m *Metrics) ExecutionTimeout() {
	m.executionTimeouts.Inc()
}
