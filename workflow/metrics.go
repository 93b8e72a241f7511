package workflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for engine, scheduler, and recovery
// activity. All metrics are namespaced "stratix".
//
// Exposed series:
//   - running_instances (gauge): instances currently owned by this engine
//   - queue_depth (gauge): runnable instances waiting for a worker
//   - node_latency_ms (histogram, labels node_type/status): node run time
//   - node_retries_total (counter, label node_type)
//   - recoveries_total (counter): instances reclaimed after engine loss
//   - lock_conflicts_total (counter, label lock_type): refused acquisitions
//   - schedule_fires_total (counter, label status): schedule firings
//
// Expose the registry via promhttp in application code; the library never
// starts an HTTP server.
type Metrics struct {
	runningInstances prometheus.Gauge
	queueDepth       prometheus.Gauge
	nodeLatency      *prometheus.HistogramVec
	nodeRetries      *prometheus.CounterVec
	recoveries       prometheus.Counter
	lockConflicts    *prometheus.CounterVec
	scheduleFires    *prometheus.CounterVec
}

// NewMetrics creates and registers all series with registry
// (prometheus.DefaultRegisterer when nil).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		runningInstances: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "stratix",
			Name:      "running_instances",
			Help:      "Workflow instances currently owned by this engine.",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "stratix",
			Name:      "queue_depth",
			Help:      "Runnable workflow instances waiting for a worker.",
		}),
		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stratix",
			Name:      "node_latency_ms",
			Help:      "Node execution duration in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"node_type", "status"}),
		nodeRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stratix",
			Name:      "node_retries_total",
			Help:      "Cumulative node retry attempts.",
		}, []string{"node_type"}),
		recoveries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stratix",
			Name:      "recoveries_total",
			Help:      "Instances reclaimed from dead engines.",
		}),
		lockConflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stratix",
			Name:      "lock_conflicts_total",
			Help:      "Lock acquisitions refused because a live lease existed.",
		}, []string{"lock_type"}),
		scheduleFires: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stratix",
			Name:      "schedule_fires_total",
			Help:      "Schedule firings by outcome.",
		}, []string{"status"}),
	}
}

// nil-safe recording helpers; a nil *Metrics disables collection.

func (m *Metrics) SetRunning(n int) {
	if m != nil {
		m.runningInstances.Set(float64(n))
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

func (m *Metrics) ObserveNode(nodeType string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.nodeLatency.WithLabelValues(nodeType, status).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) IncRetry(nodeType string) {
	if m != nil {
		m.nodeRetries.WithLabelValues(nodeType).Inc()
	}
}

func (m *Metrics) IncRecovery() {
	if m != nil {
		m.recoveries.Inc()
	}
}

func (m *Metrics) IncLockConflict(lockType string) {
	if m != nil {
		m.lockConflicts.WithLabelValues(lockType).Inc()
	}
}

func (m *Metrics) IncScheduleFire(status string) {
	if m != nil {
		m.scheduleFires.WithLabelValues(status).Inc()
	}
}
