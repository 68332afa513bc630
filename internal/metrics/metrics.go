package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// QueueMetrics tracks engine operations. All methods are safe on a nil receiver
// so callers that do not care about metrics can pass nil.
type QueueMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	lockContention    *prometheus.CounterVec
	closuresTotal     *prometheus.CounterVec
	promotionsTotal   prometheus.Counter
	notifyFailures    prometheus.Counter
}

func NewQueueMetrics(reg prometheus.Registerer) *QueueMetrics {
	m := &QueueMetrics{
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic_queue",
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Engine operations by name and outcome.",
		}, []string{"operation", "outcome"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic_queue",
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Latency of engine operations including lock acquisition.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}, []string{"operation"}),
		lockContention: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic_queue",
			Subsystem: "lock",
			Name:      "contention_total",
			Help:      "Queue lock acquisitions that found the lock held.",
		}, []string{"operation"}),
		closuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic_queue",
			Subsystem: "closure",
			Name:      "events_total",
			Help:      "Day closures and reopenings.",
		}, []string{"kind"}),
		promotionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic_queue",
			Subsystem: "waitlist",
			Name:      "promotions_total",
			Help:      "Waitlist entries promoted into appointments.",
		}),
		notifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic_queue",
			Subsystem: "notify",
			Name:      "trigger_failures_total",
			Help:      "Notification triggers that could not be enqueued.",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.operationsTotal,
		m.operationDuration,
		m.lockContention,
		m.closuresTotal,
		m.promotionsTotal,
		m.notifyFailures,
	)
	return m
}

func (m *QueueMetrics) ObserveOperation(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(operation, outcome).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *QueueMetrics) ObserveLockContention(operation string) {
	if m == nil {
		return
	}
	m.lockContention.WithLabelValues(operation).Inc()
}

func (m *QueueMetrics) ObserveClosure(kind string) {
	if m == nil {
		return
	}
	m.closuresTotal.WithLabelValues(kind).Inc()
}

func (m *QueueMetrics) ObservePromotion() {
	if m == nil {
		return
	}
	m.promotionsTotal.Inc()
}

func (m *QueueMetrics) ObserveNotifyFailure() {
	if m == nil {
		return
	}
	m.notifyFailures.Inc()
}

func Handler() http.Handler {
	return promhttp.Handler()
}
