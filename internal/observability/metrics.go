package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	QueuedChats        prometheus.Gauge
	TotalCapacity      prometheus.Gauge
	AdmissionDecisions *prometheus.CounterVec
	Assignments        prometheus.Counter
	Completions        prometheus.Counter
	Evictions          prometheus.Counter
	Polls              prometheus.Counter
	OverflowActive     prometheus.Gauge
	ReconcileRuns      prometheus.Counter
	ReconcileDuration  prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		QueuedChats: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queued_chats",
			Help:      "Number of chat sessions currently waiting in the queue.",
		}),
		TotalCapacity: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "total_capacity",
			Help:      "Total concurrent-chat capacity across active teams.",
		}),
		AdmissionDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Admission decisions by outcome.",
		}, []string{"outcome"}),
		Assignments: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignments_total",
			Help:      "Chats handed to an agent.",
		}),
		Completions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Chats completed by an agent.",
		}),
		Evictions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Sessions marked inactive after missed polls.",
		}),
		Polls: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Heartbeat polls recorded.",
		}),
		OverflowActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "overflow_active",
			Help:      "Whether the overflow team is currently activated (0 or 1).",
		}),
		ReconcileRuns: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Reconciliation loop cycles executed.",
		}),
		ReconcileDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_ms",
			Help:      "Duration of one reconciliation cycle in milliseconds.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}),
	}
}

func (m *Metrics) ObserveReconcile(d time.Duration) {
	m.ReconcileRuns.Inc()
	m.ReconcileDuration.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
