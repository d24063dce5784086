package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	PendingApprovals  prometheus.Gauge
	Recommendations   *prometheus.CounterVec
	AutoApproved      prometheus.Counter
	Resolutions       *prometheus.CounterVec
	StaleCallbacks    prometheus.Counter
	DeliveryFailures  *prometheus.CounterVec
	TasksDistributed  *prometheus.CounterVec
	TaskReassignments prometheus.Counter
	IdleSessions      prometheus.Gauge
	WSMessages        *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		PendingApprovals: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_approvals",
			Help:      "Number of recommendations awaiting a decision.",
		}),
		Recommendations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recommendations_total",
			Help:      "Ingested recommendations by source.",
		}, []string{"source"}),
		AutoApproved: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_approved_total",
			Help:      "Recommendations resolved by the auto-approve policy.",
		}),
		Resolutions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Approval resolutions by outcome and deciding channel.",
		}, []string{"outcome", "channel"}),
		StaleCallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_callbacks_total",
			Help:      "Callbacks arriving after their token was already resolved.",
		}),
		DeliveryFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Chat-ops channel failures by operation.",
		}, []string{"op"}),
		TasksDistributed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_distributed_total",
			Help:      "Tasks assigned to worker sessions by strategy.",
		}, []string{"strategy"}),
		TaskReassignments: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_reassignments_total",
			Help:      "Orphaned tasks resubmitted after a session failure.",
		}),
		IdleSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "idle_sessions",
			Help:      "Worker sessions currently idle.",
		}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket event-stream messages by kind and disposition.",
		}, []string{"kind", "disposition"}),
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
