package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskmirror",
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	syncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskmirror",
			Name:      "sync_runs_total",
			Help:      "Sync executions by type and terminal status.",
		},
		[]string{"type", "status"},
	)

	recordsUpserted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "taskmirror",
			Name:      "records_upserted_total",
			Help:      "Task rows written to the mirror by sync.",
		},
	)

	webhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskmirror",
			Name:      "webhook_events_total",
			Help:      "Inbound webhook deletion events by outcome.",
		},
		[]string{"outcome"},
	)

	automationRunsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "taskmirror",
			Name:      "automation_runs_created_total",
			Help:      "Automation runs whose external task was created.",
		},
	)

	crmRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskmirror",
			Name:      "crm_requests_total",
			Help:      "Outbound CRM requests by outcome (ok, transient, permanent).",
		},
		[]string{"outcome"},
	)

	lastSyncAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "taskmirror",
			Name:      "last_sync_age_seconds",
			Help:      "Age of the last completed sync execution.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			syncRuns,
			recordsUpserted,
			webhookEvents,
			automationRunsCreated,
			crmRequests,
			lastSyncAge,
		)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// IncSyncRun records a finished sync execution.
func IncSyncRun(syncType, status string) {
	syncRuns.WithLabelValues(syncType, status).Inc()
}

// AddUpserted counts task rows written to the mirror.
func AddUpserted(n int) {
	recordsUpserted.Add(float64(n))
}

// IncWebhookEvent records an inbound deletion event outcome.
func IncWebhookEvent(outcome string) {
	webhookEvents.WithLabelValues(outcome).Inc()
}

// IncAutomationRunCreated counts a successful external task creation.
func IncAutomationRunCreated() {
	automationRunsCreated.Inc()
}

// IncCRMRequest records an outbound CRM request outcome.
func IncCRMRequest(outcome string) {
	crmRequests.WithLabelValues(outcome).Inc()
}

// SetLastSyncAge publishes the last completed sync age in seconds.
func SetLastSyncAge(seconds float64) {
	lastSyncAge.Set(seconds)
}
