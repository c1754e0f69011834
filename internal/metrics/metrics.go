package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Alert lifecycle metrics
	AlertsFiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storagewatch_alerts_fired_total",
			Help: "Total number of alert notifications with stage detected, by kind",
		},
		[]string{"kind"},
	)

	AlertsResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storagewatch_alerts_resolved_total",
			Help: "Total number of alerts resolved, by kind",
		},
		[]string{"kind"},
	)

	NotificationFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storagewatch_notification_failures_total",
			Help: "Total number of notifications that could not be rendered or delivered",
		},
		[]string{"reason"},
	)

	// Job metrics
	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storagewatch_job_runs_total",
			Help: "Total number of scheduled job runs by outcome",
		},
		[]string{"job", "outcome"}, // success, error, skipped, panic
	)

	JobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storagewatch_job_duration_seconds",
			Help:    "Duration of scheduled job runs",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"job"},
	)

	ProvidersSynced = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "storagewatch_providers_synced",
			Help: "Number of providers returned by the last registry sync",
		},
	)

	WalletSyncFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "storagewatch_wallet_sync_failures_total",
			Help: "Total number of per-provider wallet sync failures",
		},
	)

	// Upstream API metrics
	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storagewatch_upstream_requests_total",
			Help: "Total number of external API attempts by service and outcome",
		},
		[]string{"service", "outcome"},
	)
)

// Handler exposes the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
