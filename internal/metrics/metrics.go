// Package metrics provides Prometheus instrumentation for the settlement service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PipelineRunsTotal counts settlement pipeline runs by kind and result.
	PipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "pipeline_runs_total",
			Help:      "Total settlement pipeline runs by kind and result.",
		},
		[]string{"pipeline", "result"},
	)

	// PipelineDuration observes pipeline run latency by kind.
	PipelineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrowd",
			Name:      "pipeline_duration_seconds",
			Help:      "Settlement pipeline run duration in seconds.",
			Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"pipeline"},
	)

	// TransactionsSubmittedTotal counts submitted transactions by pipeline.
	TransactionsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "transactions_submitted_total",
			Help:      "Total transactions submitted to the chain by pipeline.",
		},
		[]string{"pipeline"},
	)

	// ScannerTransactionsTotal counts scanned transactions by classification.
	ScannerTransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "scanner_transactions_total",
			Help:      "Total contract transactions processed by the scanner, by classification.",
		},
		[]string{"classification"},
	)

	// ScannerPassDuration observes full scanner passes per payment source.
	ScannerPassDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "escrowd",
			Name:      "scanner_pass_duration_seconds",
			Help:      "Duration of one scanner pass over a payment source.",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	// WalletsLocked tracks wallets currently holding a lock or pending transaction.
	WalletsLocked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "escrowd",
			Name:      "wallets_locked",
			Help:      "Number of hot wallets currently locked by a pipeline.",
		},
	)

	// WalletLocksSweptTotal counts wallet locks forcibly released by the timeout sweep.
	WalletLocksSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "wallet_locks_swept_total",
			Help:      "Total wallet locks released by the expiry sweep.",
		},
	)

	// ProviderRequestsTotal counts blockchain provider calls by operation and outcome.
	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "provider_requests_total",
			Help:      "Total blockchain provider requests by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	// ManualActionsTotal counts requests routed to manual review by error kind.
	ManualActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "manual_actions_total",
			Help:      "Total requests parked for manual action, by error kind.",
		},
		[]string{"error_kind"},
	)
)

// Register registers all collectors on the given registry.
func Register(reg *prometheus.Registry) {
	reg.MustRegister(
		PipelineRunsTotal,
		PipelineDuration,
		TransactionsSubmittedTotal,
		ScannerTransactionsTotal,
		ScannerPassDuration,
		WalletsLocked,
		WalletLocksSweptTotal,
		ProviderRequestsTotal,
		ManualActionsTotal,
	)
}

// Handler returns an http.Handler serving the registry, for the ops listener.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ObservePipeline records one pipeline run.
func ObservePipeline(pipeline string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	PipelineRunsTotal.WithLabelValues(pipeline, result).Inc()
	PipelineDuration.WithLabelValues(pipeline).Observe(time.Since(start).Seconds())
}
