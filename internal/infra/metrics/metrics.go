// File: internal/infra/metrics/metrics.go
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	eventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_events_ingested_total",
			Help: "Inbound provider events by ingestion result (accepted/duplicate/malformed/rejected).",
		},
		[]string{"result"},
	)

	reconciliations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_reconciliations_total",
			Help: "Reconciliation attempts by outcome (processed/mapping_missing/transient/malformed/failed).",
		},
		[]string{"outcome"},
	)

	webhookLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billing_webhook_latency_ms",
			Help:    "Webhook handling latency distribution in milliseconds.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"status"},
	)

	retrySweepEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_retry_sweep_events_total",
			Help: "Events re-driven by the retry scheduler.",
		},
	)

	accountsDemoted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_accounts_demoted_total",
			Help: "Accounts demoted to the free tier by the expiry worker.",
		},
	)
)

// MustRegister registers collectors with the default registry (idempotent).
func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(
			eventsIngested, reconciliations,
			webhookLatencyMs, retrySweepEvents, accountsDemoted,
		)
	})
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// -------- Ingestion helpers --------

func IncEventIngested(result string) {
	eventsIngested.WithLabelValues(norm(result)).Inc()
}

func ObserveWebhookLatency(status string, ms float64) {
	webhookLatencyMs.WithLabelValues(norm(status)).Observe(ms)
}

// -------- Reconciliation helpers --------

func IncReconciliation(outcome string) {
	reconciliations.WithLabelValues(norm(outcome)).Inc()
}

func AddRetrySweepEvents(n int) {
	retrySweepEvents.Add(float64(n))
}

func AddAccountsDemoted(n int) {
	accountsDemoted.Add(float64(n))
}
