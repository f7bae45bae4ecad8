// Package metrics holds the Prometheus collectors shared by the API and worker services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LedgerDebits counts debit attempts by result (ok, insufficient, conflict, error).
	LedgerDebits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "restora_ledger_debits_total",
		Help: "Credit debit attempts by result",
	}, []string{"result"})

	// LedgerDebitRetries counts compare-and-swap retries caused by concurrent writers.
	LedgerDebitRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "restora_ledger_debit_retries_total",
		Help: "Debit compare-and-swap retries after a lost race",
	})

	// LedgerCredits counts credited amounts by source.
	LedgerCredits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "restora_ledger_credits_total",
		Help: "Credits added to balances by source",
	}, []string{"source"})

	// JobsSubmitted counts accepted submissions by kind and provider.
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "restora_jobs_submitted_total",
		Help: "Generation jobs accepted by a provider",
	}, []string{"kind", "provider"})

	// JobTransitions counts applied and discarded transitions by trigger and outcome.
	JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "restora_job_transitions_total",
		Help: "Reconciliation transitions by trigger, target status and whether they were applied",
	}, []string{"trigger", "status", "applied"})

	// RelocationDuration observes the time to copy a result into durable storage.
	RelocationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "restora_relocation_duration_seconds",
		Help:    "Time spent relocating provider results to durable storage",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"result"})

	// ProviderRequests counts provider API calls by provider, operation and result.
	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "restora_provider_requests_total",
		Help: "Provider API calls by provider, operation and result",
	}, []string{"provider", "op", "result"})

	// HTTPRequests counts API requests by method, route template and status code.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "restora_http_requests_total",
		Help: "HTTP requests by method, route and status",
	}, []string{"method", "route", "status"})

	// HTTPDuration observes API latency by route template.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "restora_http_request_duration_seconds",
		Help:    "HTTP request latency by method and route",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)
