// Package metrics registers the Prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentid_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentid_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentid_rate_limited_total",
			Help: "Requests rejected by a rate limit rule",
		},
		[]string{"rule"},
	)

	// Ledger and aggregate metrics
	ActionsLogged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentid_actions_logged_total",
			Help: "Actions appended to the ledger",
		},
		[]string{"status"}, // success, failure, pending
	)

	IdempotentReplays = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentid_idempotent_replays_total",
			Help: "Log requests answered from an existing ledger entry",
		},
	)

	AggregateRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentid_aggregate_retries_total",
			Help: "Optimistic aggregate writes retried after a version conflict",
		},
	)

	AggregateFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentid_aggregate_failures_total",
			Help: "Aggregate updates that failed after the ledger append committed",
		},
	)

	Recomputes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentid_recomputes_total",
			Help: "Full ledger recomputations",
		},
		[]string{"drift"}, // "true" when the stored aggregate disagreed with the ledger
	)

	// Verification metrics
	Verifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentid_verifications_total",
			Help: "Verification bundles served",
		},
		[]string{"verified"},
	)

	VerifyCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentid_verify_cache_total",
			Help: "Verification cache lookups",
		},
		[]string{"result"}, // hit, miss, error
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentid_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)
)
