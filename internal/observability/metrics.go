package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TokensIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "campus_rides", Name: "tokens_issued_total", Help: "Queue tokens issued per counter"},
		[]string{"counter"},
	)
	ServingToken = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "campus_rides", Name: "serving_token", Help: "Highest confirmed or completed token today, 0 when none"})

	TxConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "campus_rides", Name: "tx_conflicts_total", Help: "Transaction commits rejected by a concurrent write"})
	TxExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "campus_rides", Name: "tx_exhausted_total", Help: "Transactions abandoned after exhausting retries"})

	RidesCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "campus_rides", Name: "rides_created_total", Help: "Rides written to the ledger"},
		[]string{"source"},
	)
	RidesAcceptedTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "campus_rides", Name: "rides_accepted_total", Help: "Rides claimed by a driver"})
	CreditsDebitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "campus_rides", Name: "credits_debited_total", Help: "Credits debited from rider accounts"},
		[]string{"reason"},
	)

	AgentRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "campus_rides", Name: "agent_runs_total", Help: "Auto-booking agent runs by outcome"},
		[]string{"outcome"},
	)
	AgentRunLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "campus_rides", Name: "agent_run_seconds", Help: "Auto-booking agent run latency"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "campus_rides", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "campus_rides",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
