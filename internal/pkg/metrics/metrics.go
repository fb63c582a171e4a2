package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AnalysesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lensgate_analyses_total",
		Help: "The total number of analyses processed",
	}, []string{"type", "outcome"}) // outcome: immediate|queued|cached|failed

	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lensgate_latency_bucket",
		Help:    "Request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	ServiceLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lensgate_service_latency_seconds",
		Help:    "Downstream analysis service call latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"service"})

	ServiceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lensgate_service_failures_total",
		Help: "Downstream call failures by reason",
	}, []string{"service", "reason"}) // reason: error|timeout|circuit_open

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lensgate_breaker_state",
		Help: "Circuit breaker state per service (0=closed,1=half-open,2=open)",
	}, []string{"service"})

	RateLimitRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lensgate_rate_limit_rejects_total",
		Help: "Requests rejected by the tier rate limiter",
	}, []string{"tier"})

	JobQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lensgate_job_queue_depth",
		Help: "Jobs currently waiting for a worker",
	})

	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lensgate_jobs_total",
		Help: "Background jobs by terminal status",
	}, []string{"status"})
)
