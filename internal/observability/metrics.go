package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caseline_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "caseline_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	inboundEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caseline_inbound_events_total",
		Help: "Inbound webhook events by normalized type and outcome",
	}, []string{"type", "outcome"})

	jobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caseline_jobs_enqueued_total",
		Help: "Job enqueue attempts by type and result (inserted, duplicate, error)",
	}, []string{"type", "result"})

	jobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caseline_job_runs_total",
		Help: "Job deliveries by type and result",
	}, []string{"type", "result"})

	jobRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "caseline_job_run_duration_seconds",
		Help:    "Duration of job deliveries",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	punches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caseline_presence_punches_total",
		Help: "Presence punches by type and outcome",
	}, []string{"type", "outcome"})

	rateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caseline_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	}, []string{"scope"})
)

// ObserveHTTPRequest records an HTTP request metric.
func ObserveHTTPRequest(method, route, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	httpRequestDuration.WithLabelValues(method, route, status).Observe(duration.Seconds())
}

func ObserveInbound(eventType, outcome string) {
	inboundEvents.WithLabelValues(eventType, outcome).Inc()
}

func ObserveEnqueue(jobType, result string) {
	jobsEnqueued.WithLabelValues(jobType, result).Inc()
}

func ObserveJobRun(jobType, result string, duration time.Duration) {
	jobRuns.WithLabelValues(jobType, result).Inc()
	jobRunDuration.WithLabelValues(jobType).Observe(duration.Seconds())
}

func ObservePunch(punchType, outcome string) {
	punches.WithLabelValues(punchType, outcome).Inc()
}

func ObserveRateLimited(scope string) {
	rateLimited.WithLabelValues(scope).Inc()
}
