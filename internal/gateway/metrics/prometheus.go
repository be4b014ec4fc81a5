package metrics

import "github.com/prometheus/client_golang/prometheus"

var HTTPRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gateway_http_requests_total",
		Help: "Total number of HTTP requests received",
	},
	[]string{"endpoint", "status", "method"},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "gateway_http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"endpoint", "method"},
)

var RateLimitRejectionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "gateway_rate_limit_rejections_total",
		Help: "Total number of requests rejected by the per-key rate limiter",
	},
)

var StreamedChunksTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "gateway_streamed_chunks_total",
		Help: "Total number of SSE chunks relayed to clients",
	},
)

var UpstreamFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gateway_upstream_failures_total",
		Help: "Total number of failed calls to backend replicas",
	},
	[]string{"reason"},
)

var ProvisioningOutcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gateway_provisioning_outcomes_total",
		Help: "Terminal VM provisioning outcomes by status",
	},
	[]string{"status"},
)

// Register registers all gateway collectors on the default registry.
func Register() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(RateLimitRejectionsTotal)
	prometheus.MustRegister(StreamedChunksTotal)
	prometheus.MustRegister(UpstreamFailuresTotal)
	prometheus.MustRegister(ProvisioningOutcomesTotal)
}
