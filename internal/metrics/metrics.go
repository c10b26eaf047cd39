package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	RequestsTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "requests_total",
		Help: "Client requests by endpoint and status code.",
	}, []string{"endpoint", "status"})

	RequestDuration = promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "request_duration_seconds",
		Help:    "Client request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	GeminiAPICalls = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "gemini_api_calls_total",
		Help: "Upstream API calls by operation and outcome.",
	}, []string{"operation", "outcome"})

	GeminiAPIDuration = promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gemini_api_duration_seconds",
		Help:    "Upstream API call latency.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"operation"})

	TokensTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "tokens_total",
		Help: "Tokens processed by direction (input/output/cached).",
	}, []string{"direction", "model"})

	CacheOperations = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "cache_operations_total",
		Help: "Context cache operations by kind and outcome.",
	}, []string{"operation", "outcome"})

	OAuthRefreshes = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "oauth_token_refreshes_total",
		Help: "OAuth token refresh attempts by outcome.",
	}, []string{"outcome"})

	OAuthTokenExpiry = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Name: "oauth_token_expiry_seconds",
		Help: "Seconds until the current access token expires.",
	})

	SSEEvents = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "sse_events_total",
		Help: "Anthropic SSE events emitted by event name.",
	}, []string{"event"})

	SSEConnections = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Name: "sse_connections_total",
		Help: "Currently open streaming responses.",
	})

	ModelHealth = promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
		Name: "model_health_status",
		Help: "Model health: 0 healthy, 1 transient-retry, 2 terminal.",
	}, []string{"model"})
)

// Handler serves the registry in Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
