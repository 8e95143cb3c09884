// Package metrics exposes prometheus instrumentation for the gateway.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the gateway's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	UpstreamRequests *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec

	ToolExecutions *prometheus.CounterVec
	ToolDuration   *prometheus.HistogramVec

	TokensPrompt     *prometheus.CounterVec
	TokensCompletion *prometheus.CounterVec

	ActiveStreams prometheus.Gauge
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "HTTP requests by path and status code.",
		}, []string{"path", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"path"}),
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_upstream_requests_total",
			Help: "Upstream provider calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_upstream_duration_seconds",
			Help:    "Upstream provider call duration in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"provider"}),
		ToolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tool_executions_total",
			Help: "Tool executions by tool name and status.",
		}, []string{"tool", "status"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_tool_duration_seconds",
			Help:    "Tool execution duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		TokensPrompt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tokens_prompt_total",
			Help: "Prompt tokens reported by upstreams.",
		}, []string{"provider"}),
		TokensCompletion: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tokens_completion_total",
			Help: "Completion tokens reported by upstreams.",
		}, []string{"provider"}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_streams",
			Help: "Currently open SSE streams.",
		}),
	}

	registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.UpstreamRequests,
		m.UpstreamDuration,
		m.ToolExecutions,
		m.ToolDuration,
		m.TokensPrompt,
		m.TokensCompletion,
		m.ActiveStreams,
	)
	return m
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency per path.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		m.RequestsTotal.WithLabelValues(r.URL.Path, strconv.Itoa(sw.status)).Inc()
		m.RequestDuration.WithLabelValues(r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

// ObserveUpstream records one upstream call.
func (m *Metrics) ObserveUpstream(provider, outcome string, elapsed time.Duration) {
	m.UpstreamRequests.WithLabelValues(provider, outcome).Inc()
	m.UpstreamDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// ObserveTool records one tool execution.
func (m *Metrics) ObserveTool(tool, status string, durationMs int64) {
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(float64(durationMs) / 1000)
}

// ObserveUsage records token usage reported by an upstream.
func (m *Metrics) ObserveUsage(provider string, promptTokens, completionTokens int) {
	if promptTokens > 0 {
		m.TokensPrompt.WithLabelValues(provider).Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.TokensCompletion.WithLabelValues(provider).Add(float64(completionTokens))
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
