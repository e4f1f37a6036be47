// Package metrics collects Prometheus metrics for the HTTP surface, the tool
// registry, the bank backends and conversation turns.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "airuntime"

var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Registry owns an isolated Prometheus registry so several instances can
// coexist in one process (tests, the MCP server and the HTTP server).
type Registry struct {
	reg *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpErrors     *prometheus.CounterVec
	httpLatency    *prometheus.HistogramVec
	toolCalls      *prometheus.CounterVec
	toolLatency    *prometheus.HistogramVec
	backendCalls   *prometheus.CounterVec
	backendLatency *prometheus.HistogramVec
	turns          *prometheus.CounterVec
	turnLatency    prometheus.Histogram
	sinkFailures   *prometheus.CounterVec
	sessions       prometheus.Gauge
}

// New creates a registry with all collectors registered. Go runtime and
// process collectors are included.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   latencyBuckets,
		}, []string{"handler", "method"}),
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool, status and error code.",
		}, []string{"tool", "status", "code"}),
		toolLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool invocation duration in seconds.",
			Buckets:   latencyBuckets,
		}, []string{"tool"}),
		backendCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Requests sent to bank backends by service, operation and status.",
		}, []string{"service", "op", "code"}),
		backendLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_seconds",
			Help:      "Bank backend request duration in seconds.",
			Buckets:   latencyBuckets,
		}, []string{"service", "op"}),
		turns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversation turns by outcome.",
		}, []string{"outcome"}),
		turnLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Conversation turn duration in seconds.",
			Buckets:   latencyBuckets,
		}),
		sinkFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_sink_failures_total",
			Help:      "Failures persisting or publishing a finished turn.",
		}, []string{"sink"}),
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of in-memory conversation sessions.",
		}),
	}
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler exposes the metrics in Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (r *Registry) ObserveHTTPRequest(handler, method string, status int, d time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		r.httpErrors.WithLabelValues(handler, method).Inc()
	}
	r.httpLatency.WithLabelValues(handler, method).Observe(d.Seconds())
}

// ObserveBackend implements backend.Observer. A zero status means the request
// never produced a response.
func (r *Registry) ObserveBackend(service, op string, status int, d time.Duration) {
	if r == nil {
		return
	}
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	r.backendCalls.WithLabelValues(service, op, code).Inc()
	r.backendLatency.WithLabelValues(service, op).Observe(d.Seconds())
}

// ObserveTool implements tool.Observer.
func (r *Registry) ObserveTool(name string, ok bool, code string, d time.Duration) {
	if r == nil {
		return
	}
	status := "success"
	if !ok {
		status = "error"
	}
	r.toolCalls.WithLabelValues(name, status, code).Inc()
	r.toolLatency.WithLabelValues(name).Observe(d.Seconds())
}

// ObserveTurn records the outcome and duration of a finished turn.
func (r *Registry) ObserveTurn(outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.turns.WithLabelValues(outcome).Inc()
	r.turnLatency.Observe(d.Seconds())
}

// ObserveSinkFailure counts a failed turn repository write or event publish.
func (r *Registry) ObserveSinkFailure(sink string) {
	if r == nil {
		return
	}
	r.sinkFailures.WithLabelValues(sink).Inc()
}

// SetActiveSessions reports the current session count.
func (r *Registry) SetActiveSessions(n int) {
	if r == nil {
		return
	}
	r.sessions.Set(float64(n))
}

// Instrument wraps h and records request count, errors and latency under the
// given handler name.
func (r *Registry) Instrument(name string, h http.Handler) http.Handler {
	if r == nil {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		h.ServeHTTP(ww, req)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		r.ObserveHTTPRequest(name, req.Method, status, time.Since(start))
	})
}
