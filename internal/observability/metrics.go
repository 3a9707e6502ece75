// Package observability collects Prometheus metrics for the control plane.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the registry and application metrics.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	edgeRejected       *prometheus.CounterVec
	auditEnqueueFailed prometheus.Counter
	auditWriteFailed   prometheus.Counter
	auditWritten       prometheus.Counter
	anomaliesDetected  *prometheus.CounterVec
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nimbus_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nimbus_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	edgeRejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nimbus_edge_rejected_total",
		Help: "Requests rejected at the edge by reason.",
	}, []string{"reason"})
	auditEnqueueFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nimbus_audit_enqueue_failed_total",
		Help: "Audit records that could not be handed to the pipeline.",
	})
	auditWriteFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nimbus_audit_write_failed_total",
		Help: "Audit records dropped after exhausting write retries.",
	})
	auditWritten := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nimbus_audit_written_total",
		Help: "Audit records durably written.",
	})
	anomalies := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nimbus_audit_anomalies_total",
		Help: "Suspicious-activity records by type.",
	}, []string{"type"})
	registry.MustRegister(requests, duration, edgeRejected, auditEnqueueFailed, auditWriteFailed, auditWritten, anomalies)
	return &Metrics{
		registry:           registry,
		handler:            promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:      requests,
		requestDuration:    duration,
		edgeRejected:       edgeRejected,
		auditEnqueueFailed: auditEnqueueFailed,
		auditWriteFailed:   auditWriteFailed,
		auditWritten:       auditWritten,
		anomaliesDetected:  anomalies,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// IncEdgeRejected counts a rejection at the edge middleware.
func (m *Metrics) IncEdgeRejected(reason string) {
	if m == nil {
		return
	}
	m.edgeRejected.WithLabelValues(reason).Inc()
}

// IncAuditEnqueueFailed counts a record that never reached the pipeline.
func (m *Metrics) IncAuditEnqueueFailed() {
	if m == nil {
		return
	}
	m.auditEnqueueFailed.Inc()
}

// IncAuditWriteFailed counts a record dropped after retry exhaustion.
func (m *Metrics) IncAuditWriteFailed() {
	if m == nil {
		return
	}
	m.auditWriteFailed.Inc()
}

// IncAuditWritten counts a durably written record.
func (m *Metrics) IncAuditWritten() {
	if m == nil {
		return
	}
	m.auditWritten.Inc()
}

// AddAnomalies counts detected suspicious-activity records.
func (m *Metrics) AddAnomalies(anomalyType string, n int) {
	if m == nil {
		return
	}
	m.anomaliesDetected.WithLabelValues(anomalyType).Add(float64(n))
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
