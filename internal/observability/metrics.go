// Package observability owns the Prometheus registry served on /metrics.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the application's Prometheus metrics.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	decisions       *prometheus.CounterVec
	commands        *prometheus.CounterVec
	lateCallbacks   *prometheus.CounterVec
	incidents       *prometheus.CounterVec
	notifications   *prometheus.CounterVec
}

// NewMetrics initialises the registry with HTTP and domain collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "watchpost_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "watchpost_http_request_duration_seconds",
		Help:    "HTTP request latency per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "watchpost_authz_decisions_total",
		Help: "Authorization decisions by action, outcome and reason.",
	}, []string{"action", "outcome", "reason"})
	commands := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "watchpost_command_transitions_total",
		Help: "Command state transitions by command type and resulting status.",
	}, []string{"type", "status"})
	late := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "watchpost_command_late_callbacks_total",
		Help: "Agent callbacks that arrived after the command reached a terminal state.",
	}, []string{"kind"})
	incidents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "watchpost_security_events_total",
		Help: "Ingested security events by type and resulting incident severity.",
	}, []string{"type", "severity", "outcome"})
	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "watchpost_notifications_total",
		Help: "Notification delivery attempts by resulting status.",
	}, []string{"status"})
	registry.MustRegister(requests, duration, decisions, commands, late, incidents, notifications)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		decisions:       decisions,
		commands:        commands,
		lateCallbacks:   late,
		incidents:       incidents,
		notifications:   notifications,
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

// Middleware records metrics for every HTTP request.
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

// Registerer exposes the registry for custom collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// ObserveDecision counts one authorization decision.
func (m *Metrics) ObserveDecision(action string, allowed bool, reason string) {
	if m == nil {
		return
	}
	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	m.decisions.WithLabelValues(action, outcome, reason).Inc()
}

// ObserveCommand counts one command transition.
func (m *Metrics) ObserveCommand(commandType, status string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(commandType, status).Inc()
}

// ObserveLateCallback counts a callback for an already terminal command.
func (m *Metrics) ObserveLateCallback(kind string) {
	if m == nil {
		return
	}
	m.lateCallbacks.WithLabelValues(kind).Inc()
}

// ObserveIncident counts one ingested event.
func (m *Metrics) ObserveIncident(incidentType, severity string, created bool) {
	if m == nil {
		return
	}
	outcome := "correlated"
	if created {
		outcome = "created"
	}
	m.incidents.WithLabelValues(incidentType, severity, outcome).Inc()
}

// ObserveNotification counts one delivery outcome.
func (m *Metrics) ObserveNotification(status string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(status).Inc()
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
