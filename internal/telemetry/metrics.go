package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the Prometheus metric set shared by the agent host and the
// gateway, adapted from the hector example's observability.Metrics down
// to this domain's counters.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive   *prometheus.GaugeVec
	sessionsCreated  prometheus.Counter
	sessionEvents    *prometheus.CounterVec
	rpcCalls         *prometheus.CounterVec
	rpcErrors        *prometheus.CounterVec
	rpcDuration      *prometheus.HistogramVec
	wsConnections    *prometheus.GaugeVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// NewMetrics constructs a registered metric set for namespace ("agenthost"
// or "gateway").
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.sessionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "session", Name: "active",
		Help: "Number of currently active sessions.",
	}, []string{"backend_id"})

	m.sessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "session", Name: "created_total",
		Help: "Total number of sessions created.",
	})

	m.sessionEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "session", Name: "events_total",
		Help: "Total number of session events appended.",
	}, []string{"kind"})

	m.rpcCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "rpc", Name: "calls_total",
		Help: "Total number of RPCs handled.",
	}, []string{"method"})

	m.rpcErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "rpc", Name: "errors_total",
		Help: "Total number of RPCs that returned an error.",
	}, []string{"method", "code"})

	m.rpcDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "rpc", Name: "duration_seconds",
		Help:    "RPC handling duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	m.wsConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "ws", Name: "connections",
		Help: "Number of currently open websocket connections.",
	}, []string{"kind"})

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "http", Name: "requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	m.registry.MustRegister(
		m.sessionsActive, m.sessionsCreated, m.sessionEvents,
		m.rpcCalls, m.rpcErrors, m.rpcDuration,
		m.wsConnections, m.httpRequests, m.httpDuration,
	)
	return m
}

// SetSessionsActive sets the active-session gauge for one backend.
func (m *Metrics) SetSessionsActive(backendID string, count int) {
	m.sessionsActive.WithLabelValues(backendID).Set(float64(count))
}

// RecordSessionCreated increments the sessions-created counter.
func (m *Metrics) RecordSessionCreated() {
	m.sessionsCreated.Inc()
}

// RecordSessionEvent increments the per-kind session-event counter.
func (m *Metrics) RecordSessionEvent(kind string) {
	m.sessionEvents.WithLabelValues(kind).Inc()
}

// RecordRPC records one RPC call's outcome and duration.
func (m *Metrics) RecordRPC(method string, seconds float64, errCode string) {
	m.rpcCalls.WithLabelValues(method).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(seconds)
	if errCode != "" {
		m.rpcErrors.WithLabelValues(method, errCode).Inc()
	}
}

// SetWSConnections sets the open-connection gauge for one socket kind
// ("host" or "client").
func (m *Metrics) SetWSConnections(kind string, count int) {
	m.wsConnections.WithLabelValues(kind).Set(float64(count))
}

// IncWSConnections adjusts the open-connection gauge for one socket kind
// by delta (+1 on connect, -1 on disconnect).
func (m *Metrics) IncWSConnections(kind string, delta float64) {
	m.wsConnections.WithLabelValues(kind).Add(delta)
}

// RecordHTTPRequest records one HTTP request's outcome and duration.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, seconds float64) {
	m.httpRequests.WithLabelValues(method, path, statusClass(status)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(seconds)
}

func statusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// Handler serves the Prometheus exposition format for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
