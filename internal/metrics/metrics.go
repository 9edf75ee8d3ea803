package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	OpenConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_open_connections",
			Help: "Number of open WebSocket connections.",
		},
	)

	OnlineIdentities = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_online_identities",
			Help: "Number of identities with at least one open connection.",
		},
	)

	EventsRelayedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_relayed_total",
			Help: "Events delivered to connections, by event type.",
		},
		[]string{"event"},
	)

	RelayErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_errors_total",
			Help: "Scoped errors returned to clients, by code.",
		},
		[]string{"code"},
	)

	ActiveCalls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_calls",
			Help: "Calls currently pending or connected.",
		},
	)

	CompletedCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_calls_completed_total",
			Help: "Calls that reached a terminal state, by status.",
		},
		[]string{"status"},
	)
)

func MustRegister(serviceName string) {
	HTTPRequestsTotal = HTTPRequestsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	HTTPRequestDurationSeconds = HTTPRequestDurationSeconds.MustCurryWith(prometheus.Labels{"service": serviceName}).(*prometheus.HistogramVec)

	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		OpenConnections,
		OnlineIdentities,
		EventsRelayedTotal,
		RelayErrorsTotal,
		ActiveCalls,
		CompletedCallsTotal,
	)
}
