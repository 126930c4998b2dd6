// Package metrics provides Prometheus metrics for the relay listener.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for relayed request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Channel label values.
const (
	ChannelControl    = "control"
	ChannelRendezvous = "rendezvous"
)

// Metrics holds all Prometheus metric collectors for the listener.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	ResponsesTotal  *prometheus.CounterVec
	FlushesTotal    *prometheus.CounterVec
	RendezvousTotal *prometheus.CounterVec
	HandlerFailures *prometheus.CounterVec

	ControlConnects *prometheus.CounterVec
	ControlUp       prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamThrottled prometheus.Counter

	AdminRequestsTotal *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_listener_requests_total",
			Help: "Relayed requests by method and final status code.",
		}, []string{"method", "status_code"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_listener_request_duration_seconds",
			Help:    "Time from request command receipt to response completion.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_listener_requests_in_flight",
			Help: "Relayed requests currently being processed.",
		}),

		ResponsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_listener_responses_total",
			Help: "Response commands sent, by channel.",
		}, []string{"channel"}),

		FlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_listener_response_flushes_total",
			Help: "Forced response flushes by reason.",
		}, []string{"reason"}),

		RendezvousTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_listener_rendezvous_total",
			Help: "Rendezvous connection attempts by result.",
		}, []string{"result"}),

		HandlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_listener_handler_failures_total",
			Help: "Requests not served by the handler, by kind (error, panic, missing).",
		}, []string{"kind"}),

		ControlConnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_listener_control_connects_total",
			Help: "Control channel connection attempts by result.",
		}, []string{"result"}),

		ControlUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_listener_control_up",
			Help: "1 while the control channel is connected.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_listener_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_listener_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_listener_upstream_throttled_total",
			Help: "Relayed requests answered with 429 before reaching the upstream.",
		}),

		AdminRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_listener_admin_requests_total",
			Help: "Admin HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status_code"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.ResponsesTotal,
		m.FlushesTotal,
		m.RendezvousTotal,
		m.HandlerFailures,
		m.ControlConnects,
		m.ControlUp,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamThrottled,
		m.AdminRequestsTotal,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}
