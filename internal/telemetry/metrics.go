package telemetry

import "github.com/prometheus/client_golang/prometheus"

// RequestsTotal counts every data-plane request attempt by decision, the
// same outcome recorded in each RequestLog row.
var RequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "requests",
		Name:      "total",
		Help:      "Total number of data-plane requests by resource and decision.",
	},
	[]string{"resource_id", "decision"},
)

// RequestDuration observes pipeline latency for every request, labeled by
// the resource it targeted.
var RequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gateway",
		Subsystem: "requests",
		Name:      "duration_seconds",
		Help:      "Gateway pipeline latency in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	},
	[]string{"resource_id"},
)

// LimitsDeniedTotal counts requests denied at the rate-limit or budget
// stage, split by which counter tripped.
var LimitsDeniedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "limits",
		Name:      "denied_total",
		Help:      "Total number of requests denied by the counter layer.",
	},
	[]string{"kind"}, // "rate_limit", "model_rate_limit", "budget"
)

// TokensTotal accumulates observational token usage by resource, model, and
// direction, mirroring the counter store's token-usage key.
var TokensTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "tokens",
		Name:      "total",
		Help:      "Total tokens recorded by direction and model.",
	},
	[]string{"resource_id", "model", "direction"}, // direction: "input", "output"
)

// PairingSessionsTotal counts connect-session outcomes.
var PairingSessionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "pairing",
		Name:      "sessions_total",
		Help:      "Total number of connect sessions by terminal status.",
	},
	[]string{"status"}, // approved, rejected, expired
)

// HTTPRequestsTotal counts every HTTP request the server handles, at the
// transport level, labeled by route pattern rather than raw path so high-
// cardinality path parameters don't explode the label set.
var HTTPRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests by route, method and status text.",
	},
	[]string{"route", "method", "status"},
)

// HTTPRequestDuration observes transport-level request latency, labeled by
// route pattern.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gateway",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP server latency in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"route"},
)

// NewMetricsRegistry builds a private Prometheus registry carrying the Go
// runtime collectors plus every gateway-specific collector passed in.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}

// All returns every gateway-specific collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		RequestsTotal,
		RequestDuration,
		LimitsDeniedTotal,
		TokensTotal,
		PairingSessionsTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	}
}
