package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the control plane's Prometheus collectors. They are
// registered and exposed at /metrics; no request path increments them.
// Grounded on jordigilh-kubernaut's pkg/metrics registration style:
// one promauto.New call per collector, held on a struct rather than
// package globals so tests can construct an isolated instance.
type Metrics struct {
	ChatRequestsTotal    *prometheus.CounterVec
	ChatDuration         *prometheus.HistogramVec
	ValidationIssuesTotal *prometheus.CounterVec
	CorrectionAttempts   prometheus.Histogram
	BackendQueryErrors   *prometheus.CounterVec
}

// NewMetrics registers every collector against reg and returns the bundle.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ChatRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comfy_pilot",
			Name:      "chat_requests_total",
			Help:      "Total chat requests handled, by agent and outcome.",
		}, []string{"agent", "outcome"}),
		ChatDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "comfy_pilot",
			Name:      "chat_request_duration_seconds",
			Help:      "Chat request duration from first byte to stream close.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"agent"}),
		ValidationIssuesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comfy_pilot",
			Name:      "validation_issues_total",
			Help:      "Validator findings emitted, by check id and severity.",
		}, []string{"check", "severity"}),
		CorrectionAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "comfy_pilot",
			Name:      "correction_attempts",
			Help:      "Number of correction-loop attempts consumed per chat request.",
			Buckets:   []float64{0, 1, 2, 3, 4, 5},
		}),
		BackendQueryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comfy_pilot",
			Name:      "backend_query_errors_total",
			Help:      "Backend Query() failures, by backend name.",
		}, []string{"backend"}),
	}
}
