package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Upstream request outcomes used as the "outcome" label.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeNotFound = "not_found"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replmon",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "replmon",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	upstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replmon",
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Requests issued to the CouchDB cluster.",
		},
		[]string{"endpoint", "outcome"},
	)
	upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "replmon",
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "CouchDB request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint", "outcome"},
	)
	reconciled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replmon",
			Subsystem: "replications",
			Name:      "reconciled_total",
			Help:      "Replication records produced by the reconciler, by derived status.",
		},
		[]string{"status"},
	)
)

// RegisterMetrics registers every collector with the default registry. It is
// safe to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, upstreamRequests, upstreamDuration, reconciled)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordUpstreamRequest(endpoint, outcome string, duration time.Duration) {
	RegisterMetrics()
	upstreamRequests.WithLabelValues(endpoint, outcome).Inc()
	upstreamDuration.WithLabelValues(endpoint, outcome).Observe(duration.Seconds())
}

func RecordReconciled(status string) {
	RegisterMetrics()
	reconciled.WithLabelValues(status).Inc()
}
