package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessionctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sessionctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	httpErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessionctl",
			Subsystem: "http",
			Name:      "errors_total",
			Help:      "Error responses by protocol error code.",
		},
		[]string{"node", "code"},
	)
	peerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessionctl",
			Subsystem: "peer",
			Name:      "calls_total",
			Help:      "Outbound calls to other orchestrator tiers.",
		},
		[]string{"node", "op", "success"},
	)
	peerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sessionctl",
			Subsystem: "peer",
			Name:      "call_duration_seconds",
			Help:      "Outbound call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "op", "success"},
	)
	registrySize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sessionctl",
			Subsystem: "registry",
			Name:      "entries",
			Help:      "Registry entries by role and kind.",
		},
		[]string{"node", "kind"},
	)
	serviceTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessionctl",
			Subsystem: "supervisor",
			Name:      "transitions_total",
			Help:      "Worker service state transitions.",
		},
		[]string{"node", "state"},
	)
	serviceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessionctl",
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Automatic worker restarts by cause.",
		},
		[]string{"node", "cause"},
	)
	healthMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessionctl",
			Subsystem: "health",
			Name:      "missed_total",
			Help:      "Missed health check pings by target kind.",
		},
		[]string{"node", "target"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			httpErrors,
			peerCalls,
			peerDuration,
			registrySize,
			serviceTransitions,
			serviceRestarts,
			healthMisses,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordRequestError(node, code string) {
	RegisterMetrics()
	httpErrors.WithLabelValues(node, code).Inc()
}

// RecordPeerCall observes one outbound request to another tier.
func RecordPeerCall(node, op string, duration time.Duration, err error) {
	RegisterMetrics()
	successLabel := strconv.FormatBool(err == nil)
	peerCalls.WithLabelValues(node, op, successLabel).Inc()
	peerDuration.WithLabelValues(node, op, successLabel).Observe(duration.Seconds())
}

// SetRegistrySize publishes the current size of one registry collection.
func SetRegistrySize(node, kind string, n int) {
	RegisterMetrics()
	registrySize.WithLabelValues(node, kind).Set(float64(n))
}

func RecordServiceTransition(node, state string) {
	RegisterMetrics()
	serviceTransitions.WithLabelValues(node, state).Inc()
}

func RecordServiceRestart(node, cause string) {
	RegisterMetrics()
	serviceRestarts.WithLabelValues(node, cause).Inc()
}

func RecordHealthMiss(node, target string) {
	RegisterMetrics()
	healthMisses.WithLabelValues(node, target).Inc()
}
