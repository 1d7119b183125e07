package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry served on the
	// metrics-only listener, never the global default registry.
	Registry = prometheus.NewRegistry()

	// SubscribersActive tracks the number of open SSE connections.
	SubscribersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mercure_subscribers_active", Help: "Number of currently connected subscribers.",
	})
	// SubscriptionsActive tracks the number of live topic subscriptions,
	// which can exceed SubscribersActive since one connection may carry
	// several topic selectors.
	SubscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mercure_subscriptions_active", Help: "Number of currently active subscriptions.",
	})
	// UpdatesPublished counts successfully published updates.
	UpdatesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mercure_updates_published_total", Help: "Total updates published.",
	})
	// UpdatesDispatched counts updates handed to a subscriber's queue, split
	// by whether the update was private.
	UpdatesDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mercure_updates_dispatched_total", Help: "Total updates dispatched to subscribers."},
		[]string{"private"},
	)
	// SSEWriteErrors counts failed writes to a subscriber's stream.
	SSEWriteErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mercure_sse_write_errors_total", Help: "Total errors writing SSE frames to subscribers.",
	})
	// AuthFailures counts authorization failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mercure_auth_failures_total", Help: "Total authorization failures."},
		[]string{"reason"},
	)
	// TransportReadErrors counts failed reads from a Transport adapter.
	TransportReadErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mercure_transport_read_errors_total", Help: "Total transport read errors."},
		[]string{"transport"},
	)
	// HTTPRequestDuration records request latency by method, path, status.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mercure_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

var regOnce sync.Once

// RegisterDefault registers every collector on Registry, plus the standard
// Go/process collectors, exactly once.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(
			SubscribersActive,
			SubscriptionsActive,
			UpdatesPublished,
			UpdatesDispatched,
			SSEWriteErrors,
			AuthFailures,
			TransportReadErrors,
			HTTPRequestDuration,
		)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}
