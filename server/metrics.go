package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors on a dedicated
// registry so tests can run multiple servers in one process.
type Metrics struct {
	registry *prometheus.Registry

	// ConnectedClients is the number of open WebSocket sessions.
	ConnectedClients prometheus.Gauge

	// ActiveDocuments is the number of documents with a live authority.
	ActiveDocuments prometheus.Gauge

	// OperationsTotal counts applied operations by operation type.
	OperationsTotal *prometheus.CounterVec

	// TransformSeconds observes how long rebasing an incoming
	// operation against retained history takes.
	TransformSeconds prometheus.Histogram

	// BroadcastFanout observes how many peers each applied operation
	// is forwarded to.
	BroadcastFanout prometheus.Histogram

	// ErrorsTotal counts rejected or failed requests by error code.
	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates the collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "otsync_connected_clients",
			Help: "Number of connected WebSocket clients.",
		}),
		ActiveDocuments: factory.NewGauge(prometheus.GaugeOpts{
			Name: "otsync_active_documents",
			Help: "Number of documents with a live authority loop.",
		}),
		OperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "otsync_operations_total",
			Help: "Total operations applied, labeled by operation type.",
		}, []string{"type"}),
		TransformSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "otsync_operation_transform_seconds",
			Help:    "Time spent transforming an operation against retained history.",
			Buckets: prometheus.ExponentialBuckets(0.000001, 4, 10),
		}),
		BroadcastFanout: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "otsync_broadcast_fanout",
			Help:    "Number of peers each applied operation was broadcast to.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "otsync_errors_total",
			Help: "Total failed requests, labeled by error code.",
		}, []string{"code"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
