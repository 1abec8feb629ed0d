package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the runtime's Prometheus metric set.
type Metrics struct {
	registry *prometheus.Registry

	// ProviderTurnDuration measures one LLM turn in seconds.
	// Labels: provider, status (ok|error)
	ProviderTurnDuration *prometheus.HistogramVec

	// ToolDispatchCounter counts tool dispatch outcomes.
	// Labels: tool, side (server|client), status (ok|error|timeout|ghost)
	ToolDispatchCounter *prometheus.CounterVec

	// ToolDispatchDuration measures tool dispatch latency in seconds.
	// Labels: tool, side
	ToolDispatchDuration *prometheus.HistogramVec

	// ActiveSessions tracks currently connected sessions.
	ActiveSessions prometheus.Gauge

	// FrameCounter counts processed wire frames.
	// Labels: event, status (ok|invalid)
	FrameCounter *prometheus.CounterVec

	// StorageErrorCounter counts failed persistence attempts. Storage
	// failures are non-fatal; this is how they stay visible.
	StorageErrorCounter prometheus.Counter
}

// NewMetrics creates the metric set on its own registry so multiple servers
// (and tests) can coexist in one process.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		ProviderTurnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toolbridge_provider_turn_duration_seconds",
			Help:    "Duration of one LLM provider turn.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "status"}),
		ToolDispatchCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "toolbridge_tool_dispatch_total",
			Help: "Tool dispatch outcomes by tool, side, and status.",
		}, []string{"tool", "side", "status"}),
		ToolDispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toolbridge_tool_dispatch_duration_seconds",
			Help:    "Tool dispatch latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool", "side"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "toolbridge_active_sessions",
			Help: "Currently connected client sessions.",
		}),
		FrameCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "toolbridge_frames_total",
			Help: "Inbound wire frames by event and validation status.",
		}, []string{"event", "status"}),
		StorageErrorCounter: factory.NewCounter(prometheus.CounterOpts{
			Name: "toolbridge_storage_errors_total",
			Help: "Failed session persistence attempts.",
		}),
	}
}

// Handler exposes the registry for a /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
