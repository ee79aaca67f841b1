package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Stream lifecycle
	ActiveStreams   atomic.Uint64
	ActiveConsumers atomic.Uint64
	TotalStreams    atomic.Uint64

	// Frame pipeline counters
	FramesReceived atomic.Uint64 // Frames delivered by consumers
	FramesSampled  atomic.Uint64 // Frames surviving the structural skip
	FramesAnalyzed atomic.Uint64 // Frames actually submitted to the service
	FramesShed     atomic.Uint64 // Sampled frames dropped by the in-flight cap

	// Analysis outcomes
	AnalysisErrors atomic.Uint64
	EventsDetected atomic.Uint64

	// Chat surface
	CommandsHandled atomic.Uint64
	SnapshotsSaved  atomic.Uint64

	// Signaling
	SignalingErrors atomic.Uint64

	// Latency tracking
	AnalysisLatencyMs atomic.Uint64 // Last analysis round trip in ms

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	gauges := []struct {
		name string
		help string
		load func() uint64
	}{
		{"processor_active_streams", "Streams currently tracked in the registry", m.ActiveStreams.Load},
		{"processor_active_consumers", "Media consumers currently running", m.ActiveConsumers.Load},
		{"processor_streams_total", "Total streams seen since start", m.TotalStreams.Load},
		{"processor_frames_received_total", "Total frames delivered by consumers", m.FramesReceived.Load},
		{"processor_frames_sampled_total", "Total frames surviving the structural skip", m.FramesSampled.Load},
		{"processor_frames_analyzed_total", "Total frames submitted to the analysis service", m.FramesAnalyzed.Load},
		{"processor_frames_shed_total", "Sampled frames shed by the in-flight analysis cap", m.FramesShed.Load},
		{"processor_analysis_errors_total", "Total failed analysis calls", m.AnalysisErrors.Load},
		{"processor_events_detected_total", "Total events returned by the analysis service", m.EventsDetected.Load},
		{"processor_commands_handled_total", "Total chat commands executed", m.CommandsHandled.Load},
		{"processor_snapshots_saved_total", "Total snapshot files written", m.SnapshotsSaved.Load},
		{"processor_signaling_errors_total", "Total signaling RPC failures", m.SignalingErrors.Load},
		{"processor_analysis_latency_ms", "Most recent analysis round trip in milliseconds", m.AnalysisLatencyMs.Load},
	}

	for _, g := range gauges {
		load := g.load
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: g.name,
				Help: g.help,
			},
			func() float64 { return float64(load()) },
		))
	}
}

// ObserveAnalysisLatency records the duration of one analysis call
func (m *Metrics) ObserveAnalysisLatency(d time.Duration) {
	m.AnalysisLatencyMs.Store(uint64(d.Milliseconds()))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
