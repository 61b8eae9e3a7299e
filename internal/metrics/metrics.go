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
	// Frame pipeline counters
	FramesCaptured atomic.Uint64
	FramesSent     atomic.Uint64
	FramesSkipped  atomic.Uint64 // backpressure or source-not-ready skips

	// Request outcome counters
	RequestsOK      atomic.Uint64
	TimeoutFailures atomic.Uint64
	NetworkFailures atomic.Uint64
	HTTPFailures    atomic.Uint64
	DecodeSkips     atomic.Uint64
	CaptureErrors   atomic.Uint64

	// Loop state
	ConsecutiveFailures atomic.Uint64
	Reconnects          atomic.Uint64 // backoff waits taken
	Halts               atomic.Uint64 // terminal connection-loss events
	StreamRunning       atomic.Uint64 // 0 = stopped, 1 = running

	// Alert side effects
	AlertsSpoken atomic.Uint64
	Vibrations   atomic.Uint64

	// Latency tracking
	RequestLatencyMs atomic.Uint64 // Last request round-trip in ms

	// Prometheus collectors
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
		{"detection_frames_captured_total", "Total frames captured from the source", m.FramesCaptured.Load},
		{"detection_frames_sent_total", "Total frames sent to the inference service", m.FramesSent.Load},
		{"detection_frames_skipped_total", "Total iterations skipped by backpressure or an unready source", m.FramesSkipped.Load},
		{"detection_requests_ok_total", "Total successful detection responses", m.RequestsOK.Load},
		{"detection_failures_timeout_total", "Total detection requests that hit the deadline", m.TimeoutFailures.Load},
		{"detection_failures_network_total", "Total detection requests with transport errors", m.NetworkFailures.Load},
		{"detection_failures_http_total", "Total detection requests answered with non-2xx", m.HTTPFailures.Load},
		{"detection_decode_skips_total", "Total responses skipped for undecodable bodies", m.DecodeSkips.Load},
		{"detection_capture_errors_total", "Total capture failures (iteration skipped)", m.CaptureErrors.Load},
		{"detection_consecutive_failures", "Current consecutive counted failures", m.ConsecutiveFailures.Load},
		{"detection_reconnects_total", "Total backoff waits before a retry", m.Reconnects.Load},
		{"detection_halts_total", "Total terminal connection-loss events", m.Halts.Load},
		{"detection_stream_running", "Stream running (0=stopped, 1=running)", m.StreamRunning.Load},
		{"detection_alerts_spoken_total", "Total spoken alerts", m.AlertsSpoken.Load},
		{"detection_vibrations_total", "Total vibration pulses", m.Vibrations.Load},
		{"detection_request_latency_ms", "Last detection request round-trip in milliseconds", m.RequestLatencyMs.Load},
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

// ObserveRequestLatency records the round-trip time of a request.
func (m *Metrics) ObserveRequestLatency(d time.Duration) {
	m.RequestLatencyMs.Store(uint64(d.Milliseconds()))
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
