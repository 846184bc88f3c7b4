package metrics

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Frame pipeline counters
	FramesRead      atomic.Uint64
	FramesProcessed atomic.Uint64
	FramesDropped   atomic.Uint64
	DetectionsTotal atomic.Uint64
	AlertsRaised    atomic.Uint64

	// Error counters
	ReadErrors     atomic.Uint64
	ProcessErrors  atomic.Uint64
	PublishErrors  atomic.Uint64
	StoreErrors    atomic.Uint64
	WebRTCErrors   atomic.Uint64
	RecorderErrors atomic.Uint64

	// Latency tracking
	FrameLatencyMs   atomic.Uint64 // Last capture-to-publish latency in ms
	ProcessLatencyMs atomic.Uint64 // Last detection latency in ms

	// Live clients
	WebRTCClients atomic.Uint64
	TotalClients  atomic.Uint64
	MQTTConnected atomic.Uint64 // 0 = disconnected, 1 = connected

	// Recording state
	RecordingActive atomic.Uint64 // 0 = inactive, 1 = active
	RecordingBytes  atomic.Uint64
	RecordingFrames atomic.Uint64

	// Gauges read from other components on scrape
	subscribers  func() int
	activeAlerts func() int
	state        func() int

	processHist  prometheus.Histogram
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

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

// Bind attaches scrape-time readers for values owned elsewhere. Any of
// them may be nil.
func (m *Metrics) Bind(subscribers, activeAlerts, state func() int) {
	m.subscribers = subscribers
	m.activeAlerts = activeAlerts
	m.state = state
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

func (m *Metrics) gauge(name, help string, f func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		f,
	))
}

func (m *Metrics) bound(f *func() int) func() float64 {
	return func() float64 {
		if *f == nil {
			return 0
		}
		return float64((*f)())
	}
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	// Pipeline metrics
	m.counter("maskguard_frames_read_total", "Total frames read from the source", &m.FramesRead)
	m.counter("maskguard_frames_processed_total", "Total frames run through detection", &m.FramesProcessed)
	m.counter("maskguard_frames_dropped_total", "Total frames skipped after a processing failure", &m.FramesDropped)
	m.counter("maskguard_detections_total", "Total detections emitted", &m.DetectionsTotal)
	m.counter("maskguard_alerts_raised_total", "Total alerts raised", &m.AlertsRaised)

	// Error metrics
	m.counter("maskguard_read_errors_total", "Total frame read errors", &m.ReadErrors)
	m.counter("maskguard_process_errors_total", "Total frame processing errors", &m.ProcessErrors)
	m.counter("maskguard_publish_errors_total", "Total event publish errors", &m.PublishErrors)
	m.counter("maskguard_store_errors_total", "Total detection log errors", &m.StoreErrors)
	m.counter("maskguard_webrtc_errors_total", "Total WebRTC errors", &m.WebRTCErrors)
	m.counter("maskguard_recorder_errors_total", "Total recorder errors", &m.RecorderErrors)

	// Latency metrics
	m.gauge("maskguard_frame_latency_ms", "Last capture-to-publish latency in milliseconds",
		func() float64 { return float64(m.FrameLatencyMs.Load()) })
	m.gauge("maskguard_process_latency_ms", "Last detection latency in milliseconds",
		func() float64 { return float64(m.ProcessLatencyMs.Load()) })

	// Client metrics
	m.gauge("maskguard_event_subscribers", "Live event subscribers", m.bound(&m.subscribers))
	m.gauge("maskguard_webrtc_clients", "Connected WebRTC data channel clients",
		func() float64 { return float64(m.WebRTCClients.Load()) })
	m.counter("maskguard_webrtc_clients_total", "Total WebRTC clients connected", &m.TotalClients)
	m.gauge("maskguard_mqtt_connected", "MQTT bridge connected (0=no, 1=yes)",
		func() float64 { return float64(m.MQTTConnected.Load()) })

	// Alert and control state
	m.gauge("maskguard_active_alerts", "Alerts still inside their cooldown window", m.bound(&m.activeAlerts))
	m.gauge("maskguard_pipeline_state", "Pipeline state (0=stopped 1=starting 2=running 3=stopping 4=error)", m.bound(&m.state))

	// Recording metrics
	m.gauge("maskguard_recording_active", "Recording active (0=inactive, 1=active)",
		func() float64 { return float64(m.RecordingActive.Load()) })
	m.counter("maskguard_recording_bytes_total", "Total bytes written by the evidence recorder", &m.RecordingBytes)
	m.counter("maskguard_recording_frames_total", "Total snapshots written by the evidence recorder", &m.RecordingFrames)

	factory := promauto.With(m.registry)
	m.processHist = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "maskguard_detect_duration_seconds",
		Help:    "Per-frame detection duration",
		Buckets: prometheus.DefBuckets,
	})
	m.httpRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "maskguard_http_requests_total",
		Help: "HTTP requests by method, endpoint and status",
	}, []string{"method", "endpoint", "status"})
	m.httpDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "maskguard_http_request_duration_seconds",
		Help:    "HTTP request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"})
}

// UpdateFrameLatency records capture-to-publish latency
func (m *Metrics) UpdateFrameLatency(captureTime time.Time) {
	latency := time.Since(captureTime).Milliseconds()
	m.FrameLatencyMs.Store(uint64(max(latency, 0)))
}

// UpdateProcessLatency records one detection run
func (m *Metrics) UpdateProcessLatency(duration time.Duration) {
	m.ProcessLatencyMs.Store(uint64(duration.Milliseconds()))
	m.processHist.Observe(duration.Seconds())
}

// ObserveHTTP records one completed request
func (m *Metrics) ObserveHTTP(method, endpoint string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, endpoint).Observe(d.Seconds())
}

// Registry exposes the private registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
