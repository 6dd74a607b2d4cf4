package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	serialLines     prometheus.Counter
	serialConnected prometheus.Gauge
	rejected        *prometheus.CounterVec
	uploads         *prometheus.CounterVec
	uploadDuration  prometheus.Histogram
	frames          *prometheus.CounterVec
	state           prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		serialLines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_serial_lines_total",
			Help: "Complete lines received from the microcontroller.",
		}),
		serialConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_serial_connected",
			Help: "1 while the serial port is open.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_readings_rejected_total",
			Help: "Sensor lines rejected by the parser, by reason.",
		}, []string{"reason"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_uploads_total",
			Help: "Telemetry upload attempts by result.",
		}, []string{"result"}),
		uploadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_upload_duration_seconds",
			Help:    "Duration of telemetry upload requests.",
			Buckets: prometheus.DefBuckets,
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_frames_total",
			Help: "Camera frames by outcome (published, capture_error, encode_error, publish_error).",
		}, []string{"result"}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_state",
			Help: "Lifecycle state (0 initializing, 1 running, 2 shutting down, 3 stopped).",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.serialLines,
		m.serialConnected,
		m.rejected,
		m.uploads,
		m.uploadDuration,
		m.frames,
		m.state,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SerialLine() {
	if m == nil {
		return
	}
	m.serialLines.Inc()
}

func (m *Metrics) SetSerialConnected(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.serialConnected.Set(1)
		return
	}
	m.serialConnected.Set(0)
}

func (m *Metrics) ReadingRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Upload(duration time.Duration, success bool) {
	if m == nil {
		return
	}
	m.uploadDuration.Observe(duration.Seconds())
	result := "success"
	if !success {
		result = "failure"
	}
	m.uploads.WithLabelValues(result).Inc()
}

func (m *Metrics) Frame(result string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(result).Inc()
}

func (m *Metrics) SetState(v int) {
	if m == nil {
		return
	}
	m.state.Set(float64(v))
}
