// Package observability provides Prometheus instrumentation for streaming chat replies.
//
// Metrics cover stream outcomes, active streams, decoded frames by type, frames that failed to
// decode and the latency to the first frame. All methods are safe on a nil *Metrics so callers can
// run without instrumentation.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace   = "streamchat"
	streamingSubsystem = "stream"
)

// Stream outcomes used as the "outcome" label.
const (
	OutcomeComplete   = "complete"
	OutcomeError      = "error"
	OutcomeTimeout    = "timeout"
	OutcomeCancelled  = "cancelled"
	OutcomeSuperseded = "superseded"
)

// Metrics holds the Prometheus collectors for the stream client.
type Metrics struct {
	// StreamsTotal counts finished streams by outcome.
	StreamsTotal *prometheus.CounterVec
	// ActiveStreams tracks streams whose read loop is running.
	ActiveStreams prometheus.Gauge
	// FramesTotal counts decoded frames by type (reasoning, content, error, terminal).
	FramesTotal *prometheus.CounterVec
	// MalformedFramesTotal counts frames skipped because their payload failed to decode.
	MalformedFramesTotal prometheus.Counter
	// TimeToFirstFrameSeconds measures latency from dispatch to the first decoded frame.
	TimeToFirstFrameSeconds prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. Use prometheus.DefaultRegisterer
// in production and a fresh prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StreamsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "streams_total",
				Help:      "Total number of finished streams by outcome",
			},
			[]string{"outcome"},
		),
		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "active_streams",
				Help:      "Number of streams currently being read",
			},
		),
		FramesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "frames_total",
				Help:      "Total number of decoded frames by type",
			},
			[]string{"type"},
		),
		MalformedFramesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "malformed_frames_total",
				Help:      "Total number of frames skipped because their payload could not be decoded",
			},
		),
		TimeToFirstFrameSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "time_to_first_frame_seconds",
				Help:      "Time from request dispatch to the first decoded frame in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),
	}
}

// StreamStarted increments the active stream gauge.
func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamFinished decrements the active stream gauge and records the outcome.
func (m *Metrics) StreamFinished(outcome string) {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
	m.StreamsTotal.WithLabelValues(outcome).Inc()
}

// FrameDecoded records one decoded frame of the given type.
func (m *Metrics) FrameDecoded(frameType string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(frameType).Inc()
}

// FrameMalformed records one frame that failed to decode.
func (m *Metrics) FrameMalformed() {
	if m == nil {
		return
	}
	m.MalformedFramesTotal.Inc()
}

// FirstFrame records the latency to the first frame of a stream.
func (m *Metrics) FirstFrame(d time.Duration) {
	if m == nil {
		return
	}
	m.TimeToFirstFrameSeconds.Observe(d.Seconds())
}
