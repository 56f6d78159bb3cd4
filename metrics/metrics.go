// Package metrics provides Prometheus collectors for the capture pipeline,
// the STT protocol client and the session state machine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scribe"

// Metrics holds every collector. All Record methods are safe on a nil
// receiver so components can run without metrics.
type Metrics struct {
	// Capture
	CaptureFrames        prometheus.Counter
	CaptureSamples       prometheus.Counter
	CaptureChunks        prometheus.Counter
	CaptureChunksDropped prometheus.Counter
	CaptureQueueDepth    prometheus.Gauge

	// STT protocol
	STTConnects     *prometheus.CounterVec
	STTMessagesSent *prometheus.CounterVec
	STTEventsRecv   *prometheus.CounterVec
	STTAudioBytes   prometheus.Counter
	STTWriteLatency prometheus.Histogram
	STTReadyLatency prometheus.Histogram
	STTFinalLatency prometheus.Histogram

	// Sessions
	SessionsStarted prometheus.Counter
	SessionsEnded   *prometheus.CounterVec
	SessionActive   prometheus.Gauge
	SessionDuration prometheus.Histogram

	// Transcript publishing
	EventsPublished *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics registers all collectors with reg. A nil reg uses a fresh
// private registry, which keeps tests independent of each other.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		CaptureFrames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_frames_total",
			Help:      "Device frames delivered to the resampler",
		}),
		CaptureSamples: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_samples_total",
			Help:      "PCM16 samples produced at the target rate",
		}),
		CaptureChunks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_chunks_total",
			Help:      "Chunks handed to the consumer",
		}),
		CaptureChunksDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_chunks_dropped_total",
			Help:      "Chunks dropped because the consumer fell behind",
		}),
		CaptureQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capture_queue_depth",
			Help:      "Chunks waiting for the consumer",
		}),

		STTConnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_connects_total",
			Help:      "Connection attempts to the STT service",
		}, []string{"result"}),
		STTMessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_messages_sent_total",
			Help:      "Control and audio messages sent",
		}, []string{"op"}),
		STTEventsRecv: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_events_received_total",
			Help:      "Events received from the STT service",
		}, []string{"type"}),
		STTAudioBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_audio_bytes_sent_total",
			Help:      "Raw PCM bytes sent before base64 encoding",
		}),
		STTWriteLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stt_write_seconds",
			Help:      "Websocket write latency",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		STTReadyLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stt_ready_seconds",
			Help:      "Time from connect to the service's ready message",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		STTFinalLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stt_final_seconds",
			Help:      "Time from stop to the final transcript",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),

		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Recording sessions started",
		}),
		SessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Recording sessions ended, by outcome",
		}, []string{"outcome"}),
		SessionActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_active",
			Help:      "1 while a session is not idle",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration from start to final or error",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),

		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Transcript events published to Kafka",
		}, []string{"result"}),

		gatherer: reg,
	}
}

// Handler serves the registry this Metrics was created with.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordFrame() {
	if m == nil {
		return
	}
	m.CaptureFrames.Inc()
}

func (m *Metrics) RecordChunk(samples int) {
	if m == nil {
		return
	}
	m.CaptureChunks.Inc()
	m.CaptureSamples.Add(float64(samples))
}

func (m *Metrics) RecordChunkDropped() {
	if m == nil {
		return
	}
	m.CaptureChunksDropped.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.CaptureQueueDepth.Set(float64(n))
}

func (m *Metrics) RecordConnect(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.STTConnects.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordSent(op string, seconds float64) {
	if m == nil {
		return
	}
	m.STTMessagesSent.WithLabelValues(op).Inc()
	m.STTWriteLatency.Observe(seconds)
}

func (m *Metrics) RecordAudioBytes(n int) {
	if m == nil {
		return
	}
	m.STTAudioBytes.Add(float64(n))
}

func (m *Metrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.STTEventsRecv.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordReady(seconds float64) {
	if m == nil {
		return
	}
	m.STTReadyLatency.Observe(seconds)
}

func (m *Metrics) RecordFinalLatency(seconds float64) {
	if m == nil {
		return
	}
	m.STTFinalLatency.Observe(seconds)
}

func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.SessionActive.Set(1)
}

// RecordSessionEnd takes an outcome of final, error or cancelled.
func (m *Metrics) RecordSessionEnd(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.SessionsEnded.WithLabelValues(outcome).Inc()
	m.SessionActive.Set(0)
	if seconds > 0 {
		m.SessionDuration.Observe(seconds)
	}
}

func (m *Metrics) RecordPublish(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.EventsPublished.WithLabelValues(result).Inc()
}
