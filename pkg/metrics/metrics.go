// Package metrics exposes Prometheus metrics for call sessions and tracks
// per-turn response latency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn outcomes.
const (
	OutcomeCompleted   = "completed"
	OutcomeInterrupted = "interrupted"
	OutcomeFailed      = "failed"
)

// Audio directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Metrics holds the agent's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsDestroyed prometheus.Counter
	SessionDuration   prometheus.Histogram

	// Turn metrics
	Turns             *prometheus.CounterVec
	BargeIns          prometheus.Counter
	FirstTokenLatency prometheus.Histogram
	FirstAudioLatency prometheus.Histogram

	// Transport metrics
	AudioFrames    *prometheus.CounterVec
	ProtocolErrors prometheus.Counter
	ProviderErrors *prometheus.CounterVec
}

// New creates the collectors on a dedicated registry that also carries the
// Go runtime and process collectors.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "phoneagent"
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(registry)

	return &Metrics{
		registry: registry,

		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Current number of live call sessions",
		}),
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of call sessions created",
		}),
		SessionsDestroyed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_destroyed_total",
			Help:      "Total number of call sessions torn down",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of call sessions in seconds",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 10), // 5s to ~42 minutes
		}),

		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Assistant turns by outcome",
		}, []string{"outcome"}),
		BargeIns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Times the caller interrupted the assistant",
		}),
		FirstTokenLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_token_seconds",
			Help:      "Time from final transcript to first generated token",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		FirstAudioLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_seconds",
			Help:      "Time from final transcript to first synthesized audio",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),

		AudioFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_total",
			Help:      "Media frames by direction",
		}, []string{"direction"}),
		ProtocolErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Malformed media stream messages",
		}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Speech and generation provider failures",
		}, []string{"provider"}),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SessionStarted records a new session.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
	m.SessionsActive.Inc()
}

// SessionEnded records a torn-down session and how long it lived.
func (m *Metrics) SessionEnded(d time.Duration) {
	if m == nil {
		return
	}
	m.SessionsDestroyed.Inc()
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(d.Seconds())
}

// TurnEnded counts a finished turn.
func (m *Metrics) TurnEnded(outcome string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
}

// BargeIn counts an interruption.
func (m *Metrics) BargeIn() {
	if m == nil {
		return
	}
	m.BargeIns.Inc()
}

// AudioFrame counts a media frame.
func (m *Metrics) AudioFrame(direction string) {
	if m == nil {
		return
	}
	m.AudioFrames.WithLabelValues(direction).Inc()
}

// ProtocolError counts a malformed message.
func (m *Metrics) ProtocolError() {
	if m == nil {
		return
	}
	m.ProtocolErrors.Inc()
}

// ProviderError counts a provider failure.
func (m *Metrics) ProviderError(provider string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider).Inc()
}

// ObserveLatency records a finished turn's first-token and first-audio
// latencies. Zero values are skipped.
func (m *Metrics) ObserveLatency(l Latency) {
	if m == nil {
		return
	}
	if l.FirstToken > 0 {
		m.FirstTokenLatency.Observe(l.FirstToken.Seconds())
	}
	if l.FirstAudio > 0 {
		m.FirstAudioLatency.Observe(l.FirstAudio.Seconds())
	}
}
