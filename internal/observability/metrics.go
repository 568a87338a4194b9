package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the voice engine.
type Metrics struct {
	ConnectionUp        prometheus.Gauge
	Reconnects          prometheus.Counter
	SessionEvents       *prometheus.CounterVec
	TurnEvents          *prometheus.CounterVec
	VADEvents           *prometheus.CounterVec
	CommitsSent         prometheus.Counter
	SynthesisFallbacks  prometheus.Counter
	ProviderErrors      *prometheus.CounterVec
	FirstAudioLatency   prometheus.Histogram
	PendingAudioDropped prometheus.Counter

	stageWindow *turnStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ConnectionUp: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_up",
			Help:      "1 while the realtime session is active.",
		}),
		Reconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Automatic reconnection attempts.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		TurnEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_events_total",
			Help:      "Turn coordinator events by type.",
		}, []string{"event"}),
		VADEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vad_events_total",
			Help:      "Voice activity detector events by type.",
		}, []string{"event"}),
		CommitsSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_commits_total",
			Help:      "Audio buffer commits sent to the realtime endpoint.",
		}),
		SynthesisFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_fallbacks_total",
			Help:      "Turns voiced by raw model audio after a primary TTS failure.",
		}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Collaborator errors by provider and code.",
		}, []string{"provider", "code"}),
		FirstAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from commit to first assistant audio in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
		PendingAudioDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_audio_rejections_total",
			Help:      "Commit attempts rejected locally for too little audio.",
		}),
		stageWindow: newTurnStageWindow(256),
	}
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
}

// ObserveTurnStage records a turn stage latency in the rolling window.
func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	if m == nil || m.stageWindow == nil {
		return
	}
	m.stageWindow.Observe(stage, float64(d.Milliseconds()))
}

// StageSnapshot returns quantiles for the recent turn stages.
func (m *Metrics) StageSnapshot() TurnStageSnapshot {
	return m.stageWindow.Snapshot()
}

// ResetStages clears the rolling window. Called on disconnect so stale
// sessions don't skew a fresh one.
func (m *Metrics) ResetStages() {
	m.stageWindow.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
