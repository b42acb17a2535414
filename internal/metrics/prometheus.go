package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the capture pipeline
type Metrics struct {
	// Capture metrics
	FramesCaptured  *prometheus.CounterVec
	CaptureErrors   *prometheus.CounterVec
	CaptureRestarts prometheus.Counter

	// Transcription metrics
	EntriesEmitted      *prometheus.CounterVec
	PendingUtterances   *prometheus.GaugeVec
	Reconnects          *prometheus.CounterVec
	CommitDuration      prometheus.Histogram
	CommitTimeouts      prometheus.Counter
	ParagraphBoundaries *prometheus.CounterVec

	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsStarted  prometheus.Counter
	SessionsExpired  prometheus.Counter
	SessionDuration  prometheus.Histogram
	TranscriptLength prometheus.Histogram

	// Bridge metrics
	BridgeConnections prometheus.Gauge
	BridgeFrames      *prometheus.CounterVec
	BridgeAuthErrors  prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		FramesCaptured: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_frames_captured_total",
			Help: "Total number of PCM frames produced per source",
		}, []string{"source"}),
		CaptureErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_capture_errors_total",
			Help: "Total number of capture failures per source and reason",
		}, []string{"source", "reason"}),
		CaptureRestarts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scribe_capture_restarts_total",
			Help: "Total number of capture restarts requested",
		}),

		EntriesEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_transcript_entries_total",
			Help: "Total number of finalized transcript entries per source",
		}, []string{"source"}),
		PendingUtterances: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scribe_pending_utterances",
			Help: "Current number of buffered utterances per source",
		}, []string{"source"}),
		Reconnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_stt_reconnects_total",
			Help: "Total number of transcription backend reconnects per source",
		}, []string{"source"}),
		CommitDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_commit_duration_seconds",
			Help:    "Time spent waiting for pending utterances during a commit",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 8), // 50ms to ~6s
		}),
		CommitTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scribe_commit_timeouts_total",
			Help: "Total number of commits that hit the bounded wait",
		}),
		ParagraphBoundaries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_paragraph_boundaries_total",
			Help: "Total number of paragraph boundaries inserted per source",
		}, []string{"source"}),

		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "scribe_active_sessions",
			Help: "Current number of live audio sessions",
		}),
		SessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scribe_sessions_started_total",
			Help: "Total number of audio sessions started",
		}),
		SessionsExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scribe_sessions_expired_total",
			Help: "Total number of sessions force-stopped at the duration cap",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_session_duration_seconds",
			Help:    "Duration of completed audio sessions",
			Buckets: prometheus.ExponentialBuckets(30, 2, 11), // 30s to ~8.5 hours
		}),
		TranscriptLength: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_transcript_entries_per_session",
			Help:    "Number of transcript entries at session end",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1 to ~2048
		}),

		BridgeConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "scribe_bridge_connections",
			Help: "Current number of connected audio bridge clients",
		}),
		BridgeFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_bridge_frames_total",
			Help: "Total number of audio chunks received over the bridge per source",
		}, []string{"source"}),
		BridgeAuthErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scribe_bridge_auth_errors_total",
			Help: "Total number of rejected bridge connection attempts",
		}),
	}
}
