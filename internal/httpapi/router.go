package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/google/uuid"

	"github.com/lukasbauer/scribe/internal/audio"
	"github.com/lukasbauer/scribe/internal/bridge"
	"github.com/lukasbauer/scribe/internal/metrics"
	"github.com/lukasbauer/scribe/internal/store"
	"github.com/lukasbauer/scribe/internal/transcript"
)

// Pipeline is the capture pipeline surface the API exposes.
type Pipeline interface {
	CommitAndSnapshot(ctx context.Context) (*transcript.FullContext, error)
	PauseAudio()
	ResumeAudio()
	StopAudio()
	RestartAudio()
	SourceStates() map[audio.Source]string
}

// SessionReader looks up persisted sessions for the debug surface. Nil
// when the server runs without a database.
type SessionReader interface {
	GetSession(ctx context.Context, id uuid.UUID) (*store.SessionRecord, error)
	ListTranscript(ctx context.Context, id uuid.UUID) ([]store.TranscriptLine, error)
}

type RouterConfig struct {
	// JWTSecret authenticates bridge clients. Empty disables auth.
	JWTSecret string

	// CommitTimeout bounds the /api/context commit wait.
	CommitTimeout time.Duration
}

type Router struct {
	cfg      RouterConfig
	logger   *log.Logger
	pipeline Pipeline
	hub      *bridge.Hub
	conns    *bridge.ConnRegistry
	metrics  *metrics.Metrics
	sessions SessionReader
	mux      *http.ServeMux
}

func NewRouter(cfg RouterConfig, logger *log.Logger, p Pipeline, hub *bridge.Hub, conns *bridge.ConnRegistry, m *metrics.Metrics, sessions SessionReader) http.Handler {
	if cfg.CommitTimeout == 0 {
		cfg.CommitTimeout = 10 * time.Second
	}
	r := &Router{
		cfg:      cfg,
		logger:   logger,
		pipeline: p,
		hub:      hub,
		conns:    conns,
		metrics:  m,
		sessions: sessions,
		mux:      http.NewServeMux(),
	}

	r.routes()
	return withSentryRecovery(withCORS(r.mux))
}

func (r *Router) routes() {
	// Health checks
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.HandleFunc("GET /readyz", r.handleReadyz)

	// Audio bridge ingress (token verified in the handler)
	r.mux.HandleFunc("GET /bridge", r.handleBridgeWS)

	// Pipeline API
	r.mux.HandleFunc("GET /api/context", r.handleGetContext)
	r.mux.HandleFunc("GET /api/status", r.handleGetStatus)
	r.mux.HandleFunc("POST /api/audio/pause", r.handlePauseAudio)
	r.mux.HandleFunc("POST /api/audio/resume", r.handleResumeAudio)
	r.mux.HandleFunc("POST /api/audio/stop", r.handleStopAudio)
	r.mux.HandleFunc("POST /api/audio/restart", r.handleRestartAudio)

	// Persisted session lookup (absent without a database)
	r.mux.HandleFunc("GET /api/sessions/{id}", r.handleGetSession)

	// Prometheus scrape endpoint
	r.mux.Handle("GET /metrics", promhttp.Handler())
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Router) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if r.conns != nil && r.conns.IsDraining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("draining"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
