package app

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lukasbauer/scribe/internal/audio"
	"github.com/lukasbauer/scribe/internal/bridge"
	"github.com/lukasbauer/scribe/internal/capture"
	"github.com/lukasbauer/scribe/internal/eventlog"
	"github.com/lukasbauer/scribe/internal/metrics"
	"github.com/lukasbauer/scribe/internal/session"
	"github.com/lukasbauer/scribe/internal/store"
	"github.com/lukasbauer/scribe/internal/stt"
	"github.com/lukasbauer/scribe/internal/transcript"
)

// eventSink is the slice of the event log the pipeline records to.
type eventSink interface {
	LogAsync(sessionID string, event eventlog.EventType, payload map[string]any)
}

// Pipeline wires capture, transcription, context assembly and session
// lifecycle together. Audio flows capture -> stt -> aggregator; control
// flows the other way.
type Pipeline struct {
	cfg     Config
	logger  *log.Logger
	metrics *metrics.Metrics
	events  eventSink
	store   *store.Store

	mic    *capture.Controller
	system *capture.Controller

	agg      *transcript.Aggregator
	sessions *session.Manager

	mu         sync.Mutex
	streams    map[audio.Source]*stt.Manager
	reconnects map[audio.Source]int
	sttErrored map[audio.Source]bool
}

func NewPipeline(cfg Config, logger *log.Logger, m *metrics.Metrics, hub *bridge.Hub, st *store.Store, events eventSink) *Pipeline {
	p := &Pipeline{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		events:     events,
		store:      st,
		streams:    make(map[audio.Source]*stt.Manager),
		reconnects: make(map[audio.Source]int),
		sttErrored: make(map[audio.Source]bool),
	}

	p.mic = capture.NewController(audio.SourceMic, &capture.DeviceStrategy{DeviceName: cfg.MicDevice}, logger)
	p.system = capture.NewController(audio.SourceSystem, p.systemStrategy(hub), logger)

	p.agg = transcript.NewAggregator(transcript.Config{
		ParagraphIdle:     time.Duration(cfg.ParagraphIdleMs) * time.Millisecond,
		ParagraphMaxChars: cfg.ParagraphMaxChars,
		CaptureRunning:    p.captureRunning,
	}, logger)

	p.sessions = session.NewManager(session.Config{
		KeepaliveInterval: cfg.KeepaliveInterval,
		MaxDuration:       cfg.MaxSessionDuration,
	}, p.sessionHooks(), p.agg.Snapshot, p.agg.ClearTranscriptions, logger)

	for _, c := range []*capture.Controller{p.mic, p.system} {
		c.OnFrame(p.forwardFrame)
		c.OnStateChange(p.onCaptureState)
	}

	p.agg.OnEntry(func(e transcript.Entry) {
		if e.IsParagraphBoundary {
			m.ParagraphBoundaries.WithLabelValues(string(e.Source)).Inc()
			return
		}
		m.EntriesEmitted.WithLabelValues(string(e.Source)).Inc()
	})

	return p
}

// systemStrategy picks how the system source is acquired. The bridge is
// the default: a native helper publishes loopback audio over the
// websocket ingress. A named loopback device or the ffmpeg display grab
// serve platforms where in-process capture works.
func (p *Pipeline) systemStrategy(hub *bridge.Hub) capture.Strategy {
	switch p.cfg.SystemSource {
	case "device":
		return &capture.DeviceStrategy{DeviceName: p.cfg.LoopbackDevice}
	case "display":
		return &capture.DisplayStrategy{FFmpegPath: p.cfg.FFmpegPath}
	default:
		return bridge.NewStrategy(hub, audio.SourceSystem)
	}
}

func (p *Pipeline) captureRunning(source audio.Source) bool {
	return p.controller(source).State().Kind == capture.StateRunning
}

func (p *Pipeline) controller(source audio.Source) *capture.Controller {
	if source == audio.SourceMic {
		return p.mic
	}
	return p.system
}

func (p *Pipeline) forwardFrame(frame audio.Frame) {
	p.metrics.FramesCaptured.WithLabelValues(string(frame.Source)).Inc()

	p.mu.Lock()
	mgr := p.streams[frame.Source]
	p.mu.Unlock()
	if mgr != nil {
		mgr.OnAudioFrame(frame)
	}
}

func (p *Pipeline) onCaptureState(source audio.Source, state capture.State) {
	switch state.Kind {
	case capture.StateRunning:
		p.startTranscription(source)
		p.logEvent(eventlog.EventCaptureStarted, map[string]any{"source": string(source)})
	case capture.StateError:
		p.metrics.CaptureErrors.WithLabelValues(string(source), string(state.Reason)).Inc()
		p.stopTranscription(source)
		p.logEvent(eventlog.EventCaptureError, map[string]any{
			"source": string(source),
			"reason": string(state.Reason),
		})
	case capture.StateNotRunning:
		p.stopTranscription(source)
		p.logEvent(eventlog.EventCaptureStopped, map[string]any{"source": string(source)})
	}

	// Both sources running opens a session; either one leaving Running
	// closes it.
	if p.captureRunning(audio.SourceMic) && p.captureRunning(audio.SourceSystem) {
		p.sessions.Begin()
	} else if state.Kind != capture.StateLoading {
		p.sessions.Dispose()
	}
}

// startTranscription opens the persistent backend stream for a source
// and plugs it into the aggregator.
func (p *Pipeline) startTranscription(source audio.Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.streams[source]; ok {
		return
	}

	mgr := stt.NewManager(source, stt.Config{
		URL:               p.cfg.STTURL,
		TokenSecret:       p.cfg.JWTSecret,
		CommitGrace:       time.Duration(p.cfg.CommitGraceMs) * time.Millisecond,
		CommitTimeout:     time.Duration(p.cfg.CommitTimeoutMs) * time.Millisecond,
		ReconnectAttempts: p.cfg.ReconnectAttempts,
		ReconnectDelay:    time.Duration(p.cfg.ReconnectDelayMs) * time.Millisecond,
	}, p.logger)
	p.streams[source] = mgr
	p.reconnects[source] = 0
	p.sttErrored[source] = false
	p.agg.AttachSource(source, mgr)
}

func (p *Pipeline) stopTranscription(source audio.Source) {
	p.mu.Lock()
	mgr := p.streams[source]
	delete(p.streams, source)
	p.mu.Unlock()

	if mgr != nil {
		p.agg.DetachSource(source)
		_ = mgr.Dispose()
	}
}

func (p *Pipeline) sessionHooks() session.Hooks {
	return session.Hooks{
		Create: func(ctx context.Context, s session.Session) error {
			p.metrics.SessionsStarted.Inc()
			p.metrics.ActiveSessions.Inc()
			if p.events != nil {
				p.events.LogAsync(s.ID.String(), eventlog.EventSessionCreated, nil)
			}
			if p.store == nil {
				return nil
			}
			return p.store.InsertSession(ctx, s.ID, s.CreatedAt)
		},
		OnKeepalive: func(id uuid.UUID, entries int) {
			p.syncStreamMetrics()
			if p.store != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := p.store.TouchSession(ctx, id, time.Now().UTC()); err != nil {
					p.logger.Printf("session %s: keepalive touch failed: %v", id, err)
				}
			}
		},
		OnEnd: func(s session.Session, final *transcript.FullContext) {
			p.metrics.ActiveSessions.Dec()
			p.metrics.SessionDuration.Observe(time.Since(s.CreatedAt).Seconds())
			if final != nil {
				p.metrics.TranscriptLength.Observe(float64(final.Len()))
			}
			if p.events != nil {
				p.events.LogAsync(s.ID.String(), eventlog.EventSessionEnded, map[string]any{
					"entries": contextLen(final),
				})
			}
			if p.store != nil && final != nil {
				go p.persistTranscript(s, final)
			}
		},
		StopAll: func() {
			p.metrics.SessionsExpired.Inc()
			p.logEvent(eventlog.EventSessionExpired, nil)
			p.StopAudio()
		},
	}
}

// logEvent records an event against the active session, if any.
func (p *Pipeline) logEvent(event eventlog.EventType, payload map[string]any) {
	if p.events == nil {
		return
	}
	if s, ok := p.sessions.Current(); ok {
		p.events.LogAsync(s.ID.String(), event, payload)
	}
}

func contextLen(c *transcript.FullContext) int {
	if c == nil {
		return 0
	}
	return c.Len()
}

// persistTranscript hands the finished session's transcript to the store
// as a plain ordered list.
func (p *Pipeline) persistTranscript(s session.Session, final *transcript.FullContext) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var lines []store.TranscriptLine
	for _, e := range final.Entries {
		if e.IsParagraphBoundary {
			continue
		}
		lines = append(lines, store.TranscriptLine{
			CreatedAt: e.CreatedAt,
			Source:    e.Source,
			Text:      e.Text,
		})
	}

	if err := p.store.EndSession(ctx, s.ID, time.Now().UTC(), len(lines)); err != nil {
		p.logger.Printf("session %s: end record failed: %v", s.ID, err)
	}
	if err := p.store.InsertTranscript(ctx, s.ID, lines); err != nil {
		p.logger.Printf("session %s: transcript persist failed: %v", s.ID, err)
	}
}

// StartAudio begins capture on both sources.
func (p *Pipeline) StartAudio() {
	if err := p.mic.Start(); err != nil {
		p.logger.Printf("mic start: %v", err)
	}
	if err := p.system.Start(); err != nil {
		p.logger.Printf("system start: %v", err)
	}
}

// StopAudio stops both sources, tears down the backend streams and ends
// the session.
func (p *Pipeline) StopAudio() {
	p.mic.Stop()
	p.system.Stop()
	p.stopTranscription(audio.SourceMic)
	p.stopTranscription(audio.SourceSystem)
	p.sessions.Dispose()
}

// PauseAudio suppresses frame delivery without tearing anything down.
func (p *Pipeline) PauseAudio() {
	p.mic.Pause()
	p.system.Pause()
}

func (p *Pipeline) ResumeAudio() {
	p.mic.Resume()
	p.system.Resume()
}

func (p *Pipeline) RestartAudio() {
	p.StopAudio()
	p.StartAudio()
}

// CommitAndSnapshot finalizes pending utterances on both sources and
// returns an isolated copy of the context.
func (p *Pipeline) CommitAndSnapshot(ctx context.Context) (*transcript.FullContext, error) {
	start := time.Now()
	snap, err := p.agg.CommitAndSnapshot(ctx)
	p.metrics.CommitDuration.Observe(time.Since(start).Seconds())
	if errors.Is(err, stt.ErrCommitTimeout) {
		p.logEvent(eventlog.EventCommitTimeout, nil)
	}
	p.syncStreamMetrics()
	return snap, err
}

// syncStreamMetrics folds per-stream counters into the Prometheus view
// and surfaces stream trouble in the event log. Events are emitted after
// the lock drops.
func (p *Pipeline) syncStreamMetrics() {
	type note struct {
		event   eventlog.EventType
		payload map[string]any
	}
	var notes []note

	p.mu.Lock()
	for source, mgr := range p.streams {
		p.metrics.PendingUtterances.WithLabelValues(string(source)).Set(float64(mgr.PendingUtterances()))
		if delta := mgr.Reconnects() - p.reconnects[source]; delta > 0 {
			p.metrics.Reconnects.WithLabelValues(string(source)).Add(float64(delta))
			p.reconnects[source] = mgr.Reconnects()
			notes = append(notes, note{eventlog.EventSTTReconnect, map[string]any{
				"source": string(source),
				"count":  delta,
			}})
		}
		if mgr.State() == stt.StateError && !p.sttErrored[source] {
			p.sttErrored[source] = true
			notes = append(notes, note{eventlog.EventSTTError, map[string]any{
				"source": string(source),
				"reason": string(mgr.Reason()),
			}})
		}
	}
	p.mu.Unlock()

	for _, n := range notes {
		p.logEvent(n.event, n.payload)
	}
}

// SourceStates reports each capture source's state for the status API.
func (p *Pipeline) SourceStates() map[audio.Source]string {
	out := make(map[audio.Source]string, 2)
	for _, c := range []*capture.Controller{p.mic, p.system} {
		st := c.State()
		name := st.Kind.String()
		if st.Kind == capture.StateRunning && st.Paused {
			name = "paused"
		}
		out[c.Source()] = name
	}
	return out
}

// Shutdown stops everything and waits for background work.
func (p *Pipeline) Shutdown() {
	p.StopAudio()
	p.agg.Close()
	p.sessions.Wait()
}
