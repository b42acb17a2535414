package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/lukasbauer/scribe/internal/stt"
	"github.com/lukasbauer/scribe/internal/transcript"
)

type contextResponse struct {
	Entries    []entryJSON     `json:"entries"`
	Paragraphs []paragraphJSON `json:"paragraphs"`
	Partial    bool            `json:"partial,omitempty"`
}

type entryJSON struct {
	Source              string    `json:"source"`
	Text                string    `json:"text,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	IsParagraphBoundary bool      `json:"is_paragraph_boundary,omitempty"`
}

type paragraphJSON struct {
	Source  string    `json:"source"`
	Text    string    `json:"text"`
	StartAt time.Time `json:"start_at"`
}

// handleGetContext commits pending utterances on both sources and returns
// the resulting snapshot. A commit timeout degrades to a partial snapshot
// rather than an error status.
func (r *Router) handleGetContext(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), r.cfg.CommitTimeout)
	defer cancel()

	snap, err := r.pipeline.CommitAndSnapshot(ctx)
	partial := false
	if err != nil {
		if !errors.Is(err, stt.ErrCommitTimeout) {
			captureError(req, err, "commit and snapshot failed")
		}
		r.logger.Printf("context snapshot degraded: %v", err)
		partial = true
		if r.metrics != nil {
			r.metrics.CommitTimeouts.Inc()
		}
	}

	writeJSON(w, http.StatusOK, toContextResponse(snap, partial))
}

func toContextResponse(snap *transcript.FullContext, partial bool) contextResponse {
	resp := contextResponse{
		Entries:    []entryJSON{},
		Paragraphs: []paragraphJSON{},
		Partial:    partial,
	}
	if snap == nil {
		return resp
	}
	for _, e := range snap.Entries {
		resp.Entries = append(resp.Entries, entryJSON{
			Source:              string(e.Source),
			Text:                e.Text,
			CreatedAt:           e.CreatedAt,
			IsParagraphBoundary: e.IsParagraphBoundary,
		})
	}
	for _, p := range snap.Paragraphs() {
		resp.Paragraphs = append(resp.Paragraphs, paragraphJSON{
			Source:  string(p.Source),
			Text:    p.Text,
			StartAt: p.StartAt,
		})
	}
	return resp
}

func (r *Router) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	states := r.pipeline.SourceStates()
	out := make(map[string]string, len(states))
	for src, st := range states {
		out[string(src)] = st
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": out})
}

func (r *Router) handlePauseAudio(w http.ResponseWriter, _ *http.Request) {
	r.pipeline.PauseAudio()
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (r *Router) handleResumeAudio(w http.ResponseWriter, _ *http.Request) {
	r.pipeline.ResumeAudio()
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (r *Router) handleStopAudio(w http.ResponseWriter, _ *http.Request) {
	r.pipeline.StopAudio()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (r *Router) handleRestartAudio(w http.ResponseWriter, _ *http.Request) {
	r.pipeline.RestartAudio()
	if r.metrics != nil {
		r.metrics.CaptureRestarts.Inc()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarting"})
}
