package httpapi

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lukasbauer/scribe/internal/store"
)

type sessionResponse struct {
	Session    *store.SessionRecord   `json:"session"`
	Transcript []store.TranscriptLine `json:"transcript"`
}

// handleGetSession returns a persisted session record with its transcript.
func (r *Router) handleGetSession(w http.ResponseWriter, req *http.Request) {
	if r.sessions == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "persistence disabled"})
		return
	}

	id, err := uuid.Parse(req.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid session id"})
		return
	}

	rec, err := r.sessions.GetSession(req.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
			return
		}
		captureError(req, err, "session lookup failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "session lookup failed"})
		return
	}

	lines, err := r.sessions.ListTranscript(req.Context(), id)
	if err != nil {
		captureError(req, err, "transcript lookup failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "transcript lookup failed"})
		return
	}
	if lines == nil {
		lines = []store.TranscriptLine{}
	}

	writeJSON(w, http.StatusOK, sessionResponse{Session: rec, Transcript: lines})
}
