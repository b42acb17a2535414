package stt

import (
	"context"
	"time"

	"github.com/lukasbauer/scribe/internal/audio"
)

// State is the stream manager lifecycle. A manager is Loading from
// construction until the backend signals readiness, Running while audio may
// flow, and NotRunning or Error once finished.
type State int

const (
	StateLoading State = iota
	StateRunning
	StateNotRunning
	StateError
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateRunning:
		return "running"
	case StateNotRunning:
		return "not_running"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrorReason classifies a terminal manager failure.
type ErrorReason string

const (
	ReasonNone    ErrorReason = ""
	ReasonNetwork ErrorReason = "network"
)

// Entry is one finalized transcription for a source.
type Entry struct {
	Source    audio.Source
	Text      string
	CreatedAt time.Time
}

// Stream is the full stream-manager contract. Implemented by Manager;
// consumers typically depend on a narrower slice of it.
type Stream interface {
	// OnAudioFrame forwards a PCM frame to the backend. Frames delivered
	// while the stream is not Running are dropped.
	OnAudioFrame(frame audio.Frame)

	// Entries returns the channel of finalized transcript entries, in
	// backend event order. Closed on Dispose.
	Entries() <-chan Entry

	// Partial returns the current non-final transcript text, if any.
	Partial() string

	// State returns the current lifecycle state.
	State() State

	// CommitTranscription forces finalization of all pending utterances,
	// bounded by the configured timeout.
	CommitTranscription(ctx context.Context) error

	// Dispose cancels pending commit waits and closes the connection.
	// Idempotent.
	Dispose() error
}
