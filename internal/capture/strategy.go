package capture

import (
	"context"
	"errors"
)

// ErrPermissionDenied marks acquisition failures caused by the user declining
// device or display access. Strategies wrap their platform error with it so
// the controller can classify the failure.
var ErrPermissionDenied = errors.New("capture: permission denied")

// Stream is a live audio acquisition. Frames carries PCM16 16 kHz mono
// chunks; the channel is closed when the underlying device stops.
type Stream interface {
	// Frames returns the channel of converted PCM chunks.
	Frames() <-chan []byte

	// SetEnabled toggles the underlying tracks without tearing the stream
	// down, so resume avoids device re-acquisition latency.
	SetEnabled(enabled bool)

	// Close stops the device and releases it. The Frames channel is closed.
	Close() error
}

// Strategy acquires a Stream for one source. The platform-dependent choice
// (direct device, native bridge, display capture) is made once at start-up;
// the controller never branches on platform itself.
type Strategy interface {
	Name() string
	Open(ctx context.Context) (Stream, error)
}
