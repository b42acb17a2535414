package audio

import "time"

// Wire format sent to the transcription backend: 16-bit signed little-endian
// PCM, 16 kHz, mono.
const (
	SampleRate     = 16000
	Channels       = 1
	BytesPerSample = 2
)

// Source identifies which capture pipeline produced a frame.
type Source string

const (
	SourceMic    Source = "mic"
	SourceSystem Source = "system"
)

// Valid reports whether s is one of the two known capture sources.
func (s Source) Valid() bool {
	return s == SourceMic || s == SourceSystem
}

// Frame is an immutable chunk of PCM16 audio tagged with its source and
// emission time. The PCM slice must not be mutated after construction.
type Frame struct {
	Source    Source
	PCM       []byte
	CreatedAt time.Time
}

// NewFrame builds a frame stamped with the current time.
func NewFrame(source Source, pcm []byte) Frame {
	return Frame{Source: source, PCM: pcm, CreatedAt: time.Now().UTC()}
}

// Duration returns the playback duration of the frame at the fixed format.
func (f Frame) Duration() time.Duration {
	samples := len(f.PCM) / BytesPerSample
	return time.Duration(samples) * time.Second / SampleRate
}
