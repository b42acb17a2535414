package bridge

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/lukasbauer/scribe/internal/audio"
	"github.com/lukasbauer/scribe/internal/capture"
)

// Strategy adapts the hub into a capture strategy. Frames come from
// whatever bridge client publishes for the source; opening succeeds even
// before a client connects.
type Strategy struct {
	hub    *Hub
	source audio.Source
}

func NewStrategy(hub *Hub, source audio.Source) *Strategy {
	return &Strategy{hub: hub, source: source}
}

func (s *Strategy) Name() string { return "bridge" }

func (s *Strategy) Open(ctx context.Context) (capture.Stream, error) {
	sub, cancel := s.hub.Subscribe(s.source)

	st := &stream{
		frames: make(chan []byte, 32),
		cancel: cancel,
	}
	st.enabled.Store(true)

	go func() {
		defer close(st.frames)
		for {
			select {
			case pcm, ok := <-sub:
				if !ok {
					return
				}
				if !st.enabled.Load() {
					continue
				}
				select {
				case st.frames <- pcm:
				default:
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return st, nil
}

type stream struct {
	frames    chan []byte
	enabled   atomic.Bool
	cancel    func()
	closeOnce sync.Once
}

func (s *stream) Frames() <-chan []byte { return s.frames }

func (s *stream) SetEnabled(enabled bool) { s.enabled.Store(enabled) }

func (s *stream) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}
