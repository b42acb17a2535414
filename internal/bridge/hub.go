package bridge

import (
	"sync"

	"github.com/lukasbauer/scribe/internal/audio"
)

// Hub fans PCM chunks from bridge clients out to per-source subscribers.
// It is the alternate frame producer for platforms where system audio
// arrives over the out-of-band channel instead of a local device.
type Hub struct {
	mu   sync.Mutex
	subs map[audio.Source]map[int]chan []byte
	next int
}

func NewHub() *Hub {
	return &Hub{subs: make(map[audio.Source]map[int]chan []byte)}
}

// Publish delivers one PCM chunk to every subscriber of the source.
// Slow subscribers drop chunks rather than block the ingress path.
func (h *Hub) Publish(source audio.Source, pcm []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[source] {
		select {
		case ch <- pcm:
		default:
		}
	}
}

// Subscribe returns a chunk channel for the source and a cancel func.
// Cancel closes the channel.
func (h *Hub) Subscribe(source audio.Source) (<-chan []byte, func()) {
	ch := make(chan []byte, 32)

	h.mu.Lock()
	if h.subs[source] == nil {
		h.subs[source] = make(map[int]chan []byte)
	}
	id := h.next
	h.next++
	h.subs[source][id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[source][id]; ok {
			delete(h.subs[source], id)
			close(sub)
		}
	}
	return ch, cancel
}

// Subscribers reports how many subscribers a source currently has.
func (h *Hub) Subscribers(source audio.Source) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[source])
}
