package session

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lukasbauer/scribe/internal/audio"
	"github.com/lukasbauer/scribe/internal/transcript"
)

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func sampleContext() *transcript.FullContext {
	return &transcript.FullContext{Entries: []transcript.Entry{
		{Source: audio.SourceMic, Text: "hello", CreatedAt: time.Now().UTC()},
	}}
}

func waitForSessionState(t *testing.T, m *Manager, want State) Session {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := m.Current(); ok && s.State == want {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	s, ok := m.Current()
	t.Fatalf("session state never reached %v (current: %+v, active: %v)", want, s, ok)
	return Session{}
}

func TestBeginCreatesSessionAndClearsContext(t *testing.T) {
	var cleared atomic.Int32
	var created atomic.Int32

	m := NewManager(Config{}, Hooks{
		Create: func(ctx context.Context, s Session) error {
			created.Add(1)
			if s.ID == uuid.Nil {
				t.Error("session ID should be set before creation")
			}
			return nil
		},
	}, sampleContext, func() { cleared.Add(1) }, testLogger())
	defer m.Dispose()

	m.Begin()
	waitForSessionState(t, m, StateCreated)

	if cleared.Load() != 1 {
		t.Errorf("clear called %d times, want 1", cleared.Load())
	}
	if created.Load() != 1 {
		t.Errorf("create called %d times, want 1", created.Load())
	}

	// A second Begin while active is a no-op.
	m.Begin()
	if created.Load() != 1 {
		t.Error("second Begin should not create another session")
	}
}

func TestCreateFailureMarksError(t *testing.T) {
	m := NewManager(Config{}, Hooks{
		Create: func(ctx context.Context, s Session) error {
			return errors.New("store unavailable")
		},
	}, sampleContext, nil, testLogger())
	defer m.Dispose()

	m.Begin()
	waitForSessionState(t, m, StateError)
}

func TestDisposeHandsFinalTranscriptOnce(t *testing.T) {
	var ends atomic.Int32
	var finalLen atomic.Int32

	m := NewManager(Config{}, Hooks{
		OnEnd: func(s Session, final *transcript.FullContext) {
			ends.Add(1)
			if final != nil {
				finalLen.Store(int32(final.Len()))
			}
		},
	}, sampleContext, nil, testLogger())

	m.Begin()
	waitForSessionState(t, m, StateCreated)

	m.Dispose()
	m.Dispose()
	m.Wait()

	if ends.Load() != 1 {
		t.Errorf("end hook called %d times, want 1", ends.Load())
	}
	if finalLen.Load() != 1 {
		t.Errorf("final transcript had %d entries, want 1", finalLen.Load())
	}
	if m.Active() {
		t.Error("session still active after Dispose")
	}
}

func TestDisposeDuringCreatingCancels(t *testing.T) {
	block := make(chan struct{})
	var created atomic.Int32

	m := NewManager(Config{}, Hooks{
		Create: func(ctx context.Context, s Session) error {
			select {
			case <-block:
				created.Add(1)
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}, sampleContext, nil, testLogger())

	m.Begin()
	time.Sleep(20 * time.Millisecond)
	m.Dispose()
	close(block)
	m.Wait()

	if created.Load() != 0 {
		t.Error("creation should have been cancelled by Dispose")
	}
	if m.Active() {
		t.Error("session still active after Dispose during Creating")
	}
}

func TestKeepaliveReportsTranscriptSize(t *testing.T) {
	got := make(chan int, 8)
	m := NewManager(Config{KeepaliveInterval: 20 * time.Millisecond}, Hooks{
		OnKeepalive: func(id uuid.UUID, entries int) {
			select {
			case got <- entries:
			default:
			}
		},
	}, sampleContext, nil, testLogger())
	defer m.Dispose()

	m.Begin()
	waitForSessionState(t, m, StateCreated)

	select {
	case n := <-got:
		if n != 1 {
			t.Errorf("keepalive reported %d entries, want 1", n)
		}
	case <-time.After(time.Second):
		t.Fatal("no keepalive tick observed")
	}

	s, ok := m.Current()
	if !ok {
		t.Fatal("no active session")
	}
	deadline := time.Now().Add(time.Second)
	for s.LastKeepaliveAt.IsZero() {
		if time.Now().After(deadline) {
			t.Fatal("LastKeepaliveAt never set")
		}
		time.Sleep(5 * time.Millisecond)
		s, _ = m.Current()
	}
}

func TestMaxDurationForceStops(t *testing.T) {
	var stops atomic.Int32
	var ends atomic.Int32
	var mu sync.Mutex

	m := NewManager(Config{
		KeepaliveInterval: 10 * time.Millisecond,
		MaxDuration:       30 * time.Millisecond,
	}, Hooks{
		StopAll: func() { stops.Add(1) },
		OnEnd: func(s Session, final *transcript.FullContext) {
			mu.Lock()
			defer mu.Unlock()
			ends.Add(1)
		},
	}, sampleContext, nil, testLogger())

	m.Begin()
	waitForSessionState(t, m, StateCreated)

	deadline := time.Now().Add(2 * time.Second)
	for m.Active() {
		if time.Now().After(deadline) {
			t.Fatal("expired session was never force-stopped")
		}
		time.Sleep(5 * time.Millisecond)
	}
	m.Wait()

	if stops.Load() != 1 {
		t.Errorf("StopAll called %d times, want 1", stops.Load())
	}
	if ends.Load() != 1 {
		t.Errorf("end hook called %d times, want 1", ends.Load())
	}
}
