package stt

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lukasbauer/scribe/internal/audio"
)

// fakeBackend is a scripted realtime transcription server for tests.
type fakeBackend struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    int
	binary   [][]byte
	commits  int
	active   *websocket.Conn
	writeMu  sync.Mutex
	onCommit func(b *fakeBackend)

	// sendReady controls whether a new connection is greeted immediately.
	sendReady bool
	// dropFirst closes the first connection right after the handshake.
	dropFirst bool
}

func newFakeBackend(t *testing.T) *fakeBackend {
	b := &fakeBackend{sendReady: true}
	b.srv = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) wsURL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *fakeBackend) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	b.mu.Lock()
	b.conns++
	connNum := b.conns
	b.active = conn
	dropNow := b.dropFirst && connNum == 1
	b.mu.Unlock()

	if b.sendReady {
		b.send(serverMessage{Type: "ready"})
	}
	if dropNow {
		conn.Close()
		return
	}

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			b.mu.Lock()
			b.binary = append(b.binary, msg)
			b.mu.Unlock()
		case websocket.TextMessage:
			if strings.Contains(string(msg), `"commit"`) {
				b.mu.Lock()
				b.commits++
				hook := b.onCommit
				b.mu.Unlock()
				if hook != nil {
					hook(b)
				}
			}
		}
	}
}

func (b *fakeBackend) send(msg serverMessage) {
	b.mu.Lock()
	conn := b.active
	b.mu.Unlock()
	if conn == nil {
		return
	}
	b.writeMu.Lock()
	_ = conn.WriteJSON(msg)
	b.writeMu.Unlock()
}

func (b *fakeBackend) binaryCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.binary)
}

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func testConfig(url string) Config {
	return Config{
		URL:               url,
		CommitGrace:       10 * time.Millisecond,
		CommitTimeout:     time.Second,
		ReconnectAttempts: 3,
		ReconnectDelay:    10 * time.Millisecond,
	}
}

func waitForManagerState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("manager state = %v, want %v", m.State(), want)
}

func TestManagerReadyHandshake(t *testing.T) {
	b := newFakeBackend(t)
	m := NewManager(audio.SourceMic, testConfig(b.wsURL()), testLogger())
	defer m.Dispose()

	waitForManagerState(t, m, StateRunning)
}

func TestManagerStaysLoadingWithoutReady(t *testing.T) {
	b := newFakeBackend(t)
	b.sendReady = false
	m := NewManager(audio.SourceMic, testConfig(b.wsURL()), testLogger())
	defer m.Dispose()

	time.Sleep(100 * time.Millisecond)
	if got := m.State(); got != StateLoading {
		t.Errorf("state = %v, want loading before readiness signal", got)
	}
}

func TestManagerDropsFramesBeforeReady(t *testing.T) {
	b := newFakeBackend(t)
	b.sendReady = false
	m := NewManager(audio.SourceMic, testConfig(b.wsURL()), testLogger())
	defer m.Dispose()

	time.Sleep(50 * time.Millisecond)
	m.OnAudioFrame(audio.NewFrame(audio.SourceMic, []byte{1, 2}))
	time.Sleep(50 * time.Millisecond)

	if got := b.binaryCount(); got != 0 {
		t.Errorf("backend received %d frames before readiness, want 0", got)
	}
}

func TestManagerExampleScenario(t *testing.T) {
	// Three frames, speech_started(u1), completed(u1, "hello world", final):
	// the utterance buffer ends empty and exactly one entry is emitted.
	b := newFakeBackend(t)
	m := NewManager(audio.SourceMic, testConfig(b.wsURL()), testLogger())
	defer m.Dispose()
	waitForManagerState(t, m, StateRunning)

	for i := 0; i < 3; i++ {
		m.OnAudioFrame(audio.NewFrame(audio.SourceMic, []byte{byte(i), 0}))
	}

	deadline := time.Now().Add(time.Second)
	for b.binaryCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("backend received %d frames, want 3", b.binaryCount())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Frames arrive in production order.
	b.mu.Lock()
	for i, frame := range b.binary {
		if frame[0] != byte(i) {
			t.Errorf("frame %d out of order: first byte %d", i, frame[0])
		}
	}
	b.mu.Unlock()

	b.send(serverMessage{Type: "speech_started", UtteranceID: "u1"})
	b.send(serverMessage{Type: "completed", UtteranceID: "u1", Text: "hello world", IsFinal: true})

	select {
	case e := <-m.Entries():
		if e.Source != audio.SourceMic {
			t.Errorf("entry source = %q, want mic", e.Source)
		}
		if e.Text != "hello world" {
			t.Errorf("entry text = %q, want %q", e.Text, "hello world")
		}
	case <-time.After(time.Second):
		t.Fatal("no entry emitted")
	}

	if got := m.PendingUtterances(); got != 0 {
		t.Errorf("pending utterances = %d, want 0", got)
	}
}

func TestManagerPartialDoesNotEmit(t *testing.T) {
	b := newFakeBackend(t)
	m := NewManager(audio.SourceMic, testConfig(b.wsURL()), testLogger())
	defer m.Dispose()
	waitForManagerState(t, m, StateRunning)

	b.send(serverMessage{Type: "speech_started", UtteranceID: "u1"})
	b.send(serverMessage{Type: "completed", UtteranceID: "u1", Text: "hel", IsFinal: false})

	deadline := time.Now().Add(time.Second)
	for m.Partial() != "hel" {
		if time.Now().After(deadline) {
			t.Fatalf("partial = %q, want %q", m.Partial(), "hel")
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case e := <-m.Entries():
		t.Fatalf("unexpected entry for partial result: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}

	// The utterance is still pending until the final completion.
	if got := m.PendingUtterances(); got != 1 {
		t.Errorf("pending utterances = %d, want 1", got)
	}
}

func TestManagerEmptyFinalTextEmitsNothing(t *testing.T) {
	b := newFakeBackend(t)
	m := NewManager(audio.SourceMic, testConfig(b.wsURL()), testLogger())
	defer m.Dispose()
	waitForManagerState(t, m, StateRunning)

	b.send(serverMessage{Type: "speech_started", UtteranceID: "u1"})
	b.send(serverMessage{Type: "completed", UtteranceID: "u1", Text: "", IsFinal: true})

	select {
	case e := <-m.Entries():
		t.Fatalf("unexpected entry for empty final: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
	if got := m.PendingUtterances(); got != 0 {
		t.Errorf("pending utterances = %d, want 0", got)
	}
}

func TestManagerCommitCompleteness(t *testing.T) {
	b := newFakeBackend(t)
	b.onCommit = func(b *fakeBackend) {
		b.send(serverMessage{Type: "committed", UtteranceID: "u1"})
		b.send(serverMessage{Type: "completed", UtteranceID: "u1", Text: "done", IsFinal: true})
	}

	m := NewManager(audio.SourceMic, testConfig(b.wsURL()), testLogger())
	defer m.Dispose()
	waitForManagerState(t, m, StateRunning)

	b.send(serverMessage{Type: "speech_started", UtteranceID: "u1"})
	deadline := time.Now().Add(time.Second)
	for m.PendingUtterances() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("speech_started never landed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := m.CommitTranscription(context.Background()); err != nil {
		t.Fatalf("CommitTranscription() error: %v", err)
	}

	if got := m.PendingUtterances(); got != 0 {
		t.Errorf("pending utterances after commit = %d, want 0", got)
	}

	select {
	case e := <-m.Entries():
		if e.Text != "done" {
			t.Errorf("entry text = %q, want %q", e.Text, "done")
		}
	case <-time.After(time.Second):
		t.Fatal("no entry after commit")
	}
}

func TestManagerCommitTimeout(t *testing.T) {
	b := newFakeBackend(t)
	cfg := testConfig(b.wsURL())
	cfg.CommitTimeout = 50 * time.Millisecond

	m := NewManager(audio.SourceMic, cfg, testLogger())
	defer m.Dispose()
	waitForManagerState(t, m, StateRunning)

	b.send(serverMessage{Type: "speech_started", UtteranceID: "u1"})
	deadline := time.Now().Add(time.Second)
	for m.PendingUtterances() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("speech_started never landed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	start := time.Now()
	err := m.CommitTranscription(context.Background())
	if !errors.Is(err, ErrCommitTimeout) {
		t.Fatalf("CommitTranscription() = %v, want ErrCommitTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("commit wait took %v, should be bounded", elapsed)
	}
}

func TestManagerCommitNoopWhenNotRunning(t *testing.T) {
	b := newFakeBackend(t)
	b.sendReady = false
	m := NewManager(audio.SourceMic, testConfig(b.wsURL()), testLogger())
	defer m.Dispose()

	time.Sleep(50 * time.Millisecond)
	if err := m.CommitTranscription(context.Background()); err != nil {
		t.Errorf("CommitTranscription() while loading = %v, want nil", err)
	}
}

func TestManagerEmptyCommitErrorSwallowed(t *testing.T) {
	b := newFakeBackend(t)
	m := NewManager(audio.SourceMic, testConfig(b.wsURL()), testLogger())
	defer m.Dispose()
	waitForManagerState(t, m, StateRunning)

	b.send(serverMessage{Type: "error", Code: "commit_empty", Message: "buffer too small"})
	time.Sleep(50 * time.Millisecond)

	if got := m.State(); got != StateRunning {
		t.Errorf("state after commit_empty error = %v, want running", got)
	}
}

func TestManagerDisposeIdempotent(t *testing.T) {
	b := newFakeBackend(t)
	m := NewManager(audio.SourceMic, testConfig(b.wsURL()), testLogger())
	waitForManagerState(t, m, StateRunning)

	if err := m.Dispose(); err != nil {
		t.Fatalf("Dispose() error: %v", err)
	}
	if err := m.Dispose(); err != nil {
		t.Fatalf("second Dispose() error: %v", err)
	}

	if got := m.State(); got != StateNotRunning {
		t.Errorf("state after Dispose = %v, want not_running", got)
	}

	// Entries channel is closed exactly once.
	if _, ok := <-m.Entries(); ok {
		t.Error("entries channel should be closed after Dispose")
	}
}

func TestManagerDisposeCancelsCommitWait(t *testing.T) {
	b := newFakeBackend(t)
	cfg := testConfig(b.wsURL())
	cfg.CommitTimeout = 10 * time.Second

	m := NewManager(audio.SourceMic, cfg, testLogger())
	waitForManagerState(t, m, StateRunning)

	b.send(serverMessage{Type: "speech_started", UtteranceID: "u1"})
	deadline := time.Now().Add(time.Second)
	for m.PendingUtterances() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("speech_started never landed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	commitDone := make(chan error, 1)
	go func() { commitDone <- m.CommitTranscription(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	_ = m.Dispose()

	select {
	case err := <-commitDone:
		if err != nil {
			t.Errorf("commit after dispose = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("dispose did not cancel the pending commit wait")
	}
}

func TestManagerReconnects(t *testing.T) {
	b := newFakeBackend(t)
	b.dropFirst = true

	m := NewManager(audio.SourceMic, testConfig(b.wsURL()), testLogger())
	defer m.Dispose()

	// The first connection is dropped after the handshake; the manager must
	// redial and reach Running on the second connection.
	waitForManagerState(t, m, StateRunning)

	deadline := time.Now().Add(time.Second)
	for m.Reconnects() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("reconnects = %d, want >= 1", m.Reconnects())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestManagerDialFailureIsNetworkError(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1/ws")
	cfg.ReconnectAttempts = 1
	cfg.ReconnectDelay = time.Millisecond

	m := NewManager(audio.SourceMic, cfg, testLogger())
	defer m.Dispose()

	waitForManagerState(t, m, StateError)
	if got := m.Reason(); got != ReasonNetwork {
		t.Errorf("reason = %q, want network", got)
	}
}
