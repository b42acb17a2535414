package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lukasbauer/scribe/internal/audio"
	"github.com/lukasbauer/scribe/internal/token"
)

// ErrCommitTimeout reports that a commit's bounded wait elapsed before every
// pending utterance landed. Callers proceed with whatever has arrived.
var ErrCommitTimeout = errors.New("stt: commit wait timed out")

var _ Stream = (*Manager)(nil)

// Config holds settings for one realtime backend connection.
type Config struct {
	// URL is the websocket endpoint of the transcription backend.
	URL string

	// TokenSecret, when set, mints a short-lived session token carried on
	// the dial request.
	TokenSecret string

	// CommitGrace is how long a commit waits for an utterance that is
	// still in the Speaking state before forcing the buffer commit.
	CommitGrace time.Duration

	// CommitTimeout bounds the total wait for pending utterances to
	// finalize after a commit instruction.
	CommitTimeout time.Duration

	// ReconnectAttempts bounds automatic redials after an unexpected
	// connection loss while Running.
	ReconnectAttempts int

	// ReconnectDelay is the base delay between redials; attempt n waits
	// n times this long.
	ReconnectDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.CommitGrace == 0 {
		c.CommitGrace = 500 * time.Millisecond
	}
	if c.CommitTimeout == 0 {
		c.CommitTimeout = 5 * time.Second
	}
	if c.ReconnectAttempts == 0 {
		c.ReconnectAttempts = 5
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = time.Second
	}
	return c
}

type utteranceStatus int

const (
	statusSpeaking utteranceStatus = iota
	statusTranscribing
)

// serverMessage is the backend's inbound wire format.
type serverMessage struct {
	Type        string `json:"type"`
	UtteranceID string `json:"utterance_id,omitempty"`
	Text        string `json:"text,omitempty"`
	IsFinal     bool   `json:"is_final,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
}

// clientMessage is our outbound control format; audio goes as raw binary.
type clientMessage struct {
	Type string `json:"type"`
}

// commitWaiter tracks one commit call's snapshot of pending utterance IDs.
// done is closed when the snapshot has fully drained.
type commitWaiter struct {
	pending map[string]struct{}
	done    chan struct{}
}

// Manager maintains one persistent streaming connection to the realtime
// transcription backend for a single source. It owns the utterance buffer
// and emits finalized entries in backend event order.
type Manager struct {
	source audio.Source
	cfg    Config
	logger *log.Logger

	mu         sync.Mutex
	state      State
	reason     ErrorReason
	conn       *websocket.Conn
	utterances map[string]utteranceStatus
	partial    string
	waiters    []*commitWaiter
	reconnects int

	writeMu sync.Mutex

	entries   chan Entry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewManager dials the backend asynchronously. The manager is Loading until
// the backend's readiness message arrives; audio sent before that is
// dropped, which keeps the remote pipeline from receiving frames it is not
// warmed up for.
func NewManager(source audio.Source, cfg Config, logger *log.Logger) *Manager {
	m := &Manager{
		source:     source,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		state:      StateLoading,
		utterances: make(map[string]utteranceStatus),
		entries:    make(chan Entry, 64),
		done:       make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

// Source returns the source this manager transcribes.
func (m *Manager) Source() audio.Source { return m.source }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Reason returns the error classification after a terminal failure.
func (m *Manager) Reason() ErrorReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

// Entries returns the finalized entry channel. Closed on Dispose.
func (m *Manager) Entries() <-chan Entry { return m.entries }

// Partial returns the current non-final transcript text.
func (m *Manager) Partial() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.partial
}

// PendingUtterances reports how many utterances are currently buffered.
func (m *Manager) PendingUtterances() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.utterances)
}

// Reconnects returns how many redials have happened, for monitoring.
func (m *Manager) Reconnects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnects
}

// OnAudioFrame forwards one PCM frame to the backend. Frames arriving while
// the manager is not Running are dropped; there is no buffering across
// state transitions.
func (m *Manager) OnAudioFrame(frame audio.Frame) {
	m.mu.Lock()
	conn := m.conn
	running := m.state == StateRunning
	m.mu.Unlock()

	if !running || conn == nil {
		return
	}

	m.writeMu.Lock()
	err := conn.WriteMessage(websocket.BinaryMessage, frame.PCM)
	m.writeMu.Unlock()

	if err != nil {
		// The read loop observes the same failure and drives reconnection.
		m.logger.Printf("stt[%s]: frame write failed: %v", m.source, err)
	}
}

// CommitTranscription forces finalization of every utterance pending at
// call time. If any is still in the Speaking state it first waits a short
// grace period, then sends the buffer-commit instruction and waits until
// the snapshot has drained or the bounded timeout elapses.
func (m *Manager) CommitTranscription(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return nil
	}
	pending := make(map[string]struct{}, len(m.utterances))
	anySpeaking := false
	for id, st := range m.utterances {
		pending[id] = struct{}{}
		if st == statusSpeaking {
			anySpeaking = true
		}
	}
	m.mu.Unlock()

	if anySpeaking {
		grace := time.NewTimer(m.cfg.CommitGrace)
		select {
		case <-grace.C:
		case <-ctx.Done():
			grace.Stop()
			return ctx.Err()
		case <-m.done:
			grace.Stop()
			return nil
		}
	}

	if err := m.sendControl(clientMessage{Type: "commit"}); err != nil {
		return fmt.Errorf("stt[%s]: send commit: %w", m.source, err)
	}

	if len(pending) == 0 {
		return nil
	}

	w := &commitWaiter{pending: pending, done: make(chan struct{})}
	m.mu.Lock()
	for id := range w.pending {
		if _, ok := m.utterances[id]; !ok {
			delete(w.pending, id)
		}
	}
	if len(w.pending) == 0 {
		m.mu.Unlock()
		return nil
	}
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()

	timeout := time.NewTimer(m.cfg.CommitTimeout)
	defer timeout.Stop()

	select {
	case <-w.done:
		return nil
	case <-timeout.C:
		m.removeWaiter(w)
		return ErrCommitTimeout
	case <-ctx.Done():
		m.removeWaiter(w)
		return ctx.Err()
	case <-m.done:
		m.removeWaiter(w)
		return nil
	}
}

// Dispose cancels any pending commit wait, closes the connection and the
// entry channel. Idempotent.
func (m *Manager) Dispose() error {
	m.closeOnce.Do(func() {
		close(m.done)

		m.mu.Lock()
		conn := m.conn
		m.conn = nil
		if m.state != StateError {
			m.state = StateNotRunning
		}
		m.mu.Unlock()

		if conn != nil {
			m.writeMu.Lock()
			_ = conn.WriteJSON(clientMessage{Type: "close"})
			m.writeMu.Unlock()
			_ = conn.Close()
		}

		m.wg.Wait()
		close(m.entries)
	})
	return nil
}

func (m *Manager) run() {
	defer m.wg.Done()

	conn, err := m.dial()
	if err != nil {
		m.fail(fmt.Errorf("stt[%s]: connect: %w", m.source, err))
		return
	}
	m.installConn(conn)

	for {
		readErr := m.readLoop(conn)
		if m.disposed() {
			return
		}
		m.logger.Printf("stt[%s]: connection lost: %v", m.source, readErr)

		conn = m.redial()
		if conn == nil {
			m.fail(fmt.Errorf("stt[%s]: reconnect attempts exhausted", m.source))
			return
		}
		m.installConn(conn)
	}
}

func (m *Manager) dial() (*websocket.Conn, error) {
	headers := http.Header{}
	if m.cfg.TokenSecret != "" {
		tok, err := token.Mint(m.cfg.TokenSecret, "scribed", string(m.source), 5*time.Minute)
		if err != nil {
			return nil, err
		}
		headers.Set("Authorization", "Bearer "+tok)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, m.cfg.URL, headers)
	return conn, err
}

func (m *Manager) installConn(conn *websocket.Conn) {
	m.mu.Lock()
	m.conn = conn
	m.state = StateLoading // Running only after the readiness message
	m.mu.Unlock()
}

func (m *Manager) redial() *websocket.Conn {
	for attempt := 1; attempt <= m.cfg.ReconnectAttempts; attempt++ {
		delay := time.Duration(attempt) * m.cfg.ReconnectDelay
		select {
		case <-time.After(delay):
		case <-m.done:
			return nil
		}

		conn, err := m.dial()
		if err == nil {
			m.mu.Lock()
			m.reconnects++
			m.mu.Unlock()
			m.logger.Printf("stt[%s]: reconnected after %d attempt(s)", m.source, attempt)
			return conn
		}
		m.logger.Printf("stt[%s]: reconnect attempt %d failed: %v", m.source, attempt, err)
	}
	return nil
}

func (m *Manager) readLoop(conn *websocket.Conn) error {
	for {
		select {
		case <-m.done:
			return nil
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		m.handleMessage(msg)
	}
}

func (m *Manager) handleMessage(raw []byte) {
	var msg serverMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		m.logger.Printf("stt[%s]: malformed message: %v", m.source, err)
		return
	}

	switch msg.Type {
	case "ready":
		m.mu.Lock()
		m.state = StateRunning
		m.mu.Unlock()
		m.logger.Printf("stt[%s]: backend ready", m.source)

	case "speech_started":
		m.mu.Lock()
		m.utterances[msg.UtteranceID] = statusSpeaking
		m.mu.Unlock()

	case "committed":
		m.mu.Lock()
		if _, ok := m.utterances[msg.UtteranceID]; ok {
			m.utterances[msg.UtteranceID] = statusTranscribing
		}
		m.mu.Unlock()

	case "completed":
		if !msg.IsFinal {
			m.mu.Lock()
			m.partial = msg.Text
			m.mu.Unlock()
			return
		}

		m.mu.Lock()
		delete(m.utterances, msg.UtteranceID)
		m.partial = ""
		m.notifyRemovalLocked(msg.UtteranceID)
		m.mu.Unlock()

		if msg.Text != "" {
			m.emit(Entry{Source: m.source, Text: msg.Text, CreatedAt: time.Now().UTC()})
		}

	case "error":
		if msg.Code == "commit_empty" {
			// No audio had accumulated when we committed; harmless.
			return
		}
		m.logger.Printf("stt[%s]: backend error %s: %s", m.source, msg.Code, msg.Message)

	default:
		// Unknown message types are ignored.
	}
}

// notifyRemovalLocked retires id from every commit waiter, completing any
// waiter whose snapshot has drained. Caller holds m.mu.
func (m *Manager) notifyRemovalLocked(id string) {
	kept := m.waiters[:0]
	for _, w := range m.waiters {
		delete(w.pending, id)
		if len(w.pending) == 0 {
			close(w.done)
			continue
		}
		kept = append(kept, w)
	}
	m.waiters = kept
}

func (m *Manager) removeWaiter(w *commitWaiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, candidate := range m.waiters {
		if candidate == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}

func (m *Manager) emit(e Entry) {
	select {
	case m.entries <- e:
	case <-m.done:
	}
}

func (m *Manager) sendControl(msg clientMessage) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return errors.New("stt: no connection")
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

func (m *Manager) fail(err error) {
	m.mu.Lock()
	m.state = StateError
	m.reason = ReasonNetwork
	m.mu.Unlock()
	m.logger.Printf("%v", err)
}

func (m *Manager) disposed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}
