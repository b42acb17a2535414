package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lukasbauer/scribe/internal/transcript"
)

// State is the lifecycle state of one audio session.
type State int

const (
	StateCreating State = iota
	StateCreated
	StateError
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateCreated:
		return "created"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Session is the record framing one capture period.
type Session struct {
	ID              uuid.UUID
	CreatedAt       time.Time
	State           State
	LastKeepaliveAt time.Time
}

// Config holds session timing. Both values have production defaults.
type Config struct {
	// KeepaliveInterval is how often the manager reports liveness and
	// transcript size for the active session.
	KeepaliveInterval time.Duration

	// MaxDuration force-stops a session that outlives it.
	MaxDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	if c.MaxDuration == 0 {
		c.MaxDuration = 6 * time.Hour
	}
	return c
}

// Hooks are the manager's external collaborators. Any may be nil.
type Hooks struct {
	// Create persists the new session record. A failure puts the session
	// in the Error state but does not stop capture.
	Create func(ctx context.Context, s Session) error

	// OnKeepalive is invoked every keepalive tick with the current
	// transcript entry count.
	OnKeepalive func(id uuid.UUID, entries int)

	// OnEnd receives the final transcript exactly once per session.
	OnEnd func(s Session, final *transcript.FullContext)

	// StopAll stops both capture sources. Called when the session
	// exceeds its maximum duration.
	StopAll func()
}

// active is one live session's moving parts.
type active struct {
	sess    Session
	cancel  context.CancelFunc
	ticker  *time.Ticker
	done    chan struct{}
	endOnce sync.Once
}

// Manager frames an audio session around a capture period. It reads the
// shared transcript context but never mutates it beyond the initial clear.
type Manager struct {
	cfg      Config
	hooks    Hooks
	logger   *log.Logger
	snapshot func() *transcript.FullContext
	clear    func()

	mu  sync.Mutex
	cur *active
	wg  sync.WaitGroup
}

func NewManager(cfg Config, hooks Hooks, snapshot func() *transcript.FullContext, clear func(), logger *log.Logger) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		hooks:    hooks,
		logger:   logger,
		snapshot: snapshot,
		clear:    clear,
	}
}

// Begin starts a new session if none is active. Prior transcript
// accumulation is cleared before the record is created.
func (m *Manager) Begin() {
	m.mu.Lock()
	if m.cur != nil {
		m.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &active{
		sess: Session{
			ID:        uuid.New(),
			CreatedAt: time.Now().UTC(),
			State:     StateCreating,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.cur = a
	m.mu.Unlock()

	if m.clear != nil {
		m.clear()
	}
	m.logger.Printf("session %s: creating", a.sess.ID)

	m.wg.Add(1)
	go m.establish(ctx, a)
}

// establish runs the (possibly slow) creation hook, then the keepalive
// loop. Disposal during Creating cancels it through ctx.
func (m *Manager) establish(ctx context.Context, a *active) {
	defer m.wg.Done()

	if m.hooks.Create != nil {
		if err := m.hooks.Create(ctx, a.sess); err != nil {
			m.mu.Lock()
			if m.cur == a {
				a.sess.State = StateError
			}
			m.mu.Unlock()
			m.logger.Printf("session %s: create failed: %v", a.sess.ID, err)
			return
		}
	}
	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	if m.cur != a {
		m.mu.Unlock()
		return
	}
	a.sess.State = StateCreated
	a.ticker = time.NewTicker(m.cfg.KeepaliveInterval)
	m.mu.Unlock()
	m.logger.Printf("session %s: created", a.sess.ID)

	for {
		select {
		case <-a.ticker.C:
			m.keepalive(a)
		case <-a.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) keepalive(a *active) {
	m.mu.Lock()
	if m.cur != a {
		m.mu.Unlock()
		return
	}
	a.sess.LastKeepaliveAt = time.Now().UTC()
	expired := time.Since(a.sess.CreatedAt) > m.cfg.MaxDuration
	m.mu.Unlock()

	entries := 0
	if m.snapshot != nil {
		entries = m.snapshot().Len()
	}
	if m.hooks.OnKeepalive != nil {
		m.hooks.OnKeepalive(a.sess.ID, entries)
	}

	if expired {
		m.logger.Printf("session %s: exceeded maximum duration, stopping capture", a.sess.ID)
		if m.hooks.StopAll != nil {
			m.hooks.StopAll()
		}
		m.Dispose()
	}
}

// Dispose ends the active session: the keepalive loop stops and the
// final transcript is handed to the end hook exactly once. Idempotent
// and safe during Creating.
func (m *Manager) Dispose() {
	m.mu.Lock()
	a := m.cur
	m.cur = nil
	var tick *time.Ticker
	if a != nil {
		tick = a.ticker
	}
	m.mu.Unlock()
	if a == nil {
		return
	}

	a.endOnce.Do(func() {
		a.cancel()
		if tick != nil {
			tick.Stop()
		}
		close(a.done)

		var final *transcript.FullContext
		if m.snapshot != nil {
			final = m.snapshot()
		}
		if m.hooks.OnEnd != nil {
			m.hooks.OnEnd(a.sess, final)
		}
		m.logger.Printf("session %s: ended", a.sess.ID)
	})
}

// Current returns a copy of the active session record.
func (m *Manager) Current() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return Session{}, false
	}
	return m.cur.sess, true
}

// Active reports whether a session is live.
func (m *Manager) Active() bool {
	_, ok := m.Current()
	return ok
}

// Wait blocks until background session goroutines have exited. Intended
// for shutdown paths after Dispose.
func (m *Manager) Wait() {
	m.wg.Wait()
}
