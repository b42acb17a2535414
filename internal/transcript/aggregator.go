package transcript

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lukasbauer/scribe/internal/audio"
	"github.com/lukasbauer/scribe/internal/stt"
)

// Transcriber is the slice of a transcription stream the aggregator
// consumes.
type Transcriber interface {
	Entries() <-chan stt.Entry
	State() stt.State
	CommitTranscription(ctx context.Context) error
}

// Config holds the aggregator's paragraph tuning. Both thresholds are
// empirical and deliberately configurable.
type Config struct {
	// ParagraphIdle flushes a source's accumulated text into a paragraph
	// boundary after this much silence.
	ParagraphIdle time.Duration

	// ParagraphMaxChars forces an early boundary once a source has
	// accumulated this much text without a pause.
	ParagraphMaxChars int

	// CaptureRunning, when set, reports whether a source's capture is
	// currently active. Used by the session predicates.
	CaptureRunning func(audio.Source) bool
}

func (c Config) withDefaults() Config {
	if c.ParagraphIdle == 0 {
		c.ParagraphIdle = 2500 * time.Millisecond
	}
	if c.ParagraphMaxChars == 0 {
		c.ParagraphMaxChars = 100
	}
	return c
}

// accumulator tracks pending paragraph text for one source.
type accumulator struct {
	chars     int
	idleTimer *time.Timer
}

// Aggregator merges per-source transcript streams into one ordered
// context and derives paragraph grouping. It is the sole mutator of the
// FullContext it owns.
type Aggregator struct {
	cfg    Config
	logger *log.Logger

	mu        sync.Mutex
	full      FullContext
	accums    map[audio.Source]*accumulator
	sources   map[audio.Source]Transcriber
	listeners []func(Entry)
	closed    bool

	wg sync.WaitGroup
}

func NewAggregator(cfg Config, logger *log.Logger) *Aggregator {
	return &Aggregator{
		cfg:     cfg.withDefaults(),
		logger:  logger,
		accums:  make(map[audio.Source]*accumulator),
		sources: make(map[audio.Source]Transcriber),
	}
}

// AttachSource starts consuming a source's entry stream. The consumer
// goroutine exits when the transcriber's entry channel closes.
func (a *Aggregator) AttachSource(source audio.Source, t Transcriber) {
	a.mu.Lock()
	a.sources[source] = t
	if _, ok := a.accums[source]; !ok {
		a.accums[source] = &accumulator{}
	}
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for e := range t.Entries() {
			a.append(e)
		}
		a.flushSource(source)
	}()
}

// DetachSource forgets a source's transcriber. Any still-running consumer
// goroutine drains naturally when the transcriber is disposed.
func (a *Aggregator) DetachSource(source audio.Source) {
	a.mu.Lock()
	delete(a.sources, source)
	a.mu.Unlock()
}

// OnEntry registers a listener invoked for every appended entry,
// boundary entries included. Listeners run outside the aggregator lock.
func (a *Aggregator) OnEntry(fn func(Entry)) {
	a.mu.Lock()
	a.listeners = append(a.listeners, fn)
	a.mu.Unlock()
}

func (a *Aggregator) append(e stt.Entry) {
	entry := Entry{Source: e.Source, Text: e.Text, CreatedAt: e.CreatedAt}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.full.Entries = append(a.full.Entries, entry)

	acc := a.accums[e.Source]
	if acc == nil {
		acc = &accumulator{}
		a.accums[e.Source] = acc
	}
	acc.chars += len(e.Text)

	var boundary *Entry
	if acc.chars >= a.cfg.ParagraphMaxChars {
		boundary = a.flushLocked(e.Source, acc)
	} else {
		a.resetIdleLocked(e.Source, acc)
	}
	listeners := append([]func(Entry){}, a.listeners...)
	a.mu.Unlock()

	for _, fn := range listeners {
		fn(entry)
		if boundary != nil {
			fn(*boundary)
		}
	}
}

// resetIdleLocked restarts the source's idle flush timer. Caller holds
// a.mu.
func (a *Aggregator) resetIdleLocked(source audio.Source, acc *accumulator) {
	if acc.idleTimer != nil {
		acc.idleTimer.Stop()
	}
	acc.idleTimer = time.AfterFunc(a.cfg.ParagraphIdle, func() {
		a.flushSource(source)
	})
}

// flushSource forces a paragraph boundary for the source if it has
// pending text.
func (a *Aggregator) flushSource(source audio.Source) {
	a.mu.Lock()
	acc := a.accums[source]
	var boundary *Entry
	if acc != nil && !a.closed {
		boundary = a.flushLocked(source, acc)
	}
	listeners := append([]func(Entry){}, a.listeners...)
	a.mu.Unlock()

	if boundary == nil {
		return
	}
	for _, fn := range listeners {
		fn(*boundary)
	}
}

// flushLocked appends a boundary entry and resets the accumulator.
// Returns nil when there was nothing pending. Caller holds a.mu.
func (a *Aggregator) flushLocked(source audio.Source, acc *accumulator) *Entry {
	if acc.idleTimer != nil {
		acc.idleTimer.Stop()
		acc.idleTimer = nil
	}
	if acc.chars == 0 {
		return nil
	}
	acc.chars = 0
	boundary := Entry{Source: source, CreatedAt: time.Now().UTC(), IsParagraphBoundary: true}
	a.full.Entries = append(a.full.Entries, boundary)
	return &boundary
}

// CommitAndSnapshot commits both sources' pending utterances concurrently,
// waits for both, and returns a deep snapshot of the context. A commit
// timeout on one source does not block the snapshot; the error is joined
// and returned alongside it.
func (a *Aggregator) CommitAndSnapshot(ctx context.Context) (*FullContext, error) {
	a.mu.Lock()
	targets := make(map[audio.Source]Transcriber, len(a.sources))
	for src, t := range a.sources {
		if t.State() == stt.StateRunning {
			targets[src] = t
		}
	}
	a.mu.Unlock()

	var (
		wg     sync.WaitGroup
		errMu  sync.Mutex
		commit error
	)
	for src, t := range targets {
		wg.Add(1)
		go func(src audio.Source, t Transcriber) {
			defer wg.Done()
			if err := t.CommitTranscription(ctx); err != nil {
				errMu.Lock()
				commit = errors.Join(commit, fmt.Errorf("commit %s: %w", src, err))
				errMu.Unlock()
			}
		}(src, t)
	}
	wg.Wait()

	return a.Snapshot(), commit
}

// Snapshot returns a deep copy of the live context without committing.
func (a *Aggregator) Snapshot() *FullContext {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.full.Clone()
}

// ClearTranscriptions empties the context and every pending accumulator.
func (a *Aggregator) ClearTranscriptions() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.full.Entries = nil
	for _, acc := range a.accums {
		if acc.idleTimer != nil {
			acc.idleTimer.Stop()
			acc.idleTimer = nil
		}
		acc.chars = 0
	}
}

// IsInAudioSession reports whether both capture sources are active.
func (a *Aggregator) IsInAudioSession() bool {
	if a.cfg.CaptureRunning == nil {
		return false
	}
	return a.cfg.CaptureRunning(audio.SourceMic) && a.cfg.CaptureRunning(audio.SourceSystem)
}

// IsTranscribing reports whether both attached transcribers are running.
func (a *Aggregator) IsTranscribing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	mic, okMic := a.sources[audio.SourceMic]
	sys, okSys := a.sources[audio.SourceSystem]
	return okMic && okSys && mic.State() == stt.StateRunning && sys.State() == stt.StateRunning
}

// Close stops idle timers and waits for consumer goroutines that have
// already seen their entry channel close.
func (a *Aggregator) Close() {
	a.mu.Lock()
	a.closed = true
	for _, acc := range a.accums {
		if acc.idleTimer != nil {
			acc.idleTimer.Stop()
			acc.idleTimer = nil
		}
	}
	a.mu.Unlock()
	a.wg.Wait()
}
