package capture

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/lukasbauer/scribe/internal/audio"
)

// StateKind enumerates the capture lifecycle states.
type StateKind int

const (
	StateNotRunning StateKind = iota
	StateLoading
	StateRunning
	StateError
)

func (k StateKind) String() string {
	switch k {
	case StateNotRunning:
		return "not_running"
	case StateLoading:
		return "loading"
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrorReason classifies a terminal acquisition failure.
type ErrorReason string

const (
	ReasonNone       ErrorReason = ""
	ReasonPermission ErrorReason = "permission"
	ReasonUnknown    ErrorReason = "unknown"
)

// State is a snapshot of the controller's capture state.
type State struct {
	Kind   StateKind
	Paused bool
	Reason ErrorReason
}

// Controller owns acquisition for one audio source. It runs the state
// machine NotRunning -> Loading -> Running (-> Error) and fans converted
// PCM frames out to registered listeners. All transitions go through the
// controller's methods; a generation counter guarantees that a stale
// acquisition attempt can never install its stream after a newer Start or
// a Stop has advanced the lifecycle.
type Controller struct {
	source   audio.Source
	strategy Strategy
	logger   *log.Logger

	mu        sync.Mutex
	state     State
	gen       uint64
	cancel    context.CancelFunc
	stream    Stream
	listeners []func(audio.Frame)
	watchers  []func(audio.Source, State)

	// pending holds states awaiting watcher delivery; a single dispatcher
	// goroutine drains it so watchers see transitions in order.
	pending   []State
	notifying bool
}

// NewController builds a controller for one source. The strategy is fixed
// for the controller's lifetime; restart re-runs it.
func NewController(source audio.Source, strategy Strategy, logger *log.Logger) *Controller {
	return &Controller{
		source:   source,
		strategy: strategy,
		logger:   logger,
		state:    State{Kind: StateNotRunning},
	}
}

// Source returns the source this controller captures.
func (c *Controller) Source() audio.Source { return c.source }

// State returns the current capture state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnFrame registers a frame listener. Listeners are invoked from the pump
// goroutine in production order and must not block.
func (c *Controller) OnFrame(fn func(audio.Frame)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// OnStateChange registers a state listener, invoked after every transition.
func (c *Controller) OnStateChange(fn func(audio.Source, State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// Start begins acquisition. It is idempotent while Loading or Running.
// Failures land in the Error state; callers observe state, Start itself
// only errors on immediate misuse.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.state.Kind == StateLoading || c.state.Kind == StateRunning {
		c.mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.gen++
	gen := c.gen
	c.cancel = cancel
	c.setStateLocked(State{Kind: StateLoading})
	c.mu.Unlock()

	go c.acquire(ctx, gen)
	return nil
}

// Stop tears the capture down: cancels in-flight acquisition, closes the
// stream and returns to NotRunning. Safe to call in any state, repeatedly.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	stream := c.stream
	c.stream = nil
	c.setStateLocked(State{Kind: StateNotRunning})
	c.mu.Unlock()

	if stream != nil {
		if err := stream.Close(); err != nil {
			c.logger.Printf("capture[%s]: close stream: %v", c.source, err)
		}
	}
}

// Pause disables the underlying tracks without tearing the pipeline down.
// Only meaningful while Running.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Kind != StateRunning || c.state.Paused {
		return
	}
	c.stream.SetEnabled(false)
	c.setStateLocked(State{Kind: StateRunning, Paused: true})
}

// Resume re-enables the tracks after Pause.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Kind != StateRunning || !c.state.Paused {
		return
	}
	c.stream.SetEnabled(true)
	c.setStateLocked(State{Kind: StateRunning})
}

// Restart stops and starts again, recovering from backend staleness.
func (c *Controller) Restart() error {
	c.Stop()
	return c.Start()
}

func (c *Controller) acquire(ctx context.Context, gen uint64) {
	stream, err := c.strategy.Open(ctx)

	c.mu.Lock()
	if gen != c.gen {
		// A newer Start or a Stop won the race; this attempt is stale.
		c.mu.Unlock()
		if stream != nil {
			_ = stream.Close()
		}
		return
	}

	if err != nil {
		reason := ReasonUnknown
		if errors.Is(err, ErrPermissionDenied) {
			reason = ReasonPermission
		}
		c.cancel = nil
		c.setStateLocked(State{Kind: StateError, Reason: reason})
		c.mu.Unlock()
		c.logger.Printf("capture[%s]: acquisition failed (%s): %v", c.source, reason, err)
		return
	}

	c.stream = stream
	c.setStateLocked(State{Kind: StateRunning})
	c.mu.Unlock()
	c.logger.Printf("capture[%s]: running via %s strategy", c.source, c.strategy.Name())

	go c.pump(stream, gen)
}

// pump fans frames out until the stream closes or the generation moves on.
func (c *Controller) pump(stream Stream, gen uint64) {
	for pcm := range stream.Frames() {
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		listeners := c.listeners
		c.mu.Unlock()

		frame := audio.NewFrame(c.source, pcm)
		for _, fn := range listeners {
			fn(frame)
		}
	}
}

// setStateLocked updates state and queues watcher notification. Watchers
// run outside the lock, from one dispatcher goroutine, in transition order.
func (c *Controller) setStateLocked(s State) {
	c.state = s
	if len(c.watchers) == 0 {
		return
	}
	c.pending = append(c.pending, s)
	if c.notifying {
		return
	}
	c.notifying = true
	go c.notify()
}

func (c *Controller) notify() {
	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.notifying = false
			c.mu.Unlock()
			return
		}
		s := c.pending[0]
		c.pending = c.pending[1:]
		watchers := c.watchers
		c.mu.Unlock()

		for _, fn := range watchers {
			fn(c.source, s)
		}
	}
}
