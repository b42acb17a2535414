package bridge

import (
	"sync"
	"sync/atomic"
)

// ConnRegistry counts live bridge websockets so shutdown can refuse new
// helpers and wait out the ones still streaming.
//
// Add takes mu around both the draining check and the WaitGroup increment.
// Without that, a connection arriving between StartDraining and Wait could
// slip past the flag and bump a WaitGroup that Wait already observed empty.
type ConnRegistry struct {
	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
	count    atomic.Int64
}

func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{}
}

// Add claims a slot for an incoming bridge connection. A false return
// means the registry is draining and the connection must be turned away.
func (r *ConnRegistry) Add() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return false
	}
	r.wg.Add(1)
	r.count.Add(1)
	return true
}

// Done releases a slot claimed by Add, exactly once per connection.
func (r *ConnRegistry) Done() {
	r.count.Add(-1)
	r.wg.Done()
}

// StartDraining flips the registry into drain mode; every later Add fails.
func (r *ConnRegistry) StartDraining() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draining = true
}

// IsDraining reports whether drain mode is on.
func (r *ConnRegistry) IsDraining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draining
}

// ActiveCount returns how many bridge connections are currently live.
func (r *ConnRegistry) ActiveCount() int64 {
	return r.count.Load()
}

// Wait blocks until every claimed slot has been released.
func (r *ConnRegistry) Wait() {
	r.wg.Wait()
}
