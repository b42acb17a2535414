package bridge

import (
	"sync"
	"testing"
)

func TestConnRegistry_AddAndDone(t *testing.T) {
	r := NewConnRegistry()

	if r.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0", r.ActiveCount())
	}

	if !r.Add() {
		t.Error("Add() should return true when not draining")
	}
	if !r.Add() {
		t.Error("Add() should return true when not draining")
	}
	if r.ActiveCount() != 2 {
		t.Errorf("ActiveCount() = %d, want 2", r.ActiveCount())
	}

	r.Done()
	r.Done()
	if r.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0 after all Done()", r.ActiveCount())
	}
}

func TestConnRegistry_Draining(t *testing.T) {
	r := NewConnRegistry()

	if r.IsDraining() {
		t.Error("IsDraining() should be false initially")
	}

	// Connect a client before draining
	if !r.Add() {
		t.Error("Add() should succeed before draining")
	}

	r.StartDraining()

	if !r.IsDraining() {
		t.Error("IsDraining() should be true after StartDraining()")
	}

	// New connections should be rejected
	if r.Add() {
		t.Error("Add() should return false when draining")
	}

	// Active count should still be 1 (the pre-drain connection)
	if r.ActiveCount() != 1 {
		t.Errorf("ActiveCount() = %d, want 1", r.ActiveCount())
	}

	r.Done()
	if r.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0", r.ActiveCount())
	}
}

func TestConnRegistry_WaitBlocksUntilDone(t *testing.T) {
	r := NewConnRegistry()

	r.Add()
	r.Add()

	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()

	// Wait should not complete yet
	select {
	case <-done:
		t.Error("Wait() should block while connections are active")
	default:
	}

	r.Done()

	// Still one active
	select {
	case <-done:
		t.Error("Wait() should block while connections are active")
	default:
	}

	r.Done()

	// Now Wait should complete
	<-done
}

func TestConnRegistry_DrainDuringConcurrentAdds(t *testing.T) {
	r := NewConnRegistry()
	const n = 100

	var wg sync.WaitGroup
	var accepted, rejected int64
	var mu sync.Mutex

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if r.Add() {
				mu.Lock()
				accepted++
				mu.Unlock()
				defer r.Done()
			} else {
				mu.Lock()
				rejected++
				mu.Unlock()
			}
		}()

		// Start draining midway
		if i == n/2 {
			r.StartDraining()
		}
	}

	wg.Wait()

	if accepted+rejected != n {
		t.Errorf("accepted(%d) + rejected(%d) != %d", accepted, rejected, n)
	}
	if rejected == 0 {
		t.Error("expected some connections to be rejected after draining started")
	}
	if r.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0", r.ActiveCount())
	}
}
