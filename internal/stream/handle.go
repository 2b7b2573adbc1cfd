package stream

import (
	"context"
	"sync"
)

// State is the completion state of a stream handle.
type State string

const (
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// Handle is the cancellable reference to one in-flight stream. It leaves
// StateActive exactly once.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	state State
}

// NewHandle returns an active handle whose Cancel calls cancel.
func NewHandle(cancel context.CancelFunc) *Handle {
	return &Handle{
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StateActive,
	}
}

// Cancel aborts the stream. It is safe to call more than once and after the
// stream has ended; only an active handle becomes StateCancelled.
func (h *Handle) Cancel() {
	h.finish(StateCancelled)
	if h.cancel != nil {
		h.cancel()
	}
}

// State reports the handle's current state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Active reports whether the stream may still deliver events.
func (h *Handle) Active() bool {
	return h.State() == StateActive
}

// Done is closed once the stream's goroutine has released the connection.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until Done is closed and returns the final state.
func (h *Handle) Wait() State {
	<-h.done
	return h.State()
}

// finish moves an active handle to s and reports whether it did.
func (h *Handle) finish(s State) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateActive {
		return false
	}
	h.state = s
	return true
}

// Finish moves an active handle to s and releases Done. Stream sources other
// than Client (test doubles, replays) use it to end a handle they created.
func (h *Handle) Finish(s State) {
	h.finish(s)
	h.release()
}

func (h *Handle) release() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}
