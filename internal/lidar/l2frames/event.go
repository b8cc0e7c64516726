package l2frames

import (
	"context"
	"sync"
)

// Event is a binary flag that goroutines can block on until it is set.
// While the flag is set its channel is closed, so any number of waiters wake
// at once; Clear swaps in a fresh channel.
type Event struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{}
}

// NewEvent returns an Event in the given initial state.
func NewEvent(set bool) *Event {
	e := &Event{ch: make(chan struct{})}
	if set {
		e.set = true
		close(e.ch)
	}
	return e
}

// Set raises the flag and releases every waiter.
func (e *Event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.set {
		e.set = true
		close(e.ch)
	}
}

// Clear lowers the flag.
func (e *Event) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.set {
		e.set = false
		e.ch = make(chan struct{})
	}
}

// IsSet reports the current state of the flag.
func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// Wait blocks until the flag is set or ctx is done.
func (e *Event) Wait(ctx context.Context) error {
	e.mu.Lock()
	if e.set {
		e.mu.Unlock()
		return nil
	}
	ch := e.ch
	e.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Signals is the three-flag handoff contract shared by producer and consumer.
type Signals struct {
	FrameReady   *Event
	ConsumerIdle *Event
	NotCopying   *Event
}

// NewSignals returns the signal set in its initial IDLE state.
func NewSignals() *Signals {
	return &Signals{
		FrameReady:   NewEvent(false),
		ConsumerIdle: NewEvent(true),
		NotCopying:   NewEvent(true),
	}
}

// State is the handoff state derived from the three flags.
type State int

const (
	StateIdle State = iota
	StateProducing
	StateReady
	StateCopying
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateProducing:
		return "PRODUCING"
	case StateReady:
		return "READY"
	case StateCopying:
		return "COPYING"
	default:
		return "UNKNOWN"
	}
}

// State reports the current handoff state. COPYING takes precedence because
// frame-ready is cleared before not-copying drops.
func (s *Signals) State() State {
	switch {
	case !s.NotCopying.IsSet():
		return StateCopying
	case s.FrameReady.IsSet():
		return StateReady
	case s.ConsumerIdle.IsSet():
		return StateIdle
	default:
		return StateProducing
	}
}
