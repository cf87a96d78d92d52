// Package lifecycle tracks the run state of a long-lived component.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// State is the run state of a component.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrNotCreated is returned by Start when the component was already started.
var ErrNotCreated = errors.New("lifecycle: already started")

// Lifecycle moves a component through Created → Running → Stopping → Stopped.
// Goroutines started with Go are waited for by Stop.
type Lifecycle struct {
	state  atomic.Int32
	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// New returns a Lifecycle in StateCreated.
func New() *Lifecycle {
	return &Lifecycle{done: make(chan struct{})}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	return State(l.state.Load())
}

// Start moves to Running and returns a context that is cancelled when Stop
// is called or parent is done.
func (l *Lifecycle) Start(parent context.Context) (context.Context, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return nil, ErrNotCreated
	}
	ctx, cancel := context.WithCancel(parent)
	l.cancel = cancel
	return ctx, nil
}

// Go runs fn on a goroutine tracked by the lifecycle.
func (l *Lifecycle) Go(fn func()) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		fn()
	}()
}

// Stop cancels the context, waits for tracked goroutines and moves to
// Stopped. It is safe to call more than once and before Start.
func (l *Lifecycle) Stop() {
	l.mu.Lock()
	switch l.State() {
	case StateCreated:
		l.state.Store(int32(StateStopped))
		close(l.done)
		l.mu.Unlock()
		return
	case StateRunning:
		l.state.Store(int32(StateStopping))
		l.cancel()
	default:
		l.mu.Unlock()
		<-l.done
		return
	}
	l.mu.Unlock()

	l.wg.Wait()
	l.state.Store(int32(StateStopped))
	close(l.done)
}

// Done is closed once the component has reached StateStopped.
func (l *Lifecycle) Done() <-chan struct{} {
	return l.done
}
