package conn

import "sync"

// signal is a latching wakeup event: the Go analogue of asyncio.Event.
// Set is idempotent; Clear rearms it by swapping in a fresh channel,
// since a closed channel cannot be reopened. A Set that happens before
// Clear is undone by it, so callers Clear first and then re-check the
// condition the signal guards; a Set after Clear closes the channel C
// returns from then on (see DESIGN.md, open question #3).
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

// Set marks the signal fired, waking any current or future waiter until
// the next Clear.
func (s *signal) Set() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.ch:
	default:
		close(s.ch)
	}
}

// Clear rearms the signal. Callers must Clear before waiting, then
// re-check whatever condition the signal guards after waking, per the
// standard event-wakeup pattern.
func (s *signal) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.ch:
		s.ch = make(chan struct{})
	default:
	}
}

// C returns the channel to select on. It must be re-fetched after every
// Clear, since Clear may swap it out.
func (s *signal) C() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}
