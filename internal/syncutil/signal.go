// Package syncutil provides small concurrency primitives shared by the
// broker, the SCM's I/O reactor, and the reference tunnel implementations.
package syncutil

// Signal is a single-slot, non-blocking, idempotent wake-up channel. Posting
// while already outstanding coalesces into the existing post. A consumer
// waits by receiving from Chan(); receiving implicitly clears the
// outstanding flag for anyone calling Post under the same external lock
// discipline described by the caller (Signal itself does not take a lock --
// callers that need "clear happens-before process" semantics, like the
// broker, wrap Signal with their own mutex).
type Signal struct {
	ch chan struct{}
}

// NewSignal creates a ready-to-use Signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Chan returns the channel to select/receive on.
func (s *Signal) Chan() <-chan struct{} { return s.ch }

// Post pushes a wake-up if one is not already pending. Safe to call
// concurrently with itself and with receives on Chan().
func (s *Signal) Post() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Drain removes any pending wake-up without blocking, returning whether one
// was present.
func (s *Signal) Drain() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}
