package monitor

import "sync"

// AbortSignal is a level-triggered latch shared by every monitor a
// session creates. Re-targeting monitoring at a child process swaps the
// monitor but not the signal, so a threshold breach trips the same
// channel no matter which monitor observes it.
type AbortSignal struct {
	once sync.Once
	ch   chan struct{}
}

func NewAbortSignal() *AbortSignal {
	return &AbortSignal{ch: make(chan struct{})}
}

// Trip latches the signal. Safe to call from multiple monitors.
func (a *AbortSignal) Trip() {
	a.once.Do(func() { close(a.ch) })
}

// Done is closed once any monitor trips the signal.
func (a *AbortSignal) Done() <-chan struct{} {
	return a.ch
}
