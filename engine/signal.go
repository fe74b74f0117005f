package engine

import (
	"sync"
	"sync/atomic"
	"time"
)

// SignalView is the read-only side of a Signal. Engine components only ever
// receive a SignalView; setting the flag is reserved for the process entry point.
type SignalView interface {
	// IsSet reports whether the signal has fired. It never blocks.
	IsSet() bool

	// Wait blocks until the signal fires or timeout elapses and reports
	// whether the signal is set. A timeout <= 0 waits forever.
	Wait(timeout time.Duration) bool

	// Done returns a channel that is closed once the signal fires.
	Done() <-chan struct{}
}

// Signal is a monotonic abort flag. Once set it stays set.
type Signal struct {
	set  atomic.Bool
	once sync.Once
	done chan struct{}
}

// NewSignal creates an unset Signal.
func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Set fires the signal. It is idempotent and safe to call from a signal
// handling goroutine.
func (s *Signal) Set() {
	s.once.Do(func() {
		s.set.Store(true)
		close(s.done)
	})
}

// IsSet implements SignalView.
func (s *Signal) IsSet() bool {
	return s.set.Load()
}

// Wait implements SignalView.
func (s *Signal) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		<-s.done
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.done:
		return true
	case <-timer.C:
		return s.IsSet()
	}
}

// Done implements SignalView.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}
