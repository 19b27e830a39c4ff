package envinfra

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// WorkerStatus tells whether the worker is running or blocked in an idle wait.
type WorkerStatus uint8

const (
	WorkerWorking WorkerStatus = iota
	WorkerWaiting
)

// String returns the string representation of WorkerStatus.
func (s WorkerStatus) String() string {
	switch s {
	case WorkerWorking:
		return "working"
	case WorkerWaiting:
		return "waiting"
	default:
		return "unknown"
	}
}

// syncObjects is the lock, the wakeup signal and the worker status shared
// by the event queue and the main loop.
type syncObjects struct {
	mu sync.Mutex

	// wakeup has a buffer of one, so a notify issued between the status
	// change and the actual blocking is not lost.
	wakeup chan struct{}

	// clock times the idle wait, so a fake clock drives it along with
	// the timer deadlines
	clock clockwork.Clock

	// Guarded by mu
	status WorkerStatus
}

func newSyncObjects(clock clockwork.Clock) *syncObjects {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &syncObjects{
		wakeup: make(chan struct{}, 1),
		clock:  clock,
	}
}

func (s *syncObjects) Lock()   { s.mu.Lock() }
func (s *syncObjects) Unlock() { s.mu.Unlock() }

// wakeupIfWaiting must be called with the lock held.
func (s *syncObjects) wakeupIfWaiting() {
	if s.status != WorkerWaiting {
		return
	}
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

// waitFor releases the lock, blocks until notified or d elapses, then
// reacquires the lock. Must be called with the lock held.
func (s *syncObjects) waitFor(d time.Duration) {
	if d <= 0 {
		return
	}

	t := s.clock.NewTimer(d)
	defer t.Stop()

	unlockDoAndLockAgain(s, func() {
		select {
		case <-s.wakeup:
		case <-t.Chan():
		}
	})

	// A notify that raced with the timeout must not leak into the next wait
	select {
	case <-s.wakeup:
	default:
	}
}
