package envinfra

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/najoast/stenv/core"
)

// ActivityStats is a snapshot of the worker's busy and idle phases.
type ActivityStats struct {
	WaitCount    uint64
	WaitDuration time.Duration
	WorkCount    uint64
	WorkDuration time.Duration

	// Waiting and Working tell which phase is open right now
	Waiting bool
	Working bool
}

// activityStatsSource is implemented by trackers that can report stats.
type activityStatsSource interface {
	stats() ActivityStats
}

// activityTracker measures wait and work phases of the worker.
// The main loop calls it under the environment lock, but stats snapshots
// come from other goroutines, hence the own mutex.
type activityTracker struct {
	clock clockwork.Clock

	mu        sync.Mutex
	s         ActivityStats
	waitSince time.Time
	workSince time.Time
}

var _ core.ActivityTracker = (*activityTracker)(nil)

func newActivityTracker(clock clockwork.Clock) *activityTracker {
	return &activityTracker{clock: clock}
}

func (t *activityTracker) WaitStarted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startWaitLocked()
}

func (t *activityTracker) WaitStartIfNotStarted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.s.Waiting {
		t.startWaitLocked()
	}
}

func (t *activityTracker) startWaitLocked() {
	t.s.Waiting = true
	t.s.WaitCount++
	t.waitSince = t.clock.Now()
}

func (t *activityTracker) WaitStopped() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.s.Waiting {
		t.s.Waiting = false
		t.s.WaitDuration += t.clock.Since(t.waitSince)
	}
}

func (t *activityTracker) WorkStarted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.s.Working = true
	t.s.WorkCount++
	t.workSince = t.clock.Now()
}

func (t *activityTracker) WorkStopped() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.s.Working {
		t.s.Working = false
		t.s.WorkDuration += t.clock.Since(t.workSince)
	}
}

// stats includes the time spent in a phase that is still open.
func (t *activityTracker) stats() ActivityStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.s
	if s.Waiting {
		s.WaitDuration += t.clock.Since(t.waitSince)
	}
	if s.Working {
		s.WorkDuration += t.clock.Since(t.workSince)
	}
	return s
}

// noopActivityTracker is used when activity tracking is off.
type noopActivityTracker struct{}

var _ core.ActivityTracker = noopActivityTracker{}

func (noopActivityTracker) WaitStarted()           {}
func (noopActivityTracker) WaitStopped()           {}
func (noopActivityTracker) WaitStartIfNotStarted() {}
func (noopActivityTracker) WorkStarted()           {}
func (noopActivityTracker) WorkStopped()           {}
