package timer

import (
	"container/heap"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/najoast/stenv/core"
)

const (
	stateActive int32 = iota
	stateFired
	stateCancelled
)

var (
	ErrNilTarget  = errors.New("timer target is nil")
	ErrNilMessage = errors.New("timer message is nil")
)

// CheckArgs reports why a timer for msg and target could never be delivered.
func CheckArgs(msg *core.Message, target core.Mbox) error {
	if target == nil {
		return ErrNilTarget
	}
	if msg == nil {
		return ErrNilMessage
	}
	return nil
}

// entry is a scheduled timer.
type entry struct {
	when   time.Time
	period time.Duration
	seq    uint64
	msg    *core.Message
	target core.Mbox
	state  atomic.Int32
}

// ID is the handle returned by Manager.Schedule.
type ID struct {
	e *entry
}

var _ core.TimerID = (*ID)(nil)

// InactiveID returns a handle to a timer that never fires.
func InactiveID() *ID {
	e := &entry{}
	e.state.Store(stateCancelled)
	return &ID{e: e}
}

// Release cancels the timer. Removal from the heap happens lazily.
func (id *ID) Release() {
	id.e.state.CompareAndSwap(stateActive, stateCancelled)
}

// IsActive reports whether the timer can still fire.
func (id *ID) IsActive() bool {
	return id.e.state.Load() == stateActive
}

// entryHeap is a min-heap of timers ordered by deadline, then by schedule order.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) {
	*h = append(*h, x.(*entry))
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Manager is a heap based core.TimerManager.
//
// It is not goroutine safe: the owner must serialize calls. ID.Release is the
// only method that may be called concurrently.
type Manager struct {
	clock     clockwork.Clock
	collector *Collector
	timers    entryHeap
	seq       uint64
}

var _ core.TimerManager = (*Manager)(nil)

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for deadlines.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewManager creates a timer manager which moves elapsed timers into collector.
func NewManager(collector *Collector, opts ...Option) *Manager {
	m := &Manager{
		clock:     clockwork.NewRealClock(),
		collector: collector,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Schedule registers a timer. A zero period means single shot.
// A nil msg or target yields an inactive handle and nothing is scheduled.
func (m *Manager) Schedule(msg *core.Message, target core.Mbox, pause, period time.Duration) core.TimerID {
	if CheckArgs(msg, target) != nil {
		return InactiveID()
	}
	return &ID{e: m.add(msg, target, pause, period)}
}

// ScheduleAnonymous registers a timer without a handle. A nil msg or
// target is ignored.
func (m *Manager) ScheduleAnonymous(msg *core.Message, target core.Mbox, pause, period time.Duration) {
	if CheckArgs(msg, target) != nil {
		return
	}
	m.add(msg, target, pause, period)
}

func (m *Manager) add(msg *core.Message, target core.Mbox, pause, period time.Duration) *entry {
	if pause < 0 {
		pause = 0
	}
	if period < 0 {
		period = 0
	}
	m.seq++
	e := &entry{
		when:   m.clock.Now().Add(pause),
		period: period,
		seq:    m.seq,
		msg:    msg,
		target: target,
	}
	heap.Push(&m.timers, e)
	return e
}

// ProcessExpiredTimers moves every due timer into the collector.
// Periodic timers are re-armed one period after their previous deadline.
func (m *Manager) ProcessExpiredTimers() {
	now := m.clock.Now()
	for len(m.timers) > 0 {
		e := m.timers[0]
		if e.state.Load() == stateCancelled {
			heap.Pop(&m.timers)
			continue
		}
		if e.when.After(now) {
			return
		}

		m.collector.Add(e.msg, e.target)

		if e.period == 0 {
			heap.Pop(&m.timers)
			e.state.CompareAndSwap(stateActive, stateFired)
			continue
		}

		// A periodic timer that fell behind is not fired more than once per call
		next := e.when.Add(e.period)
		if !next.After(now) {
			next = now.Add(e.period)
		}
		e.when = next
		m.seq++
		e.seq = m.seq
		heap.Fix(&m.timers, 0)
	}
}

// TimeoutBeforeNearestTimer returns the time left before the nearest
// active timer, capped by defaultTimeout.
func (m *Manager) TimeoutBeforeNearestTimer(defaultTimeout time.Duration) time.Duration {
	m.purge()
	if len(m.timers) == 0 {
		return defaultTimeout
	}
	d := m.timers[0].when.Sub(m.clock.Now())
	if d < 0 {
		return 0
	}
	return min(d, defaultTimeout)
}

// QueryStats counts the active timers.
func (m *Manager) QueryStats() core.TimerStats {
	var stats core.TimerStats
	for _, e := range m.timers {
		if e.state.Load() != stateActive {
			continue
		}
		if e.period == 0 {
			stats.SingleShotCount++
		} else {
			stats.PeriodicCount++
		}
	}
	return stats
}

// purge drops cancelled timers from the top of the heap.
func (m *Manager) purge() {
	for len(m.timers) > 0 && m.timers[0].state.Load() == stateCancelled {
		heap.Pop(&m.timers)
	}
}
