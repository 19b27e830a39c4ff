package envinfra

import "github.com/najoast/stenv/core"

// eventQueue is the multi-producer single-consumer demand queue of the
// environment. It shares the lock of the main loop.
type eventQueue struct {
	sync *syncObjects

	// Guarded by sync.mu
	demands []core.ExecutionDemand
	head    int
}

var _ core.EventQueue = (*eventQueue)(nil)

func newEventQueue(s *syncObjects) *eventQueue {
	return &eventQueue{sync: s}
}

// Push appends a demand and wakes the worker if it is waiting.
func (q *eventQueue) Push(demand core.ExecutionDemand) {
	q.sync.Lock()
	defer q.sync.Unlock()

	q.demands = append(q.demands, demand)
	q.sync.wakeupIfWaiting()
}

// pop removes the head demand. Must be called with the lock held.
func (q *eventQueue) pop() (core.ExecutionDemand, bool) {
	if q.head == len(q.demands) {
		return core.ExecutionDemand{}, false
	}

	d := q.demands[q.head]
	q.demands[q.head] = core.ExecutionDemand{}
	q.head++

	// Reuse the backing array once drained, compact when the dead prefix dominates
	switch {
	case q.head == len(q.demands):
		q.demands = q.demands[:0]
		q.head = 0
	case q.head >= 1024 && q.head*2 >= len(q.demands):
		n := copy(q.demands, q.demands[q.head:])
		clear(q.demands[n:])
		q.demands = q.demands[:n]
		q.head = 0
	}
	return d, true
}

// sizeLocked must be called with the lock held.
func (q *eventQueue) sizeLocked() int {
	return len(q.demands) - q.head
}

// QueryStats returns the number of queued demands.
func (q *eventQueue) QueryStats() int {
	q.sync.Lock()
	defer q.sync.Unlock()
	return q.sizeLocked()
}
