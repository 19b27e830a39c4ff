package core

import (
	"time"
)

// EventQueue accepts execution demands from any goroutine.
type EventQueue interface {
	// Push appends a demand. It must be safe to call from any goroutine,
	// including from inside a demand being handled.
	Push(demand ExecutionDemand)
}

// Mbox is a destination for messages.
type Mbox interface {
	// Deliver hands the message to the destination.
	Deliver(msg *Message) error
}

// DispBinder binds agents to the event queue of some dispatcher.
type DispBinder interface {
	// Bind returns the queue the agent's demands must be pushed to.
	Bind(agent *Agent) (EventQueue, error)

	// Unbind releases whatever Bind has allocated for the agent.
	Unbind(agent *Agent)
}

// Dispatcher executes execution demands. It is called from a single
// goroutine and must not let failures escape.
type Dispatcher interface {
	HandleDemand(demand ExecutionDemand)
}

// TimerID refers to a scheduled timer.
type TimerID interface {
	// Release cancels the timer. Safe to call from any goroutine, any number of times.
	Release()

	// IsActive reports whether the timer can still fire.
	IsActive() bool
}

// TimerManager keeps delayed and periodic messages.
// Implementations are not required to be goroutine-safe: the environment
// only calls them while holding its own lock.
type TimerManager interface {
	// Schedule registers a timer. A zero period means single shot.
	Schedule(msg *Message, target Mbox, pause, period time.Duration) TimerID

	// ScheduleAnonymous registers a timer which cannot be cancelled.
	ScheduleAnonymous(msg *Message, target Mbox, pause, period time.Duration)

	// ProcessExpiredTimers moves every due timer into the elapsed timers collector.
	ProcessExpiredTimers()

	// TimeoutBeforeNearestTimer returns the time left before the nearest
	// timer, but never more than defaultTimeout.
	TimeoutBeforeNearestTimer(defaultTimeout time.Duration) time.Duration

	// QueryStats returns the number of pending timers.
	QueryStats() TimerStats
}

// ElapsedTimersCollector holds elapsed timers until they are delivered.
type ElapsedTimersCollector interface {
	Empty() bool

	// Process delivers every collected message. It is called without any
	// environment lock held, so deliveries may push new demands.
	Process()
}

// ActivityTracker observes the busy and idle phases of the worker.
// Every method must tolerate any call sequence.
type ActivityTracker interface {
	WaitStarted()
	WaitStopped()
	WaitStartIfNotStarted()
	WorkStarted()
	WorkStopped()
}

// CoopRepository keeps registered cooperations.
type CoopRepository interface {
	MakeCoop(parent CoopHandle, binder DispBinder) *Coop
	RegisterCoop(coop *Coop) (CoopHandle, error)
	DeregisterCoop(handle CoopHandle, reason DeregReason) error
	DeregisterAll()
	FinalDeregister(coop *Coop) FinalDeregResult
	HasLiveCoop() bool
	QueryStats() CoopRepoStats
}

// CoopListener is notified about coop registration and final deregistration.
type CoopListener interface {
	OnRegistered(handle CoopHandle)
	OnDeregistered(handle CoopHandle, reason DeregReason)
}

// DeregNotifier receives coops which are ready for final deregistration.
type DeregNotifier interface {
	ReadyToDeregisterNotify(coop *Coop)
}

// Environment is what init functions and agents see of the runtime.
type Environment interface {
	DeregNotifier

	// Stop initiates shutdown. Idempotent.
	Stop()

	MakeCoop(parent CoopHandle, binder DispBinder) *Coop
	RegisterCoop(coop *Coop) (CoopHandle, error)
	DeregisterCoop(handle CoopHandle, reason DeregReason) error

	ScheduleTimer(msg *Message, target Mbox, pause, period time.Duration) TimerID
	SingleTimer(msg *Message, target Mbox, pause time.Duration)

	MakeDefaultDispBinder() DispBinder
}
