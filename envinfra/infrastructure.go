package envinfra

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/najoast/stenv/core"
	"github.com/najoast/stenv/timer"
)

// InitFunc is the user supplied setup run by Launch on the worker goroutine.
type InitFunc func(env core.Environment) error

// CoopRepositoryStats is returned by QueryCoopRepositoryStats.
type CoopRepositoryStats struct {
	CoopCount  int
	AgentCount int

	// FinalDeregCoopCount is the number of coops waiting for final deregistration
	FinalDeregCoopCount int
}

// Infrastructure is a single goroutine environment that is safe to use
// from any number of goroutines. All agents bound to the default
// dispatcher run on the goroutine that called Launch.
type Infrastructure struct {
	logger *logiface.Logger[logiface.Event]

	sync  *syncObjects
	queue *eventQueue

	// Guarded by sync
	finalDeregs  []*core.Coop
	shutdown     ShutdownStatus
	idleSleepCap time.Duration
	timers       core.TimerManager

	// Touched only by the worker
	collector *timer.Collector

	repo      *core.CoopRepo
	tracker   core.ActivityTracker
	activity  activityStatsSource
	disp      atomic.Pointer[defaultDispatcher]
	launched  atomic.Bool
	statsRepo *StatsRepository
	statsCtrl *StatsController
}

var _ core.Environment = (*Infrastructure)(nil)

// New creates an environment infrastructure.
func New(opts ...Option) (*Infrastructure, error) {
	cfg, err := resolveInfraOptions(opts)
	if err != nil {
		return nil, err
	}

	s := newSyncObjects(cfg.clock)
	e := &Infrastructure{
		logger:       cfg.logger,
		sync:         s,
		queue:        newEventQueue(s),
		idleSleepCap: cfg.idleSleepCap,
		collector:    timer.NewCollector(cfg.logger),
		statsRepo:    newStatsRepository(),
	}
	e.timers = timer.NewManager(e.collector, timer.WithClock(cfg.clock))
	e.repo = core.NewCoopRepository(e, cfg.coopListener)
	e.statsCtrl = newStatsController(e.statsRepo, e, cfg.statsTarget)

	if cfg.activityTracking {
		t := newActivityTracker(cfg.clock)
		e.tracker = t
		e.activity = t
	} else {
		e.tracker = noopActivityTracker{}
	}

	if err := e.addDataSources(); err != nil {
		return nil, err
	}
	return e, nil
}

// Launch runs the environment on the calling goroutine until shutdown
// completes. initFn runs first; if it fails or panics the environment is
// stopped, every coop it managed to register is drained, and only then
// the error is returned or the panic is re-raised.
func (e *Infrastructure) Launch(initFn InitFunc) error {
	if !e.launched.CompareAndSwap(false, true) {
		return ErrAlreadyLaunched
	}

	start := time.Now()
	e.logger.Info().Log("environment launched")
	defer func() {
		e.logger.Info().
			Dur("elapsed", time.Since(start)).
			Log("environment finished")
	}()

	return e.runDefaultDispatcherAndGoFurther(initFn)
}

func (e *Infrastructure) runDefaultDispatcherAndGoFurther(initFn InitFunc) error {
	e.disp.Store(newDefaultDispatcher(e.queue, e.logger))
	defer e.disp.Store(nil)

	return e.runUserSuppliedInitAndDoMainLoop(initFn)
}

func (e *Infrastructure) runUserSuppliedInitAndDoMainLoop(initFn InitFunc) error {
	panicValue, panicked, initErr := e.callInit(initFn)
	if panicked {
		e.logger.Err().
			Str("panic", fmt.Sprint(panicValue)).
			Log("init function panicked, shutting down")
		e.Stop()
	} else if initErr != nil {
		e.logger.Err().
			Err(initErr).
			Log("init function failed, shutting down")
		e.Stop()
	}

	e.runMainLoopNoFail()

	if panicked {
		panic(panicValue)
	}
	return initErr
}

func (e *Infrastructure) callInit(initFn InitFunc) (panicValue any, panicked bool, err error) {
	if initFn == nil {
		return nil, false, nil
	}

	panicked = true
	defer func() {
		if panicked {
			panicValue = recover()
		}
	}()

	err = initFn(e)
	panicked = false
	return nil, false, err
}

// runMainLoopNoFail turns any escape from the main loop into *MainLoopPanic.
func (e *Infrastructure) runMainLoopNoFail() {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Crit().
				Str("panic", fmt.Sprint(r)).
				Log("main loop panicked")
			panic(&MainLoopPanic{Value: r})
		}
	}()

	e.runMainLoop()
}

func (e *Infrastructure) runMainLoop() {
	// Demands may be queued already: wait stopped must follow a wait start
	e.tracker.WaitStarted()

	e.sync.Lock()
	defer e.sync.Unlock()

	for {
		e.processFinalDeregsIfAny()

		e.performShutdownRelatedActionsIfNeeded()
		if e.shutdown == ShutdownCompleted {
			break
		}

		e.handleExpiredTimersIfAny()

		e.tryHandleNextDemand()
	}

	e.tracker.WaitStopped()
}

// processFinalDeregsIfAny loops because finishing one coop can make its
// parent ready as well.
func (e *Infrastructure) processFinalDeregsIfAny() {
	for len(e.finalDeregs) > 0 {
		batch := e.finalDeregs
		e.finalDeregs = nil

		unlockDoAndLockAgain(e.sync, func() {
			for _, coop := range batch {
				e.FinalDeregisterCoop(coop)
			}
		})
	}
}

func (e *Infrastructure) performShutdownRelatedActionsIfNeeded() {
	if e.shutdown == ShutdownMustStart {
		e.shutdown = ShutdownInProgress
		e.logger.Debug().Log("shutdown started")

		unlockDoAndLockAgain(e.sync, e.repo.DeregisterAll)
	}

	if e.shutdown == ShutdownInProgress && len(e.finalDeregs) == 0 && !e.repo.HasLiveCoop() {
		e.shutdown = ShutdownCompleted
		e.logger.Debug().Log("shutdown completed")
	}
}

func (e *Infrastructure) handleExpiredTimersIfAny() {
	e.timers.ProcessExpiredTimers()

	// Delivery pushes into the event queue, which needs the lock
	if !e.collector.Empty() {
		unlockDoAndLockAgain(e.sync, e.collector.Process)
	}
}

func (e *Infrastructure) tryHandleNextDemand() {
	demand, ok := e.queue.pop()
	if !ok {
		// Sleep only if nothing else is pending
		if len(e.finalDeregs) > 0 || e.shutdown == ShutdownMustStart {
			return
		}

		e.tracker.WaitStartIfNotStarted()

		sleep := e.timers.TimeoutBeforeNearestTimer(e.idleSleepCap)

		e.sync.status = WorkerWaiting
		e.sync.waitFor(sleep)
		e.sync.status = WorkerWorking
		return
	}

	e.tracker.WaitStopped()
	e.tracker.WorkStarted()
	defer e.tracker.WorkStopped()

	disp := e.disp.Load()
	unlockDoAndLockAgain(e.sync, func() {
		disp.HandleDemand(demand)
	})
}

// Stop initiates shutdown. Only the first call has an effect.
func (e *Infrastructure) Stop() {
	e.sync.Lock()
	defer e.sync.Unlock()

	if e.shutdown == ShutdownNotStarted {
		e.shutdown = ShutdownMustStart
		e.logger.Debug().Log("shutdown requested")
		e.sync.wakeupIfWaiting()
	}
}

// MakeCoop creates a coop. A nil binder selects the default dispatcher.
func (e *Infrastructure) MakeCoop(parent core.CoopHandle, binder core.DispBinder) *core.Coop {
	if binder == nil {
		binder = e.MakeDefaultDispBinder()
	}
	return e.repo.MakeCoop(parent, binder)
}

// RegisterCoop registers coop and starts its agents.
func (e *Infrastructure) RegisterCoop(coop *core.Coop) (core.CoopHandle, error) {
	return e.repo.RegisterCoop(coop)
}

// DeregisterCoop starts deregistration of the coop and its children.
func (e *Infrastructure) DeregisterCoop(handle core.CoopHandle, reason core.DeregReason) error {
	return e.repo.DeregisterCoop(handle, reason)
}

// ReadyToDeregisterNotify queues coop for final deregistration on the worker.
func (e *Infrastructure) ReadyToDeregisterNotify(coop *core.Coop) {
	e.sync.Lock()
	defer e.sync.Unlock()

	e.finalDeregs = append(e.finalDeregs, coop)
	e.sync.wakeupIfWaiting()
}

// FinalDeregisterCoop removes coop from the repository and reports whether
// live coops remain.
func (e *Infrastructure) FinalDeregisterCoop(coop *core.Coop) bool {
	return e.repo.FinalDeregister(coop).HasLiveCoop
}

// ScheduleTimer schedules a delayed or, with a positive period, periodic message.
// A nil msg or target is logged and yields an inactive TimerID.
func (e *Infrastructure) ScheduleTimer(msg *core.Message, target core.Mbox, pause, period time.Duration) core.TimerID {
	if err := timer.CheckArgs(msg, target); err != nil {
		e.logRejectedTimer(msg, err)
		return timer.InactiveID()
	}

	e.sync.Lock()
	defer e.sync.Unlock()

	id := e.timers.Schedule(msg, target, pause, period)
	e.sync.wakeupIfWaiting()
	return id
}

// SingleTimer schedules a delayed message that cannot be cancelled.
// A nil msg or target is logged and nothing is scheduled.
func (e *Infrastructure) SingleTimer(msg *core.Message, target core.Mbox, pause time.Duration) {
	if err := timer.CheckArgs(msg, target); err != nil {
		e.logRejectedTimer(msg, err)
		return
	}

	e.sync.Lock()
	defer e.sync.Unlock()

	e.timers.ScheduleAnonymous(msg, target, pause, 0)
	e.sync.wakeupIfWaiting()
}

func (e *Infrastructure) logRejectedTimer(msg *core.Message, err error) {
	e.logger.Warning().
		Str("msg", msg.String()).
		Err(err).
		Log("timer rejected")
}

// MakeDefaultDispBinder returns a binder to the default dispatcher.
// Binding succeeds only while Launch runs.
func (e *Infrastructure) MakeDefaultDispBinder() core.DispBinder {
	return defaultDispBinder{disp: &e.disp}
}

// SetIdleSleepCap changes the idle sleep cap; the worker picks it up at once.
func (e *Infrastructure) SetIdleSleepCap(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidIdleSleepCap, d)
	}

	e.sync.Lock()
	defer e.sync.Unlock()

	e.idleSleepCap = d
	e.sync.wakeupIfWaiting()
	return nil
}

// IdleSleepCap returns the current idle sleep cap.
func (e *Infrastructure) IdleSleepCap() time.Duration {
	e.sync.Lock()
	defer e.sync.Unlock()
	return e.idleSleepCap
}

// QueryCoopRepositoryStats returns coop counts including the final dereg backlog.
func (e *Infrastructure) QueryCoopRepositoryStats() CoopRepositoryStats {
	e.sync.Lock()
	defer e.sync.Unlock()

	stats := e.repo.QueryStats()
	return CoopRepositoryStats{
		CoopCount:           stats.CoopCount,
		AgentCount:          stats.AgentCount,
		FinalDeregCoopCount: len(e.finalDeregs),
	}
}

// QueryTimerThreadStats returns the number of pending timers.
func (e *Infrastructure) QueryTimerThreadStats() core.TimerStats {
	e.sync.Lock()
	defer e.sync.Unlock()
	return e.timers.QueryStats()
}

// QueryEventQueueStats returns the number of queued demands.
func (e *Infrastructure) QueryEventQueueStats() int {
	return e.queue.QueryStats()
}

// ShutdownStatus returns the current shutdown state.
func (e *Infrastructure) ShutdownStatus() ShutdownStatus {
	e.sync.Lock()
	defer e.sync.Unlock()
	return e.shutdown
}

// WorkerStatus returns whether the worker is working or waiting.
func (e *Infrastructure) WorkerStatus() WorkerStatus {
	e.sync.Lock()
	defer e.sync.Unlock()
	return e.sync.status
}

// ActivityStats returns worker activity. It is zero without activity tracking.
func (e *Infrastructure) ActivityStats() ActivityStats {
	if e.activity == nil {
		return ActivityStats{}
	}
	return e.activity.stats()
}

// StatsController returns the controller of stats distribution.
func (e *Infrastructure) StatsController() *StatsController {
	return e.statsCtrl
}

// StatsRepository returns the repository of stats data sources.
func (e *Infrastructure) StatsRepository() *StatsRepository {
	return e.statsRepo
}

func (e *Infrastructure) addDataSources() error {
	put := func(out func(Quantity), suffix string, v int64) {
		out(Quantity{Prefix: StatsPrefix, Suffix: suffix, Value: v})
	}

	sources := map[string]DataSource{
		"coop_repository": func(out func(Quantity)) {
			s := e.QueryCoopRepositoryStats()
			put(out, "coop.reg.count", int64(s.CoopCount))
			put(out, "agent.count", int64(s.AgentCount))
			put(out, "coop.final.dereg.count", int64(s.FinalDeregCoopCount))
		},
		"timers": func(out func(Quantity)) {
			s := e.QueryTimerThreadStats()
			put(out, "timer.single_shot.count", int64(s.SingleShotCount))
			put(out, "timer.periodic.count", int64(s.PeriodicCount))
		},
		"default_disp": func(out func(Quantity)) {
			put(out, "demands.count", int64(e.QueryEventQueueStats()))
			if disp := e.disp.Load(); disp != nil {
				put(out, "disp.agent.count", disp.agentCount.Load())
			}
		},
	}
	if e.activity != nil {
		sources["work_thread_activity"] = func(out func(Quantity)) {
			s := e.ActivityStats()
			put(out, "work_thread.wait.count", int64(s.WaitCount))
			put(out, "work_thread.wait.us", s.WaitDuration.Microseconds())
			put(out, "work_thread.work.count", int64(s.WorkCount))
			put(out, "work_thread.work.us", s.WorkDuration.Microseconds())
		}
	}

	for name, src := range sources {
		if err := e.statsRepo.Add(name, src); err != nil {
			return err
		}
	}
	return nil
}
