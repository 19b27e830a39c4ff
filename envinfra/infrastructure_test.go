package envinfra

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/najoast/stenv/core"
)

const waitTimeout = 5 * time.Second

// listenerEvent is one call observed by recordingListener.
type listenerEvent struct {
	registered bool
	name       string
	reason     core.DeregReason
}

type recordingListener struct {
	mu     sync.Mutex
	events []listenerEvent
}

func (l *recordingListener) OnRegistered(h core.CoopHandle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, listenerEvent{registered: true, name: h.Name()})
}

func (l *recordingListener) OnDeregistered(h core.CoopHandle, reason core.DeregReason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, listenerEvent{name: h.Name(), reason: reason})
}

func (l *recordingListener) deregistered() []listenerEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []listenerEvent
	for _, e := range l.events {
		if !e.registered {
			out = append(out, e)
		}
	}
	return out
}

// chanMbox forwards messages to a channel without blocking.
type chanMbox chan *core.Message

func (m chanMbox) Deliver(msg *core.Message) error {
	select {
	case m <- msg:
	default:
	}
	return nil
}

type panicMbox struct{}

func (panicMbox) Deliver(*core.Message) error {
	panic("delivery exploded")
}

func newTestInfra(t *testing.T, opts ...Option) *Infrastructure {
	t.Helper()
	e, err := New(opts...)
	require.NoError(t, err)
	return e
}

// launchAsync runs Launch on its own goroutine and returns its result channel.
func launchAsync(e *Infrastructure, initFn InitFunc) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- e.Launch(initFn)
	}()
	return done
}

func waitLaunch(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(waitTimeout):
		require.FailNow(t, "Launch did not return")
		return nil
	}
}

func registerAgent(t *testing.T, env core.Environment, name string, setup func(a *core.Agent)) core.CoopHandle {
	t.Helper()
	coop := env.MakeCoop(core.CoopHandle{}, nil)
	coop.SetName(name)
	agent := core.NewAgent(name)
	if setup != nil {
		setup(agent)
	}
	require.NoError(t, coop.AddAgent(agent))
	h, err := env.RegisterCoop(coop)
	require.NoError(t, err)
	return h
}

func TestNewRejectsInvalidIdleSleepCap(t *testing.T) {
	_, err := New(WithIdleSleepCap(0))
	assert.ErrorIs(t, err, ErrInvalidIdleSleepCap)

	e := newTestInfra(t, nil, WithIdleSleepCap(time.Second))
	assert.Equal(t, time.Second, e.IdleSleepCap())
}

func TestStopIsIdempotent(t *testing.T) {
	e := newTestInfra(t)
	assert.Equal(t, ShutdownNotStarted, e.ShutdownStatus())

	for i := 0; i < 3; i++ {
		e.Stop()
		assert.Equal(t, ShutdownMustStart, e.ShutdownStatus())
	}

	// Stop before Launch: the loop completes shutdown on its own
	require.NoError(t, waitLaunch(t, launchAsync(e, nil)))
	assert.Equal(t, ShutdownCompleted, e.ShutdownStatus())

	e.Stop()
	assert.Equal(t, ShutdownCompleted, e.ShutdownStatus())
}

func TestLaunchTwice(t *testing.T) {
	e := newTestInfra(t)
	e.Stop()
	require.NoError(t, e.Launch(nil))
	assert.ErrorIs(t, e.Launch(nil), ErrAlreadyLaunched)
}

func TestDemandProcessedOnceThenIdleUntilStop(t *testing.T) {
	e := newTestInfra(t)

	var calls atomic.Int32
	done := launchAsync(e, func(core.Environment) error {
		e.queue.Push(core.ExecutionDemand{Handler: func(*core.ExecutionDemand) error {
			calls.Add(1)
			return nil
		}})
		return nil
	})

	require.Eventually(t, func() bool {
		return calls.Load() == 1 && e.WorkerStatus() == WorkerWaiting
	}, waitTimeout, time.Millisecond)

	e.Stop()
	require.NoError(t, waitLaunch(t, done))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, ShutdownCompleted, e.ShutdownStatus())
}

func TestTimerShortensIdleWait(t *testing.T) {
	e := newTestInfra(t, WithIdleSleepCap(time.Minute))

	fired := make(chan struct{})
	done := launchAsync(e, func(env core.Environment) error {
		var target *core.Agent
		registerAgent(t, env, "timer-target", func(a *core.Agent) {
			target = a
			a.On("tick", func(*core.Message) error {
				close(fired)
				return nil
			})
		})
		env.SingleTimer(core.NewMessage("tick", nil), target, 10*time.Millisecond)
		return nil
	})

	select {
	case <-fired:
	case <-time.After(waitTimeout):
		require.FailNow(t, "timer message was not handled before the idle cap")
	}

	e.Stop()
	require.NoError(t, waitLaunch(t, done))
}

func TestScheduleTimerWakesWaitingWorker(t *testing.T) {
	e := newTestInfra(t, WithIdleSleepCap(time.Minute))
	ch := make(chanMbox, 1)

	done := launchAsync(e, nil)
	require.Eventually(t, func() bool {
		return e.WorkerStatus() == WorkerWaiting
	}, waitTimeout, time.Millisecond)

	id := e.ScheduleTimer(core.NewMessage("late", nil), ch, 5*time.Millisecond, 0)
	select {
	case msg := <-ch:
		assert.Equal(t, core.MessageType("late"), msg.Type)
	case <-time.After(waitTimeout):
		require.FailNow(t, "worker slept through a new timer")
	}
	assert.False(t, id.IsActive())

	e.Stop()
	require.NoError(t, waitLaunch(t, done))
}

func TestFakeClockDrivesIdleWait(t *testing.T) {
	clock := clockwork.NewFakeClock()
	e := newTestInfra(t, WithTimerClock(clock), WithIdleSleepCap(time.Minute))
	ch := make(chanMbox, 1)

	done := launchAsync(e, func(env core.Environment) error {
		env.SingleTimer(core.NewMessage("hourly", nil), ch, time.Hour)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1), "worker never started an idle wait")
	require.Equal(t, WorkerWaiting, e.WorkerStatus())

	clock.Advance(time.Hour)
	select {
	case msg := <-ch:
		assert.Equal(t, core.MessageType("hourly"), msg.Type)
	case <-time.After(waitTimeout):
		require.FailNow(t, "advancing the clock did not wake the worker")
	}

	e.Stop()
	require.NoError(t, waitLaunch(t, done))
}

func TestTimerRejectsNilArguments(t *testing.T) {
	e := newTestInfra(t)
	ch := make(chanMbox, 1)

	done := launchAsync(e, func(env core.Environment) error {
		env.SingleTimer(core.NewMessage("lost", nil), nil, time.Millisecond)
		env.SingleTimer(nil, ch, time.Millisecond)

		id := env.ScheduleTimer(core.NewMessage("lost", nil), nil, time.Millisecond, time.Millisecond)
		assert.False(t, id.IsActive())
		id.Release()

		id = env.ScheduleTimer(nil, ch, time.Millisecond, 0)
		assert.False(t, id.IsActive())

		env.SingleTimer(core.NewMessage("ok", nil), ch, time.Millisecond)
		return nil
	})

	select {
	case msg := <-ch:
		assert.Equal(t, core.MessageType("ok"), msg.Type)
	case <-time.After(waitTimeout):
		require.FailNow(t, "valid timer was not delivered")
	}
	assert.Equal(t, core.TimerStats{}, e.QueryTimerThreadStats())

	e.Stop()
	require.NoError(t, waitLaunch(t, done))
	assert.Equal(t, ShutdownCompleted, e.ShutdownStatus())
}

// asyncBinder runs the demands of its agents on a separate goroutine with a delay.
type asyncBinder struct {
	delay time.Duration
	q     chan core.ExecutionDemand
	wg    sync.WaitGroup
}

func newAsyncBinder(delay time.Duration) *asyncBinder {
	b := &asyncBinder{delay: delay, q: make(chan core.ExecutionDemand, 64)}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for d := range b.q {
			time.Sleep(b.delay)
			_ = d.Call()
		}
	}()
	return b
}

func (b *asyncBinder) Push(d core.ExecutionDemand) { b.q <- d }

func (b *asyncBinder) Bind(*core.Agent) (core.EventQueue, error) { return b, nil }

func (b *asyncBinder) Unbind(*core.Agent) {}

func (b *asyncBinder) close() {
	close(b.q)
	b.wg.Wait()
}

func TestShutdownDrainsAsynchronousFinalDeregs(t *testing.T) {
	listener := &recordingListener{}
	e := newTestInfra(t, WithCoopListener(listener))

	fast := newAsyncBinder(10 * time.Millisecond)
	slow := newAsyncBinder(60 * time.Millisecond)

	done := launchAsync(e, func(env core.Environment) error {
		for name, binder := range map[string]core.DispBinder{"fast": fast, "slow": slow} {
			coop := env.MakeCoop(core.CoopHandle{}, binder)
			coop.SetName(name)
			require.NoError(t, coop.AddAgent(core.NewAgent(name)))
			_, err := env.RegisterCoop(coop)
			require.NoError(t, err)
		}
		env.Stop()
		return nil
	})

	require.NoError(t, waitLaunch(t, done))
	fast.close()
	slow.close()

	deregs := listener.deregistered()
	require.Len(t, deregs, 2)
	assert.Equal(t, "fast", deregs[0].name)
	assert.Equal(t, "slow", deregs[1].name)
	for _, d := range deregs {
		assert.Equal(t, core.DeregShutdown, d.reason)
	}

	assert.Equal(t, CoopRepositoryStats{}, e.QueryCoopRepositoryStats())
	assert.Equal(t, ShutdownCompleted, e.ShutdownStatus())
}

func TestInitErrorReturnedAfterDrain(t *testing.T) {
	listener := &recordingListener{}
	e := newTestInfra(t, WithCoopListener(listener))

	initErr := errors.New("init failed")
	var finished atomic.Bool

	err := e.Launch(func(env core.Environment) error {
		registerAgent(t, env, "survivor", func(a *core.Agent) {
			a.OnFinish(func() { finished.Store(true) })
		})
		return initErr
	})

	assert.Same(t, initErr, err)
	assert.True(t, finished.Load(), "agent must be finished before Launch returns")
	assert.Equal(t, CoopRepositoryStats{}, e.QueryCoopRepositoryStats())
	require.Len(t, listener.deregistered(), 1)
	assert.Equal(t, core.DeregShutdown, listener.deregistered()[0].reason)
}

func TestInitPanicRaisedAfterDrain(t *testing.T) {
	e := newTestInfra(t)
	var finished atomic.Bool

	assert.PanicsWithValue(t, "init exploded", func() {
		_ = e.Launch(func(env core.Environment) error {
			registerAgent(t, env, "survivor", func(a *core.Agent) {
				a.OnFinish(func() { finished.Store(true) })
			})
			panic("init exploded")
		})
	})

	assert.True(t, finished.Load())
	assert.Equal(t, CoopRepositoryStats{}, e.QueryCoopRepositoryStats())
	assert.Equal(t, ShutdownCompleted, e.ShutdownStatus())
}

func TestMainLoopPanicIsWrapped(t *testing.T) {
	e := newTestInfra(t)

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		_ = e.Launch(func(env core.Environment) error {
			env.SingleTimer(core.NewMessage("boom", nil), panicMbox{}, 0)
			return nil
		})
	}()

	var mlp *MainLoopPanic
	require.ErrorAs(t, asError(recovered), &mlp)
	assert.Equal(t, "delivery exploded", mlp.Value)

	// The lock must not stay held
	assert.Equal(t, 0, e.QueryEventQueueStats())
}

func asError(v any) error {
	err, _ := v.(error)
	return err
}

func TestHandlerFailuresDoNotEscape(t *testing.T) {
	e := newTestInfra(t)
	var after atomic.Bool

	err := e.Launch(func(env core.Environment) error {
		registerAgent(t, env, "fragile", func(a *core.Agent) {
			a.OnStart(func() error {
				if err := a.Deliver(core.NewMessage("panic", nil)); err != nil {
					return err
				}
				if err := a.Deliver(core.NewMessage("after", nil)); err != nil {
					return err
				}
				return errors.New("start failed")
			})
			a.On("panic", func(*core.Message) error { panic("handler exploded") })
			a.On("after", func(*core.Message) error {
				after.Store(true)
				env.Stop()
				return nil
			})
		})
		return nil
	})

	require.NoError(t, err)
	assert.True(t, after.Load(), "demands after a failing one must still run")
}

func TestMultipleProducersKeepPerProducerOrder(t *testing.T) {
	e := newTestInfra(t)

	const (
		producers = 8
		perProd   = 200
	)
	type item struct{ producer, seq int }

	var got []item
	var agent *core.Agent
	ready := make(chan struct{})

	done := launchAsync(e, func(env core.Environment) error {
		registerAgent(t, env, "sink", func(a *core.Agent) {
			agent = a
			a.On("item", func(msg *core.Message) error {
				got = append(got, msg.Data.(item))
				if len(got) == producers*perProd {
					env.Stop()
				}
				return nil
			})
		})
		close(ready)
		return nil
	})
	<-ready

	var g errgroup.Group
	for p := 0; p < producers; p++ {
		g.Go(func() error {
			for i := 0; i < perProd; i++ {
				if err := agent.Deliver(core.NewMessage("item", item{p, i})); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, waitLaunch(t, done))

	require.Len(t, got, producers*perProd)
	next := make([]int, producers)
	for _, it := range got {
		require.Equal(t, next[it.producer], it.seq, "producer %d out of order", it.producer)
		next[it.producer]++
	}
}

func TestParentWaitsForChild(t *testing.T) {
	listener := &recordingListener{}
	e := newTestInfra(t, WithCoopListener(listener))

	err := e.Launch(func(env core.Environment) error {
		parent := registerAgent(t, env, "parent", nil)

		child := env.MakeCoop(parent, nil)
		child.SetName("child")
		require.NoError(t, child.AddAgent(core.NewAgent("child")))
		_, err := env.RegisterCoop(child)
		require.NoError(t, err)

		require.NoError(t, env.DeregisterCoop(parent, core.DeregNormal))
		require.NoError(t, env.DeregisterCoop(parent, core.DeregNormal), "second deregistration is a no-op")
		env.Stop()
		return nil
	})
	require.NoError(t, err)

	deregs := listener.deregistered()
	require.Len(t, deregs, 2)
	assert.Equal(t, listenerEvent{name: "child", reason: core.DeregParentDeregistration}, deregs[0])
	assert.Equal(t, listenerEvent{name: "parent", reason: core.DeregNormal}, deregs[1])
}

func TestRegisterOutsideLaunchFails(t *testing.T) {
	e := newTestInfra(t)
	coop := e.MakeCoop(core.CoopHandle{}, nil)
	require.NoError(t, coop.AddAgent(core.NewAgent("orphan")))

	_, err := e.RegisterCoop(coop)
	assert.ErrorIs(t, err, ErrNoDefaultDispatcher)
	assert.Equal(t, CoopRepositoryStats{}, e.QueryCoopRepositoryStats())
}

func TestSetIdleSleepCap(t *testing.T) {
	e := newTestInfra(t)
	assert.ErrorIs(t, e.SetIdleSleepCap(0), ErrInvalidIdleSleepCap)
	assert.Equal(t, DefaultIdleSleepCap, e.IdleSleepCap())

	done := launchAsync(e, nil)
	require.Eventually(t, func() bool {
		return e.WorkerStatus() == WorkerWaiting
	}, waitTimeout, time.Millisecond)

	require.NoError(t, e.SetIdleSleepCap(5*time.Millisecond))
	assert.Equal(t, 5*time.Millisecond, e.IdleSleepCap())

	e.Stop()
	require.NoError(t, waitLaunch(t, done))
}

func TestActivityStats(t *testing.T) {
	t.Run("tracking on", func(t *testing.T) {
		e := newTestInfra(t, WithActivityTracking(true))
		err := e.Launch(func(env core.Environment) error {
			registerAgent(t, env, "worker", nil)
			env.Stop()
			return nil
		})
		require.NoError(t, err)

		stats := e.ActivityStats()
		assert.GreaterOrEqual(t, stats.WorkCount, uint64(2), "start and finish demands")
		assert.GreaterOrEqual(t, stats.WaitCount, uint64(1))
		assert.False(t, stats.Working)
		assert.False(t, stats.Waiting)
	})

	t.Run("tracking off", func(t *testing.T) {
		e := newTestInfra(t)
		e.Stop()
		require.NoError(t, e.Launch(nil))
		assert.Equal(t, ActivityStats{}, e.ActivityStats())
	})
}

func TestStatsRepository(t *testing.T) {
	e := newTestInfra(t, WithActivityTracking(true))
	repo := e.StatsRepository()

	values := map[string]int64{}
	for _, q := range repo.Snapshot() {
		assert.Equal(t, StatsPrefix, q.Prefix)
		values[q.Suffix] = q.Value
	}
	assert.Contains(t, values, "coop.reg.count")
	assert.Contains(t, values, "agent.count")
	assert.Contains(t, values, "coop.final.dereg.count")
	assert.Contains(t, values, "timer.single_shot.count")
	assert.Contains(t, values, "demands.count")
	assert.Contains(t, values, "work_thread.work.count")
	assert.NotContains(t, values, "disp.agent.count", "no default dispatcher outside Launch")

	assert.ErrorIs(t, repo.Add("timers", func(func(Quantity)) {}), ErrDuplicateDataSource)

	require.NoError(t, repo.Add("custom", func(emit func(Quantity)) {
		emit(Quantity{Prefix: "app", Suffix: "answer", Value: 42})
	}))
	assert.Contains(t, repo.Snapshot(), Quantity{Prefix: "app", Suffix: "answer", Value: 42})

	repo.Remove("custom")
	repo.Remove("never-added")
	assert.NotContains(t, repo.Snapshot(), Quantity{Prefix: "app", Suffix: "answer", Value: 42})
}

func TestStatsDistribution(t *testing.T) {
	target := make(chanMbox, 16)
	e := newTestInfra(t, WithStatsDistribution(target))
	ctrl := e.StatsController()

	_, err := ctrl.SetDistributionPeriod(0)
	assert.ErrorIs(t, err, ErrInvalidStatsPeriod)
	prev, err := ctrl.SetDistributionPeriod(5 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, defaultStatsPeriod, prev)

	done := launchAsync(e, nil)

	assert.False(t, ctrl.IsOn())
	ctrl.TurnOn()
	ctrl.TurnOn()
	assert.True(t, ctrl.IsOn())

	select {
	case msg := <-target:
		assert.Equal(t, MsgStatsDistribution, msg.Type)
		assert.NotEmpty(t, msg.Data.([]Quantity))
	case <-time.After(waitTimeout):
		require.FailNow(t, "no stats distributed")
	}

	ctrl.TurnOff()
	assert.False(t, ctrl.IsOn())
	assert.Equal(t, core.TimerStats{}, e.QueryTimerThreadStats())

	e.Stop()
	require.NoError(t, waitLaunch(t, done))
}
