package core

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceQueue is an EventQueue drained explicitly by tests.
type sliceQueue struct {
	mu      sync.Mutex
	demands []ExecutionDemand
}

func (q *sliceQueue) Push(d ExecutionDemand) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.demands = append(q.demands, d)
}

// runAll executes queued demands, including ones pushed while running.
func (q *sliceQueue) runAll(t *testing.T) int {
	t.Helper()
	n := 0
	for {
		q.mu.Lock()
		if len(q.demands) == 0 {
			q.mu.Unlock()
			return n
		}
		d := q.demands[0]
		q.demands = q.demands[1:]
		q.mu.Unlock()

		_ = d.Call()
		n++
	}
}

type testBinder struct {
	queue   *sliceQueue
	bindErr error
	bound   int
	unbound int
}

func (b *testBinder) Bind(*Agent) (EventQueue, error) {
	if b.bindErr != nil {
		return nil, b.bindErr
	}
	b.bound++
	return b.queue, nil
}

func (b *testBinder) Unbind(*Agent) {
	b.unbound++
}

// fakeEnv performs final deregistration synchronously.
type fakeEnv struct {
	repo     *CoopRepo
	mu       sync.Mutex
	notified []*Coop
}

func (e *fakeEnv) ReadyToDeregisterNotify(coop *Coop) {
	e.mu.Lock()
	e.notified = append(e.notified, coop)
	e.mu.Unlock()
}

// finalizeNotified final-deregisters every notified coop, cascading.
func (e *fakeEnv) finalizeNotified() []*Coop {
	var done []*Coop
	for {
		e.mu.Lock()
		batch := e.notified
		e.notified = nil
		e.mu.Unlock()
		if len(batch) == 0 {
			return done
		}
		for _, c := range batch {
			e.repo.FinalDeregister(c)
			done = append(done, c)
		}
	}
}

func (e *fakeEnv) Stop() {}

func (e *fakeEnv) MakeCoop(parent CoopHandle, binder DispBinder) *Coop {
	return e.repo.MakeCoop(parent, binder)
}

func (e *fakeEnv) RegisterCoop(coop *Coop) (CoopHandle, error) {
	return e.repo.RegisterCoop(coop)
}

func (e *fakeEnv) DeregisterCoop(h CoopHandle, reason DeregReason) error {
	return e.repo.DeregisterCoop(h, reason)
}

func (e *fakeEnv) ScheduleTimer(*Message, Mbox, time.Duration, time.Duration) TimerID {
	return nil
}

func (e *fakeEnv) SingleTimer(*Message, Mbox, time.Duration) {}

func (e *fakeEnv) MakeDefaultDispBinder() DispBinder {
	return nil
}

type listenerCall struct {
	name       string
	registered bool
	reason     DeregReason
}

type testListener struct {
	calls []listenerCall
}

func (l *testListener) OnRegistered(h CoopHandle) {
	l.calls = append(l.calls, listenerCall{name: h.Name(), registered: true})
}

func (l *testListener) OnDeregistered(h CoopHandle, reason DeregReason) {
	l.calls = append(l.calls, listenerCall{name: h.Name(), reason: reason})
}

type fixture struct {
	env      *fakeEnv
	repo     *CoopRepo
	queue    *sliceQueue
	binder   *testBinder
	listener *testListener
}

func newFixture() *fixture {
	f := &fixture{
		env:      &fakeEnv{},
		queue:    &sliceQueue{},
		listener: &testListener{},
	}
	f.binder = &testBinder{queue: f.queue}
	f.repo = NewCoopRepository(f.env, f.listener)
	f.env.repo = f.repo
	return f
}

func (f *fixture) coop(t *testing.T, parent CoopHandle, name string, agents ...*Agent) *Coop {
	t.Helper()
	c := f.repo.MakeCoop(parent, f.binder)
	c.SetName(name)
	for _, a := range agents {
		require.NoError(t, c.AddAgent(a))
	}
	return c
}

func TestMakeCoopGeneratesName(t *testing.T) {
	f := newFixture()
	a := f.repo.MakeCoop(CoopHandle{}, nil)
	b := f.repo.MakeCoop(CoopHandle{}, nil)

	assert.Regexp(t, `^coop-[0-9a-f-]{36}$`, a.Name())
	assert.NotEqual(t, a.Name(), b.Name())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.False(t, a.Parent().IsValid())
	assert.Equal(t, CoopStatusCreated, a.Status())
}

func TestRegisterCoopValidation(t *testing.T) {
	f := newFixture()

	_, err := f.repo.RegisterCoop(nil)
	assert.ErrorIs(t, err, ErrNilCoop)

	_, err = f.repo.RegisterCoop(f.coop(t, CoopHandle{}, "empty"))
	assert.ErrorIs(t, err, ErrEmptyCoop)

	other := NewCoopRepository(f.env, nil)
	foreign := other.MakeCoop(CoopHandle{}, f.binder)
	require.NoError(t, foreign.AddAgent(NewAgent("x")))
	_, err = f.repo.RegisterCoop(foreign)
	assert.ErrorIs(t, err, ErrCoopNotFound)

	parent := f.coop(t, CoopHandle{}, "unregistered-parent", NewAgent("p"))
	child := f.coop(t, parent.Handle(), "child", NewAgent("c"))
	_, err = f.repo.RegisterCoop(child)
	assert.ErrorIs(t, err, ErrParentNotRegistered)

	noBinder := f.repo.MakeCoop(CoopHandle{}, nil)
	require.NoError(t, noBinder.AddAgent(NewAgent("lonely")))
	_, err = f.repo.RegisterCoop(noBinder)
	assert.ErrorIs(t, err, ErrNoDispBinder)

	assert.Equal(t, CoopRepoStats{}, f.repo.QueryStats())
	assert.False(t, f.repo.HasLiveCoop())
}

func TestRegisterCoopBindFailureUnbinds(t *testing.T) {
	f := newFixture()
	bindErr := errors.New("no room")

	good := NewAgent("good")
	bad := NewAgent("bad").SetBinder(&testBinder{bindErr: bindErr})
	c := f.coop(t, CoopHandle{}, "partial", good, bad)

	_, err := f.repo.RegisterCoop(c)
	assert.ErrorIs(t, err, bindErr)
	assert.Equal(t, 1, f.binder.bound)
	assert.Equal(t, 1, f.binder.unbound)
	assert.Equal(t, AgentStateCreated, good.State())
}

func TestCoopLifecycle(t *testing.T) {
	f := newFixture()

	var trace []string
	agent := NewAgent("worker").
		OnStart(func() error { trace = append(trace, "start"); return nil }).
		OnFinish(func() { trace = append(trace, "finish") }).
		On("work", func(m *Message) error { trace = append(trace, "work:"+m.Data.(string)); return nil })

	assert.ErrorIs(t, agent.Deliver(NewMessage("work", "early")), ErrAgentNotBound)

	c := f.coop(t, CoopHandle{}, "lifecycle", agent)
	h, err := f.repo.RegisterCoop(c)
	require.NoError(t, err)
	require.True(t, h.IsValid())
	assert.Equal(t, CoopStatusRegistered, c.Status())
	assert.Equal(t, AgentStateBound, agent.State())
	assert.NotZero(t, agent.ID())
	assert.Equal(t, CoopRepoStats{CoopCount: 1, AgentCount: 1}, f.repo.QueryStats())

	_, err = f.repo.RegisterCoop(c)
	assert.ErrorIs(t, err, ErrCoopAlreadyRegistered)
	assert.ErrorIs(t, c.AddAgent(NewAgent("late")), ErrCoopAlreadyRegistered)

	require.NoError(t, agent.Deliver(NewMessage("work", "a")))
	require.NoError(t, agent.Deliver(NewMessage("ignored", nil)))
	f.queue.runAll(t)

	require.NoError(t, f.repo.DeregisterCoop(h, DeregNormal))
	assert.Equal(t, CoopStatusDeregistering, c.Status())
	assert.ErrorIs(t, agent.Deliver(NewMessage("work", "b")), ErrAgentFinished)
	assert.Empty(t, f.env.finalizeNotified(), "finish demand has not run yet")

	f.queue.runAll(t)
	assert.Equal(t, AgentStateFinished, agent.State())

	done := f.env.finalizeNotified()
	require.Equal(t, []*Coop{c}, done)
	assert.Equal(t, CoopStatusDestroyed, c.Status())
	assert.False(t, f.repo.HasLiveCoop())
	assert.Equal(t, 1, f.binder.unbound)

	assert.Equal(t, []string{"start", "work:a", "finish"}, trace)
	assert.Equal(t, []listenerCall{
		{name: "lifecycle", registered: true},
		{name: "lifecycle", reason: DeregNormal},
	}, f.listener.calls)

	assert.ErrorIs(t, f.repo.DeregisterCoop(h, DeregNormal), ErrCoopNotFound)
}

func TestChildDeregisteredBeforeParent(t *testing.T) {
	f := newFixture()

	parent := f.coop(t, CoopHandle{}, "parent", NewAgent("p"))
	ph, err := f.repo.RegisterCoop(parent)
	require.NoError(t, err)

	child := f.coop(t, ph, "child", NewAgent("c"))
	_, err = f.repo.RegisterCoop(child)
	require.NoError(t, err)
	assert.Equal(t, ph, child.Parent())
	f.queue.runAll(t)

	require.NoError(t, f.repo.DeregisterCoop(ph, DeregUserDefined+7))
	assert.Equal(t, CoopStatusDeregistering, child.Status())

	f.queue.runAll(t)
	done := f.env.finalizeNotified()
	assert.Equal(t, []*Coop{child, parent}, done)

	f.listener.calls = f.listener.calls[2:]
	assert.Equal(t, []listenerCall{
		{name: "child", reason: DeregParentDeregistration},
		{name: "parent", reason: DeregUserDefined + 7},
	}, f.listener.calls)
	assert.Equal(t, CoopRepoStats{}, f.repo.QueryStats())
}

func TestDeregisterAllBlocksRegistration(t *testing.T) {
	f := newFixture()

	a := f.coop(t, CoopHandle{}, "a", NewAgent("a"))
	ah, err := f.repo.RegisterCoop(a)
	require.NoError(t, err)
	b := f.coop(t, ah, "b", NewAgent("b"))
	_, err = f.repo.RegisterCoop(b)
	require.NoError(t, err)

	f.repo.DeregisterAll()

	_, err = f.repo.RegisterCoop(f.coop(t, CoopHandle{}, "late", NewAgent("late")))
	assert.ErrorIs(t, err, ErrShutdownInProgress)

	assert.True(t, f.repo.HasLiveCoop())
	f.queue.runAll(t)
	f.env.finalizeNotified()
	assert.False(t, f.repo.HasLiveCoop())

	assert.Equal(t, DeregShutdown, f.listener.calls[len(f.listener.calls)-1].reason)
}

func TestShutdownBeforeActivation(t *testing.T) {
	a := NewAgent("early-stop")
	c := &Coop{}
	require.NoError(t, a.attach(c))

	a.shutdown()
	q := &sliceQueue{}
	a.activate(1, q)

	// Start then finish, nothing in between
	require.Len(t, q.demands, 2)
	assert.Equal(t, AgentStateFinishing, a.State())
	assert.ErrorIs(t, a.Deliver(NewMessage("x", nil)), ErrAgentFinished)
}

func TestAgentBelongsToOneCoop(t *testing.T) {
	f := newFixture()
	a := NewAgent("shared")
	require.NoError(t, f.coop(t, CoopHandle{}, "first").AddAgent(a))
	assert.ErrorIs(t, f.coop(t, CoopHandle{}, "second").AddAgent(a), ErrAgentAlreadyInCoop)
	assert.ErrorIs(t, f.coop(t, CoopHandle{}, "third").AddAgent(nil), ErrNilAgent)
}

func TestDeregReasonString(t *testing.T) {
	tests := []struct {
		reason DeregReason
		want   string
	}{
		{DeregNormal, "normal"},
		{DeregShutdown, "shutdown"},
		{DeregParentDeregistration, "parent_deregistration"},
		{DeregUserDefined + 3, "user_defined(3)"},
		{DeregReason(500), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.reason.String())
	}
}

func TestCoopHandle(t *testing.T) {
	var zero CoopHandle
	assert.False(t, zero.IsValid())
	assert.Equal(t, "<invalid>", zero.String())
	assert.Equal(t, "", zero.Name())

	f := newFixture()
	c := f.coop(t, CoopHandle{}, "named")
	assert.Equal(t, "named", c.Handle().Name())
	assert.Contains(t, c.Handle().String(), "(named)")
}
