package core

import (
	"fmt"
	"sync"
)

// HandlerFunc processes a single message for an Agent.
type HandlerFunc func(msg *Message) error

// Agent is a unit of message handling. All demands of an agent are executed
// one at a time by the dispatcher the agent is bound to.
type Agent struct {
	name string

	// Set up before registration, read-only afterwards
	handlers map[MessageType]HandlerFunc
	onStart  func() error
	onFinish func()
	binder   DispBinder

	// mu guards the fields below
	mu            sync.Mutex
	id            AgentID
	coop          *Coop
	queue         EventQueue
	state         AgentState
	stopRequested bool
}

// NewAgent creates a new Agent instance.
func NewAgent(name string) *Agent {
	return &Agent{
		name:     name,
		handlers: make(map[MessageType]HandlerFunc),
	}
}

// Name returns the agent's name.
func (a *Agent) Name() string {
	return a.name
}

// ID returns the agent ID, which is assigned at registration.
func (a *Agent) ID() AgentID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.id
}

// State returns the current agent state.
func (a *Agent) State() AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Coop returns the coop the agent was added to, or nil.
func (a *Agent) Coop() *Coop {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.coop
}

// Environment returns the environment of the agent's coop, or nil.
func (a *Agent) Environment() Environment {
	coop := a.Coop()
	if coop == nil {
		return nil
	}
	return coop.env
}

// On subscribes fn to messages of msgType.
// Subscriptions must be made before the agent's coop is registered.
func (a *Agent) On(msgType MessageType, fn HandlerFunc) *Agent {
	a.handlers[msgType] = fn
	return a
}

// OnStart sets the hook executed as the first demand of the agent.
func (a *Agent) OnStart(fn func() error) *Agent {
	a.onStart = fn
	return a
}

// OnFinish sets the hook executed as the last demand of the agent.
func (a *Agent) OnFinish(fn func()) *Agent {
	a.onFinish = fn
	return a
}

// SetBinder overrides the coop's default binder for this agent.
func (a *Agent) SetBinder(binder DispBinder) *Agent {
	a.binder = binder
	return a
}

// Deliver implements Mbox. Messages are accepted only between registration
// of the agent's coop and the start of its deregistration.
func (a *Agent) Deliver(msg *Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case AgentStateCreated:
		return fmt.Errorf("%w: %s", ErrAgentNotBound, a.name)
	case AgentStateBound:
		a.queue.Push(ExecutionDemand{
			Agent:   a,
			Message: msg,
			Handler: handleMessageDemand,
		})
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrAgentFinished, a.name)
	}
}

// String returns the agent name with its ID.
func (a *Agent) String() string {
	return fmt.Sprintf("%s(%d)", a.name, a.ID())
}

// attach makes the agent a member of coop.
func (a *Agent) attach(coop *Coop) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.coop != nil {
		return fmt.Errorf("%w: %s", ErrAgentAlreadyInCoop, a.name)
	}
	a.coop = coop
	return nil
}

// activate binds the agent to its queue and queues the start demand.
// A shutdown requested before activation is honored right after the start.
func (a *Agent) activate(id AgentID, queue EventQueue) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.id = id
	a.queue = queue
	a.state = AgentStateBound

	queue.Push(ExecutionDemand{Agent: a, Handler: handleStartDemand})

	if a.stopRequested {
		a.pushFinishLocked()
	}
}

// shutdown queues the finish demand. After it no message is accepted.
func (a *Agent) shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case AgentStateCreated:
		a.stopRequested = true
	case AgentStateBound:
		a.pushFinishLocked()
	}
}

func (a *Agent) pushFinishLocked() {
	a.state = AgentStateFinishing
	a.queue.Push(ExecutionDemand{Agent: a, Handler: handleFinishDemand})
}

func handleStartDemand(d *ExecutionDemand) error {
	if d.Agent.onStart == nil {
		return nil
	}
	return d.Agent.onStart()
}

func handleMessageDemand(d *ExecutionDemand) error {
	// Messages without a subscription are silently ignored
	fn, ok := d.Agent.handlers[d.Message.Type]
	if !ok {
		return nil
	}
	return fn(d.Message)
}

func handleFinishDemand(d *ExecutionDemand) error {
	a := d.Agent

	// The coop reference must be released even if the hook panics
	defer a.coop.releaseRef()
	defer func() {
		a.mu.Lock()
		a.state = AgentStateFinished
		a.mu.Unlock()
	}()

	if a.onFinish != nil {
		a.onFinish()
	}
	return nil
}
