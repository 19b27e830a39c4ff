package core

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// CoopHandle refers to a registered coop. The zero value is invalid.
type CoopHandle struct {
	id   uint64
	coop *Coop
}

// ID returns the coop ID.
func (h CoopHandle) ID() uint64 {
	return h.id
}

// IsValid reports whether the handle refers to a coop.
func (h CoopHandle) IsValid() bool {
	return h.coop != nil
}

// Name returns the coop name, or "" for an invalid handle.
func (h CoopHandle) Name() string {
	if h.coop == nil {
		return ""
	}
	return h.coop.Name()
}

// String returns a string representation of the handle.
func (h CoopHandle) String() string {
	if h.coop == nil {
		return "<invalid>"
	}
	return fmt.Sprintf(":%08x(%s)", h.id, h.coop.Name())
}

// Coop is a cooperation: a group of agents registered and deregistered
// as a unit.
//
// A registered coop is reference counted: one reference for being
// registered, one per agent that has not finished, one per child coop that
// has not been finally deregistered. When the count drops to zero the coop
// is handed to the environment for final deregistration.
type Coop struct {
	id     uint64
	parent *Coop
	binder DispBinder
	env    Environment
	repo   *CoopRepo

	// mu guards name, agents and sealed
	mu     sync.Mutex
	name   string
	agents []*Agent
	sealed bool

	// Guarded by repo.mu
	status   CoopStatus
	reason   DeregReason
	children map[uint64]*Coop

	refs atomic.Int64
}

// ID returns the coop ID.
func (c *Coop) ID() uint64 {
	return c.id
}

// Name returns the coop name.
func (c *Coop) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// SetName renames the coop. Ignored once registration has started.
func (c *Coop) SetName(name string) *Coop {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sealed && name != "" {
		c.name = name
	}
	return c
}

// Handle returns a handle for this coop.
func (c *Coop) Handle() CoopHandle {
	return CoopHandle{id: c.id, coop: c}
}

// Parent returns the parent handle; invalid for top-level coops.
func (c *Coop) Parent() CoopHandle {
	if c.parent == nil {
		return CoopHandle{}
	}
	return c.parent.Handle()
}

// Environment returns the environment the coop was made by.
func (c *Coop) Environment() Environment {
	return c.env
}

// Status returns the registration status.
func (c *Coop) Status() CoopStatus {
	c.repo.mu.Lock()
	defer c.repo.mu.Unlock()
	return c.status
}

// Agents returns a copy of the agent list.
func (c *Coop) Agents() []*Agent {
	c.mu.Lock()
	defer c.mu.Unlock()
	agents := make([]*Agent, len(c.agents))
	copy(agents, c.agents)
	return agents
}

// AddAgent adds an agent to the coop. Agents can only be added before
// registration and an agent can belong to a single coop.
func (c *Coop) AddAgent(agent *Agent) error {
	if agent == nil {
		return ErrNilAgent
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sealed {
		return fmt.Errorf("%w: %s", ErrCoopAlreadyRegistered, c.name)
	}
	if err := agent.attach(c); err != nil {
		return err
	}
	c.agents = append(c.agents, agent)
	return nil
}

// seal freezes the agent list for registration.
func (c *Coop) seal() ([]*Agent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sealed {
		return nil, fmt.Errorf("%w: %s", ErrCoopAlreadyRegistered, c.name)
	}
	if len(c.agents) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyCoop, c.name)
	}
	c.sealed = true
	return c.agents, nil
}

func (c *Coop) releaseRef() {
	if c.refs.Add(-1) == 0 {
		c.env.ReadyToDeregisterNotify(c)
	}
}

// startDeregistration shuts the agents down and drops the registration reference.
func (c *Coop) startDeregistration() {
	for _, agent := range c.agents {
		agent.shutdown()
	}
	c.releaseRef()
}
