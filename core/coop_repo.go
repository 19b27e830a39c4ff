package core

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// CoopRepo is the cooperation repository of an environment.
//
// The repository never calls the environment, agents or the listener while
// holding its own mutex, so every callback is free to re-enter it.
type CoopRepo struct {
	env      Environment
	listener CoopListener

	mu              sync.Mutex
	coops           map[uint64]*Coop
	agentCount      int
	deregAllStarted bool
	nextCoopID      uint64
	nextAgentID     AgentID
}

var _ CoopRepository = (*CoopRepo)(nil)

// NewCoopRepository creates the repository for env. listener may be nil.
func NewCoopRepository(env Environment, listener CoopListener) *CoopRepo {
	return &CoopRepo{
		env:      env,
		listener: listener,
		coops:    make(map[uint64]*Coop),
	}
}

// MakeCoop creates an empty coop. An invalid parent handle makes a
// top-level coop. binder is used for agents without a binder of their own.
func (r *CoopRepo) MakeCoop(parent CoopHandle, binder DispBinder) *Coop {
	r.mu.Lock()
	r.nextCoopID++
	id := r.nextCoopID
	r.mu.Unlock()

	return &Coop{
		id:       id,
		name:     "coop-" + uuid.NewString(),
		parent:   parent.coop,
		binder:   binder,
		env:      r.env,
		repo:     r,
		children: make(map[uint64]*Coop),
	}
}

// RegisterCoop binds the coop's agents and makes the coop live. On success
// every agent receives its start demand.
func (r *CoopRepo) RegisterCoop(coop *Coop) (CoopHandle, error) {
	if coop == nil {
		return CoopHandle{}, ErrNilCoop
	}
	if coop.repo != r {
		return CoopHandle{}, fmt.Errorf("%w: coop %d belongs to another environment", ErrCoopNotFound, coop.id)
	}

	r.mu.Lock()
	err := r.checkRegistrationLocked(coop)
	r.mu.Unlock()
	if err != nil {
		return CoopHandle{}, err
	}

	agents, err := coop.seal()
	if err != nil {
		return CoopHandle{}, err
	}

	queues, err := r.bindAgents(coop, agents)
	if err != nil {
		return CoopHandle{}, err
	}

	// State could have changed while binding
	r.mu.Lock()
	if err := r.checkRegistrationLocked(coop); err != nil {
		r.mu.Unlock()
		r.unbindAgents(coop, agents)
		return CoopHandle{}, err
	}

	coop.status = CoopStatusRegistered
	coop.refs.Store(int64(len(agents)) + 1)
	r.coops[coop.id] = coop
	r.agentCount += len(agents)
	if coop.parent != nil {
		coop.parent.refs.Add(1)
		coop.parent.children[coop.id] = coop
	}
	ids := make([]AgentID, len(agents))
	for i := range agents {
		r.nextAgentID++
		ids[i] = r.nextAgentID
	}
	r.mu.Unlock()

	for i, agent := range agents {
		agent.activate(ids[i], queues[i])
	}

	handle := coop.Handle()
	if r.listener != nil {
		r.listener.OnRegistered(handle)
	}
	return handle, nil
}

func (r *CoopRepo) checkRegistrationLocked(coop *Coop) error {
	if r.deregAllStarted {
		return ErrShutdownInProgress
	}
	if coop.status != CoopStatusCreated {
		return fmt.Errorf("%w: coop %d", ErrCoopAlreadyRegistered, coop.id)
	}
	if p := coop.parent; p != nil && p.status != CoopStatusRegistered {
		return fmt.Errorf("%w: coop %d", ErrParentNotRegistered, p.id)
	}
	return nil
}

func (r *CoopRepo) bindAgents(coop *Coop, agents []*Agent) ([]EventQueue, error) {
	queues := make([]EventQueue, 0, len(agents))
	for _, agent := range agents {
		binder := agentBinder(coop, agent)
		if binder == nil {
			r.unbindAgents(coop, agents[:len(queues)])
			return nil, fmt.Errorf("%w: %s", ErrNoDispBinder, agent.Name())
		}
		queue, err := binder.Bind(agent)
		if err != nil {
			r.unbindAgents(coop, agents[:len(queues)])
			return nil, fmt.Errorf("bind agent %s: %w", agent.Name(), err)
		}
		queues = append(queues, queue)
	}
	return queues, nil
}

func (r *CoopRepo) unbindAgents(coop *Coop, agents []*Agent) {
	for _, agent := range agents {
		if binder := agentBinder(coop, agent); binder != nil {
			binder.Unbind(agent)
		}
	}
}

func agentBinder(coop *Coop, agent *Agent) DispBinder {
	if agent.binder != nil {
		return agent.binder
	}
	return coop.binder
}

// DeregisterCoop starts deregistration of the coop and all of its children.
// Deregistering a coop that is already being deregistered is a no-op.
func (r *CoopRepo) DeregisterCoop(handle CoopHandle, reason DeregReason) error {
	if !handle.IsValid() {
		return ErrCoopNotFound
	}

	r.mu.Lock()
	coop, ok := r.coops[handle.id]
	if !ok || coop != handle.coop {
		r.mu.Unlock()
		return fmt.Errorf("%w: coop %d", ErrCoopNotFound, handle.id)
	}
	var batch []*Coop
	markDeregisteringLocked(coop, reason, &batch)
	r.mu.Unlock()

	for _, c := range batch {
		c.startDeregistration()
	}
	return nil
}

// DeregisterAll deregisters every top-level coop with DeregShutdown and
// refuses any further registration.
func (r *CoopRepo) DeregisterAll() {
	r.mu.Lock()
	r.deregAllStarted = true
	var batch []*Coop
	for _, coop := range r.coops {
		if coop.parent == nil {
			markDeregisteringLocked(coop, DeregShutdown, &batch)
		}
	}
	r.mu.Unlock()

	for _, c := range batch {
		c.startDeregistration()
	}
}

// markDeregisteringLocked walks the subtree children first.
func markDeregisteringLocked(coop *Coop, reason DeregReason, batch *[]*Coop) {
	if coop.status != CoopStatusRegistered {
		return
	}
	coop.status = CoopStatusDeregistering
	coop.reason = reason
	for _, child := range coop.children {
		markDeregisteringLocked(child, DeregParentDeregistration, batch)
	}
	*batch = append(*batch, coop)
}

// FinalDeregister removes a coop whose agents and children are all gone.
// Releasing the parent reference may make the parent ready for final
// deregistration in turn.
func (r *CoopRepo) FinalDeregister(coop *Coop) FinalDeregResult {
	r.mu.Lock()
	if coop.status == CoopStatusDestroyed {
		live := len(r.coops) > 0
		r.mu.Unlock()
		return FinalDeregResult{HasLiveCoop: live}
	}
	delete(r.coops, coop.id)
	coop.status = CoopStatusDestroyed
	r.agentCount -= len(coop.agents)
	if coop.parent != nil {
		delete(coop.parent.children, coop.id)
	}
	reason := coop.reason
	r.mu.Unlock()

	r.unbindAgents(coop, coop.agents)

	if r.listener != nil {
		r.listener.OnDeregistered(coop.Handle(), reason)
	}

	if coop.parent != nil {
		coop.parent.releaseRef()
	}

	return FinalDeregResult{HasLiveCoop: r.HasLiveCoop()}
}

// HasLiveCoop reports whether any coop is still registered.
func (r *CoopRepo) HasLiveCoop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.coops) > 0
}

// QueryStats returns the number of live coops and agents.
func (r *CoopRepo) QueryStats() CoopRepoStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return CoopRepoStats{
		CoopCount:  len(r.coops),
		AgentCount: r.agentCount,
	}
}
