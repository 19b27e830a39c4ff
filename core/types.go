package core

import (
	"fmt"
	"sync/atomic"
	"time"
)

// AgentID represents a unique identifier for an Agent.
type AgentID uint32

// MessageType names the kind of a message. Agent handlers are keyed by it.
type MessageType string

// Message represents communication data between agents.
// A message must not be mutated once it has been delivered.
type Message struct {
	// ID is a process-unique identifier for this message
	ID uint64

	// Type selects the handler on the receiving agent
	Type MessageType

	// Data contains the actual message payload
	Data any

	// Timestamp when the message was created
	Timestamp time.Time
}

var messageCounter atomic.Uint64

// NewMessage creates a message with a fresh ID.
func NewMessage(msgType MessageType, data any) *Message {
	return &Message{
		ID:        messageCounter.Add(1),
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// String returns a short description of the message.
func (m *Message) String() string {
	if m == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s#%d", m.Type, m.ID)
}

// DemandHandler executes a single execution demand.
type DemandHandler func(demand *ExecutionDemand) error

// ExecutionDemand describes one pending dispatch: which agent, which message
// and the handler that performs it. Demands are consumed exactly once.
type ExecutionDemand struct {
	Agent   *Agent
	Message *Message
	Handler DemandHandler
}

// Call invokes the demand's handler.
func (d *ExecutionDemand) Call() error {
	if d.Handler == nil {
		return nil
	}
	return d.Handler(d)
}

// AgentState represents the current state of an Agent.
type AgentState uint8

const (
	// AgentStateCreated means the agent is not yet part of a registered coop
	AgentStateCreated AgentState = iota

	// AgentStateBound means the agent is bound to an event queue and accepts messages
	AgentStateBound

	// AgentStateFinishing means the finish demand has been queued
	AgentStateFinishing

	// AgentStateFinished means the agent has handled its finish demand
	AgentStateFinished
)

// String returns the string representation of AgentState.
func (s AgentState) String() string {
	switch s {
	case AgentStateCreated:
		return "created"
	case AgentStateBound:
		return "bound"
	case AgentStateFinishing:
		return "finishing"
	case AgentStateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// CoopStatus represents the registration status of a Coop.
type CoopStatus uint8

const (
	// CoopStatusCreated means the coop is still being filled with agents
	CoopStatusCreated CoopStatus = iota
	CoopStatusRegistered
	CoopStatusDeregistering
	CoopStatusDestroyed
)

// String returns the string representation of CoopStatus.
func (s CoopStatus) String() string {
	switch s {
	case CoopStatusCreated:
		return "created"
	case CoopStatusRegistered:
		return "registered"
	case CoopStatusDeregistering:
		return "deregistering"
	case CoopStatusDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// DeregReason tells why a coop was deregistered.
type DeregReason int

const (
	// DeregNormal is used when a coop finishes its work by itself
	DeregNormal DeregReason = iota

	// DeregShutdown is used for coops deregistered by environment shutdown
	DeregShutdown

	// DeregParentDeregistration is used for children of a deregistered coop
	DeregParentDeregistration

	// DeregUserDefined is the first value free for application use
	DeregUserDefined DeregReason = 0x1000
)

// String returns the string representation of DeregReason.
func (r DeregReason) String() string {
	switch {
	case r == DeregNormal:
		return "normal"
	case r == DeregShutdown:
		return "shutdown"
	case r == DeregParentDeregistration:
		return "parent_deregistration"
	case r >= DeregUserDefined:
		return fmt.Sprintf("user_defined(%d)", int(r-DeregUserDefined))
	default:
		return "unknown"
	}
}

// CoopRepoStats is a snapshot of the cooperation repository.
type CoopRepoStats struct {
	CoopCount  int
	AgentCount int
}

// FinalDeregResult is returned by CoopRepository.FinalDeregister.
type FinalDeregResult struct {
	HasLiveCoop bool
}

// TimerStats is a snapshot of the timer manager.
type TimerStats struct {
	SingleShotCount int
	PeriodicCount   int
}
