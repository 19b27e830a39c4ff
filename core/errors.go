package core

import "errors"

// Agent errors
var (
	ErrAgentNotBound      = errors.New("agent is not bound to an event queue")
	ErrAgentFinished      = errors.New("agent is finished")
	ErrAgentAlreadyInCoop = errors.New("agent already belongs to a coop")
	ErrNilAgent           = errors.New("nil agent")
	ErrNoDispBinder       = errors.New("no dispatcher binder for agent")
)

// Cooperation errors
var (
	ErrNilCoop               = errors.New("nil coop")
	ErrEmptyCoop             = errors.New("coop has no agents")
	ErrCoopAlreadyRegistered = errors.New("coop already registered")
	ErrCoopNotFound          = errors.New("coop not found")
	ErrParentNotRegistered   = errors.New("parent coop is not registered")
	ErrShutdownInProgress    = errors.New("environment shutdown in progress")
)
