package envinfra

import (
	"fmt"
	"sync/atomic"

	"github.com/joeycumines/logiface"

	"github.com/najoast/stenv/core"
)

// defaultDispatcher runs demands of agents bound to the environment's own
// event queue. It exists only while Launch runs.
type defaultDispatcher struct {
	queue  *eventQueue
	logger *logiface.Logger[logiface.Event]

	agentCount atomic.Int64
}

var _ core.Dispatcher = (*defaultDispatcher)(nil)

func newDefaultDispatcher(queue *eventQueue, logger *logiface.Logger[logiface.Event]) *defaultDispatcher {
	return &defaultDispatcher{queue: queue, logger: logger}
}

// HandleDemand calls the demand. Handler errors and panics are logged and
// never escape.
func (d *defaultDispatcher) HandleDemand(demand core.ExecutionDemand) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Err().
				Str("agent", agentName(demand)).
				Str("msg", demand.Message.String()).
				Str("panic", fmt.Sprint(r)).
				Log("demand handler panicked")
		}
	}()

	if err := demand.Call(); err != nil {
		d.logger.Warning().
			Str("agent", agentName(demand)).
			Str("msg", demand.Message.String()).
			Err(err).
			Log("demand handler failed")
	}
}

func agentName(demand core.ExecutionDemand) string {
	if demand.Agent == nil {
		return ""
	}
	return demand.Agent.Name()
}

// defaultDispBinder binds agents to whatever default dispatcher is running.
type defaultDispBinder struct {
	disp *atomic.Pointer[defaultDispatcher]
}

var _ core.DispBinder = defaultDispBinder{}

func (b defaultDispBinder) Bind(agent *core.Agent) (core.EventQueue, error) {
	disp := b.disp.Load()
	if disp == nil {
		return nil, fmt.Errorf("%w: agent %s", ErrNoDefaultDispatcher, agent.Name())
	}
	disp.agentCount.Add(1)
	return disp.queue, nil
}

func (b defaultDispBinder) Unbind(*core.Agent) {
	if disp := b.disp.Load(); disp != nil {
		disp.agentCount.Add(-1)
	}
}
