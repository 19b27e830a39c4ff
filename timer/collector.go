package timer

import (
	"github.com/joeycumines/logiface"

	"github.com/najoast/stenv/core"
)

type elapsed struct {
	msg    *core.Message
	target core.Mbox
}

// Collector keeps messages of elapsed timers until they are delivered.
// Like Manager it relies on its owner for synchronization.
type Collector struct {
	logger  *logiface.Logger[logiface.Event]
	pending []elapsed
}

var _ core.ElapsedTimersCollector = (*Collector)(nil)

// NewCollector creates an empty collector. logger may be nil.
func NewCollector(logger *logiface.Logger[logiface.Event]) *Collector {
	return &Collector{logger: logger}
}

// Add queues a message for delivery.
func (c *Collector) Add(msg *core.Message, target core.Mbox) {
	c.pending = append(c.pending, elapsed{msg: msg, target: target})
}

// Empty reports whether there is nothing to deliver.
func (c *Collector) Empty() bool {
	return len(c.pending) == 0
}

// Process delivers every collected message to its target. A target that no
// longer accepts messages is not an error: the timer simply outlived it.
//
// The batch is detached first, so the collector can be refilled while
// the deliveries run.
func (c *Collector) Process() {
	batch := c.pending
	c.pending = nil

	for _, e := range batch {
		if err := e.target.Deliver(e.msg); err != nil {
			c.logger.Debug().
				Str("msg", e.msg.String()).
				Err(err).
				Log("timer message dropped")
		}
	}
}
