package envinfra

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/joeycumines/logiface"

	"github.com/najoast/stenv/core"
)

// DefaultIdleSleepCap bounds the idle wait of the worker when no timer is pending.
const DefaultIdleSleepCap = time.Minute

// infraOptions holds configuration options for Infrastructure creation.
type infraOptions struct {
	idleSleepCap     time.Duration
	activityTracking bool
	logger           *logiface.Logger[logiface.Event]
	clock            clockwork.Clock
	coopListener     core.CoopListener
	statsTarget      core.Mbox
}

// Option configures an Infrastructure instance.
type Option interface {
	applyInfra(*infraOptions) error
}

// infraOptionImpl implements Option.
type infraOptionImpl struct {
	applyInfraFunc func(*infraOptions) error
}

func (o *infraOptionImpl) applyInfra(opts *infraOptions) error {
	return o.applyInfraFunc(opts)
}

// WithIdleSleepCap sets the longest time the worker sleeps when there is
// nothing to do. It must be positive.
func WithIdleSleepCap(d time.Duration) Option {
	return &infraOptionImpl{func(opts *infraOptions) error {
		if d <= 0 {
			return fmt.Errorf("%w: %s", ErrInvalidIdleSleepCap, d)
		}
		opts.idleSleepCap = d
		return nil
	}}
}

// WithActivityTracking selects the real activity tracker instead of the no-op one.
func WithActivityTracking(enabled bool) Option {
	return &infraOptionImpl{func(opts *infraOptions) error {
		opts.activityTracking = enabled
		return nil
	}}
}

// WithLogger sets the structured logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &infraOptionImpl{func(opts *infraOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithTimerClock sets the clock used by timers, the idle wait and the
// activity tracker.
func WithTimerClock(clock clockwork.Clock) Option {
	return &infraOptionImpl{func(opts *infraOptions) error {
		if clock != nil {
			opts.clock = clock
		}
		return nil
	}}
}

// WithCoopListener sets the listener for coop registration events.
func WithCoopListener(listener core.CoopListener) Option {
	return &infraOptionImpl{func(opts *infraOptions) error {
		opts.coopListener = listener
		return nil
	}}
}

// WithStatsDistribution sets the mbox that receives stats snapshots while
// the stats controller is on.
func WithStatsDistribution(target core.Mbox) Option {
	return &infraOptionImpl{func(opts *infraOptions) error {
		opts.statsTarget = target
		return nil
	}}
}

// resolveInfraOptions applies Option instances to infraOptions.
func resolveInfraOptions(opts []Option) (*infraOptions, error) {
	cfg := &infraOptions{
		idleSleepCap: DefaultIdleSleepCap,
		clock:        clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyInfra(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
