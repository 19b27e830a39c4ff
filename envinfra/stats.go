package envinfra

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/najoast/stenv/core"
)

// StatsPrefix is the prefix of every data source the environment registers.
const StatsPrefix = "mtsafe_st_env"

// MsgStatsDistribution is the type of messages carrying a []Quantity
// snapshot to the distribution mbox.
const MsgStatsDistribution core.MessageType = "stats.distribution"

const defaultStatsPeriod = 2 * time.Second

// Quantity is a single run-time statistic.
type Quantity struct {
	Prefix string
	Suffix string
	Value  int64
}

// String returns the quantity as prefix/suffix=value.
func (q Quantity) String() string {
	return fmt.Sprintf("%s/%s=%d", q.Prefix, q.Suffix, q.Value)
}

// DataSource reports its current values through emit.
type DataSource func(emit func(Quantity))

// StatsRepository keeps named data sources.
type StatsRepository struct {
	mu      sync.Mutex
	sources map[string]DataSource
}

func newStatsRepository() *StatsRepository {
	return &StatsRepository{sources: make(map[string]DataSource)}
}

// Add registers a data source under name.
func (r *StatsRepository) Add(name string, src DataSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateDataSource, name)
	}
	r.sources[name] = src
	return nil
}

// Remove unregisters a data source. Unknown names are ignored.
func (r *StatsRepository) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sources, name)
}

// Snapshot collects the current values of every source, ordered by source name.
// Sources are called without the repository lock held.
func (r *StatsRepository) Snapshot() []Quantity {
	r.mu.Lock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	sources := make([]DataSource, len(names))
	for i, name := range names {
		sources[i] = r.sources[name]
	}
	r.mu.Unlock()

	var out []Quantity
	for _, src := range sources {
		src(func(q Quantity) { out = append(out, q) })
	}
	return out
}

// StatsController turns periodic distribution of stats on and off.
// While on, a snapshot is delivered to the distribution mbox every period.
type StatsController struct {
	repo   *StatsRepository
	env    core.Environment
	target core.Mbox

	mu     sync.Mutex
	on     bool
	period time.Duration
	timer  core.TimerID
}

func newStatsController(repo *StatsRepository, env core.Environment, target core.Mbox) *StatsController {
	return &StatsController{
		repo:   repo,
		env:    env,
		target: target,
		period: defaultStatsPeriod,
	}
}

// TurnOn starts distribution. Without a distribution mbox only the state changes.
func (c *StatsController) TurnOn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.on {
		return
	}
	c.on = true
	c.scheduleLocked()
}

// TurnOff stops distribution.
func (c *StatsController) TurnOff() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.on {
		return
	}
	c.on = false
	c.releaseLocked()
}

// IsOn reports whether distribution is on.
func (c *StatsController) IsOn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.on
}

// SetDistributionPeriod changes the period and returns the previous one.
func (c *StatsController) SetDistributionPeriod(d time.Duration) (time.Duration, error) {
	if d <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrInvalidStatsPeriod, d)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.period
	c.period = d
	if c.on {
		c.releaseLocked()
		c.scheduleLocked()
	}
	return prev, nil
}

func (c *StatsController) scheduleLocked() {
	if c.target == nil {
		return
	}
	c.timer = c.env.ScheduleTimer(core.NewMessage("stats.tick", nil), statsTicker{c}, c.period, c.period)
}

func (c *StatsController) releaseLocked() {
	if c.timer != nil {
		c.timer.Release()
		c.timer = nil
	}
}

// statsTicker receives the periodic tick and forwards a fresh snapshot.
type statsTicker struct {
	c *StatsController
}

func (t statsTicker) Deliver(*core.Message) error {
	if !t.c.IsOn() {
		return nil
	}
	return t.c.target.Deliver(core.NewMessage(MsgStatsDistribution, t.c.repo.Snapshot()))
}
