package bootstrap

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/joeycumines/logiface"
)

const defaultServiceTimeout = 30 * time.Second

// LifecycleManager starts services in dependency order and stops them in
// reverse order.
type LifecycleManager struct {
	logger *logiface.Logger[logiface.Event]

	// mutex protects concurrent access
	mutex sync.RWMutex

	// services holds all registered services
	services map[string]Service

	// dependencies tracks service dependencies
	dependencies map[string][]string

	// startOrder tracks the order services were started
	startOrder []string

	started  bool
	stopping bool

	listeners []func(LifecycleEvent)

	// timeout for service operations
	timeout time.Duration
}

// NewLifecycleManager creates a new lifecycle manager. logger may be nil.
func NewLifecycleManager(logger *logiface.Logger[logiface.Event]) *LifecycleManager {
	return &LifecycleManager{
		logger:       logger,
		services:     make(map[string]Service),
		dependencies: make(map[string][]string),
		timeout:      defaultServiceTimeout,
	}
}

// Register registers a service with optional dependencies
func (lm *LifecycleManager) Register(service Service, deps ...string) error {
	if service == nil {
		return fmt.Errorf("service cannot be nil")
	}
	name := service.Name()
	if name == "" {
		return fmt.Errorf("service name cannot be empty")
	}

	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if lm.started {
		return fmt.Errorf("cannot register service %s: lifecycle manager already started", name)
	}
	if _, exists := lm.services[name]; exists {
		return fmt.Errorf("service %s is already registered", name)
	}

	lm.services[name] = service
	lm.dependencies[name] = slices.Clone(deps)
	lm.broadcastEvent(LifecycleEvent{Type: "service.registered", Service: name})
	return nil
}

// Start starts all services in dependency order. Services started before
// a failure are stopped again.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if lm.started {
		return fmt.Errorf("lifecycle manager already started")
	}

	order, err := lm.calculateStartOrder()
	if err != nil {
		return fmt.Errorf("failed to calculate start order: %w", err)
	}

	for _, name := range order {
		startCtx, cancel := context.WithTimeout(ctx, lm.timeout)
		err := lm.services[name].Start(startCtx)
		cancel()

		if err != nil {
			lm.broadcastEvent(LifecycleEvent{Type: "service.start_failed", Service: name, Error: err})
			lm.stopStartedLocked(context.WithoutCancel(ctx))
			return &ApplicationError{Operation: "start", Service: name, Err: err}
		}

		lm.startOrder = append(lm.startOrder, name)
		lm.broadcastEvent(LifecycleEvent{Type: "service.started", Service: name})
	}

	lm.started = true
	return nil
}

// Stop stops all services in reverse start order and returns the last
// failure, if any.
func (lm *LifecycleManager) Stop(ctx context.Context) error {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if !lm.started {
		return nil
	}
	if lm.stopping {
		return fmt.Errorf("lifecycle manager already stopping")
	}

	lm.stopping = true
	err := lm.stopStartedLocked(ctx)
	lm.started = false
	lm.stopping = false
	return err
}

func (lm *LifecycleManager) stopStartedLocked(ctx context.Context) error {
	var lastError error
	for _, name := range slices.Backward(lm.startOrder) {
		stopCtx, cancel := context.WithTimeout(ctx, lm.timeout)
		err := lm.services[name].Stop(stopCtx)
		cancel()

		if err != nil {
			lastError = &ApplicationError{Operation: "stop", Service: name, Err: err}
			lm.broadcastEvent(LifecycleEvent{Type: "service.stop_failed", Service: name, Error: err})
		} else {
			lm.broadcastEvent(LifecycleEvent{Type: "service.stopped", Service: name})
		}
	}
	lm.startOrder = nil
	return lastError
}

// Health returns the health status of all services
func (lm *LifecycleManager) Health(ctx context.Context) map[string]HealthStatus {
	lm.mutex.RLock()
	defer lm.mutex.RUnlock()

	health := make(map[string]HealthStatus, len(lm.services))
	for name, service := range lm.services {
		healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		status, err := service.Health(healthCtx)
		cancel()

		if err != nil {
			status = HealthStatus{State: HealthUnhealthy, Message: err.Error()}
		}
		health[name] = status
	}
	return health
}

// Services returns all registered service names
func (lm *LifecycleManager) Services() []string {
	lm.mutex.RLock()
	defer lm.mutex.RUnlock()

	names := make([]string, 0, len(lm.services))
	for name := range lm.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddListener adds a lifecycle event listener. Listeners are called
// synchronously and must not call back into the manager.
func (lm *LifecycleManager) AddListener(listener func(LifecycleEvent)) {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	lm.listeners = append(lm.listeners, listener)
}

// SetTimeout sets the timeout for service operations
func (lm *LifecycleManager) SetTimeout(timeout time.Duration) {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	lm.timeout = timeout
}

// IsStarted returns true if the lifecycle manager has been started
func (lm *LifecycleManager) IsStarted() bool {
	lm.mutex.RLock()
	defer lm.mutex.RUnlock()
	return lm.started
}

// calculateStartOrder calculates the order to start services based on dependencies
func (lm *LifecycleManager) calculateStartOrder() ([]string, error) {
	// Topological sort using Kahn's algorithm
	inDegree := make(map[string]int, len(lm.services))
	graph := make(map[string][]string, len(lm.services))

	for service := range lm.services {
		inDegree[service] = 0
	}

	for service, deps := range lm.dependencies {
		for _, dep := range deps {
			if _, exists := lm.services[dep]; !exists {
				return nil, fmt.Errorf("dependency %s of service %s is not registered", dep, service)
			}
			graph[dep] = append(graph[dep], service)
			inDegree[service]++
		}
	}

	// Find services with no dependencies, sorted for a stable order
	var queue []string
	for service, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, service)
		}
	}
	sort.Strings(queue)

	result := make([]string, 0, len(lm.services))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		dependents := graph[current]
		sort.Strings(dependents)
		for _, dependent := range dependents {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(result) != len(lm.services) {
		return nil, fmt.Errorf("circular dependency detected")
	}
	return result, nil
}

// broadcastEvent logs the event and hands it to every listener
func (lm *LifecycleManager) broadcastEvent(event LifecycleEvent) {
	event.Timestamp = time.Now()

	if event.Error != nil {
		lm.logger.Err().Str("service", event.Service).Err(event.Error).Log(event.Type)
	} else {
		lm.logger.Debug().Str("service", event.Service).Log(event.Type)
	}

	for _, listener := range lm.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					lm.logger.Warning().
						Str("event", event.Type).
						Str("panic", fmt.Sprint(r)).
						Log("lifecycle listener panicked")
				}
			}()
			listener(event)
		}()
	}
}
