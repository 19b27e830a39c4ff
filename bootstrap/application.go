package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"

	"github.com/najoast/stenv/config"
	"github.com/najoast/stenv/core"
	"github.com/najoast/stenv/envinfra"
	"github.com/najoast/stenv/logging"
)

// Application runs one environment together with its configuration
// watcher. It is single use: Run may be called once.
type Application struct {
	config     *config.Config
	configFile string
	loader     *config.Loader

	logger    *logiface.Logger[logiface.Event]
	logCloser io.Closer

	infra     *envinfra.Infrastructure
	lifecycle *LifecycleManager

	// mutex protects concurrent access
	mutex   sync.Mutex
	running bool
	ran     bool
}

// Config returns the configuration the application was built with.
func (app *Application) Config() *config.Config { return app.config }

// Infrastructure returns the environment run by the application.
func (app *Application) Infrastructure() *envinfra.Infrastructure { return app.infra }

// Logger returns the application logger.
func (app *Application) Logger() *logiface.Logger[logiface.Event] { return app.logger }

// LifecycleManager returns the lifecycle manager.
func (app *Application) LifecycleManager() *LifecycleManager { return app.lifecycle }

// Run launches the environment with initFn and blocks until the environment
// finishes on its own or ctx is cancelled or the process receives SIGINT or
// SIGTERM. A panic raised by the environment is re-raised here after every
// service has been stopped.
func (app *Application) Run(ctx context.Context, initFn envinfra.InitFunc) error {
	app.mutex.Lock()
	if app.running || app.ran {
		app.mutex.Unlock()
		return &ApplicationError{Operation: "run", Err: errors.New("application already ran")}
	}
	app.running = true
	app.ran = true
	app.mutex.Unlock()

	defer func() {
		app.mutex.Lock()
		app.running = false
		app.mutex.Unlock()
		app.closeLog()
	}()

	envSvc := newEnvironmentService(app.infra, app.wrapInit(initFn))
	if err := app.lifecycle.Register(envSvc); err != nil {
		return &ApplicationError{Operation: "register", Err: err}
	}
	if app.configFile != "" {
		watchSvc := &configWatcherService{app: app}
		if err := app.lifecycle.Register(watchSvc, envSvc.Name()); err != nil {
			return &ApplicationError{Operation: "register", Err: err}
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.lifecycle.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		app.logger.Notice().Err(context.Cause(ctx)).Log("shutdown requested")
	case <-envSvc.Done():
	}

	stopErr := app.lifecycle.Stop(context.WithoutCancel(ctx))

	select {
	case <-envSvc.Done():
	default:
		// still draining after the stop timeout
		return stopErr
	}
	if envSvc.panicked {
		panic(envSvc.panicValue)
	}
	if err := envSvc.group.Wait(); err != nil {
		return &ApplicationError{Operation: "launch", Err: err}
	}
	return stopErr
}

// Shutdown asks the environment to stop. Run returns once it has finished.
func (app *Application) Shutdown() {
	app.infra.Stop()
}

// wrapInit applies the stats settings before running the user init.
func (app *Application) wrapInit(initFn envinfra.InitFunc) envinfra.InitFunc {
	return func(env core.Environment) error {
		if app.config.Env.StatsEnabled {
			app.infra.StatsController().TurnOn()
		}
		if initFn == nil {
			return nil
		}
		return initFn(env)
	}
}

// applyConfig pushes the runtime-adjustable settings of cfg into the
// environment.
func (app *Application) applyConfig(cfg *config.Config) {
	if err := app.infra.SetIdleSleepCap(cfg.Env.IdleSleepCap); err != nil {
		app.logger.Warning().Err(err).Log("idle sleep cap not applied")
	}

	ctrl := app.infra.StatsController()
	if _, err := ctrl.SetDistributionPeriod(cfg.Env.StatsPeriod); err != nil {
		app.logger.Warning().Err(err).Log("stats period not applied")
	}
	if cfg.Env.StatsEnabled {
		ctrl.TurnOn()
	} else {
		ctrl.TurnOff()
	}
}

// ApplicationBuilder helps build and configure applications
type ApplicationBuilder struct {
	config     *config.Config
	configFile string
	loader     *config.Loader
	logger     *logiface.Logger[logiface.Event]
	options    []envinfra.Option
}

// NewApplicationBuilder creates a new application builder
func NewApplicationBuilder() *ApplicationBuilder {
	return &ApplicationBuilder{loader: config.NewLoader()}
}

// WithConfig sets the configuration. It is ignored when a config file is set.
func (b *ApplicationBuilder) WithConfig(cfg *config.Config) *ApplicationBuilder {
	b.config = cfg
	return b
}

// WithConfigFile loads configuration from a file and watches it for changes
func (b *ApplicationBuilder) WithConfigFile(filename string) *ApplicationBuilder {
	b.configFile = filename
	return b
}

// WithLoader replaces the configuration loader
func (b *ApplicationBuilder) WithLoader(loader *config.Loader) *ApplicationBuilder {
	b.loader = loader
	return b
}

// WithLogger sets the logger instead of building one from the configuration
func (b *ApplicationBuilder) WithLogger(logger *logiface.Logger[logiface.Event]) *ApplicationBuilder {
	b.logger = logger
	return b
}

// WithInfraOptions adds environment options. They are applied after the
// ones derived from the configuration.
func (b *ApplicationBuilder) WithInfraOptions(opts ...envinfra.Option) *ApplicationBuilder {
	b.options = append(b.options, opts...)
	return b
}

// Build builds the configured application
func (b *ApplicationBuilder) Build() (*Application, error) {
	cfg := b.config
	if b.configFile != "" {
		loaded, err := b.loader.LoadFromFile(b.configFile)
		if err != nil {
			return nil, &ApplicationError{Operation: "load config", Err: err}
		}
		cfg = loaded
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ApplicationError{Operation: "validate config", Err: err}
	}

	app := &Application{
		config:     cfg,
		configFile: b.configFile,
		loader:     b.loader,
		logger:     b.logger,
	}

	if app.logger == nil {
		logger, closer, err := logging.New(cfg.Log)
		if err != nil {
			return nil, &ApplicationError{Operation: "create logger", Err: err}
		}
		app.logger = logger
		app.logCloser = closer
	}

	opts := append([]envinfra.Option{
		envinfra.WithIdleSleepCap(cfg.Env.IdleSleepCap),
		envinfra.WithActivityTracking(cfg.Env.ActivityTracking),
		envinfra.WithLogger(app.logger),
	}, b.options...)

	infra, err := envinfra.New(opts...)
	if err != nil {
		app.closeLog()
		return nil, &ApplicationError{Operation: "create environment", Err: err}
	}
	if _, err := infra.StatsController().SetDistributionPeriod(cfg.Env.StatsPeriod); err != nil {
		app.closeLog()
		return nil, &ApplicationError{Operation: "create environment", Err: err}
	}

	app.infra = infra
	app.lifecycle = NewLifecycleManager(app.logger)
	return app, nil
}

func (app *Application) closeLog() {
	if app.logCloser != nil {
		_ = app.logCloser.Close()
	}
}

// environmentService runs the environment on its own goroutine
type environmentService struct {
	infra  *envinfra.Infrastructure
	initFn envinfra.InitFunc
	group  errgroup.Group
	done   chan struct{}

	// written by the launch goroutine before done is closed
	panicked   bool
	panicValue any
}

func newEnvironmentService(infra *envinfra.Infrastructure, initFn envinfra.InitFunc) *environmentService {
	return &environmentService{
		infra:  infra,
		initFn: initFn,
		done:   make(chan struct{}),
	}
}

func (s *environmentService) Name() string { return "environment" }

// Done is closed once Launch has returned or panicked.
func (s *environmentService) Done() <-chan struct{} { return s.done }

func (s *environmentService) Start(context.Context) error {
	s.group.Go(func() error {
		defer close(s.done)
		defer func() {
			if r := recover(); r != nil {
				s.panicked = true
				s.panicValue = r
			}
		}()
		return s.infra.Launch(s.initFn)
	})
	return nil
}

func (s *environmentService) Stop(ctx context.Context) error {
	s.infra.Stop()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("environment did not finish: %w", ctx.Err())
	}
}

func (s *environmentService) Health(context.Context) (HealthStatus, error) {
	status := s.infra.ShutdownStatus()
	data := map[string]any{
		"shutdown":    status.String(),
		"worker":      s.infra.WorkerStatus().String(),
		"queue.depth": s.infra.QueryEventQueueStats(),
	}

	select {
	case <-s.done:
		return HealthStatus{State: HealthStopped, Data: data}, nil
	default:
	}
	if status != envinfra.ShutdownNotStarted {
		return HealthStatus{State: HealthStopping, Data: data}, nil
	}
	return HealthStatus{State: HealthHealthy, Data: data}, nil
}

// configWatcherService reloads the config file and applies changes to the
// running environment
type configWatcherService struct {
	app     *Application
	watcher *config.Watcher
}

func (s *configWatcherService) Name() string { return "config-watcher" }

func (s *configWatcherService) Start(context.Context) error {
	watcher, err := config.NewWatcher(s.app.configFile, s.app.loader, s.app.logger)
	if err != nil {
		return err
	}
	watcher.OnConfigChange(func(_, newConfig *config.Config) {
		s.app.applyConfig(newConfig)
	})
	if err := watcher.Start(); err != nil {
		_ = watcher.Stop()
		return err
	}
	s.watcher = watcher
	return nil
}

func (s *configWatcherService) Stop(context.Context) error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Stop()
}

func (s *configWatcherService) Health(context.Context) (HealthStatus, error) {
	if s.watcher == nil {
		return HealthStatus{State: HealthStopped}, nil
	}
	return HealthStatus{
		State:   HealthHealthy,
		Message: s.app.configFile,
	}, nil
}
