package osmanager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/baseplate-os/baseplate/internal/config"
	"github.com/baseplate-os/baseplate/internal/eventbus"
	"github.com/baseplate-os/baseplate/internal/loader"
	"github.com/baseplate-os/baseplate/internal/module"
)

// Boot phases reported in BootError.
const (
	PhaseDiscovery    = "discovery"
	PhaseResolution   = "resolution"
	PhaseConstruction = "construction"
	PhaseStart        = "start"
)

const (
	defaultCheckTimeout = 5 * time.Second
	stopTimeout         = 10 * time.Second

	// requestDedupWindow bounds how long handled system-check request
	// ids are remembered. A forwarded copy of a request (operations
	// bridges system.check.request onto the loader topic) arrives well
	// inside this window.
	requestDedupWindow = time.Minute
)

// BootError wraps a boot failure with the phase it occurred in and the
// offending module, for the structured fatal log line.
type BootError struct {
	Phase  string
	Module string
	Err    error
}

func (e *BootError) Error() string {
	if e.Module != "" {
		return fmt.Sprintf("boot failed in %s phase (module %s): %v", e.Phase, e.Module, e.Err)
	}
	return fmt.Sprintf("boot failed in %s phase: %v", e.Phase, e.Err)
}

func (e *BootError) Unwrap() error { return e.Err }

// Manager owns the bus and the module loader and drives the OS
// lifecycle end to end: config ingest, boot, steady-state request
// routing, and orderly shutdown.
type Manager struct {
	cfg    *config.Config
	bus    *eventbus.Bus
	loader *loader.Loader
	logger *log.Logger

	checkTimeout time.Duration
	subs         *eventbus.SubscriptionGroup

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	teardownOnce sync.Once

	mu       sync.Mutex
	booted   bool
	seenReqs map[string]time.Time
}

// Option customises manager construction.
type Option func(*options)

type options struct {
	logger       *log.Logger
	registry     *module.Registry
	checkTimeout time.Duration
}

// WithLogger overrides the logger shared with the bus and loader.
func WithLogger(logger *log.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRegistry overrides the module registry. The default is the
// process-wide registry that builtin modules register into.
func WithRegistry(registry *module.Registry) Option {
	return func(o *options) {
		if registry != nil {
			o.registry = registry
		}
	}
}

// WithCheckTimeout overrides the default system-check deadline.
func WithCheckTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout > 0 {
			o.checkTimeout = timeout
		}
	}
}

// New reads the configuration file at configPath and assembles the
// runtime: bus first, then the loader over the registry layers.
func New(configPath string, opts ...Option) (*Manager, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return NewFromConfig(cfg, opts...), nil
}

// NewFromConfig assembles the runtime from an already-built
// configuration tree. Used by embedding programs and tests.
func NewFromConfig(cfg *config.Config, opts ...Option) *Manager {
	o := options{
		logger:       log.Default(),
		registry:     module.DefaultRegistry(),
		checkTimeout: defaultCheckTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	bus := eventbus.New(eventbus.WithLogger(o.logger))
	return &Manager{
		cfg:          cfg,
		bus:          bus,
		loader:       loader.New(bus, cfg, o.registry, loader.WithLogger(o.logger)),
		logger:       o.logger,
		checkTimeout: o.checkTimeout,
		subs:         eventbus.NewSubscriptionGroup(bus),
		shutdownCh:   make(chan struct{}),
		seenReqs:     make(map[string]time.Time),
	}
}

// Bus returns the OS message bus.
func (m *Manager) Bus() *eventbus.Bus { return m.bus }

// Loader returns the module loader.
func (m *Manager) Loader() *loader.Loader { return m.loader }

// Boot discovers, resolves, constructs, and starts all enabled
// modules. Any failure aborts the boot: previously started modules are
// stopped and the error names the phase and the offending module.
func (m *Manager) Boot(ctx context.Context) error {
	m.logger.Printf("[os] booting")

	discovered := m.loader.Discover()
	if len(discovered) == 0 {
		m.logger.Printf("[os] no modules discovered")
	}

	if _, err := m.loader.Resolve(); err != nil {
		return m.bootError(PhaseResolution, err)
	}
	if err := m.loader.Instantiate(); err != nil {
		return m.bootError(PhaseConstruction, err)
	}
	if err := m.loader.StartAll(ctx); err != nil {
		// StartAll has already reverse-stopped the started prefix.
		return m.bootError(PhaseStart, err)
	}

	m.mu.Lock()
	m.booted = true
	m.mu.Unlock()

	m.logger.Printf("[os] boot sequence complete")
	return nil
}

// Run wires the core bus topics, traps SIGINT/SIGTERM, announces boot
// completion, and blocks until shutdown is requested by signal, bus
// topic, context cancellation, or Shutdown. It performs the teardown
// before returning.
func (m *Manager) Run(ctx context.Context) error {
	m.subs.Add(
		eventbus.SubscribeTo(m.bus, eventbus.System.LoaderCheckRequest, m.handleCheckRequest,
			eventbus.WithSubscriberName("os.system_check")),
		eventbus.SubscribeTo(m.bus, eventbus.System.CheckRequest, m.handleCheckRequest,
			eventbus.WithSubscriberName("os.system_check.direct")),
		eventbus.SubscribeTo(m.bus, eventbus.System.ShutdownRequest, func(req eventbus.ShutdownRequest) error {
			reason := req.Reason
			if reason == "" {
				reason = "bus request"
			}
			m.logger.Printf("[os] shutdown requested: %s", reason)
			m.requestShutdown()
			return nil
		}, eventbus.WithSubscriberName("os.shutdown")),
		eventbus.SubscribeTo(m.bus, eventbus.System.Fatal, func(ev eventbus.FatalEvent) error {
			m.logger.Printf("[os] fatal error from module %s: %s", ev.Module, ev.Error)
			m.requestShutdown()
			return nil
		}, eventbus.WithSubscriberName("os.fatal")),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	eventbus.Publish(m.bus, eventbus.System.BootComplete, eventbus.SourceOSManager,
		eventbus.BootCompleteEvent{Timestamp: wallclock()})
	m.logger.Printf("[os] entering main loop")

	select {
	case sig := <-sigCh:
		m.logger.Printf("[os] received signal %s, shutting down", sig)
	case <-m.shutdownCh:
	case <-ctx.Done():
		m.logger.Printf("[os] context cancelled, shutting down")
	}

	m.Shutdown(context.Background())
	return nil
}

// Shutdown reverses the boot: modules stop in reverse start order,
// then the bus is torn down. It is idempotent and safe to call from a
// bus handler or a signal path.
func (m *Manager) Shutdown(ctx context.Context) {
	m.requestShutdown()
	m.teardownOnce.Do(func() {
		m.logger.Printf("[os] shutting down")
		m.bus.Publish(eventbus.TopicOSShutdown, nil)
		m.subs.CloseAll()

		stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
		defer cancel()
		m.loader.StopAll(stopCtx)

		m.bus.Shutdown()
		m.logger.Printf("[os] halted")
	})
}

// RunSystemCheck probes all loaded modules under the given timeout.
// Exposed for embedding programs; bus-triggered checks route through
// the same path.
func (m *Manager) RunSystemCheck(ctx context.Context, timeout time.Duration) eventbus.AggregateHealthResult {
	if timeout <= 0 {
		timeout = m.checkTimeout
	}
	return m.loader.RunSystemCheck(ctx, timeout)
}

func (m *Manager) handleCheckRequest(req eventbus.SystemCheckRequest) error {
	if !m.markRequestHandled(req.RequestID) {
		return nil
	}

	timeout := m.checkTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds * float64(time.Second))
	}

	results := m.loader.RunSystemCheck(context.Background(), timeout)
	eventbus.Publish(m.bus, eventbus.System.CheckResponse, eventbus.SourceOSManager,
		eventbus.SystemCheckResponse{
			Results:   results,
			Timestamp: wallclock(),
			RequestID: req.RequestID,
		})
	return nil
}

// markRequestHandled reports whether the request should be processed.
// The OS manager listens on both system.check.request and the loader
// bridge topic; a request forwarded from one to the other carries the
// same id and must produce a single response.
func (m *Manager) markRequestHandled(requestID string) bool {
	if requestID == "" {
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, seen := range m.seenReqs {
		if now.Sub(seen) > requestDedupWindow {
			delete(m.seenReqs, id)
		}
	}
	if _, dup := m.seenReqs[requestID]; dup {
		return false
	}
	m.seenReqs[requestID] = now
	return true
}

func (m *Manager) requestShutdown() {
	m.shutdownOnce.Do(func() { close(m.shutdownCh) })
}

func (m *Manager) bootError(phase string, err error) error {
	bootErr := &BootError{Phase: phase, Module: offendingModule(err), Err: err}
	m.logger.Printf("[os] %v", bootErr)
	return bootErr
}

func offendingModule(err error) string {
	var (
		missing  *module.MissingDependencyError
		loadErr  *module.ModuleLoadError
		startErr *module.ModuleStartError
		dup      *module.DuplicateModuleError
	)
	switch {
	case errors.As(err, &missing):
		return missing.Module
	case errors.As(err, &loadErr):
		return loadErr.Name
	case errors.As(err, &startErr):
		return startErr.Name
	case errors.As(err, &dup):
		return dup.Name
	}
	return ""
}

func wallclock() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
