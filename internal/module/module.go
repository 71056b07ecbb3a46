package module

import (
	"context"
	"log"
	"sync"

	"github.com/baseplate-os/baseplate/internal/config"
	"github.com/baseplate-os/baseplate/internal/eventbus"
)

// Descriptor declares a module's identity and its place in the start
// order. Dependencies name modules that must start before this one.
type Descriptor struct {
	Name         string
	Version      string
	Dependencies []string
}

// Module is the contract every hosted module implements. Start and
// Stop are invoked by the loader on the OS manager goroutine; they are
// never called concurrently with themselves but may run concurrently
// with bus deliveries from other goroutines. SystemCheck must return
// promptly; the aggregator enforces a hard deadline regardless.
type Module interface {
	Descriptor() Descriptor
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SystemCheck(ctx context.Context) eventbus.HealthReport
}

// Factory constructs a module bound to the bus and its configuration
// slice (the subtree under modules.<name>, empty map when absent).
type Factory func(bus *eventbus.Bus, cfg config.ModuleConfig) (Module, error)

// Base carries the plumbing shared by all modules: descriptor, bus
// reference, config slice, and the running flag. Embed it and
// implement Start/Stop; the default SystemCheck reports health from
// the running flag.
type Base struct {
	desc   Descriptor
	bus    *eventbus.Bus
	cfg    config.ModuleConfig
	logger *log.Logger

	mu      sync.Mutex
	running bool
}

// NewBase initialises the shared module plumbing.
func NewBase(desc Descriptor, bus *eventbus.Bus, cfg config.ModuleConfig) Base {
	if cfg == nil {
		cfg = config.ModuleConfig{}
	}
	return Base{
		desc:   desc,
		bus:    bus,
		cfg:    cfg,
		logger: log.Default(),
	}
}

// Descriptor returns the module's declarative identity.
func (b *Base) Descriptor() Descriptor { return b.desc }

// Bus returns the shared message bus. Modules hold a non-owning
// reference; the OS manager owns the bus lifetime.
func (b *Base) Bus() *eventbus.Bus { return b.bus }

// Config returns the module's configuration slice.
func (b *Base) Config() config.ModuleConfig { return b.cfg }

// Logger returns the module logger.
func (b *Base) Logger() *log.Logger { return b.logger }

// SetLogger overrides the module logger. Nil is ignored.
func (b *Base) SetLogger(logger *log.Logger) {
	if logger != nil {
		b.logger = logger
	}
}

// Running reports whether the module is between a successful Start and
// the matching Stop.
func (b *Base) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// SetRunning transitions the running flag. Start sets it true on
// success; Stop sets it false on completion regardless of cleanup
// outcome.
func (b *Base) SetRunning(running bool) {
	b.mu.Lock()
	b.running = running
	b.mu.Unlock()
}

// SystemCheck is the default health probe: healthy iff running.
func (b *Base) SystemCheck(ctx context.Context) eventbus.HealthReport {
	status := "stopped"
	running := b.Running()
	if running {
		status = "running"
	}
	return eventbus.HealthReport{
		"healthy": running,
		"status":  status,
	}
}
