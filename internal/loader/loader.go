package loader

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/baseplate-os/baseplate/internal/config"
	"github.com/baseplate-os/baseplate/internal/eventbus"
	"github.com/baseplate-os/baseplate/internal/module"
)

// Loader discovers modules from the registry layers, resolves the
// dependency order, and drives the module lifecycle. It exclusively
// owns the module instance collection; modules hold only a non-owning
// bus reference.
type Loader struct {
	bus      *eventbus.Bus
	cfg      *config.Config
	registry *module.Registry
	logger   *log.Logger

	mu         sync.Mutex
	candidates []module.Registration
	byName     map[string]module.Registration
	order      []string
	instances  map[string]module.Module
	started    []string
}

// Option customises loader behaviour.
type Option func(*Loader)

// WithLogger overrides the logger used for lifecycle transitions.
func WithLogger(logger *log.Logger) Option {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New constructs a loader over the given registry. The config supplies
// per-module slices and enablement flags.
func New(bus *eventbus.Bus, cfg *config.Config, registry *module.Registry, opts ...Option) *Loader {
	l := &Loader{
		bus:       bus,
		cfg:       cfg,
		registry:  registry,
		logger:    log.Default(),
		byName:    make(map[string]module.Registration),
		instances: make(map[string]module.Module),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Discover pulls the candidate set from the registry with the override
// policy already applied (higher-priority layer wins, same-layer
// duplicates rejected at registration time).
func (l *Loader) Discover() []module.Registration {
	candidates := l.registry.Candidates()

	l.mu.Lock()
	l.candidates = candidates
	for _, reg := range candidates {
		l.byName[reg.Descriptor.Name] = reg
	}
	l.mu.Unlock()

	for _, reg := range candidates {
		l.logger.Printf("[loader] discovered module %s v%s (%s layer)",
			reg.Descriptor.Name, reg.Descriptor.Version, reg.Layer)
	}
	return candidates
}

// Resolve filters disabled modules and computes the start order via
// topological sort. Among modules of equal rank the discovery order is
// preserved.
func (l *Loader) Resolve() ([]string, error) {
	l.mu.Lock()
	candidates := l.candidates
	l.mu.Unlock()

	enabled := make(map[string]module.Registration)
	var discovery []string
	for _, reg := range candidates {
		name := reg.Descriptor.Name
		if !l.cfg.ModuleEnabled(name) {
			l.logger.Printf("[loader] module %s is disabled in config", name)
			continue
		}
		enabled[name] = reg
		discovery = append(discovery, name)
	}

	for _, name := range discovery {
		for _, dep := range enabled[name].Descriptor.Dependencies {
			if _, ok := enabled[dep]; ok {
				continue
			}
			_, known := l.lookup(dep)
			return nil, &module.MissingDependencyError{
				Module:   name,
				Missing:  dep,
				Disabled: known,
			}
		}
	}

	inDegree := make(map[string]int, len(enabled))
	for _, name := range discovery {
		inDegree[name] = len(enabled[name].Descriptor.Dependencies)
	}

	var order []string
	emitted := make(map[string]bool, len(enabled))
	for len(order) < len(discovery) {
		progressed := false
		for _, name := range discovery {
			if emitted[name] || inDegree[name] != 0 {
				continue
			}
			emitted[name] = true
			order = append(order, name)
			progressed = true
			for _, other := range discovery {
				for _, dep := range enabled[other].Descriptor.Dependencies {
					if dep == name {
						inDegree[other]--
					}
				}
			}
		}
		if !progressed {
			var cycle []string
			for _, name := range discovery {
				if !emitted[name] {
					cycle = append(cycle, name)
				}
			}
			return nil, &module.CircularDependencyError{Cycle: cycle}
		}
	}

	l.mu.Lock()
	l.order = order
	l.mu.Unlock()

	l.logger.Printf("[loader] module start order: %v", order)
	return order, nil
}

// Instantiate constructs every resolved module with its bus and config
// slice. The first construction failure aborts loading; modules built
// before the failure are discarded without being started.
func (l *Loader) Instantiate() error {
	l.mu.Lock()
	order := append([]string(nil), l.order...)
	l.mu.Unlock()

	built := make(map[string]module.Module, len(order))
	for _, name := range order {
		reg, ok := l.lookup(name)
		if !ok {
			return &module.ModuleLoadError{Name: name, Err: fmt.Errorf("not discovered")}
		}
		inst, err := reg.Factory(l.bus, l.cfg.Module(name))
		if err != nil {
			return &module.ModuleLoadError{Name: name, Err: err}
		}
		if inst == nil {
			return &module.ModuleLoadError{Name: name, Err: fmt.Errorf("factory returned nil module")}
		}
		built[name] = inst
		l.logger.Printf("[loader] loaded module %s v%s", name, reg.Descriptor.Version)
	}

	l.mu.Lock()
	l.instances = built
	l.mu.Unlock()
	return nil
}

// StartAll starts every instantiated module in resolved order. On the
// first failure it stops the already-started prefix in reverse order
// and surfaces a ModuleStartError; partial success is not permitted.
func (l *Loader) StartAll(ctx context.Context) error {
	l.mu.Lock()
	order := append([]string(nil), l.order...)
	instances := l.instances
	l.mu.Unlock()

	for _, name := range order {
		inst, ok := instances[name]
		if !ok {
			continue
		}
		l.logger.Printf("[loader] starting module: %s", name)
		if err := inst.Start(ctx); err != nil {
			l.logger.Printf("[loader] failed to start module %s: %v", name, err)
			l.StopAll(ctx)
			return &module.ModuleStartError{Name: name, Err: err}
		}
		l.mu.Lock()
		l.started = append(l.started, name)
		l.mu.Unlock()
	}
	return nil
}

// StopAll stops every started module in reverse start order. Stop
// failures are logged and never halt teardown; each started module
// receives exactly one Stop call.
func (l *Loader) StopAll(ctx context.Context) {
	l.mu.Lock()
	started := l.started
	l.started = nil
	instances := l.instances
	l.mu.Unlock()

	for i := len(started) - 1; i >= 0; i-- {
		name := started[i]
		inst, ok := instances[name]
		if !ok {
			continue
		}
		l.logger.Printf("[loader] stopping module: %s", name)
		if err := inst.Stop(ctx); err != nil {
			l.logger.Printf("[loader] error stopping module %s: %v", name, err)
		}
	}
}

// Get returns a loaded module instance by name.
func (l *Loader) Get(name string) (module.Module, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	inst, ok := l.instances[name]
	return inst, ok
}

// LoadOrder returns the resolved start order.
func (l *Loader) LoadOrder() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

func (l *Loader) lookup(name string) (module.Registration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	reg, ok := l.byName[name]
	return reg, ok
}
