package module

import (
	"fmt"
	"sync"
)

// Layer orders registration sources by priority. A user-layer module
// shadows a builtin module with the same name; two registrations under
// one name within a single layer are a configuration error.
type Layer int

const (
	// LayerBuiltin holds modules compiled into the runtime.
	LayerBuiltin Layer = iota
	// LayerUser holds modules supplied by the embedding program. It
	// overrides LayerBuiltin.
	LayerUser
)

func (l Layer) String() string {
	switch l {
	case LayerBuiltin:
		return "builtin"
	case LayerUser:
		return "user"
	default:
		return fmt.Sprintf("layer(%d)", int(l))
	}
}

// Registration binds a descriptor and factory to the layer that
// supplied them.
type Registration struct {
	Descriptor Descriptor
	Factory    Factory
	Layer      Layer
}

// Registry collects module registrations in ordered layers. It stands
// in for filesystem search roots: registration order within a layer is
// the discovery order, and layer priority is the override rule.
type Registry struct {
	mu     sync.Mutex
	layers map[Layer][]Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{layers: make(map[Layer][]Registration)}
}

// Register adds a module factory to the given layer. The descriptor
// name must be non-empty and the factory non-nil. Duplicate names
// within one layer are rejected here; cross-layer duplicates are legal
// and resolved by Candidates.
func (r *Registry) Register(layer Layer, desc Descriptor, factory Factory) error {
	if desc.Name == "" {
		return fmt.Errorf("module: registration with empty name in %s layer", layer)
	}
	if factory == nil {
		return fmt.Errorf("module: registration %q has nil factory", desc.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, reg := range r.layers[layer] {
		if reg.Descriptor.Name == desc.Name {
			return &DuplicateModuleError{Name: desc.Name, Layer: layer}
		}
	}

	r.layers[layer] = append(r.layers[layer], Registration{
		Descriptor: desc,
		Factory:    factory,
		Layer:      layer,
	})
	return nil
}

// Candidates applies the override policy and returns the winning
// registration per name. Order is discovery order: lower layers are
// walked first and an override keeps the position of the name's first
// appearance, so dependents keep a stable tie-break regardless of
// which layer won.
func (r *Registry) Candidates() []Registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	var order []string
	winners := make(map[string]Registration)

	for layer := LayerBuiltin; layer <= LayerUser; layer++ {
		for _, reg := range r.layers[layer] {
			name := reg.Descriptor.Name
			if _, seen := winners[name]; !seen {
				order = append(order, name)
			}
			winners[name] = reg
		}
	}

	out := make([]Registration, 0, len(order))
	for _, name := range order {
		out = append(out, winners[name])
	}
	return out
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry that builtin
// modules register into at package init.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Register adds a module to the default registry.
func Register(layer Layer, desc Descriptor, factory Factory) error {
	return defaultRegistry.Register(layer, desc, factory)
}

// MustRegister is Register for package init paths; it panics on error.
func MustRegister(layer Layer, desc Descriptor, factory Factory) {
	if err := defaultRegistry.Register(layer, desc, factory); err != nil {
		panic(err)
	}
}
