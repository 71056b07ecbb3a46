// Package modules registers the builtin module set. Importing it (the
// daemon does so for side effects) populates the builtin layer of the
// default registry; embedding programs layer their own modules on top
// via module.Register with LayerUser.
package modules

import (
	"github.com/baseplate-os/baseplate/internal/module"
	"github.com/baseplate-os/baseplate/internal/modules/comms"
	"github.com/baseplate-os/baseplate/internal/modules/datastore"
	"github.com/baseplate-os/baseplate/internal/modules/operations"
)

func init() {
	if err := RegisterBuiltin(module.DefaultRegistry()); err != nil {
		panic(err)
	}
}

// RegisterBuiltin adds the builtin modules to the given registry.
func RegisterBuiltin(reg *module.Registry) error {
	builtins := []struct {
		desc    module.Descriptor
		factory module.Factory
	}{
		{comms.Descriptor(), comms.New},
		{datastore.Descriptor(), datastore.New},
		{operations.Descriptor(), operations.New},
	}

	for _, b := range builtins {
		if err := reg.Register(module.LayerBuiltin, b.desc, b.factory); err != nil {
			return err
		}
	}
	return nil
}
