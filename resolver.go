package modkernel

import (
	"context"

	"github.com/GoCodeAlone/modkernel/registry"
)

// Resolver produces the ordered list of modules to provision.
type Resolver interface {
	Resolve(ctx context.Context) ([]registry.Descriptor, error)
}

// StaticResolver resolves to a fixed list of descriptors.
type StaticResolver []registry.Descriptor

// Resolve returns a copy of the list.
func (r StaticResolver) Resolve(context.Context) ([]registry.Descriptor, error) {
	return append([]registry.Descriptor(nil), r...), nil
}
