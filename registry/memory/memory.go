package memory

import (
	"meshrpc/registry"
)

// Name is the registry type name of this backend.
const Name = "memory"

// New returns a registry client of store.
func New(store *Store, opts ...registry.Option) *registry.LeaseRegistry {
	return registry.NewLeaseRegistry(&backend{store: store}, opts...)
}

// Factory returns a registry.Factory whose registries all share store.
// Endpoints are ignored.
func Factory(store *Store) registry.Factory {
	return func(_ []string, opts ...registry.Option) (registry.Registry, error) {
		return New(store, opts...), nil
	}
}
