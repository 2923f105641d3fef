package kataribe

import "fmt"

// ServiceRegistry provides runtime dependency injection to modules and
// drivers. Names are flat strings; each one binds exactly one singleton.
type ServiceRegistry interface {
	// Register binds a singleton service value to a stable name.
	Register(name string, service any) error
	// Resolve returns a registered service by name.
	Resolve(name string) (any, error)
}

// ResolveAs looks up a service and asserts it to the requested type, keeping
// the cast and its failure wrapping in one place.
func ResolveAs[T any](registry ServiceRegistry, name string) (T, error) {
	service, err := registry.Resolve(name)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("resolve service %s: %w", name, err)
	}

	typed, ok := service.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("resolve service %s: type assertion failed", name)
	}

	return typed, nil
}
