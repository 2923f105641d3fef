package kernel

import (
	"fmt"
	"sync"

	"kataribe/pkg/kataribe"
)

// ServiceRegistry is the default in-memory service registry. Services are
// write-once singletons resolved far more often than they are registered, so
// a sync.Map fits the access pattern.
type ServiceRegistry struct {
	services sync.Map
}

// NewServiceRegistry creates an empty service registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{}
}

// Register binds a named service singleton. Rebinding an existing name fails.
func (r *ServiceRegistry) Register(name string, service any) error {
	if name == "" {
		return fmt.Errorf("register service: empty name")
	}
	if service == nil {
		return fmt.Errorf("register service %s: nil service", name)
	}

	if _, taken := r.services.LoadOrStore(name, service); taken {
		return fmt.Errorf("register service %s: %w", name, kataribe.ErrServiceAlreadyRegistered)
	}

	return nil
}

// Resolve returns a registered named service.
func (r *ServiceRegistry) Resolve(name string) (any, error) {
	if name == "" {
		return nil, fmt.Errorf("resolve service: empty name")
	}

	service, exists := r.services.Load(name)
	if !exists {
		return nil, fmt.Errorf("resolve service %s: %w", name, kataribe.ErrServiceNotFound)
	}

	return service, nil
}
