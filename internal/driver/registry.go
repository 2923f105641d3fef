// Package driver builds configured event-source drivers by type token.
package driver

import (
	"fmt"
	"log/slog"
	"slices"

	"kataribe/pkg/kataribe"
)

// Definition describes one configured driver entry.
type Definition struct {
	// Name is the stable configured driver instance identifier.
	Name string
	// Type identifies which builder should construct this driver.
	Type string
	// Enabled controls whether this definition is active.
	Enabled bool
	// Config stores driver-type-specific JSON payload.
	Config []byte
}

// BuilderFunc builds one driver from one configured definition.
type BuilderFunc func(definition Definition, logger *slog.Logger) (kataribe.Driver, error)

// Descriptor binds one driver type token to platform metadata and a builder.
type Descriptor struct {
	// Type is the driver type token from configuration (for example "telegram").
	Type string
	// Platform is the neutral platform produced by this driver type.
	Platform kataribe.Platform
	// Builder constructs one driver instance for this type.
	Builder BuilderFunc
}

func (d Descriptor) validate() error {
	if d.Type == "" {
		return fmt.Errorf("empty descriptor type")
	}
	if d.Platform == "" {
		return fmt.Errorf("type %s: empty platform", d.Type)
	}
	if d.Builder == nil {
		return fmt.Errorf("type %s: nil builder", d.Type)
	}

	return nil
}

// Registry maps driver type tokens to their descriptors.
type Registry struct {
	byType map[string]Descriptor
}

// NewRegistry creates one immutable driver registry from descriptors.
func NewRegistry(descriptors []Descriptor) (*Registry, error) {
	byType := make(map[string]Descriptor, len(descriptors))
	for _, descriptor := range descriptors {
		if err := descriptor.validate(); err != nil {
			return nil, fmt.Errorf("new registry: %w", err)
		}
		if _, exists := byType[descriptor.Type]; exists {
			return nil, fmt.Errorf("new registry type %s: duplicate", descriptor.Type)
		}
		byType[descriptor.Type] = descriptor
	}

	return &Registry{byType: byType}, nil
}

// Types returns all registered driver types in deterministic sorted order.
func (r *Registry) Types() []string {
	if r == nil {
		return nil
	}

	types := make([]string, 0, len(r.byType))
	for driverType := range r.byType {
		types = append(types, driverType)
	}
	slices.Sort(types)

	return types
}

// PlatformForType resolves one registered driver type to its neutral platform.
func (r *Registry) PlatformForType(driverType string) (kataribe.Platform, error) {
	if r == nil {
		return "", fmt.Errorf("resolve platform: nil registry")
	}

	descriptor, exists := r.byType[driverType]
	if !exists {
		return "", fmt.Errorf("unsupported type %s", driverType)
	}

	return descriptor.Platform, nil
}

// BuildEnabled builds all enabled driver definitions, preserving definition
// order and rejecting duplicate instance names.
func (r *Registry) BuildEnabled(definitions []Definition, logger *slog.Logger) ([]kataribe.Driver, error) {
	if r == nil {
		return nil, fmt.Errorf("build drivers: nil registry")
	}

	drivers := make([]kataribe.Driver, 0, len(definitions))
	seenNames := make(map[string]struct{}, len(definitions))
	for _, definition := range definitions {
		if !definition.Enabled {
			continue
		}
		if definition.Name == "" {
			return nil, fmt.Errorf("build driver: empty name")
		}
		if _, exists := seenNames[definition.Name]; exists {
			return nil, fmt.Errorf("build driver %s: duplicate name", definition.Name)
		}
		seenNames[definition.Name] = struct{}{}

		built, err := r.build(definition, logger)
		if err != nil {
			return nil, fmt.Errorf("build driver %s: %w", definition.Name, err)
		}
		drivers = append(drivers, built)
	}

	return drivers, nil
}

// build constructs one driver instance from its definition.
func (r *Registry) build(definition Definition, logger *slog.Logger) (kataribe.Driver, error) {
	if definition.Type == "" {
		return nil, fmt.Errorf("empty type")
	}
	descriptor, exists := r.byType[definition.Type]
	if !exists {
		return nil, fmt.Errorf("type %s: unsupported type", definition.Type)
	}

	built, err := descriptor.Builder(definition, logger)
	if err != nil {
		return nil, fmt.Errorf("type %s: %w", definition.Type, err)
	}
	if built == nil {
		return nil, fmt.Errorf("type %s: nil driver", definition.Type)
	}

	return built, nil
}
