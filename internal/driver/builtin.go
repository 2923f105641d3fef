package driver

import (
	"fmt"
	"log/slog"

	"kataribe/internal/driver/relay"
	"kataribe/internal/driver/telegram"
	"kataribe/pkg/kataribe"
)

// NewBuiltinRegistry constructs the runtime registry with all built-in drivers.
func NewBuiltinRegistry() (*Registry, error) {
	return NewRegistry([]Descriptor{
		{
			Type:     telegram.DriverType,
			Platform: telegram.DriverPlatform,
			Builder: func(definition Definition, builderLogger *slog.Logger) (kataribe.Driver, error) {
				built, err := telegram.BuildRuntimeFromConfig(definition.Name, builderLogger, definition.Config)
				if err != nil {
					return nil, fmt.Errorf("build telegram runtime from config: %w", err)
				}

				return built, nil
			},
		},
		{
			Type:     relay.DriverType,
			Platform: relay.DriverPlatform,
			Builder: func(definition Definition, builderLogger *slog.Logger) (kataribe.Driver, error) {
				built, err := relay.BuildRuntimeFromConfig(definition.Name, builderLogger, definition.Config)
				if err != nil {
					return nil, fmt.Errorf("build relay runtime from config: %w", err)
				}

				return built, nil
			},
		},
	})
}
