package driver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"kataribe/pkg/kataribe"
)

type stubDriver struct {
	name string
}

func (d stubDriver) Name() string { return d.name }

func (d stubDriver) Start(ctx context.Context, _ kataribe.EventSink) error {
	<-ctx.Done()
	return nil
}

func (d stubDriver) Shutdown(context.Context) error { return nil }

func stubDescriptor(driverType string, platform kataribe.Platform) Descriptor {
	return Descriptor{
		Type:     driverType,
		Platform: platform,
		Builder: func(definition Definition, _ *slog.Logger) (kataribe.Driver, error) {
			return stubDriver{name: definition.Name}, nil
		},
	}
}

func TestNewRegistryValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		descriptors []Descriptor
		wantErr     string
	}{
		{
			name: "valid descriptors",
			descriptors: []Descriptor{
				stubDescriptor("telegram", kataribe.PlatformTelegram),
				stubDescriptor("relay", kataribe.PlatformRelay),
			},
		},
		{
			name:        "empty type",
			descriptors: []Descriptor{stubDescriptor("", kataribe.PlatformTelegram)},
			wantErr:     "empty descriptor type",
		},
		{
			name:        "empty platform",
			descriptors: []Descriptor{stubDescriptor("telegram", "")},
			wantErr:     "empty platform",
		},
		{
			name: "nil builder",
			descriptors: []Descriptor{
				{Type: "telegram", Platform: kataribe.PlatformTelegram},
			},
			wantErr: "nil builder",
		},
		{
			name: "duplicate type",
			descriptors: []Descriptor{
				stubDescriptor("telegram", kataribe.PlatformTelegram),
				stubDescriptor("telegram", kataribe.PlatformTelegram),
			},
			wantErr: "duplicate",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			registry, err := NewRegistry(tt.descriptors)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatal("NewRegistry() error = nil, want error")
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("NewRegistry() error = %v, want substring %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewRegistry() error = %v", err)
			}

			types := registry.Types()
			if len(types) != 2 || types[0] != "relay" || types[1] != "telegram" {
				t.Fatalf("Types() = %v, want sorted [relay telegram]", types)
			}
		})
	}
}

func TestPlatformForType(t *testing.T) {
	t.Parallel()

	registry, err := NewRegistry([]Descriptor{stubDescriptor("telegram", kataribe.PlatformTelegram)})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	platform, err := registry.PlatformForType("telegram")
	if err != nil {
		t.Fatalf("PlatformForType() error = %v", err)
	}
	if platform != kataribe.PlatformTelegram {
		t.Fatalf("platform = %q, want %q", platform, kataribe.PlatformTelegram)
	}

	if _, err := registry.PlatformForType("irc"); err == nil {
		t.Fatal("PlatformForType(irc) error = nil, want unsupported type")
	}
}

func TestBuildEnabled(t *testing.T) {
	t.Parallel()

	registry, err := NewRegistry([]Descriptor{
		stubDescriptor("telegram", kataribe.PlatformTelegram),
		stubDescriptor("relay", kataribe.PlatformRelay),
	})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	drivers, err := registry.BuildEnabled([]Definition{
		{Name: "tg-main", Type: "telegram", Enabled: true},
		{Name: "tg-backup", Type: "telegram", Enabled: false},
		{Name: "relay-main", Type: "relay", Enabled: true},
	}, slog.Default())
	if err != nil {
		t.Fatalf("BuildEnabled() error = %v", err)
	}

	if len(drivers) != 2 {
		t.Fatalf("built %d drivers, want 2 (disabled skipped)", len(drivers))
	}
	if drivers[0].Name() != "tg-main" || drivers[1].Name() != "relay-main" {
		t.Fatalf("driver names = %q, %q; want tg-main, relay-main",
			drivers[0].Name(), drivers[1].Name())
	}
}

func TestBuildEnabledRejectsBadDefinitions(t *testing.T) {
	t.Parallel()

	registry, err := NewRegistry([]Descriptor{stubDescriptor("telegram", kataribe.PlatformTelegram)})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	tests := []struct {
		name        string
		definitions []Definition
		wantErr     string
	}{
		{
			name:        "empty name",
			definitions: []Definition{{Type: "telegram", Enabled: true}},
			wantErr:     "empty name",
		},
		{
			name: "duplicate name",
			definitions: []Definition{
				{Name: "tg", Type: "telegram", Enabled: true},
				{Name: "tg", Type: "telegram", Enabled: true},
			},
			wantErr: "duplicate name",
		},
		{
			name:        "empty type",
			definitions: []Definition{{Name: "tg", Enabled: true}},
			wantErr:     "empty type",
		},
		{
			name:        "unsupported type",
			definitions: []Definition{{Name: "irc-main", Type: "irc", Enabled: true}},
			wantErr:     "unsupported type",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := registry.BuildEnabled(tt.definitions, slog.Default())
			if err == nil {
				t.Fatal("BuildEnabled() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("BuildEnabled() error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestBuildEnabledPropagatesBuilderFailure(t *testing.T) {
	t.Parallel()

	registry, err := NewRegistry([]Descriptor{
		{
			Type:     "telegram",
			Platform: kataribe.PlatformTelegram,
			Builder: func(Definition, *slog.Logger) (kataribe.Driver, error) {
				return nil, fmt.Errorf("bad credentials")
			},
		},
	})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	_, err = registry.BuildEnabled([]Definition{{Name: "tg", Type: "telegram", Enabled: true}}, slog.Default())
	if err == nil || !strings.Contains(err.Error(), "bad credentials") {
		t.Fatalf("BuildEnabled() error = %v, want wrapped builder failure", err)
	}
}

func TestNewBuiltinRegistryTypes(t *testing.T) {
	t.Parallel()

	registry, err := NewBuiltinRegistry()
	if err != nil {
		t.Fatalf("NewBuiltinRegistry() error = %v", err)
	}

	types := registry.Types()
	if len(types) != 2 || types[0] != "relay" || types[1] != "telegram" {
		t.Fatalf("builtin types = %v, want [relay telegram]", types)
	}
}
