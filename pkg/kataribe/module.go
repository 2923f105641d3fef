package kataribe

import "context"

// EventHandler processes a single displayable event.
type EventHandler func(ctx context.Context, event *DisplayEvent) error

// EventSink accepts displayable events for dispatching into the kernel.
type EventSink interface {
	// Publish submits an event to downstream subscribers.
	Publish(ctx context.Context, event *DisplayEvent) error
}

// ModuleRuntime provides kernel facilities to modules during registration.
type ModuleRuntime interface {
	// Services exposes the service registry for dependency lookup.
	Services() ServiceRegistry
	// Subscribe registers an asynchronous event handler owned by the module.
	Subscribe(ctx context.Context, interest InterestSet, spec SubscriptionSpec, handler EventHandler) (Subscription, error)
}

// ModuleHandler binds one declared capability to a bus subscription.
type ModuleHandler struct {
	Capability   Capability
	Subscription SubscriptionSpec
	Handler      EventHandler
}

// ModuleSpec declares a module's processing surface.
type ModuleSpec struct {
	Handlers []ModuleHandler
}

// Capabilities returns every capability declared across the spec's handlers.
func (s ModuleSpec) Capabilities() []Capability {
	capabilities := make([]Capability, 0, len(s.Handlers))
	for _, handler := range s.Handlers {
		capabilities = append(capabilities, handler.Capability)
	}

	return capabilities
}

// Module is a lifecycle-aware plugin contract.
//
// Handlers run on the bus drain goroutines, so modules must be concurrency-safe
// across their own subscriptions.
type Module interface {
	// Name returns a stable module identifier.
	Name() string
	// Spec declares handlers and capability metadata.
	Spec() ModuleSpec
	// OnRegister is called once when the module is registered.
	OnRegister(ctx context.Context, runtime ModuleRuntime) error
	// OnStart is called when the kernel begins runtime execution.
	OnStart(ctx context.Context) error
	// OnShutdown is called during orderly shutdown.
	OnShutdown(ctx context.Context) error
}

// Driver adapts an external platform into displayable events.
//
// Drivers own transport/session concerns and must publish only DisplayEvent.
type Driver interface {
	// Name returns a stable driver identifier.
	Name() string
	// Start starts consuming external updates and publishing events.
	// It should return only after context cancellation or fatal error.
	Start(ctx context.Context, sink EventSink) error
	// Shutdown stops external resources that are not tied to Start context alone.
	Shutdown(ctx context.Context) error
}
