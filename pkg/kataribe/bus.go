package kataribe

import (
	"context"
	"time"
)

// SubscriptionSpec configures a single consumer subscription.
//
// Every subscription is drained by exactly one goroutine so subscribers see
// events in publish order; per-conversation insert order in the history cache
// depends on that. When the queue is full the incoming event is dropped and
// counted rather than stalling the publisher: a cache consumer recovers
// anything dropped from the persistent store on its next page fetch.
type SubscriptionSpec struct {
	Name           string
	Buffer         int
	HandlerTimeout time.Duration
}

// NewDefaultSubscriptionSpec returns a named spec relying on bus defaults.
func NewDefaultSubscriptionSpec(name string) SubscriptionSpec {
	return SubscriptionSpec{Name: name}
}

// Subscription controls an active event stream registration.
type Subscription interface {
	// Name returns the subscription identifier.
	Name() string
	// Close stops delivery for this subscription.
	Close(ctx context.Context) error
}

// EventBus is the asynchronous pub/sub contract used by the kernel.
type EventBus interface {
	EventSink
	// Subscribe registers a handler with bounded buffering semantics.
	Subscribe(ctx context.Context, interest InterestSet, spec SubscriptionSpec, handler EventHandler) (Subscription, error)
	// Close shuts down the bus and all active subscriptions.
	Close(ctx context.Context) error
}
