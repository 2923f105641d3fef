package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"kataribe/pkg/kataribe"
)

// moduleRecord is the kernel-side state for one registered module: its
// declared capabilities plus every bus subscription it owns.
type moduleRecord struct {
	name         string
	module       kataribe.Module
	capabilities []kataribe.Capability

	subMu         sync.Mutex
	subscriptions []kataribe.Subscription
}

// covers reports whether any declared capability admits the interest.
func (m *moduleRecord) covers(interest kataribe.InterestSet) bool {
	for _, capability := range m.capabilities {
		if capability.Interest.Allows(interest) {
			return true
		}
	}

	return false
}

// track remembers a subscription so shutdown can close it deterministically.
func (m *moduleRecord) track(subscription kataribe.Subscription) {
	m.subMu.Lock()
	m.subscriptions = append(m.subscriptions, subscription)
	m.subMu.Unlock()
}

// closeSubscriptions closes every tracked subscription. The slice is detached
// under the lock first, so repeated shutdown paths are idempotent.
func (m *moduleRecord) closeSubscriptions(ctx context.Context) error {
	m.subMu.Lock()
	subscriptions := m.subscriptions
	m.subscriptions = nil
	m.subMu.Unlock()

	errs := make([]error, 0, len(subscriptions))
	for _, subscription := range subscriptions {
		if err := subscription.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close subscription %s: %w", subscription.Name(), err))
		}
	}

	return errors.Join(errs...)
}

// moduleRuntime is what a module sees of the kernel during registration.
type moduleRuntime struct {
	record   *moduleRecord
	services kataribe.ServiceRegistry
	bus      kataribe.EventBus
}

func (r *moduleRuntime) Services() kataribe.ServiceRegistry {
	return r.services
}

// Subscribe binds a handler on the bus after checking the interest against
// the module's declared capabilities, so a module cannot quietly listen
// beyond its negotiated surface.
func (r *moduleRuntime) Subscribe(
	ctx context.Context,
	interest kataribe.InterestSet,
	spec kataribe.SubscriptionSpec,
	handler kataribe.EventHandler,
) (kataribe.Subscription, error) {
	if spec.Name == "" {
		spec.Name = r.record.name + "-subscription"
	}
	if len(r.record.capabilities) == 0 {
		return nil, fmt.Errorf(
			"module %s subscribe %s: no declared capabilities", r.record.name, spec.Name)
	}
	if !r.record.covers(interest) {
		return nil, fmt.Errorf(
			"module %s subscribe %s: interest not covered by declared capabilities", r.record.name, spec.Name)
	}

	subscription, err := r.bus.Subscribe(ctx, interest, spec, handler)
	if err != nil {
		return nil, fmt.Errorf("module %s subscribe %s: %w", r.record.name, spec.Name, err)
	}
	r.record.track(subscription)

	return subscription, nil
}
