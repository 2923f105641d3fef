package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"kataribe/pkg/kataribe"
)

// EventBus fans published display events out to subscriber queues.
//
// Each subscription owns one bounded queue drained by a single goroutine, so
// a subscriber always observes events in publish order. A full queue drops
// the incoming event and counts it; the drop is reported through the async
// error sink but never fails the publish, because stalling a platform driver
// costs more than an event the cache can re-page from the store.
type EventBus struct {
	defaultBuffer  int
	handlerTimeout time.Duration
	onAsyncError   func(context.Context, string, error)

	mu     sync.Mutex
	seq    int64
	closed bool
	subs   map[int64]*subscriber
}

// NewEventBus creates an asynchronous event bus with bounded queues.
func NewEventBus(
	defaultBuffer int,
	handlerTimeout time.Duration,
	onAsyncError func(context.Context, string, error),
) *EventBus {
	return &EventBus{
		defaultBuffer:  defaultBuffer,
		handlerTimeout: handlerTimeout,
		onAsyncError:   onAsyncError,
		subs:           make(map[int64]*subscriber),
	}
}

// Publish enqueues an event for every subscriber whose interest matches.
func (b *EventBus) Publish(ctx context.Context, event *kataribe.DisplayEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("publish event %s: bus closed", event.Kind)
	}
	matched := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.interest.Matches(event) {
			matched = append(matched, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range matched {
		if dropped, ok := sub.offer(event); !ok {
			b.report(ctx, sub.name,
				fmt.Errorf("queue full, %d dropped so far: %w", dropped, kataribe.ErrEventDropped))
		}
	}

	return nil
}

// Subscribe registers a bounded, single-drainer consumer.
func (b *EventBus) Subscribe(
	ctx context.Context,
	interest kataribe.InterestSet,
	spec kataribe.SubscriptionSpec,
	handler kataribe.EventHandler,
) (kataribe.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", spec.Name, err)
	}
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s: nil handler", spec.Name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("subscribe %s: bus closed", spec.Name)
	}

	b.seq++
	sub := &subscriber{
		id:       b.seq,
		name:     spec.Name,
		interest: interest.Clone(),
		handler:  handler,
		timeout:  spec.HandlerTimeout,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		bus:      b,
	}
	if sub.name == "" {
		sub.name = fmt.Sprintf("subscription-%d", sub.id)
	}
	if sub.timeout <= 0 {
		sub.timeout = b.handlerTimeout
	}
	buffer := spec.Buffer
	if buffer <= 0 {
		buffer = b.defaultBuffer
	}
	sub.queue = make(chan *kataribe.DisplayEvent, buffer)

	b.subs[sub.id] = sub
	go sub.drain()

	return sub, nil
}

// Close stops all active subscriptions and rejects further publishes/subscribes.
func (b *EventBus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	remaining := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		remaining = append(remaining, sub)
	}
	b.subs = make(map[int64]*subscriber)
	b.mu.Unlock()

	var haltErr error
	for _, sub := range remaining {
		haltErr = errors.Join(haltErr, sub.halt(ctx))
	}
	if haltErr != nil {
		return fmt.Errorf("close event bus: %w", haltErr)
	}

	return nil
}

func (b *EventBus) report(ctx context.Context, scope string, err error) {
	if b.onAsyncError != nil {
		b.onAsyncError(ctx, scope, err)
	}
}

// subscriber pairs one bounded queue with the goroutine that drains it.
type subscriber struct {
	id       int64
	name     string
	interest kataribe.InterestSet
	handler  kataribe.EventHandler
	timeout  time.Duration
	queue    chan *kataribe.DisplayEvent
	drops    atomic.Int64
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
	bus      *EventBus
}

// Name returns the stable subscription name.
func (s *subscriber) Name() string {
	return s.name
}

// Close unregisters this subscription and waits for its drainer to exit.
func (s *subscriber) Close(ctx context.Context) error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()

	return s.halt(ctx)
}

// offer enqueues without blocking. On overflow it returns the cumulative drop
// count and false; a stopped subscriber swallows the event silently.
func (s *subscriber) offer(event *kataribe.DisplayEvent) (int64, bool) {
	select {
	case s.queue <- event:
		return 0, true
	case <-s.stop:
		return 0, true
	default:
		return s.drops.Add(1), false
	}
}

// drain delivers queued events in order until the subscription stops.
func (s *subscriber) drain() {
	defer close(s.done)

	for {
		select {
		case <-s.stop:
			return
		case event := <-s.queue:
			s.dispatch(event)
		}
	}
}

// dispatch runs the handler for one event under the configured timeout.
// Handler failures and panics are reported, never propagated: one bad event
// must not wedge the stream behind it.
func (s *subscriber) dispatch(event *kataribe.DisplayEvent) {
	ctx := context.Background()
	cancel := func() {}
	if s.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
	}
	defer cancel()

	err := guard("subscription "+s.name, func() error {
		return s.handler(ctx, event)
	})
	if err != nil {
		s.bus.report(ctx, s.name, fmt.Errorf("handle event %s: %w", event.Kind, err))
	}
}

// halt signals the drainer exactly once and waits for it to exit.
func (s *subscriber) halt(ctx context.Context) error {
	s.once.Do(func() { close(s.stop) })

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop subscription %s: %w", s.name, ctx.Err())
	}
}
