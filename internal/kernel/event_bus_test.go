package kernel

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kataribe/pkg/kataribe"
)

func testEvent(id string, kind kataribe.EventKind) *kataribe.DisplayEvent {
	return &kataribe.DisplayEvent{
		ID:             id,
		ConversationID: "conv-1",
		Kind:           kind,
		At:             time.Now().UnixMilli(),
		Platform:       kataribe.PlatformTelegram,
	}
}

func newTestBus(onAsyncError func(context.Context, string, error)) *EventBus {
	return NewEventBus(defaultSubscriptionBuffer, defaultHandlerTimeout, onAsyncError)
}

// TestEventBusDeliversMatchingEvents verifies interest-based fan-out.
func TestEventBusDeliversMatchingEvents(t *testing.T) {
	t.Parallel()

	bus := newTestBus(nil)
	defer func() {
		if err := bus.Close(context.Background()); err != nil {
			t.Fatalf("close bus failed: %v", err)
		}
	}()

	delivered := make(chan string, 4)
	handler := func(_ context.Context, event *kataribe.DisplayEvent) error {
		delivered <- event.ID
		return nil
	}

	interest := kataribe.InterestSet{Kinds: []kataribe.EventKind{kataribe.EventKindMessage}}
	spec := kataribe.NewDefaultSubscriptionSpec("messages-only")
	if _, err := bus.Subscribe(context.Background(), interest, spec, handler); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := bus.Publish(context.Background(), testEvent("msg-1", kataribe.EventKindMessage)); err != nil {
		t.Fatalf("publish message failed: %v", err)
	}
	if err := bus.Publish(context.Background(), testEvent("pay-1", kataribe.EventKindPayment)); err != nil {
		t.Fatalf("publish payment failed: %v", err)
	}

	select {
	case id := <-delivered:
		if id != "msg-1" {
			t.Fatalf("delivered %s, want msg-1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("matching event was not delivered")
	}

	select {
	case id := <-delivered:
		t.Fatalf("non-matching event %s was delivered", id)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestEventBusPublishValidation verifies malformed events are rejected.
func TestEventBusPublishValidation(t *testing.T) {
	t.Parallel()

	bus := newTestBus(nil)
	defer func() {
		if err := bus.Close(context.Background()); err != nil {
			t.Fatalf("close bus failed: %v", err)
		}
	}()

	invalid := testEvent("msg-1", kataribe.EventKindMessage)
	invalid.At = 0
	if err := bus.Publish(context.Background(), invalid); !errors.Is(err, kataribe.ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got: %v", err)
	}
}

// TestEventBusPreservesPublishOrder verifies a subscriber observes events in
// the order they were published. Windows insert events in arrival order, so
// reordering here would corrupt the cache's fast path.
func TestEventBusPreservesPublishOrder(t *testing.T) {
	t.Parallel()

	bus := newTestBus(nil)
	defer func() {
		if err := bus.Close(context.Background()); err != nil {
			t.Fatalf("close bus failed: %v", err)
		}
	}()

	const total = 20
	var mu sync.Mutex
	received := make([]string, 0, total)
	done := make(chan struct{})
	handler := func(_ context.Context, event *kataribe.DisplayEvent) error {
		mu.Lock()
		received = append(received, event.ID)
		if len(received) == total {
			close(done)
		}
		mu.Unlock()
		return nil
	}

	interest := kataribe.InterestSet{Kinds: []kataribe.EventKind{kataribe.EventKindMessage}}
	if _, err := bus.Subscribe(context.Background(), interest, kataribe.NewDefaultSubscriptionSpec("ordered"), handler); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	for i := 0; i < total; i++ {
		event := testEvent("msg-"+strconv.Itoa(i), kataribe.EventKindMessage)
		if err := bus.Publish(context.Background(), event); err != nil {
			t.Fatalf("publish %d failed: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not all events were delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, id := range received {
		if want := "msg-" + strconv.Itoa(i); id != want {
			t.Fatalf("received[%d] = %s, want %s", i, id, want)
		}
	}
}

// TestEventBusOverflowDropsAndCounts verifies a full queue drops the incoming
// event, reports it with a running count, and never fails the publish.
func TestEventBusOverflowDropsAndCounts(t *testing.T) {
	t.Parallel()

	dropReports := make(chan error, 4)
	bus := newTestBus(func(_ context.Context, _ string, err error) {
		if errors.Is(err, kataribe.ErrEventDropped) {
			dropReports <- err
		}
	})
	defer func() {
		if err := bus.Close(context.Background()); err != nil {
			t.Fatalf("close bus failed: %v", err)
		}
	}()

	release := make(chan struct{})
	delivered := make(chan string, 4)
	handler := func(_ context.Context, event *kataribe.DisplayEvent) error {
		<-release
		delivered <- event.ID
		return nil
	}

	spec := kataribe.SubscriptionSpec{Name: "pressure", Buffer: 1}
	interest := kataribe.InterestSet{Kinds: []kataribe.EventKind{kataribe.EventKindMessage}}
	if _, err := bus.Subscribe(context.Background(), interest, spec, handler); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	// msg-1 goes to the parked drainer or the buffer; publish until the
	// queue rejects one.
	deadline := time.Now().Add(2 * time.Second)
	published := 0
	for len(dropReports) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("queue never overflowed")
		}
		published++
		event := testEvent("msg-"+strconv.Itoa(published), kataribe.EventKindMessage)
		if err := bus.Publish(context.Background(), event); err != nil {
			t.Fatalf("publish %d failed: %v", published, err)
		}
	}

	close(release)

	select {
	case id := <-delivered:
		if id != "msg-1" {
			t.Fatalf("delivered %s first, want msg-1 (drops must hit the newest event)", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued event was not delivered")
	}
}

// TestEventBusHandlerPanicIsolated verifies panics are contained per event.
func TestEventBusHandlerPanicIsolated(t *testing.T) {
	t.Parallel()

	asyncErrs := make(chan error, 4)
	bus := newTestBus(func(_ context.Context, _ string, err error) {
		asyncErrs <- err
	})
	defer func() {
		if err := bus.Close(context.Background()); err != nil {
			t.Fatalf("close bus failed: %v", err)
		}
	}()

	var handled atomic.Int64
	handler := func(_ context.Context, event *kataribe.DisplayEvent) error {
		if event.ID == "boom" {
			panic("handler exploded")
		}
		handled.Add(1)
		return nil
	}

	interest := kataribe.InterestSet{Kinds: []kataribe.EventKind{kataribe.EventKindMessage}}
	spec := kataribe.NewDefaultSubscriptionSpec("panicky")
	if _, err := bus.Subscribe(context.Background(), interest, spec, handler); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := bus.Publish(context.Background(), testEvent("boom", kataribe.EventKindMessage)); err != nil {
		t.Fatalf("publish panic event failed: %v", err)
	}

	select {
	case err := <-asyncErrs:
		if err == nil {
			t.Fatal("expected non-nil async error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("panic was not reported as async error")
	}

	if err := bus.Publish(context.Background(), testEvent("ok", kataribe.EventKindMessage)); err != nil {
		t.Fatalf("publish after panic failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for handled.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription stopped handling events after a panic")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestEventBusSubscriptionClose verifies closed subscriptions stop receiving.
func TestEventBusSubscriptionClose(t *testing.T) {
	t.Parallel()

	bus := newTestBus(nil)
	defer func() {
		if err := bus.Close(context.Background()); err != nil {
			t.Fatalf("close bus failed: %v", err)
		}
	}()

	var handled atomic.Int64
	handler := func(_ context.Context, _ *kataribe.DisplayEvent) error {
		handled.Add(1)
		return nil
	}

	interest := kataribe.InterestSet{Kinds: []kataribe.EventKind{kataribe.EventKindMessage}}
	subscription, err := bus.Subscribe(
		context.Background(),
		interest,
		kataribe.NewDefaultSubscriptionSpec("closable"),
		handler,
	)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if subscription.Name() != "closable" {
		t.Fatalf("subscription name %s, want closable", subscription.Name())
	}

	if err := subscription.Close(context.Background()); err != nil {
		t.Fatalf("close subscription failed: %v", err)
	}

	if err := bus.Publish(context.Background(), testEvent("msg-1", kataribe.EventKindMessage)); err != nil {
		t.Fatalf("publish after close failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if handled.Load() != 0 {
		t.Fatal("closed subscription handled an event")
	}
}

// TestEventBusCloseRejectsFurtherUse verifies terminal close semantics.
func TestEventBusCloseRejectsFurtherUse(t *testing.T) {
	t.Parallel()

	bus := newTestBus(nil)
	if err := bus.Close(context.Background()); err != nil {
		t.Fatalf("close bus failed: %v", err)
	}
	if err := bus.Close(context.Background()); err != nil {
		t.Fatalf("second close should be a no-op, got: %v", err)
	}

	if err := bus.Publish(context.Background(), testEvent("msg-1", kataribe.EventKindMessage)); err == nil {
		t.Fatal("expected publish on closed bus to fail")
	}

	handler := func(_ context.Context, _ *kataribe.DisplayEvent) error { return nil }
	_, err := bus.Subscribe(
		context.Background(),
		kataribe.InterestSet{},
		kataribe.NewDefaultSubscriptionSpec("late"),
		handler,
	)
	if err == nil {
		t.Fatal("expected subscribe on closed bus to fail")
	}
}
