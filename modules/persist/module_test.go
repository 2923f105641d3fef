package persist

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"kataribe/pkg/kataribe"
)

type fakeRecorder struct {
	mu       sync.Mutex
	recorded []*kataribe.DisplayEvent
	err      error
}

func (r *fakeRecorder) RecordEvent(_ context.Context, event *kataribe.DisplayEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return r.err
	}
	r.recorded = append(r.recorded, event)

	return nil
}

func messageEvent(id string) *kataribe.DisplayEvent {
	return &kataribe.DisplayEvent{
		ID:             id,
		ConversationID: "conv-1",
		Kind:           kataribe.EventKindMessage,
		At:             1700004000000,
		Platform:       kataribe.PlatformTelegram,
		Body:           "persist me",
	}
}

func TestSpecDeclaresAllDisplayableKinds(t *testing.T) {
	t.Parallel()

	spec := New().Spec()
	if len(spec.Handlers) != 1 {
		t.Fatalf("spec handlers = %d, want 1", len(spec.Handlers))
	}

	interest := spec.Handlers[0].Capability.Interest
	for _, kind := range []kataribe.EventKind{
		kataribe.EventKindMessage,
		kataribe.EventKindReaction,
		kataribe.EventKindPayment,
		kataribe.EventKindMemberChange,
	} {
		if !interest.Matches(&kataribe.DisplayEvent{Kind: kind}) {
			t.Fatalf("interest does not match kind %q", kind)
		}
	}
}

func TestHandleEventRecords(t *testing.T) {
	t.Parallel()

	recorder := &fakeRecorder{}
	module := New(WithRecorder(recorder))

	event := messageEvent("conv-1-e1")
	if err := module.handleEvent(context.Background(), event); err != nil {
		t.Fatalf("handleEvent() error = %v", err)
	}

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.recorded) != 1 || recorder.recorded[0].ID != "conv-1-e1" {
		t.Fatalf("recorded = %+v, want one event conv-1-e1", recorder.recorded)
	}
}

func TestHandleEventToleratesWriteFailure(t *testing.T) {
	t.Parallel()

	recorder := &fakeRecorder{err: fmt.Errorf("store unavailable")}
	module := New(WithRecorder(recorder))

	if err := module.handleEvent(context.Background(), messageEvent("conv-1-e1")); err != nil {
		t.Fatalf("handleEvent() error = %v, want nil on write failure", err)
	}
}

func TestHandleEventRejectsNil(t *testing.T) {
	t.Parallel()

	module := New(WithRecorder(&fakeRecorder{}))
	if err := module.handleEvent(context.Background(), nil); err == nil {
		t.Fatal("handleEvent(nil) error = nil, want error")
	}
}
