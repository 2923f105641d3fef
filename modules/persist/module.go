// Package persist appends realtime display events to the persistence tier
// so the backend query port serves them on later cache fetches.
package persist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"kataribe/pkg/kataribe"
)

// ServiceLogger mirrors the shared logger service key.
const ServiceLogger = "logger"

// EventRecorder is the write half of the persistence tier.
type EventRecorder interface {
	RecordEvent(ctx context.Context, event *kataribe.DisplayEvent) error
}

// ServiceEventRecorder exposes the persistence write port to modules.
const ServiceEventRecorder = "kataribe.event_recorder"

// Option mutates module construction.
type Option func(*Module)

// WithLogger injects the module logger, bypassing registry resolution.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Module) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithRecorder injects the event recorder, bypassing registry resolution.
func WithRecorder(recorder EventRecorder) Option {
	return func(m *Module) {
		if recorder != nil {
			m.recorder = recorder
		}
	}
}

// Module subscribes to every displayable event kind and appends each event
// to the persistence tier. Write failures are logged, not fatal: the cache
// still serves the event from memory, and the store converges on the next
// successful write.
type Module struct {
	logger   *slog.Logger
	recorder EventRecorder
}

// New creates the persistence writer module.
func New(options ...Option) *Module {
	m := &Module{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, option := range options {
		option(m)
	}

	return m
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "event-persister"
}

// Spec declares one append-only subscription across all event kinds.
func (m *Module) Spec() kataribe.ModuleSpec {
	return kataribe.ModuleSpec{
		Handlers: []kataribe.ModuleHandler{
			{
				Capability: kataribe.Capability{
					Name:        "event-store-writer",
					Description: "appends realtime display events to the persistence tier",
					Interest: kataribe.InterestSet{
						Kinds: []kataribe.EventKind{
							kataribe.EventKindMessage,
							kataribe.EventKindReaction,
							kataribe.EventKindPayment,
							kataribe.EventKindMemberChange,
						},
					},
					RequiredServices: []string{ServiceEventRecorder},
				},
				Subscription: kataribe.NewDefaultSubscriptionSpec("event-store-writer"),
				Handler:      m.handleEvent,
			},
		},
	}
}

// OnRegister resolves the logger and recorder services.
func (m *Module) OnRegister(_ context.Context, runtime kataribe.ModuleRuntime) error {
	if runtime == nil {
		return fmt.Errorf("register event-persister: nil runtime")
	}

	logger, err := kataribe.ResolveAs[*slog.Logger](runtime.Services(), ServiceLogger)
	switch {
	case err == nil:
		m.logger = logger.With("module", m.Name())
	case errors.Is(err, kataribe.ErrServiceNotFound):
	default:
		return fmt.Errorf("event-persister resolve logger: %w", err)
	}

	if m.recorder == nil {
		recorder, err := kataribe.ResolveAs[EventRecorder](runtime.Services(), ServiceEventRecorder)
		if err != nil {
			return fmt.Errorf("event-persister resolve recorder: %w", err)
		}
		m.recorder = recorder
	}

	return nil
}

// OnStart is a no-op; the module has no warm-up state.
func (m *Module) OnStart(_ context.Context) error {
	return nil
}

// OnShutdown is a no-op; writes are synchronous within handler scope.
func (m *Module) OnShutdown(_ context.Context) error {
	return nil
}

func (m *Module) handleEvent(ctx context.Context, event *kataribe.DisplayEvent) error {
	if event == nil {
		return fmt.Errorf("persist event: nil event")
	}

	if err := m.recorder.RecordEvent(ctx, event); err != nil {
		m.logger.Warn("event persistence failed",
			"conversation_id", event.ConversationID,
			"event_id", event.ID,
			"error", err,
		)
	}

	return nil
}
