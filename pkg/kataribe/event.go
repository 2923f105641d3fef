package kataribe

import (
	"fmt"
)

// EventKind identifies a displayable conversation event type.
//
// The window cache is deliberately kind-agnostic: every kind below is windowed,
// paginated, and evicted identically. Kinds exist so drivers and subscriptions
// can route, not so the cache can special-case.
type EventKind string

const (
	// EventKindMessage is a regular conversation message.
	EventKindMessage EventKind = "message"
	// EventKindReaction is a reaction delivered as its own event, targeting
	// an earlier event by id.
	EventKindReaction EventKind = "reaction"
	// EventKindPayment is a payment record rendered inline in a conversation.
	EventKindPayment EventKind = "payment"
	// EventKindMemberChange is a join/leave/role transition notice.
	EventKindMemberChange EventKind = "member.change"
)

// Platform identifies the upstream source that produced an event.
type Platform string

const (
	// PlatformTelegram is the gotd-backed Telegram source.
	PlatformTelegram Platform = "telegram"
	// PlatformRelay is the websocket relay push source.
	PlatformRelay Platform = "relay"
)

// Actor identifies the account that produced an event.
type Actor struct {
	// ID is the stable actor identifier on the source platform.
	ID string
	// Username is the platform handle when available.
	Username string
	// DisplayName is the human-readable actor name.
	DisplayName string
	// IsBot reports whether the actor is an automated account.
	IsBot bool
}

// Attachment is materialized attachment metadata carried by a display event.
type Attachment struct {
	// ID is the stable attachment identifier when the platform provides one.
	ID string
	// MIMEType is the attachment content type when known.
	MIMEType string
	// FileName is the original attachment filename when available.
	FileName string
	// SizeBytes is the attachment size in bytes when available.
	SizeBytes int64
	// Hash is the content hash used by the attachment hash index.
	Hash string
}

// Reaction is one reaction attached to a display event.
type Reaction struct {
	// ID is a stable identifier for this reaction instance, used for
	// idempotent attach.
	ID string
	// Emoji is the normalized emoji token.
	Emoji string
	// AuthorID identifies who reacted.
	AuthorID string
	// At is the reaction timestamp in unix milliseconds.
	At int64
}

// DisplayEvent is a materialized, displayable conversation event.
//
// The persistence tier has already resolved edits and computed fields before
// an event reaches this form; the cache treats everything except Reactions as
// immutable. At is the monotonic sort key (unix milliseconds); it is not
// required to be unique within a conversation, but ID is.
type DisplayEvent struct {
	// ID is unique within the event's conversation.
	ID string
	// ConversationID identifies the conversation the event belongs to.
	ConversationID string
	// Kind selects how the UI renders the event.
	Kind EventKind
	// At is the sort key in unix milliseconds.
	At int64
	// Platform identifies the upstream source.
	Platform Platform
	// Author identifies who produced the event when known.
	Author Actor
	// Body is the normalized display text.
	Body string
	// Attachments carries materialized attachment metadata.
	Attachments []Attachment
	// Reactions is the one mutable field: AddReactionToEvent appends in place.
	Reactions []Reaction
	// TargetEventID names the event a reaction-kind event applies to.
	TargetEventID string
	// Metadata stores optional driver-provided key/value context.
	Metadata map[string]string
}

// Validate checks that an event satisfies envelope invariants.
func (e *DisplayEvent) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	if e.ConversationID == "" {
		return fmt.Errorf("%w: missing conversation id", ErrInvalidEvent)
	}
	if e.Kind == "" {
		return fmt.Errorf("%w: missing kind", ErrInvalidEvent)
	}
	if e.At <= 0 {
		return fmt.Errorf("%w: missing sort key", ErrInvalidEvent)
	}
	if e.Kind == EventKindReaction && e.TargetEventID == "" {
		return fmt.Errorf("%w: reaction event requires target event id", ErrInvalidEvent)
	}

	return nil
}

// Clone returns a deep copy so cache-held state never aliases caller slices.
func (e DisplayEvent) Clone() DisplayEvent {
	cloned := e
	if len(e.Attachments) > 0 {
		cloned.Attachments = append([]Attachment(nil), e.Attachments...)
	} else {
		cloned.Attachments = nil
	}
	if len(e.Reactions) > 0 {
		cloned.Reactions = append([]Reaction(nil), e.Reactions...)
	} else {
		cloned.Reactions = nil
	}
	if len(e.Metadata) > 0 {
		cloned.Metadata = make(map[string]string, len(e.Metadata))
		for key, value := range e.Metadata {
			cloned.Metadata[key] = value
		}
	} else {
		cloned.Metadata = nil
	}

	return cloned
}

// CloneEvents deep-copies an event sequence.
func CloneEvents(events []DisplayEvent) []DisplayEvent {
	if len(events) == 0 {
		return nil
	}

	cloned := make([]DisplayEvent, len(events))
	for idx, event := range events {
		cloned[idx] = event.Clone()
	}

	return cloned
}
