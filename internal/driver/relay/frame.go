// Package relay consumes display events pushed by a relay gateway over
// WebSocket and republishes them on the kernel event bus.
package relay

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"kataribe/pkg/kataribe"
)

// Wire protocol version and frame types accepted from the gateway.
const (
	FrameVersion = 1

	FrameTypeEventNew = "event.new"
	FrameTypeHello    = "hello"
	FrameTypePing     = "ping"
)

// DriverPlatform is the neutral platform tag for events produced here.
const DriverPlatform = kataribe.PlatformRelay

// DriverType is the default driver identity exposed to the kernel.
const DriverType = "relay"

// Frame is the relay gateway envelope: a versioned, typed JSON message.
type Frame struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the envelope before payload dispatch.
func (f Frame) Validate() error {
	if f.V != FrameVersion {
		return fmt.Errorf("validate frame: unsupported version %d", f.V)
	}
	if f.Type == "" {
		return fmt.Errorf("validate frame: missing type")
	}

	return nil
}

// EventPayload is the event.new frame body.
type EventPayload struct {
	ConversationID string              `json:"conversation_id"`
	EventID        string              `json:"event_id,omitempty"`
	Kind           string              `json:"kind"`
	AtMillis       int64               `json:"at_ms"`
	Author         ActorPayload        `json:"author"`
	Body           string              `json:"body,omitempty"`
	Attachments    []AttachmentPayload `json:"attachments,omitempty"`
	TargetEventID  string              `json:"target_event_id,omitempty"`
	Metadata       map[string]string   `json:"metadata,omitempty"`
}

// ActorPayload is the wire form of an event author.
type ActorPayload struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	IsBot       bool   `json:"is_bot,omitempty"`
}

// AttachmentPayload is the wire form of an event attachment.
type AttachmentPayload struct {
	ID        string `json:"id"`
	MIMEType  string `json:"mime_type,omitempty"`
	FileName  string `json:"file_name,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	Hash      string `json:"hash,omitempty"`
}

// decodeFrame parses and validates one raw gateway message.
func decodeFrame(data []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if err := frame.Validate(); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}

	return frame, nil
}

// decodeEventFrame projects one event.new frame into a display event.
// Events arriving without an id get a ULID so downstream dedup stays
// id-based; relay ids sort by arrival time.
func decodeEventFrame(frame Frame) (*kataribe.DisplayEvent, error) {
	var payload EventPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode event frame payload: %w", err)
	}

	eventID := payload.EventID
	if eventID == "" {
		generated, err := newEventID(frame.TS)
		if err != nil {
			return nil, fmt.Errorf("decode event frame: %w", err)
		}
		eventID = generated
	}

	at := payload.AtMillis
	if at <= 0 {
		at = frame.TS.UnixMilli()
	}

	event := &kataribe.DisplayEvent{
		ID:             eventID,
		ConversationID: payload.ConversationID,
		Kind:           kataribe.EventKind(payload.Kind),
		At:             at,
		Platform:       DriverPlatform,
		Author: kataribe.Actor{
			ID:          payload.Author.ID,
			Username:    payload.Author.Username,
			DisplayName: payload.Author.DisplayName,
			IsBot:       payload.Author.IsBot,
		},
		Body:          payload.Body,
		TargetEventID: payload.TargetEventID,
		Metadata:      payload.Metadata,
	}

	if len(payload.Attachments) > 0 {
		event.Attachments = make([]kataribe.Attachment, 0, len(payload.Attachments))
		for _, attachment := range payload.Attachments {
			event.Attachments = append(event.Attachments, kataribe.Attachment{
				ID:        attachment.ID,
				MIMEType:  attachment.MIMEType,
				FileName:  attachment.FileName,
				SizeBytes: attachment.SizeBytes,
				Hash:      attachment.Hash,
			})
		}
	}

	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("decode event frame: %w", err)
	}

	return event, nil
}

// newEventID returns a lexicographically sortable event id for events the
// gateway shipped without one.
func newEventID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("new event id: %w", err)
	}

	return "relay:" + id.String(), nil
}
